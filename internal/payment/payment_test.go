package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/gamedayrelics/ordercore/internal/circuitbreaker"
)

func TestManualProviderSettlesOnce(t *testing.T) {
	p := NewManualProvider()
	ctx := context.Background()

	token, err := p.Hold(ctx, "acct_s1", "25.00", "usd")
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}

	first, err := p.Payout(ctx, token, "acct_s1")
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if first.Status != TransferSucceeded || first.TransferID == "" {
		t.Errorf("payout = %+v", first)
	}

	// Repeated payout returns the original transfer.
	second, err := p.Payout(ctx, token, "acct_s1")
	if err != nil {
		t.Fatalf("repeat Payout: %v", err)
	}
	if second.TransferID != first.TransferID {
		t.Errorf("repeat payout transfer = %s, want %s", second.TransferID, first.TransferID)
	}

	// Refund after payout is a conflict.
	if _, err := p.RefundToBuyer(ctx, token); err == nil {
		t.Error("refund after payout should fail")
	}

	status, err := p.GetTransferStatus(ctx, first.TransferID)
	if err != nil || status != TransferSucceeded {
		t.Errorf("transfer status = %s, %v", status, err)
	}
}

func TestManualProviderRefund(t *testing.T) {
	p := NewManualProvider()
	ctx := context.Background()

	token, err := p.Hold(ctx, "acct_s1", "25.00", "usd")
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}

	if status, err := p.RefundToBuyer(ctx, token); err != nil || status != TransferSucceeded {
		t.Fatalf("refund = %s, %v", status, err)
	}
	// Repeat refund is a no-op.
	if status, err := p.RefundToBuyer(ctx, token); err != nil || status != TransferSucceeded {
		t.Errorf("repeat refund = %s, %v", status, err)
	}
	// Payout after refund is a conflict.
	if _, err := p.Payout(ctx, token, "acct_s1"); err == nil {
		t.Error("payout after refund should fail")
	}
}

func TestManualProviderUnknownToken(t *testing.T) {
	p := NewManualProvider()
	ctx := context.Background()

	var pe *ProviderError
	if _, err := p.Payout(ctx, "mhold_nope", "acct"); !errors.As(err, &pe) || pe.Code != "unknown_token" {
		t.Errorf("payout err = %v", err)
	}
	if _, err := p.RefundToBuyer(ctx, "mhold_nope"); !errors.As(err, &pe) {
		t.Errorf("refund err = %v", err)
	}
}

func TestAmountToCents(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"49.99", 4999, false},
		{"25.00", 2500, false},
		{"25", 2500, false},
		{"0.5", 50, false},
		{"0.05", 5, false},
		{"100.5", 10050, false},
		{"1.999", 0, true},
		{"1.2.3", 0, true},
		{"12a", 0, true},
		{"-5", 0, true},
	}
	for _, tc := range tests {
		got, err := amountToCents(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("amountToCents(%q) = %d, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("amountToCents(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
	if Retryable(&ProviderError{Op: "hold", Code: "card_declined"}) {
		t.Error("terminal provider errors are not retryable")
	}
	if !Retryable(&ProviderError{Op: "payout", Code: "timeout", Retryable: true}) {
		t.Error("retryable provider errors should report retryable")
	}
	// Wrapped provider errors are still recognized.
	wrapped := &ProviderError{Op: "payout", Retryable: true, Err: errors.New("conn reset")}
	if !Retryable(errors.Join(errors.New("outer"), wrapped)) {
		t.Error("wrapped retryable error should report retryable")
	}
}

func TestClassifyStripeErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"api error", &stripe.Error{Type: stripe.ErrorTypeAPI}, true},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 429}, true},
		{"server error", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 500}, true},
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: 402, Code: stripe.ErrorCodeCardDeclined}, false},
		{"bad request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tc := range tests {
		got := classify("payout", tc.err)
		var pe *ProviderError
		if !errors.As(got, &pe) {
			t.Errorf("%s: classify returned %T, want *ProviderError", tc.name, got)
			continue
		}
		if pe.Retryable != tc.retryable {
			t.Errorf("%s: retryable = %v, want %v", tc.name, pe.Retryable, tc.retryable)
		}
	}
}

func TestBreakerShedsAfterRepeatedOutage(t *testing.T) {
	inner := NewManualProvider()
	inner.PayoutErr = &ProviderError{Op: "payout", Code: "outage", Retryable: true, Err: errors.New("down")}

	b := circuitbreaker.New(2, time.Minute)
	p := WithBreaker(inner, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Payout(ctx, "tok", "acct"); err == nil {
			t.Fatal("expected payout failure")
		}
	}

	// Circuit is open now; the inner provider is no longer reached.
	_, err := p.Payout(ctx, "tok", "acct")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if !Retryable(err) {
		t.Error("circuit-open errors are retryable")
	}

	// Other operations have their own circuits.
	if _, err := p.Hold(ctx, "acct", "10.00", "usd"); err != nil {
		t.Errorf("hold should be unaffected: %v", err)
	}
}

func TestBreakerIgnoresTerminalErrors(t *testing.T) {
	inner := NewManualProvider()
	inner.PayoutErr = &ProviderError{Op: "payout", Code: "card_declined", Err: errors.New("declined")}

	b := circuitbreaker.New(2, time.Minute)
	p := WithBreaker(inner, b)
	ctx := context.Background()

	// Terminal failures mean the provider is up: the circuit stays closed.
	for i := 0; i < 10; i++ {
		_, err := p.Payout(ctx, "tok", "acct")
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("circuit opened on terminal errors at call %d", i)
		}
	}
}
