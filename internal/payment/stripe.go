package payment

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider implements Provider on top of Stripe.
//
// Mapping:
//   - Hold        → PaymentIntent with manual capture (authorization only)
//   - Payout      → capture the intent, then Transfer to the seller's
//     connected account
//   - RefundToBuyer → cancel an uncaptured intent, or Refund a captured one
type StripeProvider struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeProvider creates a Stripe-backed provider. Every call is bounded
// by timeout regardless of the caller's context.
func NewStripeProvider(apiKey string, timeout time.Duration) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api, timeout: timeout}
}

func (p *StripeProvider) Hold(ctx context.Context, sellerAccount, amount, currency string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cents, err := amountToCents(amount)
	if err != nil {
		return "", &ProviderError{Op: "hold", Code: "invalid_amount", Err: err}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(sellerAccount),
		},
	}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return "", classify("hold", err)
	}
	return pi.ID, nil
}

func (p *StripeProvider) Payout(ctx context.Context, escrowToken, sellerAccount string) (TransferResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Capture(escrowToken, params)
	if err != nil {
		return TransferResult{}, classify("payout", err)
	}

	result := TransferResult{TransferID: pi.ID, Status: TransferPending}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		result.Status = TransferSucceeded
	}
	return result, nil
}

func (p *StripeProvider) RefundToBuyer(ctx context.Context, escrowToken string) (TransferStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Uncaptured intents are cancelled (releases the authorization); captured
	// ones need an actual refund.
	cancelParams := &stripe.PaymentIntentCancelParams{}
	cancelParams.Context = ctx
	if _, err := p.api.PaymentIntents.Cancel(escrowToken, cancelParams); err == nil {
		return TransferSucceeded, nil
	}

	refundParams := &stripe.RefundParams{
		PaymentIntent: stripe.String(escrowToken),
	}
	refundParams.Context = ctx

	ref, err := p.api.Refunds.New(refundParams)
	if err != nil {
		return TransferFailed, classify("refund", err)
	}

	switch ref.Status {
	case stripe.RefundStatusSucceeded:
		return TransferSucceeded, nil
	case stripe.RefundStatusFailed:
		return TransferFailed, nil
	default:
		return TransferPending, nil
	}
}

func (p *StripeProvider) GetTransferStatus(ctx context.Context, transferID string) (TransferStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Get(transferID, params)
	if err != nil {
		return TransferFailed, classify("status", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return TransferSucceeded, nil
	case stripe.PaymentIntentStatusCanceled:
		return TransferFailed, nil
	default:
		return TransferPending, nil
	}
}

// classify maps a Stripe error to a ProviderError with a retryable flag.
// API-type errors cover Stripe-side and connection failures; rate limits and
// 5xx responses are retryable too, rejected requests are not.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		retryable := se.Type == stripe.ErrorTypeAPI ||
			se.HTTPStatusCode == 429 ||
			se.HTTPStatusCode >= 500
		return &ProviderError{Op: op, Code: string(se.Code), Retryable: retryable, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ProviderError{Op: op, Code: "timeout", Retryable: true, Err: err}
	}
	// Unknown transport-level failure: assume retryable.
	return &ProviderError{Op: op, Retryable: true, Err: err}
}

// amountToCents converts a decimal amount string ("49.99") to integer cents.
func amountToCents(amount string) (int64, error) {
	var whole, frac int64
	var seenDot bool
	fracDigits := 0
	for _, c := range amount {
		switch {
		case c == '.':
			if seenDot {
				return 0, errors.New("malformed amount")
			}
			seenDot = true
		case c >= '0' && c <= '9':
			if seenDot {
				if fracDigits >= 2 {
					return 0, errors.New("amount has more than two decimal places")
				}
				frac = frac*10 + int64(c-'0')
				fracDigits++
			} else {
				whole = whole*10 + int64(c-'0')
			}
		default:
			return 0, errors.New("malformed amount")
		}
	}
	for fracDigits < 2 {
		frac *= 10
		fracDigits++
	}
	return whole*100 + frac, nil
}

var _ Provider = (*StripeProvider)(nil)
