package payment

import (
	"context"
	"errors"

	"github.com/gamedayrelics/ordercore/internal/circuitbreaker"
)

// ErrCircuitOpen is returned when the provider circuit is open and calls are
// being shed. It is retryable: the circuit half-opens after its cooldown.
var ErrCircuitOpen = errors.New("payment provider circuit open")

// BreakerProvider wraps a Provider with a circuit breaker so a provider
// outage sheds calls fast instead of stacking up timeouts. Each operation
// kind gets its own circuit.
type BreakerProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps p with the given circuit breaker.
func WithBreaker(p Provider, b *circuitbreaker.Breaker) *BreakerProvider {
	return &BreakerProvider{inner: p, breaker: b}
}

func (p *BreakerProvider) call(op string, fn func() error) error {
	if !p.breaker.Allow(op) {
		return &ProviderError{Op: op, Code: "circuit_open", Retryable: true, Err: ErrCircuitOpen}
	}
	err := fn()
	// Only provider-side trouble counts against the circuit; rejected
	// requests mean the provider is up.
	if err != nil && Retryable(err) {
		p.breaker.RecordFailure(op)
	} else {
		p.breaker.RecordSuccess(op)
	}
	return err
}

func (p *BreakerProvider) Hold(ctx context.Context, sellerAccount, amount, currency string) (string, error) {
	var token string
	err := p.call("hold", func() error {
		var err error
		token, err = p.inner.Hold(ctx, sellerAccount, amount, currency)
		return err
	})
	return token, err
}

func (p *BreakerProvider) Payout(ctx context.Context, escrowToken, sellerAccount string) (TransferResult, error) {
	var result TransferResult
	err := p.call("payout", func() error {
		var err error
		result, err = p.inner.Payout(ctx, escrowToken, sellerAccount)
		return err
	})
	return result, err
}

func (p *BreakerProvider) RefundToBuyer(ctx context.Context, escrowToken string) (TransferStatus, error) {
	var status TransferStatus
	err := p.call("refund", func() error {
		var err error
		status, err = p.inner.RefundToBuyer(ctx, escrowToken)
		return err
	})
	return status, err
}

func (p *BreakerProvider) GetTransferStatus(ctx context.Context, transferID string) (TransferStatus, error) {
	var status TransferStatus
	err := p.call("status", func() error {
		var err error
		status, err = p.inner.GetTransferStatus(ctx, transferID)
		return err
	})
	return status, err
}

var _ Provider = (*BreakerProvider)(nil)
