package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/gamedayrelics/ordercore/internal/idgen"
)

// ManualProvider is an in-memory provider for development mode and tests.
// It models the manual-wallet-transfer flow: holds are recorded immediately
// and payouts/refunds settle synchronously. Calls are idempotent per token.
type ManualProvider struct {
	mu        sync.Mutex
	holds     map[string]*manualHold
	transfers map[string]TransferStatus

	// Fault injection for tests. When set, the corresponding call fails.
	HoldErr   error
	PayoutErr error
	RefundErr error
}

type manualHold struct {
	sellerAccount string
	amount        string
	currency      string
	settled       string // "", "payout", "refund"
	transferID    string
}

// NewManualProvider creates an in-memory provider.
func NewManualProvider() *ManualProvider {
	return &ManualProvider{
		holds:     make(map[string]*manualHold),
		transfers: make(map[string]TransferStatus),
	}
}

func (p *ManualProvider) Hold(_ context.Context, sellerAccount, amount, currency string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.HoldErr != nil {
		return "", p.HoldErr
	}

	token := idgen.WithPrefix("mhold_")
	p.holds[token] = &manualHold{
		sellerAccount: sellerAccount,
		amount:        amount,
		currency:      currency,
	}
	return token, nil
}

func (p *ManualProvider) Payout(_ context.Context, escrowToken, sellerAccount string) (TransferResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.PayoutErr != nil {
		return TransferResult{}, p.PayoutErr
	}

	hold, ok := p.holds[escrowToken]
	if !ok {
		return TransferResult{}, &ProviderError{Op: "payout", Code: "unknown_token", Err: errors.New("no hold for token")}
	}

	// Idempotent: a repeated payout returns the original transfer.
	if hold.settled == "payout" {
		return TransferResult{TransferID: hold.transferID, Status: p.transfers[hold.transferID]}, nil
	}
	if hold.settled == "refund" {
		return TransferResult{}, &ProviderError{Op: "payout", Code: "already_refunded", Err: errors.New("hold already refunded")}
	}

	hold.settled = "payout"
	hold.transferID = idgen.WithPrefix("mtr_")
	p.transfers[hold.transferID] = TransferSucceeded
	return TransferResult{TransferID: hold.transferID, Status: TransferSucceeded}, nil
}

func (p *ManualProvider) RefundToBuyer(_ context.Context, escrowToken string) (TransferStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RefundErr != nil {
		return TransferFailed, p.RefundErr
	}

	hold, ok := p.holds[escrowToken]
	if !ok {
		return TransferFailed, &ProviderError{Op: "refund", Code: "unknown_token", Err: errors.New("no hold for token")}
	}

	if hold.settled == "refund" {
		return TransferSucceeded, nil
	}
	if hold.settled == "payout" {
		return TransferFailed, &ProviderError{Op: "refund", Code: "already_paid_out", Err: errors.New("hold already paid out")}
	}

	hold.settled = "refund"
	return TransferSucceeded, nil
}

func (p *ManualProvider) GetTransferStatus(_ context.Context, transferID string) (TransferStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.transfers[transferID]
	if !ok {
		return TransferFailed, &ProviderError{Op: "status", Code: "unknown_transfer", Err: errors.New("no such transfer")}
	}
	return status, nil
}

// Holds returns the number of active (unsettled) holds (for testing).
func (p *ManualProvider) Holds() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, h := range p.holds {
		if h.settled == "" {
			n++
		}
	}
	return n
}

var _ Provider = (*ManualProvider)(nil)
