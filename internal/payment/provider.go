// Package payment defines the capability contract this service expects from a
// payment provider: escrow hold, seller payout, buyer refund, and transfer
// status lookup. The ledger decides custody; this package only moves money.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// TransferStatus is the provider-side state of a payout or refund transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSucceeded TransferStatus = "succeeded"
	TransferFailed    TransferStatus = "failed"
)

// TransferResult is returned by Payout.
type TransferResult struct {
	TransferID string
	Status     TransferStatus
}

// Provider is the payment-provider capability surface. Every call must be
// idempotent on the provider side when retried with the same token.
type Provider interface {
	// Hold authorizes amount against the buyer's payment method and returns
	// an opaque escrow token the rest of the flow is keyed on.
	Hold(ctx context.Context, sellerAccount, amount, currency string) (string, error)

	// Payout transfers previously held funds to the seller's account.
	Payout(ctx context.Context, escrowToken, sellerAccount string) (TransferResult, error)

	// RefundToBuyer returns previously held funds to the buyer.
	RefundToBuyer(ctx context.Context, escrowToken string) (TransferStatus, error)

	// GetTransferStatus reports the current state of a payout transfer.
	GetTransferStatus(ctx context.Context, transferID string) (TransferStatus, error)
}

// ProviderError is a payment provider failure, classified as retryable
// (network, rate limit, provider outage) or terminal (rejected request).
type ProviderError struct {
	Op        string // "hold", "payout", "refund", "status"
	Code      string // provider-specific error code, if any
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment provider %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("payment provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether err is a provider error worth retrying.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
