// Package pdf renders purchase receipts for one-time credit top-ups.
package pdf

import (
	"context"
	"time"
)

type Provider interface {
	CreditPurchaseReceipt(ctx context.Context, userID, amountMinorUnits, credits int64, reference string, at time.Time) (string, error)
}

// NoOpProvider satisfies Provider for deployments that do not keep receipts.
type NoOpProvider struct{}

func (p *NoOpProvider) CreditPurchaseReceipt(ctx context.Context, userID, amountMinorUnits, credits int64, reference string, at time.Time) (string, error) {
	return "", nil
}
