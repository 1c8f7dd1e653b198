// Package audit persists payment receipts for later reconciliation.
package audit

import (
	"context"

	"github.com/vitwit/x402gate/types"
)

// Recorder stores payment receipts.
type Recorder interface {
	Record(ctx context.Context, receipt *types.PaymentReceipt) error
}

// Nop discards receipts.
type Nop struct{}

func (Nop) Record(context.Context, *types.PaymentReceipt) error { return nil }
