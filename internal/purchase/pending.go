package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/subsync/internal/cache"
)

// Store is the record surface of the cache.
type Store interface {
	GetRecord(ctx context.Context, name string, v any) (time.Time, bool, error)
	PutRecord(ctx context.Context, name string, v any) error
	ClearRecord(ctx context.Context, name string) error
}

// PendingSubmission durably marks a receipt submission as required.
//
// It is saved before the request starts and cleared only after a successful
// response, so a submission interrupted by process exit is resumed at the
// next launch.
type PendingSubmission struct {
	Required      bool   `json:"required"`
	Restore       bool   `json:"restore,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Attempts      int    `json:"attempts"`
}

// LoadPendingSubmission reads the marker. A missing record is a zero value.
func LoadPendingSubmission(ctx context.Context, store Store) (PendingSubmission, error) {
	var p PendingSubmission
	if _, _, err := store.GetRecord(ctx, cache.RecordPendingSubmission, &p); err != nil {
		return PendingSubmission{}, fmt.Errorf("load pending submission: %w", err)
	}
	return p, nil
}

// Save replaces the persisted marker.
func (p PendingSubmission) Save(ctx context.Context, store Store) error {
	if err := store.PutRecord(ctx, cache.RecordPendingSubmission, p); err != nil {
		return fmt.Errorf("save pending submission: %w", err)
	}
	return nil
}

// Clear removes the persisted marker.
func (p PendingSubmission) Clear(ctx context.Context, store Store) error {
	if err := store.ClearRecord(ctx, cache.RecordPendingSubmission); err != nil {
		return fmt.Errorf("clear pending submission: %w", err)
	}
	return nil
}

func (p PendingSubmission) submission() Submission {
	return Submission{ProductID: p.ProductID, TransactionID: p.TransactionID, Restore: p.Restore}
}
