// Package storefront is the boundary to the platform purchase API.
//
// The engine consumes an Adapter; Sandbox is a file-backed implementation
// for running outside a device.
package storefront

import (
	"context"
	"errors"

	"github.com/roach88/subsync/internal/model"
)

// State is a transaction state reported by the store.
type State int

const (
	StatePurchasing State = iota
	StatePurchased
	StateFailed
	StateDeferred
	StateRestored
)

func (s State) String() string {
	switch s {
	case StatePurchasing:
		return "purchasing"
	case StatePurchased:
		return "purchased"
	case StateFailed:
		return "failed"
	case StateDeferred:
		return "deferred"
	case StateRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further event follows for the transaction.
func (s State) Terminal() bool {
	return s != StatePurchasing
}

// TransactionEvent is one state change of a store transaction.
type TransactionEvent struct {
	TransactionID string
	ProductID     string
	State         State
	// Err is set for StateFailed.
	Err error
}

// PaymentDiscount is the signed promotional offer attached to a purchase.
type PaymentDiscount struct {
	OfferID   string
	KeyID     string
	Nonce     string
	Signature string
	Timestamp int64
}

// ErrNoReceipt is returned when the device holds no receipt.
var ErrNoReceipt = errors.New("storefront: no receipt on device")

// ErrUnknownProduct is returned when a purchase names a product the store
// does not sell.
var ErrUnknownProduct = errors.New("storefront: unknown product")

// Adapter wraps the native purchase API.
//
// BeginPurchase returns a channel that delivers the transaction's events and
// is closed after the terminal one. Updates delivers transactions the
// platform reports on its own, such as restores and renewals.
type Adapter interface {
	FetchCatalog(ctx context.Context, productIDs []string) ([]model.ProductMetadata, error)
	BeginPurchase(ctx context.Context, productID string, discount *PaymentDiscount) (<-chan TransactionEvent, error)
	FinishTransaction(ctx context.Context, transactionID string) error
	Receipt(ctx context.Context) ([]byte, error)
	RefreshReceipt(ctx context.Context) ([]byte, error)
	Updates() <-chan TransactionEvent
}

// AwaitTerminal reads events until a terminal one arrives or the channel
// closes. Blocks; call out-of-line.
func AwaitTerminal(ctx context.Context, events <-chan TransactionEvent) (TransactionEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return TransactionEvent{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return TransactionEvent{}, errors.New("storefront: transaction stream closed before a terminal state")
			}
			if ev.State.Terminal() {
				return ev, nil
			}
		}
	}
}
