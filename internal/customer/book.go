// Package customer holds the canonical User and paywall list and notifies
// listeners when entitlements change.
package customer

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/subsync/internal/model"
)

// Persister is the cache surface the Book writes through.
type Persister interface {
	SaveUser(ctx context.Context, u *model.User) error
	LoadUser(ctx context.Context) (*model.User, time.Time, error)
	SavePaywalls(ctx context.Context, paywalls []model.Paywall) error
	LoadPaywalls(ctx context.Context) ([]model.Paywall, bool, error)
}

// Change reports which entity lists changed in a Replace.
type Change struct {
	Subscriptions bool
	Purchases     bool
}

// Book owns the current User.
//
// Loop-confined: not safe for concurrent use.
//
// INVARIANTS:
//   - The user is replaced wholesale, never merged
//   - Every replacement is written to the cache before listeners run
//   - A failed refresh never clears the known-good user
type Book struct {
	store    Persister
	user     *model.User
	paywalls []model.Paywall

	onSubscriptions []func([]model.Subscription)
	onPurchases     []func([]model.NonRenewingPurchase)
	onPaywalls      []func()
}

// New creates an empty Book.
func New(store Persister) *Book {
	return &Book{store: store}
}

// Load restores the cached user and paywalls.
func (b *Book) Load(ctx context.Context) error {
	u, _, err := b.store.LoadUser(ctx)
	if err != nil {
		return err
	}
	paywalls, _, err := b.store.LoadPaywalls(ctx)
	if err != nil {
		return err
	}
	b.user = u
	b.paywalls = paywalls
	return nil
}

// OnSubscriptionsUpdated registers a listener for subscription changes.
func (b *Book) OnSubscriptionsUpdated(fn func([]model.Subscription)) {
	b.onSubscriptions = append(b.onSubscriptions, fn)
}

// OnPurchasesUpdated registers a listener for non-renewing purchase changes.
func (b *Book) OnPurchasesUpdated(fn func([]model.NonRenewingPurchase)) {
	b.onPurchases = append(b.onPurchases, fn)
}

// OnPaywallsReplaced registers a listener called after SetPaywalls installs
// a new paywall list.
func (b *Book) OnPaywallsReplaced(fn func()) {
	b.onPaywalls = append(b.onPaywalls, fn)
}

// Replace installs u as the current user, persists it, and notifies the
// listeners of each list whose signature set changed.
//
// A persistence failure is logged and returned; the in-memory user is
// replaced regardless.
func (b *Book) Replace(ctx context.Context, u *model.User) (Change, error) {
	if u == nil {
		return Change{}, nil
	}
	prev := b.user
	next := u.Clone()

	err := b.store.SaveUser(ctx, next)
	if err != nil {
		slog.Warn("cache user failed", "error", err)
	}
	b.user = next

	var prevSubs []model.Subscription
	var prevPurchases []model.NonRenewingPurchase
	if prev != nil {
		prevSubs = prev.Subscriptions
		prevPurchases = prev.NonRenewingPurchases
	}

	change := Change{
		Subscriptions: signaturesDiffer(model.SubscriptionsSignature, prevSubs, next.Subscriptions),
		Purchases:     signaturesDiffer(model.PurchasesSignature, prevPurchases, next.NonRenewingPurchases),
	}

	if change.Subscriptions {
		slog.Debug("subscriptions updated", "count", len(next.Subscriptions))
		for _, fn := range b.onSubscriptions {
			fn(slices.Clone(next.Subscriptions))
		}
	}
	if change.Purchases {
		slog.Debug("non-renewing purchases updated", "count", len(next.NonRenewingPurchases))
		for _, fn := range b.onPurchases {
			fn(slices.Clone(next.NonRenewingPurchases))
		}
	}
	return change, err
}

// signaturesDiffer compares signature sets. A signing failure counts as a
// change.
func signaturesDiffer[T any](sign func([]T) ([]string, error), prev, next []T) bool {
	a, err := sign(prev)
	if err != nil {
		return true
	}
	b, err := sign(next)
	if err != nil {
		return true
	}
	return !slices.Equal(a, b)
}

// Drop forgets the user and paywalls in memory. Used on logout; the cache
// is cleared by the caller.
func (b *Book) Drop() {
	b.user = nil
	b.paywalls = nil
}

// User returns a copy of the current user, or nil.
func (b *Book) User() *model.User {
	return b.user.Clone()
}

// UserID returns the current user's server-assigned ID.
func (b *Book) UserID() string {
	if b.user == nil {
		return ""
	}
	return b.user.UserID
}

// HasUser reports whether a user is known.
func (b *Book) HasUser() bool {
	return b.user != nil
}

// HasPurchases reports whether the user has any purchase history.
func (b *Book) HasPurchases() bool {
	return b.user.HasPurchases()
}

// Subscriptions returns the current subscriptions.
func (b *Book) Subscriptions() []model.Subscription {
	if b.user == nil {
		return nil
	}
	return slices.Clone(b.user.Subscriptions)
}

// NonRenewingPurchases returns the current non-renewing purchases.
func (b *Book) NonRenewingPurchases() []model.NonRenewingPurchase {
	if b.user == nil {
		return nil
	}
	return slices.Clone(b.user.NonRenewingPurchases)
}

// HasActiveSubscription reports whether any subscription is active.
func (b *Book) HasActiveSubscription() bool {
	_, ok := b.user.ActiveSubscription()
	return ok
}

// IsNonRenewingPurchaseActive reports whether productID was purchased and
// not canceled as of now.
func (b *Book) IsNonRenewingPurchaseActive(productID string, now time.Time) bool {
	if b.user == nil {
		return false
	}
	for _, p := range b.user.NonRenewingPurchases {
		if p.ProductID == productID && p.IsActive(now) {
			return true
		}
	}
	return false
}

// SetPaywalls replaces and persists the paywall list, then notifies the
// paywall listeners. Listeners run even when persisting fails.
func (b *Book) SetPaywalls(ctx context.Context, paywalls []model.Paywall) error {
	b.paywalls = slices.Clone(paywalls)
	err := b.store.SavePaywalls(ctx, b.paywalls)
	if err != nil {
		slog.Warn("cache paywalls failed", "error", err)
	}
	for _, fn := range b.onPaywalls {
		fn()
	}
	return err
}

// UpdatePaywalls replaces the in-memory paywalls without persisting. Used
// when product resolution annotates already-cached paywalls.
func (b *Book) UpdatePaywalls(paywalls []model.Paywall) {
	b.paywalls = paywalls
}

// Paywalls returns the current paywall list.
func (b *Book) Paywalls() []model.Paywall {
	return slices.Clone(b.paywalls)
}

// HasPaywalls reports whether a paywall list is known.
func (b *Book) HasPaywalls() bool {
	return b.paywalls != nil
}
