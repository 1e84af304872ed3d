package engine

import (
	"context"
	"time"

	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/identity"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/purchase"
)

// post runs fn on the loop.
func (e *Engine) post(fn func()) error {
	if !e.loop.Post(fn) {
		return ErrStopped
	}
	return nil
}

// await posts start onto the loop and blocks until start calls its done
// function or ctx ends. done may be called from the loop only.
func await[T any](ctx context.Context, e *Engine, start func(done func(T))) (T, error) {
	ch := make(chan T, 1)
	err := e.post(func() {
		start(func(v T) {
			select {
			case ch <- v:
			default:
			}
		})
	})
	var zero T
	if err != nil {
		return zero, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// query evaluates fn on the loop.
func query[T any](ctx context.Context, e *Engine, fn func() T) (T, error) {
	return await(ctx, e, func(done func(T)) { done(fn()) })
}

type userResult struct {
	user *model.User
	err  error
}

// PurchaseAsync buys productID. done runs on the loop.
func (e *Engine) PurchaseAsync(productID string, done func(purchase.Result)) error {
	return e.post(func() { e.pipeline.Purchase(productID, done) })
}

// Purchase buys productID and waits for the result. The returned error is
// the result's error, or ctx's.
func (e *Engine) Purchase(ctx context.Context, productID string) (purchase.Result, error) {
	res, err := await(ctx, e, func(done func(purchase.Result)) {
		e.pipeline.Purchase(productID, done)
	})
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// PurchasePromoAsync buys productID with a signed promotional offer.
func (e *Engine) PurchasePromoAsync(productID, offerID string, done func(purchase.Result)) error {
	return e.post(func() { e.pipeline.PurchasePromo(productID, offerID, done) })
}

// PurchasePromo buys productID with a signed promotional offer and waits.
func (e *Engine) PurchasePromo(ctx context.Context, productID, offerID string) (purchase.Result, error) {
	res, err := await(ctx, e, func(done func(purchase.Result)) {
		e.pipeline.PurchasePromo(productID, offerID, done)
	})
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// RestoreAsync submits the current receipt as a restore.
func (e *Engine) RestoreAsync(done func(*model.User, error)) error {
	return e.post(func() { e.pipeline.Restore(done) })
}

// Restore submits the current receipt as a restore and waits.
func (e *Engine) Restore(ctx context.Context) (*model.User, error) {
	return e.userCall(ctx, e.pipeline.Restore)
}

func (e *Engine) userCall(ctx context.Context, start func(func(*model.User, error))) (*model.User, error) {
	res, err := await(ctx, e, func(done func(userResult)) {
		start(func(u *model.User, err error) { done(userResult{u, err}) })
	})
	if err != nil {
		return nil, err
	}
	return res.user, res.err
}

// CheckIntroEligibilityAsync reports intro-offer eligibility per product.
func (e *Engine) CheckIntroEligibilityAsync(productIDs []string, done func(map[string]bool)) error {
	return e.post(func() { e.evaluator.CheckIntroEligibility(productIDs, done) })
}

// CheckIntroEligibility reports intro-offer eligibility per product.
func (e *Engine) CheckIntroEligibility(ctx context.Context, productIDs []string) (map[string]bool, error) {
	return await(ctx, e, func(done func(map[string]bool)) {
		e.evaluator.CheckIntroEligibility(productIDs, done)
	})
}

// CheckPromoEligibilityAsync reports promotional-offer eligibility per
// product.
func (e *Engine) CheckPromoEligibilityAsync(productIDs []string, done func(map[string]bool)) error {
	return e.post(func() { e.evaluator.CheckPromoEligibility(productIDs, done) })
}

// CheckPromoEligibility reports promotional-offer eligibility per product.
func (e *Engine) CheckPromoEligibility(ctx context.Context, productIDs []string) (map[string]bool, error) {
	return await(ctx, e, func(done func(map[string]bool)) {
		e.evaluator.CheckPromoEligibility(productIDs, done)
	})
}

// SubmitAttributionAsync submits an attribution payload.
func (e *Engine) SubmitAttributionAsync(payload model.AttributionPayload, done func(error)) error {
	return e.post(func() { e.attribution.Submit(payload, done) })
}

// SubmitAttribution submits an attribution payload and waits.
func (e *Engine) SubmitAttribution(ctx context.Context, payload model.AttributionPayload) error {
	res, err := await(ctx, e, func(done func(error)) {
		e.attribution.Submit(payload, done)
	})
	if err != nil {
		return err
	}
	return res
}

// UpdateUserIDAsync switches to userID and re-registers.
func (e *Engine) UpdateUserIDAsync(userID string, done func(*model.User, error)) error {
	return e.post(func() { e.registrar.UpdateUserID(userID, done) })
}

// UpdateUserID switches to userID and waits for the registration.
func (e *Engine) UpdateUserID(ctx context.Context, userID string) (*model.User, error) {
	return e.userCall(ctx, func(done func(*model.User, error)) {
		e.registrar.UpdateUserID(userID, done)
	})
}

// LogoutAsync switches to a fresh user ID and drops cached user data.
func (e *Engine) LogoutAsync(done func(error)) error {
	return e.post(func() {
		err := e.registrar.Logout(e.ctx)
		if done != nil {
			done(err)
		}
	})
}

// Logout switches to a fresh user ID and drops cached user data.
func (e *Engine) Logout(ctx context.Context) error {
	res, err := await(ctx, e, func(done func(error)) {
		done(e.registrar.Logout(ctx))
	})
	if err != nil {
		return err
	}
	return res
}

// SubscriptionsAsync passes the current subscriptions to fn on the loop.
func (e *Engine) SubscriptionsAsync(fn func([]model.Subscription)) error {
	return e.post(func() { fn(e.book.Subscriptions()) })
}

// Subscriptions returns the current subscriptions.
func (e *Engine) Subscriptions(ctx context.Context) ([]model.Subscription, error) {
	return query(ctx, e, e.book.Subscriptions)
}

// NonRenewingPurchasesAsync passes the current non-renewing purchases to fn.
func (e *Engine) NonRenewingPurchasesAsync(fn func([]model.NonRenewingPurchase)) error {
	return e.post(func() { fn(e.book.NonRenewingPurchases()) })
}

// NonRenewingPurchases returns the current non-renewing purchases.
func (e *Engine) NonRenewingPurchases(ctx context.Context) ([]model.NonRenewingPurchase, error) {
	return query(ctx, e, e.book.NonRenewingPurchases)
}

// HasActiveSubscriptionAsync passes whether any subscription is active.
func (e *Engine) HasActiveSubscriptionAsync(fn func(bool)) error {
	return e.post(func() { fn(e.book.HasActiveSubscription()) })
}

// HasActiveSubscription reports whether any subscription is active.
func (e *Engine) HasActiveSubscription(ctx context.Context) (bool, error) {
	return query(ctx, e, e.book.HasActiveSubscription)
}

// IsNonRenewingPurchaseActive reports whether productID was bought within
// its grace period.
func (e *Engine) IsNonRenewingPurchaseActive(ctx context.Context, productID string) (bool, error) {
	return query(ctx, e, func() bool {
		return e.book.IsNonRenewingPurchaseActive(productID, time.Now())
	})
}

// UserIDAsync passes the current user ID.
func (e *Engine) UserIDAsync(fn func(string)) error {
	return e.post(func() { fn(e.registrar.Identity().UserID) })
}

// UserID returns the current user ID.
func (e *Engine) UserID(ctx context.Context) (string, error) {
	return query(ctx, e, func() string { return e.registrar.Identity().UserID })
}

// PaywallsAsync passes the cached paywalls.
func (e *Engine) PaywallsAsync(fn func([]model.Paywall)) error {
	return e.post(func() { fn(e.catalogPaywalls()) })
}

// Paywalls returns the cached paywalls with products resolved against the
// store catalog where it has been fetched.
func (e *Engine) Paywalls(ctx context.Context) ([]model.Paywall, error) {
	return query(ctx, e, e.catalogPaywalls)
}

func (e *Engine) catalogPaywalls() []model.Paywall {
	raw := e.book.Paywalls()
	out := make([]model.Paywall, 0, len(raw))
	for _, pw := range raw {
		if resolved, ok := e.catalog.Paywall(pw.Identifier); ok {
			out = append(out, resolved)
			continue
		}
		out = append(out, pw)
	}
	return out
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Identity             model.Identity              `json:"identity"`
	Registration         string                      `json:"registration"`
	Gates                map[gate.Name]bool          `json:"gates"`
	Subscriptions        []model.Subscription        `json:"subscriptions"`
	NonRenewingPurchases []model.NonRenewingPurchase `json:"non_renewing_purchases"`
	Paywalls             []string                    `json:"paywalls"`
	ReceiptPending       bool                        `json:"receipt_pending"`
	Products             int                         `json:"products"`
}

// Status returns a snapshot of identity, gates and entitlements.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	return query(ctx, e, e.status)
}

func (e *Engine) status() Status {
	st := Status{
		Identity:             e.registrar.Identity(),
		Registration:         e.registrar.State().String(),
		Gates:                make(map[gate.Name]bool, len(gate.All)),
		Subscriptions:        e.book.Subscriptions(),
		NonRenewingPurchases: e.book.NonRenewingPurchases(),
		ReceiptPending:       e.pipeline.Pending().Required,
		Products:             len(e.catalog.Products()),
	}
	for _, name := range gate.All {
		st.Gates[name] = e.gates.IsOpen(name)
	}
	for _, pw := range e.book.Paywalls() {
		st.Paywalls = append(st.Paywalls, pw.Identifier)
	}
	return st
}

// RegistrationState returns the registrar's state.
func (e *Engine) RegistrationState(ctx context.Context) (identity.State, error) {
	return query(ctx, e, e.registrar.State)
}
