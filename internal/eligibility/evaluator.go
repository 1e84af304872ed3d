// Package eligibility decides introductory and promotional offer
// eligibility from subscription history.
package eligibility

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/subsync/internal/customer"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/purchase"
)

// FlagReceiptRestored records that the one-time eligibility restore ran.
const FlagReceiptRestored = "eligibility_receipt_restored"

// Restorer submits the device receipt as a restore.
type Restorer interface {
	Restore(done func(*model.User, error))
}

// Flags is the flag surface of the cache.
type Flags interface {
	Flag(ctx context.Context, name string) (bool, error)
	SetFlag(ctx context.Context, name string, value bool) error
}

// Groups provides the backend product-group map.
type Groups interface {
	Groups() model.ProductGroupMap
}

// Deps are the Evaluator's collaborators.
type Deps struct {
	Gates    *gate.Scheduler
	Flags    Flags
	Book     *customer.Book
	Restorer Restorer
	Groups   Groups
}

type kind int

const (
	intro kind = iota
	promo
)

// Evaluator answers eligibility queries once product groups are known.
//
// Loop-confined: every method must run on the loop.
type Evaluator struct {
	deps Deps
	ctx  context.Context

	restoring bool
	waiting   []func(noReceipt bool)
}

// New creates an Evaluator.
func New(deps Deps) *Evaluator {
	return &Evaluator{deps: deps, ctx: context.Background()}
}

// Start binds ctx to cache access.
func (e *Evaluator) Start(ctx context.Context) {
	e.ctx = ctx
}

// CheckIntroEligibility reports, per product, whether an introductory
// offer is available.
func (e *Evaluator) CheckIntroEligibility(productIDs []string, done func(map[string]bool)) {
	e.check(productIDs, intro, done)
}

// CheckPromoEligibility reports, per product, whether a promotional offer
// is available.
func (e *Evaluator) CheckPromoEligibility(productIDs []string, done func(map[string]bool)) {
	e.check(productIDs, promo, done)
}

func (e *Evaluator) check(productIDs []string, k kind, done func(map[string]bool)) {
	ids := append([]string(nil), productIDs...)
	e.deps.Gates.Await(gate.ProductGroupsFetched, func() {
		e.withHistory(func(noReceipt bool) {
			if noReceipt {
				done(defaults(ids, k))
				return
			}
			done(e.evaluate(ids, k))
		})
	})
}

// withHistory runs fn once purchase history is as complete as it will get,
// restoring the receipt first if this install never did.
func (e *Evaluator) withHistory(fn func(noReceipt bool)) {
	if e.deps.Book.HasPurchases() {
		fn(false)
		return
	}
	restored, err := e.deps.Flags.Flag(e.ctx, FlagReceiptRestored)
	if err != nil {
		slog.Warn("read eligibility restore flag failed", "error", err)
		fn(false)
		return
	}
	if restored {
		fn(false)
		return
	}

	e.waiting = append(e.waiting, fn)
	if e.restoring {
		return
	}
	e.restoring = true
	slog.Info("restoring receipt for eligibility check")

	e.deps.Restorer.Restore(func(_ *model.User, err error) {
		noReceipt := errors.Is(err, purchase.ErrMissingReceipt)
		if err == nil || noReceipt {
			if ferr := e.deps.Flags.SetFlag(e.ctx, FlagReceiptRestored, true); ferr != nil {
				slog.Warn("persist eligibility restore flag failed", "error", ferr)
			}
		} else {
			slog.Info("eligibility restore failed, evaluating cached history", "error", err)
		}

		e.restoring = false
		waiting := e.waiting
		e.waiting = nil
		for _, w := range waiting {
			w(noReceipt)
		}
	})
}

// defaults are the answers for a subscriber with no history.
func defaults(ids []string, k kind) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = k == intro
	}
	return out
}

// evaluate applies subscription history. A historical subscription affects
// a candidate when it is the same product or in the same backend group:
// promo becomes available, and intro stays available only if the
// subscription expired without consuming an introductory offer.
func (e *Evaluator) evaluate(ids []string, k kind) map[string]bool {
	out := defaults(ids, k)
	groups := e.deps.Groups.Groups()

	for _, s := range e.deps.Book.Subscriptions() {
		for _, id := range ids {
			if !related(groups, s, id) {
				continue
			}
			switch k {
			case promo:
				out[id] = true
			case intro:
				// One disqualifying subscription in the group is enough.
				out[id] = out[id] && !s.IsIntroductoryActivated && s.Status == model.StatusExpired
			}
		}
	}
	return out
}

func related(groups model.ProductGroupMap, s model.Subscription, productID string) bool {
	if s.ProductID == productID || groups.SameGroup(s.ProductID, productID) {
		return true
	}
	g, ok := groups.GroupOf(productID)
	return ok && s.GroupID == g
}
