package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/config"
	"github.com/roach88/subsync/internal/engine"
	"github.com/roach88/subsync/internal/identity"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/purchase"
	"github.com/roach88/subsync/internal/storefront"
	"github.com/roach88/subsync/internal/testutil"
)

const (
	// settleLimit bounds the timers fired by one settle step.
	settleLimit = 100
	// emitTimeout bounds the wait for an emitted transaction to reach the
	// loop.
	emitTimeout = 2 * time.Second
)

// stepResult is a completed step's observable result.
type stepResult struct {
	args map[string]any
	err  error
}

// runner executes one scenario.
type runner struct {
	scenario *Scenario
	rec      *recorder
	engine   *engine.Engine
	store    *testutil.ScriptedStore
	timers   *testutil.ManualTimers
	results  map[int]*stepResult
}

// Run executes a scenario and returns its trace. The returned error is
// reserved for setup failures; scenario failures are reported in Result.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "subsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cacheStore, err := cache.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer cacheStore.Close()

	r := &runner{
		scenario: s,
		rec:      &recorder{},
		timers:   testutil.NewManualTimers(),
		results:  make(map[int]*stepResult),
	}
	r.store = scriptedStore(s.Store)

	e, err := engine.New(scenarioConfig(s.Config), engine.Deps{
		Backend:    newScriptedBackend(s.Backend, r.rec),
		Storefront: r.store,
		Store:      cacheStore,
		Timers:     r.timers,
		Spawner:    loop.Inline,
		NewID:      testutil.NewSequentialIDs("gen").Next,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	r.engine = e
	r.listen()

	if err := e.Start(ctx); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	defer e.Stop()
	e.Drain()

	for i, step := range s.Steps {
		if err := r.step(ctx, i, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		e.Drain()
	}

	result := NewResult()
	result.Trace = r.rec.trace()
	result.Status = e.Snapshot()
	result.Delays = r.timers.Scheduled()

	r.checkExpectations(result)
	for _, a := range s.Assertions {
		if err := Evaluate(a, result); err != nil {
			result.AddError("%v", err)
		}
	}
	return result, nil
}

func scenarioConfig(o ConfigOverride) config.Config {
	cfg := config.Default()
	cfg.APIKey = "pk_harness"
	cfg.Environment = api.EnvironmentSandbox
	cfg.Device = identity.DeviceInfo{Locale: "en_US", Platform: "ios"}
	cfg.UserID = o.UserID
	if o.AutoFinish != nil {
		cfg.AutoFinish = *o.AutoFinish
	}
	if o.MaxRegistrationAttempts > 0 {
		cfg.Retry.MaxRegistrationAttempts = o.MaxRegistrationAttempts
	}
	if o.MaxReceiptAttempts > 0 {
		cfg.Retry.MaxReceiptAttempts = o.MaxReceiptAttempts
	}
	return cfg
}

func scriptedStore(s StoreScript) *testutil.ScriptedStore {
	products := make([]model.ProductMetadata, 0, len(s.Products))
	for _, p := range s.Products {
		md := model.ProductMetadata{
			ProductID:          p.ProductID,
			Price:              p.Price,
			CurrencyCode:       p.CurrencyCode,
			CountryCode:        p.CountryCode,
			StoreGroupID:       p.StoreGroupID,
			SubscriptionPeriod: "P1M",
		}
		if p.IntroOffer {
			md.IntroOffer = &model.Discount{Price: "0", PaymentMode: "free_trial", Period: "P1W", NumberOfUnits: 1}
		}
		products = append(products, md)
	}
	store := testutil.NewScriptedStore(products...)
	for id, outcome := range s.Outcomes {
		state, _ := parseOutcome(outcome)
		store.SetOutcome(id, state)
	}
	if s.Receipt != "" {
		store.SetReceipt([]byte(s.Receipt))
	}
	return store
}

// listen records listener notifications.
func (r *runner) listen() {
	r.engine.OnIdentityChanged(func(userID string) {
		r.rec.record(EventNotification, "identity_changed", map[string]any{"user_id": userID}, "")
	})
	r.engine.OnSubscriptionsUpdated(func(subs []model.Subscription) {
		ids := make([]any, len(subs))
		for i, s := range subs {
			ids[i] = s.ProductID
		}
		r.rec.record(EventNotification, "subscriptions_updated", map[string]any{"product_ids": ids}, "")
	})
	r.engine.OnNonRenewingPurchasesUpdated(func(purchases []model.NonRenewingPurchase) {
		ids := make([]any, len(purchases))
		for i, p := range purchases {
			ids[i] = p.ProductID
		}
		r.rec.record(EventNotification, "purchases_updated", map[string]any{"product_ids": ids}, "")
	})
}

// complete records a step result. Only the first completion counts.
func (r *runner) complete(i int, action string, args map[string]any, err error) {
	if _, done := r.results[i]; done {
		return
	}
	if err != nil {
		if args == nil {
			args = map[string]any{}
		}
		args["error"] = err.Error()
	}
	r.results[i] = &stepResult{args: args, err: err}
	r.rec.record(EventResult, action, args, "")
}

func (r *runner) step(ctx context.Context, i int, step Step) error {
	action := step.Action()
	e := r.engine

	switch action {
	case "purchase":
		return e.PurchaseAsync(step.Purchase, func(res purchase.Result) {
			r.complete(i, action, purchaseArgs(res), res.Err)
		})

	case "purchase_promo":
		p := step.PurchasePromo
		return e.PurchasePromoAsync(p.ProductID, p.OfferID, func(res purchase.Result) {
			r.complete(i, action, purchaseArgs(res), res.Err)
		})

	case "restore":
		return e.RestoreAsync(func(u *model.User, err error) {
			r.complete(i, action, userArgs(u), err)
		})

	case "check_intro":
		return e.CheckIntroEligibilityAsync(step.CheckIntro, func(m map[string]bool) {
			r.complete(i, action, eligibilityArgs(m), nil)
		})

	case "check_promo":
		return e.CheckPromoEligibilityAsync(step.CheckPromo, func(m map[string]bool) {
			r.complete(i, action, eligibilityArgs(m), nil)
		})

	case "attribute":
		payload, err := attributionPayload(*step.Attribute)
		if err != nil {
			return err
		}
		return e.SubmitAttributionAsync(payload, func(err error) {
			r.complete(i, action, map[string]any{"provider": string(payload.Provider())}, err)
		})

	case "update_user_id":
		return e.UpdateUserIDAsync(step.UpdateUserID, func(u *model.User, err error) {
			var args map[string]any
			if u != nil {
				args = map[string]any{"user_id": u.UserID}
			}
			r.complete(i, action, args, err)
		})

	case "logout":
		return e.LogoutAsync(func(err error) {
			r.complete(i, action, nil, err)
		})

	case "settle":
		e.Drain()
		for n := 0; n < settleLimit && r.timers.FireNext(); n++ {
			e.Drain()
		}
		return nil

	case "emit":
		return r.emit(*step.Emit)
	}
	return fmt.Errorf("unknown action")
}

// emit delivers a store transaction and waits for the engine to pick it up.
func (r *runner) emit(em EmitStep) error {
	state, err := parseEmitState(em.State)
	if err != nil {
		return err
	}
	r.store.Emit(storefront.TransactionEvent{
		TransactionID: em.TransactionID,
		ProductID:     em.ProductID,
		State:         state,
	})
	deadline := time.Now().Add(emitTimeout)
	for time.Now().Before(deadline) {
		if r.engine.Drain() > 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("emitted transaction %s was not delivered", em.TransactionID)
}

func purchaseArgs(res purchase.Result) map[string]any {
	args := map[string]any{"product_id": res.ProductID}
	if res.Subscription != nil {
		args["active"] = res.Subscription.IsActive()
	}
	if res.NonRenewingPurchase != nil {
		args["active"] = res.NonRenewingPurchase.IsActive(time.Now())
	}
	return args
}

func userArgs(u *model.User) map[string]any {
	if u == nil {
		return nil
	}
	ids := make([]any, len(u.Subscriptions))
	for i, s := range u.Subscriptions {
		ids[i] = s.ProductID
	}
	return map[string]any{"user_id": u.UserID, "product_ids": ids}
}

func eligibilityArgs(m map[string]bool) map[string]any {
	args := make(map[string]any, len(m))
	for k, v := range m {
		args[k] = v
	}
	return args
}

// checkExpectations compares step results against their Expect blocks.
func (r *runner) checkExpectations(result *Result) {
	for i, step := range r.scenario.Steps {
		if step.Expect == nil {
			continue
		}
		exp := step.Expect
		action := step.Action()
		res, ok := r.results[i]
		if !ok {
			result.AddError("step %d (%s): did not complete", i, action)
			continue
		}

		switch {
		case exp.Error == "" && res.err != nil:
			result.AddError("step %d (%s): unexpected error: %v", i, action, res.err)
		case exp.Error != "" && res.err == nil:
			result.AddError("step %d (%s): expected error containing %q, got success", i, action, exp.Error)
		case exp.Error != "" && !strings.Contains(res.err.Error(), exp.Error):
			result.AddError("step %d (%s): expected error containing %q, got %q", i, action, exp.Error, res.err)
		}

		if exp.Active != nil {
			active, _ := res.args["active"].(bool)
			if active != *exp.Active {
				result.AddError("step %d (%s): expected active=%t, got %t", i, action, *exp.Active, active)
			}
		}

		if exp.UserID != "" {
			got, _ := res.args["user_id"].(string)
			if got != exp.UserID {
				result.AddError("step %d (%s): expected user_id %q, got %q", i, action, exp.UserID, got)
			}
		}

		if exp.Eligibility != nil {
			ids := make([]string, 0, len(exp.Eligibility))
			for id := range exp.Eligibility {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				got, present := res.args[id].(bool)
				if !present || got != exp.Eligibility[id] {
					result.AddError("step %d (%s): expected %s=%t, got %v", i, action, id, exp.Eligibility[id], res.args[id])
				}
			}
		}
	}
}
