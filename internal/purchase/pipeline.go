// Package purchase drives store purchases and submits receipts to the
// backend.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/customer"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/retry"
	"github.com/roach88/subsync/internal/storefront"
)

const opReceipt = "receipt"

var (
	// ErrMissingReceipt means the device holds no receipt and none could be
	// refreshed. Never retried.
	ErrMissingReceipt = errors.New("no receipt on device")
	// ErrPurchaseDeferred means the purchase awaits approval outside the app.
	ErrPurchaseDeferred = errors.New("purchase deferred")
	// ErrMalformedSignature means the backend's offer signature is incomplete.
	ErrMalformedSignature = errors.New("malformed offer signature")
)

// Backend is the receipt and offer-signing surface of the API.
type Backend interface {
	SubmitReceipt(ctx context.Context, req api.ReceiptRequest) (*api.CustomerResult, error)
	SignOffer(ctx context.Context, req api.SignOfferRequest) (api.OfferSignature, error)
}

// Catalog resolves product metadata and groups.
type Catalog interface {
	Product(productID string) (model.ProductMetadata, bool)
	Groups() model.ProductGroupMap
}

// Config configures a Pipeline.
type Config struct {
	// Environment is sent with every receipt: api.EnvironmentSandbox or
	// api.EnvironmentProduction.
	Environment string
	// AutoFinish finishes transactions as soon as they reach a terminal
	// state instead of after the result callback.
	AutoFinish bool
	Policy     retry.Policy
}

// Deps are the Pipeline's collaborators.
type Deps struct {
	Loop       *loop.Loop
	Timers     loop.Timers
	Gates      *gate.Scheduler
	Store      Store
	Book       *customer.Book
	Backend    Backend
	Storefront storefront.Adapter
	Catalog    Catalog
	Identity   func() model.Identity
	Metrics    *metrics.Metrics
}

// Submission describes one receipt submission.
type Submission struct {
	ProductID     string
	TransactionID string
	Restore       bool
}

// Result is the outcome of a purchase.
//
// Err is set for store failures, deferred purchases, signing failures and
// failed receipt submissions. A failed submission keeps retrying in the
// background.
type Result struct {
	ProductID           string
	TransactionID       string
	State               storefront.State
	Subscription        *model.Subscription
	NonRenewingPurchase *model.NonRenewingPurchase
	Err                 error
}

// Pipeline purchases products and submits receipts.
//
// Loop-confined: every method must run on the loop.
//
// INVARIANTS:
//   - At most one receipt submission is in flight; later callers attach to it
//   - The pending marker is saved before a request and cleared only on success
//   - At most one retry timer is outstanding
type Pipeline struct {
	cfg  Config
	deps Deps
	ctx  context.Context

	inFlight bool
	current  Submission
	waiters  []func(*model.User, error)
	pending  PendingSubmission

	retry retry.State
	slot  *loop.Slot
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Environment == "" {
		cfg.Environment = api.EnvironmentProduction
	}
	return &Pipeline{
		cfg:  cfg,
		deps: deps,
		ctx:  context.Background(),
		slot: loop.NewSlot(deps.Timers),
	}
}

// Start resumes a submission left pending by a previous run.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx = ctx
	pending, err := LoadPendingSubmission(ctx, p.deps.Store)
	if err != nil {
		return err
	}
	p.pending = pending
	if pending.Required {
		slog.Info("resuming pending receipt submission", "attempts", pending.Attempts, "restore", pending.Restore)
		p.SubmitReceipt(pending.submission(), nil)
	}
	return nil
}

// Pending returns the in-memory copy of the pending marker.
func (p *Pipeline) Pending() PendingSubmission {
	return p.pending
}

// InFlight reports whether a submission is running or waiting for
// registration.
func (p *Pipeline) InFlight() bool {
	return p.inFlight
}

// SubmitReceipt submits the device receipt once the user is registered.
// A call while a submission is in flight attaches done to it instead of
// issuing a second request.
func (p *Pipeline) SubmitReceipt(sub Submission, done func(*model.User, error)) {
	if done != nil {
		p.waiters = append(p.waiters, done)
	}
	if p.inFlight {
		p.deps.Metrics.ReceiptCoalesced()
		slog.Debug("receipt submission coalesced", "waiters", len(p.waiters))
		return
	}
	p.inFlight = true
	p.current = sub
	p.slot.Cancel()
	p.deps.Gates.Await(gate.UserRegistered, p.send)
}

// Restore submits the receipt as a restore.
func (p *Pipeline) Restore(done func(*model.User, error)) {
	p.SubmitReceipt(Submission{Restore: true}, done)
}

func (p *Pipeline) send() {
	sub := p.current
	p.pending = PendingSubmission{
		Required:      true,
		Restore:       sub.Restore,
		ProductID:     sub.ProductID,
		TransactionID: sub.TransactionID,
		Attempts:      p.pending.Attempts,
	}
	if err := p.pending.Save(p.ctx, p.deps.Store); err != nil {
		slog.Warn("pending submission not saved", "error", err)
	}

	id := p.deps.Identity()
	req := api.ReceiptRequest{
		DeviceID:      id.DeviceID,
		UserID:        id.UserID,
		Environment:   p.cfg.Environment,
		TransactionID: sub.TransactionID,
		Restore:       sub.Restore,
	}
	if md, ok := p.deps.Catalog.Product(sub.ProductID); ok {
		req.ProductInfo = &md
	}

	ctx := p.ctx
	sf := p.deps.Storefront
	backend := p.deps.Backend
	slog.Debug("submitting receipt", "product_id", sub.ProductID, "restore", sub.Restore)

	p.deps.Loop.Go(func() func() {
		receipt, err := readReceipt(ctx, sf)
		if err != nil {
			return func() { p.completed(nil, err) }
		}
		req.ReceiptData = string(receipt)
		res, err := backend.SubmitReceipt(ctx, req)
		return func() { p.completed(res, err) }
	})
}

// readReceipt returns the device receipt, refreshing it once if absent.
func readReceipt(ctx context.Context, sf storefront.Adapter) ([]byte, error) {
	receipt, err := sf.Receipt(ctx)
	if errors.Is(err, storefront.ErrNoReceipt) {
		receipt, err = sf.RefreshReceipt(ctx)
	}
	if errors.Is(err, storefront.ErrNoReceipt) {
		return nil, retry.Terminal(ErrMissingReceipt)
	}
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	return receipt, nil
}

func (p *Pipeline) completed(res *api.CustomerResult, err error) {
	p.inFlight = false
	waiters := p.waiters
	p.waiters = nil

	if err == nil {
		p.retry.Reset()
		p.slot.Cancel()
		if cerr := p.pending.Clear(p.ctx, p.deps.Store); cerr != nil {
			slog.Warn("pending submission not cleared", "error", cerr)
		}
		p.pending = PendingSubmission{}

		if res != nil {
			user := res.User
			if _, rerr := p.deps.Book.Replace(p.ctx, &user); rerr != nil {
				slog.Warn("receipt result not cached", "error", rerr)
			}
		}
		u := p.deps.Book.User()
		slog.Info("receipt submitted", "waiters", len(waiters))
		for _, fn := range waiters {
			fn(u, nil)
		}
		return
	}

	if retry.IsTerminal(err) {
		slog.Warn("receipt submission failed permanently", "error", err)
		p.retry.Reset()
		if cerr := p.pending.Clear(p.ctx, p.deps.Store); cerr != nil {
			slog.Warn("pending submission not cleared", "error", cerr)
		}
		p.pending = PendingSubmission{}
		for _, fn := range waiters {
			fn(nil, err)
		}
		return
	}

	p.pending.Attempts++
	if serr := p.pending.Save(p.ctx, p.deps.Store); serr != nil {
		slog.Warn("pending submission not saved", "error", serr)
	}

	delay, stop := p.retry.Next(p.cfg.Policy, err)
	if stop != nil {
		p.deps.Metrics.RetryAbandoned(opReceipt)
		slog.Warn("receipt submission abandoned until next launch", "error", stop)
		p.retry.Reset()
	} else {
		class := p.retry.LastClass.String()
		p.deps.Metrics.RetryScheduled(opReceipt, class)
		slog.Info("receipt submission failed, retrying", "class", class, "delay", delay, "error", err)
		p.slot.Schedule(delay, p.resend)
	}

	for _, fn := range waiters {
		fn(nil, err)
	}
}

func (p *Pipeline) resend() {
	if p.inFlight {
		return
	}
	p.inFlight = true
	p.send()
}

// Purchase buys productID and resolves done with the validated result.
func (p *Pipeline) Purchase(productID string, done func(Result)) {
	p.purchase(productID, nil, done)
}

// PurchasePromo buys productID with a promotional offer signed by the
// backend.
func (p *Pipeline) PurchasePromo(productID, offerID string, done func(Result)) {
	if done == nil {
		done = func(Result) {}
	}
	p.deps.Gates.Await(gate.UserRegistered, func() {
		id := p.deps.Identity()
		req := api.SignOfferRequest{
			DeviceID:            id.DeviceID,
			ProductID:           productID,
			OfferID:             offerID,
			ApplicationUsername: id.UserID,
		}
		ctx := p.ctx
		backend := p.deps.Backend
		p.deps.Loop.Go(func() func() {
			sig, err := backend.SignOffer(ctx, req)
			return func() {
				if err != nil {
					done(Result{ProductID: productID, Err: fmt.Errorf("sign offer: %w", err)})
					return
				}
				if !sig.Valid() {
					done(Result{ProductID: productID, Err: retry.Terminal(ErrMalformedSignature)})
					return
				}
				p.purchase(productID, &storefront.PaymentDiscount{
					OfferID:   offerID,
					KeyID:     sig.KeyID,
					Nonce:     sig.Nonce,
					Signature: sig.Signature,
					Timestamp: sig.Timestamp,
				}, done)
			}
		})
	})
}

func (p *Pipeline) purchase(productID string, discount *storefront.PaymentDiscount, done func(Result)) {
	if done == nil {
		done = func(Result) {}
	}
	ctx := p.ctx
	sf := p.deps.Storefront
	slog.Info("purchase started", "product_id", productID, "promo", discount != nil)

	p.deps.Loop.Go(func() func() {
		events, err := sf.BeginPurchase(ctx, productID, discount)
		if err != nil {
			return func() { done(Result{ProductID: productID, Err: err}) }
		}
		ev, err := storefront.AwaitTerminal(ctx, events)
		return func() {
			if err != nil {
				done(Result{ProductID: productID, Err: err})
				return
			}
			if ev.ProductID == "" {
				ev.ProductID = productID
			}
			p.transactionDone(ev, done)
		}
	})
}

// HandleTransaction processes a transaction the platform reported on its
// own.
func (p *Pipeline) HandleTransaction(ev storefront.TransactionEvent) {
	slog.Info("unsolicited transaction", "state", ev.State, "product_id", ev.ProductID)
	switch ev.State {
	case storefront.StatePurchased, storefront.StateRestored, storefront.StateFailed:
		p.transactionDone(ev, nil)
	}
}

func (p *Pipeline) transactionDone(ev storefront.TransactionEvent, done func(Result)) {
	if done == nil {
		done = func(Result) {}
	}
	res := Result{ProductID: ev.ProductID, TransactionID: ev.TransactionID, State: ev.State}

	finishable := ev.State != storefront.StateDeferred
	if p.cfg.AutoFinish && finishable {
		p.finish(ev.TransactionID)
	}
	finishAfter := func() {
		if !p.cfg.AutoFinish && finishable {
			p.finish(ev.TransactionID)
		}
	}

	switch ev.State {
	case storefront.StateFailed:
		res.Err = ev.Err
		if res.Err == nil {
			res.Err = errors.New("purchase failed")
		}
		slog.Info("purchase failed", "product_id", ev.ProductID, "error", res.Err)
		done(res)
		finishAfter()

	case storefront.StateDeferred:
		res.Err = ErrPurchaseDeferred
		done(res)

	case storefront.StatePurchased, storefront.StateRestored:
		sub := Submission{
			ProductID:     ev.ProductID,
			TransactionID: ev.TransactionID,
			Restore:       ev.State == storefront.StateRestored,
		}
		p.SubmitReceipt(sub, func(u *model.User, err error) {
			res.Err = err
			if u != nil {
				res.Subscription, res.NonRenewingPurchase = p.match(u, ev.ProductID)
			}
			done(res)
			finishAfter()
		})
	}
}

func (p *Pipeline) finish(transactionID string) {
	if transactionID == "" {
		return
	}
	ctx := p.ctx
	sf := p.deps.Storefront
	p.deps.Loop.Go(func() func() {
		if err := sf.FinishTransaction(ctx, transactionID); err != nil {
			slog.Warn("finish transaction failed", "transaction_id", transactionID, "error", err)
		}
		return nil
	})
}

// match finds the user's entitlement for a purchased product: by product
// ID, then by store subscription group, then by backend product group.
func (p *Pipeline) match(u *model.User, productID string) (*model.Subscription, *model.NonRenewingPurchase) {
	if productID == "" {
		return nil, nil
	}
	for _, s := range u.Subscriptions {
		if s.ProductID == productID {
			return &s, nil
		}
	}
	for _, np := range u.NonRenewingPurchases {
		if np.ProductID == productID {
			return nil, &np
		}
	}

	if md, ok := p.deps.Catalog.Product(productID); ok && md.StoreGroupID != "" {
		for _, s := range u.Subscriptions {
			if other, ok := p.deps.Catalog.Product(s.ProductID); ok && other.StoreGroupID == md.StoreGroupID {
				return &s, nil
			}
		}
	}

	groups := p.deps.Catalog.Groups()
	group, hasGroup := groups.GroupOf(productID)
	for _, s := range u.Subscriptions {
		if groups.SameGroup(s.ProductID, productID) || (hasGroup && s.GroupID == group) {
			return &s, nil
		}
	}
	return nil, nil
}
