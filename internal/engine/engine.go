package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/attribution"
	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/catalog"
	"github.com/roach88/subsync/internal/config"
	"github.com/roach88/subsync/internal/customer"
	"github.com/roach88/subsync/internal/eligibility"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/identity"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/purchase"
	"github.com/roach88/subsync/internal/storefront"
)

// Backend is every endpoint the engine calls. *api.Client implements it.
type Backend interface {
	identity.Backend
	catalog.Backend
	purchase.Backend
	attribution.Backend
}

// EventSender is implemented by backends that accept telemetry events.
type EventSender interface {
	SendEvent(ctx context.Context, ev api.Event) error
}

// Deps are the engine's external collaborators.
type Deps struct {
	Backend    Backend
	Storefront storefront.Adapter

	// Store is the local cache. When nil, New opens cfg.Database and Stop
	// closes it.
	Store *cache.Store
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Timers defaults to real timers firing onto the loop.
	Timers loop.Timers
	// Spawner runs out-of-line work. Default: a goroutine per call.
	Spawner func(func())
	// NewID generates device and user IDs. Default: uuid.NewString.
	NewID func() string
	// Detectors report integrated attribution SDKs.
	Detectors map[model.Provider]attribution.Detector
}

// Engine owns the loop and every synchronization component.
//
// Thread-safety model:
//   - Public methods: safe from any goroutine (post onto the loop)
//   - Start: call once, before Run
//   - Run: must be called from exactly one goroutine
//   - On* listeners: register before Start; they run on the loop
type Engine struct {
	cfg        config.Config
	loop       *loop.Loop
	timers     loop.Timers
	gates      *gate.Scheduler
	store      *cache.Store
	ownsStore  bool
	backend    Backend
	storefront storefront.Adapter
	metrics    *metrics.Metrics

	book        *customer.Book
	registrar   *identity.Registrar
	catalog     *catalog.Synchronizer
	pipeline    *purchase.Pipeline
	evaluator   *eligibility.Evaluator
	attribution *attribution.Submitter

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New builds an Engine from cfg. Nothing runs until Start.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("engine: nil backend")
	}
	if deps.Storefront == nil {
		return nil, fmt.Errorf("engine: nil storefront")
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		backend:    deps.Backend,
		storefront: deps.Storefront,
		metrics:    deps.Metrics,
		ctx:        context.Background(),
		cancel:     func() {},
	}

	if e.store == nil {
		s, err := cache.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		e.store = s
		e.ownsStore = true
	}

	var loopOpts []loop.Option
	if deps.Spawner != nil {
		loopOpts = append(loopOpts, loop.WithSpawner(deps.Spawner))
	}
	e.loop = loop.New(loopOpts...)

	e.timers = deps.Timers
	if e.timers == nil {
		e.timers = loop.NewRealTimers(e.loop)
	}

	e.gates = gate.New(gate.WithOpenHook(func(name gate.Name) {
		slog.Debug("gate opened", "gate", name)
		e.metrics.GateOpened(string(name))
	}))

	e.book = customer.New(e.store)

	e.registrar = identity.New(identity.Config{
		UserID:      cfg.UserID,
		Device:      cfg.Device,
		Policy:      cfg.RegistrationPolicy(),
		UserTTL:     cfg.Cache.UserTTL,
		PaywallsTTL: cfg.Cache.PaywallsTTL,
	}, identity.Deps{
		Loop:    e.loop,
		Timers:  e.timers,
		Gates:   e.gates,
		Store:   e.store,
		Book:    e.book,
		Backend: e.backend,
		Metrics: e.metrics,
		NewID:   deps.NewID,
	})

	e.catalog = catalog.New(catalog.Config{
		GroupsTTL: cfg.Cache.ProductGroupsTTL,
	}, catalog.Deps{
		Loop:       e.loop,
		Gates:      e.gates,
		Store:      e.store,
		Book:       e.book,
		Backend:    e.backend,
		Storefront: e.storefront,
		Currency:   e.registrar,
		DeviceID:   e.deviceID,
	})

	e.pipeline = purchase.New(purchase.Config{
		Environment: cfg.Environment,
		AutoFinish:  cfg.AutoFinish,
		Policy:      cfg.ReceiptPolicy(),
	}, purchase.Deps{
		Loop:       e.loop,
		Timers:     e.timers,
		Gates:      e.gates,
		Store:      e.store,
		Book:       e.book,
		Backend:    e.backend,
		Storefront: e.storefront,
		Catalog:    e.catalog,
		Identity:   e.registrar.Identity,
		Metrics:    e.metrics,
	})

	e.evaluator = eligibility.New(eligibility.Deps{
		Gates:    e.gates,
		Flags:    e.store,
		Book:     e.book,
		Restorer: e.pipeline,
		Groups:   e.catalog,
	})

	e.attribution = attribution.New(attribution.Config{
		RetryDelay:    cfg.Attribution.RetryDelay,
		SweepInterval: cfg.Attribution.SweepInterval,
	}, attribution.Deps{
		Loop:      e.loop,
		Timers:    e.timers,
		Gates:     e.gates,
		Flags:     e.store,
		Backend:   e.backend,
		Identity:  e.registrar.Identity,
		Metrics:   e.metrics,
		Detectors: deps.Detectors,
	})

	return e, nil
}

func (e *Engine) deviceID() string {
	return e.registrar.Identity().DeviceID
}

// OnSubscriptionsUpdated registers a listener for subscription changes.
func (e *Engine) OnSubscriptionsUpdated(fn func([]model.Subscription)) {
	e.book.OnSubscriptionsUpdated(fn)
}

// OnNonRenewingPurchasesUpdated registers a listener for non-renewing
// purchase changes.
func (e *Engine) OnNonRenewingPurchasesUpdated(fn func([]model.NonRenewingPurchase)) {
	e.book.OnPurchasesUpdated(fn)
}

// OnIdentityChanged registers a listener called with the new user ID after
// it is persisted.
func (e *Engine) OnIdentityChanged(fn func(userID string)) {
	e.registrar.OnIdentityChanged(fn)
}

// Start loads cached state and starts every component. It runs on the
// caller, which must not be running the loop concurrently. ctx bounds all
// background work; Stop cancels it.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.ctx = ctx

	if err := e.book.Load(ctx); err != nil {
		slog.Warn("load cached user failed", "error", err)
	}

	steps := []struct {
		component string
		start     func(context.Context) error
	}{
		{"registrar", e.registrar.Start},
		{"catalog", func(ctx context.Context) error { e.catalog.Start(ctx); return nil }},
		{"purchase", e.pipeline.Start},
		{"eligibility", func(ctx context.Context) error { e.evaluator.Start(ctx); return nil }},
		{"attribution", func(ctx context.Context) error { e.attribution.Start(ctx); return nil }},
	}
	for _, step := range steps {
		if err := step.start(ctx); err != nil {
			return &StartError{Component: step.component, Err: err}
		}
	}

	if sender, ok := e.backend.(EventSender); ok {
		e.gates.Await(gate.UserRegistered, func() { e.sendSessionStart(ctx, sender) })
	}

	go e.forwardTransactions(ctx)

	slog.Info("engine started", "device_id", e.deviceID(), "environment", e.cfg.Environment)
	return nil
}

// forwardTransactions posts unsolicited store transactions onto the loop.
func (e *Engine) forwardTransactions(ctx context.Context) {
	updates := e.storefront.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if !e.loop.Post(func() { e.pipeline.HandleTransaction(ev) }) {
				return
			}
		}
	}
}

// sendSessionStart reports the session to the telemetry endpoint. Failures
// are logged and dropped.
func (e *Engine) sendSessionStart(ctx context.Context, sender EventSender) {
	id := e.registrar.Identity()
	ev := api.Event{
		Name:     "session_start",
		DeviceID: id.DeviceID,
		UserID:   id.UserID,
		Props:    map[string]any{"environment": e.cfg.Environment},
	}
	e.loop.Go(func() func() {
		err := sender.SendEvent(ctx, ev)
		return func() {
			if err != nil {
				slog.Debug("session event dropped", "error", err)
			}
		}
	})
}

// Run executes loop tasks until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	return e.loop.Run(ctx)
}

// Stop cancels background work, stops the loop and closes an owned cache.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.loop.Stop()
		if e.ownsStore {
			if err := e.store.Close(); err != nil {
				slog.Warn("close cache failed", "error", err)
			}
		}
		slog.Info("engine stopped")
	})
}

// Metrics returns the engine's metrics, or nil.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Drain runs queued loop tasks on the caller until none remain. Only for
// manual stepping when Run is not running.
func (e *Engine) Drain() int {
	return e.loop.Drain()
}

// Snapshot returns the status without going through the loop. Only for
// manual stepping when Run is not running.
func (e *Engine) Snapshot() Status {
	return e.status()
}
