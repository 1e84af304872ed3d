// Package identity owns the device and user identifiers and the customer
// registration state machine.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/customer"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/retry"
)

const opRegister = "register"

// State is the registration state.
type State int

const (
	StateUninitialized State = iota
	StateRegistering
	StateRegistered
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// ErrAbandoned is passed to registration waiters when retries run out.
var ErrAbandoned = errors.New("registration abandoned")

// Backend is the registration endpoint.
type Backend interface {
	RegisterCustomer(ctx context.Context, req api.CustomerRequest) (*api.CustomerResult, error)
}

// Store is the identifier and freshness surface of the cache.
type Store interface {
	Identifier(ctx context.Context, name string) (string, bool, error)
	SetIdentifier(ctx context.Context, name, value string) error
	Fresh(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ClearRecord(ctx context.Context, name string) error
}

// Config configures a Registrar.
type Config struct {
	// UserID, when set, overrides every other source of the user ID.
	UserID string
	Device DeviceInfo
	Policy retry.Policy
	// UserTTL and PaywallsTTL bound the age of cached data that may stand
	// in for a blocking registration.
	UserTTL     time.Duration
	PaywallsTTL time.Duration
}

// Deps are the Registrar's collaborators.
type Deps struct {
	Loop    *loop.Loop
	Timers  loop.Timers
	Gates   *gate.Scheduler
	Store   Store
	Book    *customer.Book
	Backend Backend
	Metrics *metrics.Metrics
	// NewID generates device and user IDs. Default: uuid.NewString.
	NewID func() string
}

// Registrar registers the device with the backend and keeps the identity.
//
// Loop-confined: every method must run on the loop.
//
// INVARIANTS:
//   - The device ID is never regenerated once persisted
//   - A user ID change is persisted before any listener runs
//   - At most one retry timer is outstanding
//   - At most one registration request is in flight
type Registrar struct {
	cfg  Config
	deps Deps
	ctx  context.Context

	state    State
	identity model.Identity
	// sendUserID is true until a registration carrying the user ID succeeds.
	sendUserID bool

	retry    retry.State
	slot     *loop.Slot
	inFlight bool
	rerun    bool

	// pendingCurrency is the latest storefront currency reported before
	// registration completed.
	pendingCurrency *storefrontCurrency

	waiters           []func(*model.User, error)
	onIdentityChanged []func(string)
}

type storefrontCurrency struct {
	country  string
	currency string
}

// New creates a Registrar in StateUninitialized.
func New(cfg Config, deps Deps) *Registrar {
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Registrar{
		cfg:  cfg,
		deps: deps,
		ctx:  context.Background(),
		slot: loop.NewSlot(deps.Timers),
	}
}

// OnIdentityChanged registers a listener called with the new user ID.
func (r *Registrar) OnIdentityChanged(fn func(userID string)) {
	r.onIdentityChanged = append(r.onIdentityChanged, fn)
}

// State returns the registration state.
func (r *Registrar) State() State {
	return r.state
}

// Identity returns the current identifiers.
func (r *Registrar) Identity() model.Identity {
	return r.identity
}

// Retry returns the retry bookkeeping.
func (r *Registrar) Retry() retry.State {
	return r.retry
}

// Start resolves the identity and begins registration. ctx bounds every
// request the Registrar issues.
func (r *Registrar) Start(ctx context.Context) error {
	if r.state != StateUninitialized {
		return fmt.Errorf("registrar already started (state %s)", r.state)
	}
	r.ctx = ctx

	unchanged, err := r.resolveIdentity(ctx)
	if err != nil {
		return err
	}
	r.sendUserID = true

	if unchanged && r.cachedDataUsable(ctx) {
		slog.Info("using cached user, registering in background", "user_id", r.identity.UserID)
		r.deps.Gates.Open(gate.UserRegistered)
	}

	r.register()
	return nil
}

// resolveIdentity loads or generates the device and user IDs and persists
// whichever changed. Reports whether both matched what was persisted.
func (r *Registrar) resolveIdentity(ctx context.Context) (bool, error) {
	deviceID, hadDevice, err := r.deps.Store.Identifier(ctx, cache.IdentifierDevice)
	if err != nil {
		return false, fmt.Errorf("load device id: %w", err)
	}
	if !hadDevice || deviceID == "" {
		deviceID = r.deps.NewID()
		if err := r.deps.Store.SetIdentifier(ctx, cache.IdentifierDevice, deviceID); err != nil {
			return false, fmt.Errorf("persist device id: %w", err)
		}
		slog.Info("generated device id", "device_id", deviceID)
	}

	persistedUser, _, err := r.deps.Store.Identifier(ctx, cache.IdentifierUser)
	if err != nil {
		return false, fmt.Errorf("load user id: %w", err)
	}

	userID := r.cfg.UserID
	if userID == "" {
		userID = r.deps.Book.UserID()
	}
	if userID == "" {
		userID = persistedUser
	}
	if userID == "" {
		userID = r.deps.NewID()
	}
	if userID != persistedUser {
		if err := r.deps.Store.SetIdentifier(ctx, cache.IdentifierUser, userID); err != nil {
			return false, fmt.Errorf("persist user id: %w", err)
		}
	}

	r.identity = model.Identity{DeviceID: deviceID, UserID: userID}
	return hadDevice && userID == persistedUser, nil
}

// cachedDataUsable reports whether fresh cached data may stand in for a
// blocking registration.
func (r *Registrar) cachedDataUsable(ctx context.Context) bool {
	book := r.deps.Book
	if !book.HasUser() || !book.HasPaywalls() || book.HasPurchases() {
		return false
	}
	if book.UserID() != r.identity.UserID {
		return false
	}
	userFresh, err := r.deps.Store.Fresh(ctx, cache.RecordUser, r.cfg.UserTTL)
	if err != nil || !userFresh {
		return false
	}
	paywallsFresh, err := r.deps.Store.Fresh(ctx, cache.RecordPaywalls, r.cfg.PaywallsTTL)
	return err == nil && paywallsFresh
}

func (r *Registrar) request() api.CustomerRequest {
	req := api.CustomerRequest{
		DeviceParams: r.cfg.Device.Params(),
		DeviceID:     r.identity.DeviceID,
	}
	if r.sendUserID {
		req.UserID = r.identity.UserID
	}
	return req
}

// register issues one registration request, or marks a rerun if one is
// already in flight.
func (r *Registrar) register() {
	if r.inFlight {
		r.rerun = true
		return
	}
	r.slot.Cancel()
	r.state = StateRegistering
	r.inFlight = true
	r.rerun = false

	ctx := r.ctx
	req := r.request()
	issuedAs := r.identity.UserID
	backend := r.deps.Backend
	slog.Debug("registering", "device_id", req.DeviceID, "user_id", req.UserID, "attempt", r.retry.Total+1)

	r.deps.Loop.Go(func() func() {
		res, err := backend.RegisterCustomer(ctx, req)
		return func() {
			r.inFlight = false
			if err != nil {
				r.failed(err)
				return
			}
			if issuedAs != r.identity.UserID {
				slog.Debug("discarding registration for replaced identity", "user_id", issuedAs)
				r.register()
				return
			}
			r.succeeded(req, res)
		}
	})
}

func (r *Registrar) succeeded(req api.CustomerRequest, res *api.CustomerResult) {
	r.retry.Reset()
	r.slot.Cancel()
	r.state = StateRegistered
	if req.UserID != "" && req.UserID == r.identity.UserID {
		r.sendUserID = false
	}

	user := res.User
	if _, err := r.deps.Book.Replace(r.ctx, &user); err != nil {
		slog.Warn("registration result not cached", "error", err)
	}
	if res.Paywalls != nil {
		_ = r.deps.Book.SetPaywalls(r.ctx, res.Paywalls)
	}

	if user.UserID != "" && user.UserID != r.identity.UserID {
		slog.Info("identity merged by server", "from", r.identity.UserID, "to", user.UserID)
		r.changeUserID(user.UserID)
	}

	slog.Info("registered", "user_id", r.identity.UserID, "subscriptions", len(user.Subscriptions))
	r.deps.Gates.Open(gate.UserRegistered)
	r.flushWaiters(r.deps.Book.User(), nil)

	if r.rerun {
		r.rerun = false
		r.register()
		return
	}
	if p := r.pendingCurrency; p != nil {
		r.pendingCurrency = nil
		r.UpdateCurrency(p.country, p.currency)
	}
}

func (r *Registrar) failed(err error) {
	delay, stop := r.retry.Next(r.cfg.Policy, err)
	if stop != nil {
		r.state = StateAbandoned
		r.rerun = false
		r.deps.Metrics.RetryAbandoned(opRegister)
		slog.Warn("registration abandoned, serving cached data", "attempts", r.retry.Total, "error", stop)
		r.flushWaiters(nil, fmt.Errorf("%w: %v", ErrAbandoned, stop))
		return
	}

	class := r.retry.LastClass.String()
	r.deps.Metrics.RetryScheduled(opRegister, class)
	slog.Info("registration failed, retrying",
		"class", class,
		"attempt", r.retry.Attempts,
		"delay", delay,
		"error", err)
	r.slot.Schedule(delay, r.register)
}

func (r *Registrar) flushWaiters(u *model.User, err error) {
	waiters := r.waiters
	r.waiters = nil
	for _, fn := range waiters {
		fn(u, err)
	}
}

// changeUserID persists the new ID and then notifies listeners.
func (r *Registrar) changeUserID(userID string) {
	if err := r.deps.Store.SetIdentifier(r.ctx, cache.IdentifierUser, userID); err != nil {
		slog.Warn("persist user id failed", "error", err)
	}
	r.identity.UserID = userID
	for _, fn := range r.onIdentityChanged {
		fn(userID)
	}
}

// UpdateUserID switches to an explicitly supplied user ID and re-registers.
// done runs once the registration completes or is abandoned.
func (r *Registrar) UpdateUserID(userID string, done func(*model.User, error)) {
	if done == nil {
		done = func(*model.User, error) {}
	}
	if userID == "" || userID == r.identity.UserID {
		r.deps.Gates.Await(gate.UserRegistered, func() {
			done(r.deps.Book.User(), nil)
		})
		return
	}

	slog.Info("updating user id", "from", r.identity.UserID, "to", userID)
	r.changeUserID(userID)
	r.sendUserID = true
	r.waiters = append(r.waiters, done)
	r.retry.Reset()
	r.register()
}

// Logout switches to a freshly generated user ID, drops the cached user and
// paywalls and re-registers.
func (r *Registrar) Logout(ctx context.Context) error {
	for _, rec := range []string{cache.RecordUser, cache.RecordPaywalls} {
		if err := r.deps.Store.ClearRecord(ctx, rec); err != nil {
			return fmt.Errorf("clear %s: %w", rec, err)
		}
	}
	r.deps.Book.Drop()

	r.changeUserID(r.deps.NewID())
	r.sendUserID = true
	r.retry.Reset()
	r.register()
	return nil
}

// UpdateCurrency reports a store country/currency that differs from the
// user's. One attempt, not retried. While a registration is outstanding the
// latest values are held and compared against the registered user once it
// succeeds.
func (r *Registrar) UpdateCurrency(countryCode, currencyCode string) {
	if r.state != StateRegistered {
		slog.Debug("currency update deferred until registered", "state", r.state, "currency", currencyCode)
		r.pendingCurrency = &storefrontCurrency{country: countryCode, currency: currencyCode}
		return
	}
	user := r.deps.Book.User()
	if user == nil {
		return
	}
	if user.CurrencyCode == currencyCode && user.CountryCode == countryCode {
		return
	}

	req := r.request()
	req.CountryCode = countryCode
	req.CurrencyCode = currencyCode
	ctx := r.ctx
	backend := r.deps.Backend
	slog.Debug("updating currency", "country", countryCode, "currency", currencyCode)

	r.deps.Loop.Go(func() func() {
		res, err := backend.RegisterCustomer(ctx, req)
		return func() {
			if err != nil {
				slog.Info("currency update failed", "error", err)
				return
			}
			u := res.User
			_, _ = r.deps.Book.Replace(r.ctx, &u)
		}
	})
}
