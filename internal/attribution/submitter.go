// Package attribution submits third-party attribution payloads, at most one
// in flight per provider.
package attribution

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/model"
)

// ErrAlreadySubmitting is returned when the provider already has a
// submission in flight. The duplicate is dropped, not queued.
var ErrAlreadySubmitting = errors.New("attribution already submitting")

// Defaults.
const (
	DefaultRetryDelay    = 5 * time.Second
	DefaultSweepInterval = 5 * time.Minute
)

// FlagSubmitted names the persisted per-provider success flag.
func FlagSubmitted(p model.Provider) string {
	return "attribution_submitted_" + string(p)
}

// Backend is the attribution endpoint.
type Backend interface {
	SubmitAttribution(ctx context.Context, req api.AttributionRequest) error
}

// Flags is the flag surface of the cache.
type Flags interface {
	Flag(ctx context.Context, name string) (bool, error)
	SetFlag(ctx context.Context, name string, value bool) error
}

// Detector reports the payload of an integrated provider SDK, if its
// identifier is available yet.
type Detector func() (model.AttributionPayload, bool)

// Config configures a Submitter.
type Config struct {
	// RetryDelay is the delay of the single retry after a failed
	// submission for a provider with a Detector.
	RetryDelay time.Duration
	// SweepInterval re-runs the resubmission sweep while some detected
	// provider has never been submitted. Zero sweeps once.
	SweepInterval time.Duration
}

// Deps are the Submitter's collaborators.
type Deps struct {
	Loop      *loop.Loop
	Timers    loop.Timers
	Gates     *gate.Scheduler
	Flags     Flags
	Backend   Backend
	Identity  func() model.Identity
	Metrics   *metrics.Metrics
	Detectors map[model.Provider]Detector
}

// Submitter deduplicates and submits attribution payloads.
//
// Loop-confined: every method must run on the loop.
type Submitter struct {
	cfg  Config
	deps Deps
	ctx  context.Context

	inFlight map[model.Provider]bool
	retried  map[model.Provider]bool
	retries  map[model.Provider]*loop.Slot
	sweep    *loop.Slot
}

// New creates a Submitter.
func New(cfg Config, deps Deps) *Submitter {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Submitter{
		cfg:      cfg,
		deps:     deps,
		ctx:      context.Background(),
		inFlight: make(map[model.Provider]bool),
		retried:  make(map[model.Provider]bool),
		retries:  make(map[model.Provider]*loop.Slot),
		sweep:    loop.NewSlot(deps.Timers),
	}
}

// Start schedules the resubmission sweep after registration.
func (s *Submitter) Start(ctx context.Context) {
	s.ctx = ctx
	s.deps.Gates.Await(gate.UserRegistered, s.Sweep)
}

// Submit sends payload once the user is registered. done, if non-nil,
// receives the outcome. A provider counts as busy only while its request is
// on the wire; a payload submitted then is answered with
// ErrAlreadySubmitting, synchronously when the user is already registered.
func (s *Submitter) Submit(payload model.AttributionPayload, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if s.busy(payload.Provider(), done) {
		return
	}
	s.deps.Gates.Await(gate.UserRegistered, func() {
		if s.busy(payload.Provider(), done) {
			return
		}
		s.send(payload, done)
	})
}

func (s *Submitter) busy(p model.Provider, done func(error)) bool {
	if !s.inFlight[p] {
		return false
	}
	slog.Debug("attribution dropped, already submitting", "provider", p)
	done(ErrAlreadySubmitting)
	return true
}

func (s *Submitter) send(payload model.AttributionPayload, done func(error)) {
	p := payload.Provider()
	s.inFlight[p] = true
	id := s.deps.Identity()
	req := api.AttributionRequest{
		DeviceID: id.DeviceID,
		UserID:   id.UserID,
		Provider: p,
		Fields:   payload.Fields(),
	}
	ctx := s.ctx
	backend := s.deps.Backend

	s.deps.Loop.Go(func() func() {
		err := backend.SubmitAttribution(ctx, req)
		return func() {
			s.inFlight[p] = false
			if err != nil {
				s.failed(p, err)
				done(err)
				return
			}
			s.retried[p] = false
			s.slot(p).Cancel()
			if ferr := s.deps.Flags.SetFlag(s.ctx, FlagSubmitted(p), true); ferr != nil {
				slog.Warn("persist attribution flag failed", "provider", p, "error", ferr)
			}
			slog.Info("attribution submitted", "provider", p)
			done(nil)
		}
	})
}

func (s *Submitter) failed(p model.Provider, err error) {
	detect, ok := s.deps.Detectors[p]
	if !ok || s.retried[p] {
		slog.Info("attribution failed", "provider", p, "error", err)
		s.deps.Metrics.RetryAbandoned("attribution")
		return
	}
	s.retried[p] = true
	s.deps.Metrics.RetryScheduled("attribution", "bounded")
	slog.Info("attribution failed, retrying once", "provider", p, "delay", s.cfg.RetryDelay, "error", err)
	s.slot(p).Schedule(s.cfg.RetryDelay, func() {
		if payload, ok := detect(); ok {
			s.Submit(payload, nil)
		}
	})
}

func (s *Submitter) slot(p model.Provider) *loop.Slot {
	sl, ok := s.retries[p]
	if !ok {
		sl = loop.NewSlot(s.deps.Timers)
		s.retries[p] = sl
	}
	return sl
}

// Submitted reports whether a submission for p ever succeeded.
func (s *Submitter) Submitted(p model.Provider) bool {
	ok, err := s.deps.Flags.Flag(s.ctx, FlagSubmitted(p))
	if err != nil {
		slog.Warn("read attribution flag failed", "provider", p, "error", err)
		return false
	}
	return ok
}

// Sweep submits every detected provider that was never submitted, and
// reschedules itself while any remain.
func (s *Submitter) Sweep() {
	providers := make([]model.Provider, 0, len(s.deps.Detectors))
	for p := range s.deps.Detectors {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	remaining := 0
	for _, p := range providers {
		if s.Submitted(p) {
			continue
		}
		remaining++
		if s.inFlight[p] {
			continue
		}
		payload, ok := s.deps.Detectors[p]()
		if !ok {
			continue
		}
		slog.Debug("attribution sweep resubmitting", "provider", p)
		s.Submit(payload, nil)
	}

	if remaining > 0 && s.cfg.SweepInterval > 0 {
		s.sweep.Schedule(s.cfg.SweepInterval, s.Sweep)
	}
}
