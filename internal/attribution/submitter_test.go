package attribution

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/testutil"
)

type fixture struct {
	loop      *loop.Loop
	timers    *testutil.ManualTimers
	gates     *gate.Scheduler
	store     *cache.Store
	backend   *testutil.FakeBackend
	detectors map[model.Provider]Detector
	cfg       Config
	s         *Submitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		loop:      loop.New(loop.WithSpawner(loop.Inline)),
		timers:    testutil.NewManualTimers(),
		gates:     gate.New(),
		store:     store,
		backend:   testutil.NewFakeBackend(),
		detectors: map[model.Provider]Detector{},
		cfg:       Config{RetryDelay: time.Second},
	}
}

func (f *fixture) build() *Submitter {
	f.s = New(f.cfg, Deps{
		Loop:      f.loop,
		Timers:    f.timers,
		Gates:     f.gates,
		Flags:     f.store,
		Backend:   f.backend,
		Identity:  func() model.Identity { return model.Identity{DeviceID: "dev-1", UserID: "u1"} },
		Detectors: f.detectors,
	})
	return f.s
}

func (f *fixture) registered() *Submitter {
	f.build()
	f.s.Start(context.Background())
	f.gates.Open(gate.UserRegistered)
	f.loop.Drain()
	return f.s
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t)
	s := f.registered()

	got := errors.New("unset")
	s.Submit(model.AppsFlyer{UID: "af-1", Data: map[string]any{"campaign": "spring"}}, func(err error) { got = err })
	f.loop.Drain()

	require.NoError(t, got)
	assert.True(t, s.Submitted(model.ProviderAppsFlyer))
	assert.False(t, s.Submitted(model.ProviderAdjust))

	reqs := f.backend.Attributions()
	require.Len(t, reqs, 1)
	assert.Equal(t, api.AttributionRequest{
		DeviceID: "dev-1",
		UserID:   "u1",
		Provider: model.ProviderAppsFlyer,
		Fields:   map[string]any{"appsflyer_id": "af-1", "appsflyer_data": map[string]any{"campaign": "spring"}},
	}, reqs[0])
}

func TestSubmit_InFlightFailsFast(t *testing.T) {
	f := newFixture(t)
	s := f.registered()

	var first, second, other error
	s.Submit(model.Adjust{ADID: "a"}, func(err error) { first = err })
	s.Submit(model.Adjust{ADID: "b"}, func(err error) { second = err })
	s.Submit(model.Firebase{AppInstanceID: "fb"}, func(err error) { other = err })

	assert.ErrorIs(t, second, ErrAlreadySubmitting, "answered synchronously")
	f.loop.Drain()

	assert.NoError(t, first)
	assert.NoError(t, other)
	assert.Len(t, f.backend.Attributions(), 2)
}

func TestSubmit_WaitsForRegistration(t *testing.T) {
	f := newFixture(t)
	s := f.build()
	s.Start(context.Background())

	first := errors.New("unset")
	s.Submit(model.AppleAds{Token: "tok"}, func(err error) { first = err })
	f.loop.Drain()
	assert.Empty(t, f.backend.Attributions())

	// Nothing is on the wire yet, so a duplicate waits too.
	dup := errors.New("unset")
	s.Submit(model.AppleAds{Token: "tok"}, func(err error) { dup = err })
	assert.EqualError(t, dup, "unset")

	f.gates.Open(gate.UserRegistered)
	f.loop.Drain()
	assert.Len(t, f.backend.Attributions(), 1)
	assert.NoError(t, first)
	assert.ErrorIs(t, dup, ErrAlreadySubmitting)
}

func TestSubmit_UnregisteredProviderNeverLocked(t *testing.T) {
	f := newFixture(t)
	s := f.build()
	s.Start(context.Background())

	// Registration never completes; every submission keeps waiting rather
	// than failing as a duplicate.
	var errs []error
	for range 3 {
		s.Submit(model.Adjust{ADID: "a"}, func(err error) { errs = append(errs, err) })
		f.loop.Drain()
	}
	assert.Empty(t, errs)
	assert.Empty(t, f.backend.Attributions())
	assert.False(t, s.inFlight[model.ProviderAdjust])

	f.gates.Open(gate.UserRegistered)
	f.loop.Drain()

	require.Len(t, errs, 3)
	assert.Len(t, f.backend.Attributions(), 1)
	dropped := 0
	for _, err := range errs {
		if errors.Is(err, ErrAlreadySubmitting) {
			dropped++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 2, dropped)

	s.Submit(model.Adjust{ADID: "b"}, func(err error) { errs = append(errs, err) })
	f.loop.Drain()
	require.Len(t, errs, 4)
	assert.NoError(t, errs[3])
	assert.Len(t, f.backend.Attributions(), 2)
}

func TestSubmit_SingleRetryForDetectedProvider(t *testing.T) {
	f := newFixture(t)
	f.backend.AttributionFunc = func(int, api.AttributionRequest) error {
		return testutil.StatusError("attribution", http.StatusBadGateway)
	}
	detections := 0
	f.detectors[model.ProviderAdjust] = func() (model.AttributionPayload, bool) {
		detections++
		return model.Adjust{ADID: "fresh"}, true
	}
	s := f.build()
	f.gates.Open(gate.UserRegistered)

	s.Submit(model.Adjust{ADID: "first"}, nil)
	f.loop.Drain()
	for f.timers.FireNext() {
		f.loop.Drain()
	}

	reqs := f.backend.Attributions()
	require.Len(t, reqs, 2, "one submission plus exactly one retry")
	assert.Equal(t, "fresh", reqs[1].Fields["adid"])
	assert.False(t, s.Submitted(model.ProviderAdjust))
}

func TestSubmit_NoRetryWithoutDetector(t *testing.T) {
	f := newFixture(t)
	f.backend.AttributionFunc = func(int, api.AttributionRequest) error {
		return testutil.ConnectivityError("attribution")
	}
	s := f.registered()

	var got error
	s.Submit(model.Firebase{AppInstanceID: "fb"}, func(err error) { got = err })
	f.loop.Drain()

	assert.Error(t, got)
	assert.Equal(t, 0, f.timers.Pending())
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.cfg.SweepInterval = time.Minute
	ctx := context.Background()
	require.NoError(t, f.store.SetFlag(ctx, FlagSubmitted(model.ProviderFirebase), true))

	adjustReady := false
	f.detectors[model.ProviderAdjust] = func() (model.AttributionPayload, bool) {
		return model.Adjust{ADID: "adid"}, adjustReady
	}
	f.detectors[model.ProviderAppsFlyer] = func() (model.AttributionPayload, bool) {
		return model.AppsFlyer{UID: "af"}, true
	}
	f.detectors[model.ProviderFirebase] = func() (model.AttributionPayload, bool) {
		return model.Firebase{AppInstanceID: "fb"}, true
	}

	s := f.registered()

	reqs := f.backend.Attributions()
	require.Len(t, reqs, 1, "only the detected, never-submitted provider")
	assert.Equal(t, model.ProviderAppsFlyer, reqs[0].Provider)
	assert.Equal(t, 1, f.timers.Pending(), "adjust still outstanding")

	adjustReady = true
	f.timers.Advance(time.Minute)
	f.loop.Drain()

	reqs = f.backend.Attributions()
	require.Len(t, reqs, 2)
	assert.Equal(t, model.ProviderAdjust, reqs[1].Provider)
	assert.True(t, s.Submitted(model.ProviderAdjust))

	// Everything submitted: the next sweep stops rescheduling.
	f.timers.Advance(time.Minute)
	f.loop.Drain()
	assert.Len(t, f.backend.Attributions(), 2)
	assert.Equal(t, 0, f.timers.Pending())
}
