package engine

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/config"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/identity"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/purchase"
	"github.com/roach88/subsync/internal/storefront"
	"github.com/roach88/subsync/internal/testutil"
)

var proMonthly = model.ProductMetadata{ProductID: "pro_monthly", Price: "4.99"}

type fixture struct {
	cfg     config.Config
	store   *cache.Store
	backend *testutil.FakeBackend
	shop    *testutil.ScriptedStore
	timers  *testutil.ManualTimers
	metrics *metrics.Metrics
	e       *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.APIKey = "pk_test"
	cfg.Environment = api.EnvironmentSandbox
	cfg.Device = identity.DeviceInfo{Locale: "en_US", Platform: "ios"}

	backend := testutil.NewFakeBackend()
	backend.GroupsFunc = func(int) (model.ProductGroupMap, error) {
		return model.ProductGroupMap{"pro_monthly": "pro"}, nil
	}

	return &fixture{
		cfg:     cfg,
		store:   store,
		backend: backend,
		shop:    testutil.NewScriptedStore(proMonthly),
		timers:  testutil.NewManualTimers(),
		metrics: metrics.New(),
	}
}

// build creates a deterministic engine: I/O runs inline and only its
// continuation is queued; timers fire on demand.
func (f *fixture) build(t *testing.T) *Engine {
	t.Helper()
	e, err := New(f.cfg, Deps{
		Backend:    f.backend,
		Storefront: f.shop,
		Store:      f.store,
		Metrics:    f.metrics,
		Timers:     f.timers,
		Spawner:    loop.Inline,
		NewID:      testutil.NewSequentialIDs("gen").Next,
	})
	require.NoError(t, err)
	f.e = e
	t.Cleanup(e.Stop)
	return e
}

func (f *fixture) start(t *testing.T) *Engine {
	t.Helper()
	f.build(t)
	require.NoError(t, f.e.Start(context.Background()))
	f.e.loop.Drain()
	return f.e
}

// settle fires every pending timer, running the loop after each.
func (f *fixture) settle() {
	f.e.loop.Drain()
	for f.timers.FireNext() {
		f.e.loop.Drain()
	}
}

func TestStart_OpensEveryGate(t *testing.T) {
	f := newFixture(t)
	e := f.start(t)

	st := e.status()
	assert.Equal(t, "registered", st.Registration)
	assert.Equal(t, model.Identity{DeviceID: "gen-1", UserID: "gen-2"}, st.Identity)
	for _, name := range gate.All {
		assert.True(t, st.Gates[name], name)
	}
	assert.Equal(t, 1, st.Products)
	assert.False(t, st.ReceiptPending)

	products := f.backend.Products()
	require.Len(t, products, 1, "store metadata submitted")
	assert.Equal(t, "gen-1", products[0].DeviceID)
}

func TestScenario_FreshInstallPurchase(t *testing.T) {
	f := newFixture(t)
	f.backend.ReceiptFunc = func(_ int, req api.ReceiptRequest) (*api.CustomerResult, error) {
		return &api.CustomerResult{User: model.User{
			UserID:        req.UserID,
			Subscriptions: []model.Subscription{{ProductID: "pro_monthly", Status: model.StatusTrial}},
		}}, nil
	}
	e := f.start(t)

	var updates [][]model.Subscription
	e.OnSubscriptionsUpdated(func(s []model.Subscription) { updates = append(updates, s) })

	var result *purchase.Result
	require.NoError(t, e.PurchaseAsync("pro_monthly", func(r purchase.Result) { result = &r }))
	e.loop.Drain()

	require.NotNil(t, result)
	require.NoError(t, result.Err)
	require.NotNil(t, result.Subscription)
	assert.True(t, result.Subscription.IsActive())

	receipts := f.backend.Receipts()
	require.Len(t, receipts, 1)
	assert.Equal(t, "receipt-1", receipts[0].ReceiptData)
	require.NotNil(t, receipts[0].ProductInfo)
	assert.Equal(t, "pro_monthly", receipts[0].ProductInfo.ProductID)

	assert.Len(t, updates, 1)
	assert.True(t, e.book.HasActiveSubscription())
	assert.Equal(t, []string{"txn-1"}, f.shop.Finished())
}

func TestScenario_RegistrationFailsThenRecovers(t *testing.T) {
	f := newFixture(t)
	f.backend.RegisterFunc = func(n int, req api.CustomerRequest) (*api.CustomerResult, error) {
		if n <= 3 {
			return nil, testutil.StatusError("customers", http.StatusUnprocessableEntity)
		}
		return &api.CustomerResult{User: model.User{UserID: req.UserID}}, nil
	}
	e := f.start(t)
	assert.False(t, e.gates.IsOpen(gate.UserRegistered))

	// Work queued while registration is failing.
	var eligibility []map[string]bool
	var attributed []error
	require.NoError(t, e.CheckIntroEligibilityAsync([]string{"pro_monthly"}, func(m map[string]bool) {
		eligibility = append(eligibility, m)
	}))
	require.NoError(t, e.SubmitAttributionAsync(model.AppleAds{Token: "tok"}, func(err error) {
		attributed = append(attributed, err)
	}))
	e.loop.Drain()
	assert.Empty(t, eligibility)
	assert.Empty(t, attributed)

	f.settle()

	assert.Len(t, f.backend.Customers(), 4)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, f.timers.Scheduled())
	assert.True(t, e.gates.IsOpen(gate.UserRegistered))

	require.Len(t, eligibility, 1, "queued check runs exactly once")
	assert.Equal(t, map[string]bool{"pro_monthly": true}, eligibility[0])
	require.Len(t, attributed, 1)
	assert.NoError(t, attributed[0])
	assert.Len(t, f.backend.Attributions(), 1)
}

func TestScenario_IdentityMerge(t *testing.T) {
	f := newFixture(t)
	f.cfg.UserID = "u1"
	f.backend.RegisterFunc = func(int, api.CustomerRequest) (*api.CustomerResult, error) {
		return &api.CustomerResult{User: model.User{UserID: "u2"}}, nil
	}
	e := f.build(t)

	var changes []string
	e.OnIdentityChanged(func(id string) {
		persisted, _, err := f.store.Identifier(context.Background(), cache.IdentifierUser)
		require.NoError(t, err)
		assert.Equal(t, id, persisted, "persisted before notification")
		changes = append(changes, id)
	})
	require.NoError(t, e.Start(context.Background()))
	e.loop.Drain()

	assert.Equal(t, []string{"u2"}, changes)
	assert.Equal(t, "u2", e.registrar.Identity().UserID)
	assert.Len(t, f.backend.Customers(), 1)
}

func TestCurrencyUpdateFromStoreCatalog(t *testing.T) {
	f := newFixture(t)
	f.shop = testutil.NewScriptedStore(model.ProductMetadata{
		ProductID: "pro_monthly", Price: "4.99", CurrencyCode: "EUR", CountryCode: "DE",
	})
	f.start(t)

	calls := f.backend.Customers()
	require.Len(t, calls, 2)
	assert.Equal(t, "EUR", calls[1].CurrencyCode)
	assert.Equal(t, "DE", calls[1].CountryCode)
}

func TestPaywallsStayReadyAfterReregistration(t *testing.T) {
	f := newFixture(t)
	f.shop = testutil.NewScriptedStore(proMonthly, model.ProductMetadata{ProductID: "pro_annual", Price: "39.99"})
	f.backend.RegisterFunc = func(_ int, req api.CustomerRequest) (*api.CustomerResult, error) {
		products := []model.Product{{ProductID: "pro_monthly"}}
		if req.UserID == "u9" {
			products = append(products, model.Product{ProductID: "pro_annual"})
		}
		return &api.CustomerResult{
			User:     model.User{UserID: req.UserID},
			Paywalls: []model.Paywall{{Identifier: "main", Products: products}},
		}, nil
	}
	e := f.start(t)

	paywalls := e.catalogPaywalls()
	require.Len(t, paywalls, 1)
	assert.True(t, paywalls[0].Ready())
	assert.Equal(t, 1, f.shop.CatalogFetches())

	var done bool
	e.registrar.UpdateUserID("u9", func(*model.User, error) { done = true })
	e.loop.Drain()
	require.True(t, done)

	paywalls = e.catalogPaywalls()
	require.Len(t, paywalls, 1)
	require.Len(t, paywalls[0].Products, 2)
	assert.True(t, paywalls[0].Ready())
	require.NotNil(t, paywalls[0].Products[1].Metadata)
	assert.Equal(t, "39.99", paywalls[0].Products[1].Metadata.Price)
	assert.Equal(t, 2, f.shop.CatalogFetches(), "only the new product triggers a store fetch")
}

func TestUnsolicitedRestoreForwarded(t *testing.T) {
	f := newFixture(t)
	f.shop.SetReceipt([]byte("restored-receipt"))
	e := f.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	f.shop.Emit(storefront.TransactionEvent{TransactionID: "txn-r", ProductID: "pro_monthly", State: storefront.StateRestored})

	// The forwarding goroutine posts onto the loop; step it until the
	// restore has been submitted.
	require.Eventually(t, func() bool {
		e.loop.Drain()
		return len(f.backend.Receipts()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.backend.Receipts()[0].Restore)
}

func TestGateMetrics(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for _, name := range gate.All {
		assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.GatesOpened.WithLabelValues(string(name))), name)
	}
}

type eventBackend struct {
	*testutil.FakeBackend
	mu     sync.Mutex
	events []api.Event
}

func (b *eventBackend) SendEvent(_ context.Context, ev api.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func TestSessionEventAfterRegistration(t *testing.T) {
	f := newFixture(t)
	backend := &eventBackend{FakeBackend: f.backend}
	e, err := New(f.cfg, Deps{
		Backend:    backend,
		Storefront: f.shop,
		Store:      f.store,
		Timers:     f.timers,
		Spawner:    loop.Inline,
	})
	require.NoError(t, err)
	defer e.Stop()

	require.NoError(t, e.Start(context.Background()))
	e.loop.Drain()

	require.Len(t, backend.events, 1)
	assert.Equal(t, "session_start", backend.events[0].Name)
	assert.Equal(t, e.registrar.Identity().DeviceID, backend.events[0].DeviceID)
}

func TestBlockingCalls(t *testing.T) {
	f := newFixture(t)
	f.backend.ReceiptFunc = func(_ int, req api.ReceiptRequest) (*api.CustomerResult, error) {
		return &api.CustomerResult{User: model.User{
			UserID:        req.UserID,
			Subscriptions: []model.Subscription{{ProductID: "pro_monthly", Status: model.StatusRegular}},
		}}, nil
	}

	e, err := New(f.cfg, Deps{Backend: f.backend, Storefront: f.shop, Store: f.store})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	res, err := e.Purchase(ctx, "pro_monthly")
	require.NoError(t, err)
	require.NotNil(t, res.Subscription)

	active, err := e.HasActiveSubscription(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	subs, err := e.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	userID, err := e.UserID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)

	promo, err := e.CheckPromoEligibility(ctx, []string{"pro_monthly"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"pro_monthly": true}, promo)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "registered", st.Registration)

	e.Stop()
	require.NoError(t, <-done)

	_, err = e.UserID(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, e.PurchaseAsync("pro_monthly", func(purchase.Result) {}), ErrStopped)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	e := f.start(t)
	before := e.registrar.Identity()

	var got error = context.Canceled
	require.NoError(t, e.LogoutAsync(func(err error) { got = err }))
	e.loop.Drain()

	require.NoError(t, got)
	after := e.registrar.Identity()
	assert.Equal(t, before.DeviceID, after.DeviceID)
	assert.NotEqual(t, before.UserID, after.UserID)
	calls := f.backend.Customers()
	assert.Equal(t, after.UserID, calls[len(calls)-1].UserID)
}

func TestNew_OwnsStore(t *testing.T) {
	f := newFixture(t)
	f.cfg.Database = filepath.Join(t.TempDir(), "owned.db")

	e, err := New(f.cfg, Deps{Backend: f.backend, Storefront: f.shop})
	require.NoError(t, err)
	assert.True(t, e.ownsStore)
	e.Stop()
	e.Stop()

	assert.Error(t, e.store.DB().Ping())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(config.Default(), Deps{Storefront: testutil.NewScriptedStore()})
	assert.Error(t, err)
	_, err = New(config.Default(), Deps{Backend: testutil.NewFakeBackend()})
	assert.Error(t, err)
}
