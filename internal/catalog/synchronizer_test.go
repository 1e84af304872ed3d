package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/customer"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/testutil"
)

type currencyCalls struct {
	calls [][2]string
}

func (c *currencyCalls) UpdateCurrency(country, currency string) {
	c.calls = append(c.calls, [2]string{country, currency})
}

type fixture struct {
	loop     *loop.Loop
	gates    *gate.Scheduler
	store    *cache.Store
	book     *customer.Book
	backend  *testutil.FakeBackend
	shop     *testutil.ScriptedStore
	currency *currencyCalls
	sync     *Synchronizer
}

var (
	monthly = model.ProductMetadata{ProductID: "pro_monthly", Price: "4.99", CurrencyCode: "USD", CountryCode: "US", StoreGroupID: "sg"}
	annual  = model.ProductMetadata{ProductID: "pro_annual", Price: "39.99", CurrencyCode: "USD", CountryCode: "US", StoreGroupID: "sg"}
)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		loop:     loop.New(loop.WithSpawner(loop.Inline)),
		gates:    gate.New(),
		store:    store,
		book:     customer.New(store),
		backend:  testutil.NewFakeBackend(),
		shop:     testutil.NewScriptedStore(monthly, annual),
		currency: &currencyCalls{},
	}
	f.backend.GroupsFunc = func(int) (model.ProductGroupMap, error) {
		return model.ProductGroupMap{"pro_monthly": "pro", "pro_annual": "pro"}, nil
	}
	f.sync = New(cfg, Deps{
		Loop:       f.loop,
		Gates:      f.gates,
		Store:      store,
		Book:       f.book,
		Backend:    f.backend,
		Storefront: f.shop,
		Currency:   f.currency,
		DeviceID:   func() string { return "dev-1" },
	})
	return f
}

func (f *fixture) register() {
	f.gates.Open(gate.UserRegistered)
	f.loop.Drain()
}

func TestSync_WaitsForRegistration(t *testing.T) {
	f := newFixture(t, Config{})
	f.sync.Start(context.Background())
	f.loop.Drain()
	assert.Equal(t, 0, f.backend.GroupFetches())

	f.register()
	assert.Equal(t, 1, f.backend.GroupFetches())
}

func TestSync_FullPipeline(t *testing.T) {
	f := newFixture(t, Config{})
	f.sync.Start(context.Background())
	f.register()

	assert.True(t, f.gates.IsOpen(gate.ProductGroupsFetched))
	assert.True(t, f.gates.IsOpen(gate.StoreProductsFetched))

	cached, err := f.store.LoadProductGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pro", cached["pro_monthly"])
	assert.Equal(t, f.sync.Groups(), cached)

	md, ok := f.sync.Product("pro_annual")
	require.True(t, ok)
	assert.Equal(t, "39.99", md.Price)
	assert.Len(t, f.sync.Products(), 2)

	assert.Equal(t, [][2]string{{"US", "USD"}}, f.currency.calls)

	submitted := f.backend.Products()
	require.Len(t, submitted, 1)
	assert.Equal(t, "dev-1", submitted[0].DeviceID)
	assert.Len(t, submitted[0].Products, 2)
}

func TestSync_GroupFetchFailureStillOpensGate(t *testing.T) {
	f := newFixture(t, Config{})
	f.backend.GroupsFunc = func(int) (model.ProductGroupMap, error) {
		return nil, testutil.ConnectivityError("products")
	}
	ctx := context.Background()
	require.NoError(t, f.store.SaveProductGroups(ctx, model.ProductGroupMap{"pro_monthly": "old"}))

	f.sync.Start(ctx)
	f.register()

	assert.True(t, f.gates.IsOpen(gate.ProductGroupsFetched))
	assert.Equal(t, "old", f.sync.Groups()["pro_monthly"], "stale cache kept as fallback")
	assert.True(t, f.gates.IsOpen(gate.StoreProductsFetched), "catalog step still runs")

	cached, err := f.store.LoadProductGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ProductGroupMap{"pro_monthly": "old"}, cached)
}

func TestSync_EmptyGroupsNotPersisted(t *testing.T) {
	f := newFixture(t, Config{})
	f.backend.GroupsFunc = func(int) (model.ProductGroupMap, error) {
		return model.ProductGroupMap{}, nil
	}
	f.sync.Start(context.Background())
	f.register()

	assert.True(t, f.gates.IsOpen(gate.ProductGroupsFetched))
	assert.False(t, f.gates.IsOpen(gate.StoreProductsFetched), "no product ids to resolve")
	_, ok, err := f.store.GetRecord(context.Background(), cache.RecordProductGroups, &model.ProductGroupMap{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.shop.CatalogFetches())
}

func TestSync_FreshCacheSkipsFetch(t *testing.T) {
	f := newFixture(t, Config{GroupsTTL: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.store.SaveProductGroups(ctx, model.ProductGroupMap{"pro_monthly": "pro"}))

	f.sync.Start(ctx)
	f.register()

	assert.Equal(t, 0, f.backend.GroupFetches())
	assert.True(t, f.gates.IsOpen(gate.ProductGroupsFetched))
	assert.True(t, f.gates.IsOpen(gate.StoreProductsFetched))
	assert.Len(t, f.sync.Products(), 1)
}

func TestSync_EmptyCatalogKeepsStoreGateClosed(t *testing.T) {
	f := newFixture(t, Config{})
	f.backend.GroupsFunc = func(int) (model.ProductGroupMap, error) {
		return model.ProductGroupMap{"unknown": "g"}, nil
	}
	f.sync.Start(context.Background())
	f.register()

	assert.True(t, f.gates.IsOpen(gate.ProductGroupsFetched))
	assert.False(t, f.gates.IsOpen(gate.StoreProductsFetched))
	assert.Empty(t, f.currency.calls)
	assert.Empty(t, f.backend.Products())
}

func TestSync_ResolvesPaywalls(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.book.SetPaywalls(ctx, []model.Paywall{{
		Identifier: "main",
		Products:   []model.Product{{ProductID: "pro_monthly"}, {ProductID: "retired"}},
	}}))

	f.sync.Start(ctx)
	f.register()

	pw, ok := f.sync.Paywall("main")
	require.True(t, ok)
	assert.True(t, pw.Ready())
	require.NotNil(t, pw.Products[0].Metadata)
	assert.Equal(t, "4.99", pw.Products[0].Metadata.Price)
	assert.True(t, pw.Products[1].Unresolved)

	_, ok = f.sync.Paywall("missing")
	assert.False(t, ok)
}

func TestSync_CatalogFailureMarksPaywallsUnresolved(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.book.SetPaywalls(ctx, []model.Paywall{{
		Identifier: "main",
		Products:   []model.Product{{ProductID: "pro_monthly"}},
	}}))
	f.shop.SetCatalogError(errors.New("store unavailable"))

	f.sync.Start(ctx)
	f.register()

	assert.False(t, f.gates.IsOpen(gate.StoreProductsFetched))
	pw, ok := f.sync.Paywall("main")
	require.True(t, ok)
	assert.True(t, pw.Ready(), "definitive failure counts as resolved")
	assert.True(t, pw.Products[0].Unresolved)
}

func TestSync_CoalescesConcurrentRuns(t *testing.T) {
	f := newFixture(t, Config{})
	f.sync.Start(context.Background())
	f.gates.Open(gate.UserRegistered)

	// First run's group fetch has completed inline; its continuation is queued.
	f.sync.Sync()
	f.sync.Sync()
	f.loop.Drain()

	assert.Equal(t, 2, f.backend.GroupFetches())
}

func TestSync_ReplacedPaywallsReuseFetchedMetadata(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.sync.Start(ctx)

	mainPaywall := []model.Paywall{{Identifier: "main", Products: []model.Product{{ProductID: "pro_monthly"}}}}
	require.NoError(t, f.book.SetPaywalls(ctx, mainPaywall))
	f.loop.Drain()
	assert.Equal(t, 0, f.backend.GroupFetches(), "no sync before registration")

	f.register()
	pw, ok := f.sync.Paywall("main")
	require.True(t, ok)
	require.True(t, pw.Ready())

	require.NoError(t, f.book.SetPaywalls(ctx, mainPaywall))
	f.loop.Drain()

	pw, ok = f.sync.Paywall("main")
	require.True(t, ok)
	assert.True(t, pw.Ready())
	require.NotNil(t, pw.Products[0].Metadata)
	assert.Equal(t, "4.99", pw.Products[0].Metadata.Price)
	assert.Equal(t, 1, f.shop.CatalogFetches())
	assert.Equal(t, 1, f.backend.GroupFetches())
}

func TestSync_ReplacedPaywallsFetchNewProducts(t *testing.T) {
	f := newFixture(t, Config{})
	f.backend.GroupsFunc = func(int) (model.ProductGroupMap, error) {
		return model.ProductGroupMap{"pro_monthly": "pro"}, nil
	}
	ctx := context.Background()
	f.sync.Start(ctx)
	f.register()
	require.Equal(t, 1, f.shop.CatalogFetches())
	_, ok := f.sync.Product("pro_annual")
	require.False(t, ok)

	require.NoError(t, f.book.SetPaywalls(ctx, []model.Paywall{{
		Identifier: "main",
		Products:   []model.Product{{ProductID: "pro_annual"}},
	}}))
	f.loop.Drain()

	assert.Equal(t, 2, f.shop.CatalogFetches())
	pw, ok := f.sync.Paywall("main")
	require.True(t, ok)
	assert.True(t, pw.Ready())
	require.NotNil(t, pw.Products[0].Metadata)
	assert.Equal(t, "39.99", pw.Products[0].Metadata.Price)
}
