// Package catalog synchronizes the product-group map and the store's priced
// catalog with the backend.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/customer"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/loop"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/storefront"
)

// Backend is the catalog surface of the API.
type Backend interface {
	FetchProductGroups(ctx context.Context) (model.ProductGroupMap, error)
	SubmitProducts(ctx context.Context, req api.ProductsRequest) error
}

// Store is the catalog surface of the cache.
type Store interface {
	SaveProductGroups(ctx context.Context, groups model.ProductGroupMap) error
	LoadProductGroups(ctx context.Context) (model.ProductGroupMap, error)
	Fresh(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// CurrencyUpdater receives the storefront's country and currency.
type CurrencyUpdater interface {
	UpdateCurrency(countryCode, currencyCode string)
}

// Config configures a Synchronizer.
type Config struct {
	// GroupsTTL skips the product-group fetch while the cached map is
	// younger. Zero always fetches.
	GroupsTTL time.Duration
}

// Deps are the Synchronizer's collaborators.
type Deps struct {
	Loop       *loop.Loop
	Gates      *gate.Scheduler
	Store      Store
	Book       *customer.Book
	Backend    Backend
	Storefront storefront.Adapter
	Currency   CurrencyUpdater
	DeviceID   func() string
}

// Synchronizer runs the catalog pipeline once registration completes:
//
//  1. product-group map (cache or GET /products), opens product_groups_fetched
//  2. store catalog for the known product IDs, opens store_products_fetched
//  3. currency update when the store currency differs from the user's
//  4. PUT /products with the priced metadata
//
// Each step runs whether or not the previous one succeeded. A paywall list
// installed by a later registration is resolved against the fetched
// metadata, and products the store was never asked for start another run.
//
// Loop-confined: every method must run on the loop.
type Synchronizer struct {
	cfg  Config
	deps Deps
	ctx  context.Context

	groups   model.ProductGroupMap
	products map[string]model.ProductMetadata
	running  bool
	again    bool

	// requested holds every product ID sent to the store.
	requested map[string]struct{}
	started   bool
}

// New creates a Synchronizer.
func New(cfg Config, deps Deps) *Synchronizer {
	return &Synchronizer{
		cfg:       cfg,
		deps:      deps,
		ctx:       context.Background(),
		products:  make(map[string]model.ProductMetadata),
		requested: make(map[string]struct{}),
	}
}

// Start schedules the first sync after registration.
func (s *Synchronizer) Start(ctx context.Context) {
	s.ctx = ctx
	s.deps.Book.OnPaywallsReplaced(s.paywallsReplaced)
	s.deps.Gates.Await(gate.UserRegistered, s.Sync)
}

// Sync runs the pipeline. A call while a sync is running schedules one more
// run after it.
func (s *Synchronizer) Sync() {
	if s.running {
		s.again = true
		return
	}
	s.started = true
	s.running = true
	s.syncGroups()
}

// paywallsReplaced runs after registration installs a new paywall list.
// Before the first sync it does nothing; that sync resolves the list.
func (s *Synchronizer) paywallsReplaced() {
	if !s.started {
		return
	}
	for _, id := range s.productIDs() {
		if _, ok := s.requested[id]; !ok {
			slog.Debug("paywalls reference unfetched products, syncing", "product_id", id)
			s.Sync()
			return
		}
	}
	if !s.running {
		s.resolvePaywalls()
	}
}

func (s *Synchronizer) finish() {
	s.running = false
	if s.again {
		s.again = false
		s.Sync()
	}
}

func (s *Synchronizer) syncGroups() {
	fresh, err := s.deps.Store.Fresh(s.ctx, cache.RecordProductGroups, s.cfg.GroupsTTL)
	if err != nil {
		slog.Warn("product groups freshness check failed", "error", err)
	}
	if fresh {
		if cached, err := s.deps.Store.LoadProductGroups(s.ctx); err == nil && len(cached) > 0 {
			slog.Debug("product groups fresh in cache", "products", len(cached))
			s.groups = cached
			s.deps.Gates.Open(gate.ProductGroupsFetched)
			s.fetchCatalog()
			return
		}
	}

	ctx := s.ctx
	backend := s.deps.Backend
	s.deps.Loop.Go(func() func() {
		groups, err := backend.FetchProductGroups(ctx)
		return func() {
			s.groupsFetched(groups, err)
		}
	})
}

func (s *Synchronizer) groupsFetched(groups model.ProductGroupMap, err error) {
	switch {
	case err != nil:
		slog.Info("product groups fetch failed", "error", err)
		s.fallbackToCachedGroups()
	case len(groups) == 0:
		slog.Info("product groups empty")
		s.fallbackToCachedGroups()
	default:
		s.groups = groups
		if err := s.deps.Store.SaveProductGroups(s.ctx, groups); err != nil {
			slog.Warn("cache product groups failed", "error", err)
		}
		slog.Info("product groups fetched", "products", len(groups))
	}

	// Dependents must not starve on a failed fetch.
	s.deps.Gates.Open(gate.ProductGroupsFetched)
	s.fetchCatalog()
}

func (s *Synchronizer) fallbackToCachedGroups() {
	if s.groups != nil {
		return
	}
	cached, err := s.deps.Store.LoadProductGroups(s.ctx)
	if err != nil {
		slog.Warn("load cached product groups failed", "error", err)
		return
	}
	s.groups = cached
}

// productIDs is the union of group-map keys and paywall products, sorted.
func (s *Synchronizer) productIDs() []string {
	set := make(map[string]struct{})
	for id := range s.groups {
		set[id] = struct{}{}
	}
	for _, pw := range s.deps.Book.Paywalls() {
		for _, id := range pw.ProductIDs() {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Synchronizer) fetchCatalog() {
	ids := s.productIDs()
	if len(ids) == 0 {
		slog.Info("no product ids to resolve")
		s.finish()
		return
	}

	for _, id := range ids {
		s.requested[id] = struct{}{}
	}
	ctx := s.ctx
	store := s.deps.Storefront
	s.deps.Loop.Go(func() func() {
		md, err := store.FetchCatalog(ctx, ids)
		return func() {
			s.catalogFetched(md, err)
		}
	})
}

func (s *Synchronizer) catalogFetched(md []model.ProductMetadata, err error) {
	defer s.finish()

	if err != nil {
		slog.Warn("store catalog fetch failed", "error", err)
		s.resolvePaywalls()
		return
	}
	for _, p := range md {
		s.products[p.ProductID] = p
	}
	s.resolvePaywalls()
	if len(md) == 0 {
		slog.Info("store catalog empty")
		return
	}

	slog.Info("store catalog fetched", "products", len(md))
	s.deps.Gates.Open(gate.StoreProductsFetched)

	first := md[0]
	if s.deps.Currency != nil && first.CurrencyCode != "" {
		s.deps.Currency.UpdateCurrency(first.CountryCode, first.CurrencyCode)
	}
	s.submitProducts(md)
}

// resolvePaywalls attaches fetched metadata to paywall products; products
// the store did not return are marked unresolved.
func (s *Synchronizer) resolvePaywalls() {
	paywalls := s.deps.Book.Paywalls()
	if len(paywalls) == 0 {
		return
	}
	for i := range paywalls {
		products := make([]model.Product, len(paywalls[i].Products))
		for j, p := range paywalls[i].Products {
			if md, ok := s.products[p.ProductID]; ok {
				p.Metadata = &md
				p.Unresolved = false
			} else {
				p.Metadata = nil
				p.Unresolved = true
			}
			products[j] = p
		}
		paywalls[i].Products = products
	}
	s.deps.Book.UpdatePaywalls(paywalls)
}

// submitProducts reports priced metadata. Fire-and-forget.
func (s *Synchronizer) submitProducts(md []model.ProductMetadata) {
	req := api.ProductsRequest{Products: md}
	if s.deps.DeviceID != nil {
		req.DeviceID = s.deps.DeviceID()
	}
	ctx := s.ctx
	backend := s.deps.Backend
	s.deps.Loop.Go(func() func() {
		if err := backend.SubmitProducts(ctx, req); err != nil {
			slog.Debug("submit products failed", "error", err)
		}
		return nil
	})
}

// Groups returns the product-group map.
func (s *Synchronizer) Groups() model.ProductGroupMap {
	return s.groups
}

// Product returns the store metadata of a product.
func (s *Synchronizer) Product(productID string) (model.ProductMetadata, bool) {
	md, ok := s.products[productID]
	return md, ok
}

// Products returns every fetched product, sorted by ID.
func (s *Synchronizer) Products() []model.ProductMetadata {
	out := make([]model.ProductMetadata, 0, len(s.products))
	for _, md := range s.products {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// Paywall returns a paywall by identifier.
func (s *Synchronizer) Paywall(identifier string) (model.Paywall, bool) {
	for _, pw := range s.deps.Book.Paywalls() {
		if pw.Identifier == identifier {
			return pw, true
		}
	}
	return model.Paywall{}, false
}
