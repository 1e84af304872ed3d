package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/storefront"
)

// ScriptedStore is a storefront.Adapter whose outcomes are set by the test.
//
// Purchases succeed unless Outcomes names another state for the product. A
// successful purchase installs a receipt "receipt-<n>". Transaction IDs are
// "txn-<n>".
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedStore struct {
	mu         sync.Mutex
	catalog    map[string]model.ProductMetadata
	catalogErr error
	outcomes   map[string]storefront.State
	beginErr   error
	receipt    []byte
	refreshed  []byte
	seq        int
	purchases  []string
	discounts  []*storefront.PaymentDiscount
	finished   []string
	fetches    int
	updates    chan storefront.TransactionEvent
}

// NewScriptedStore creates a store selling the given products.
func NewScriptedStore(products ...model.ProductMetadata) *ScriptedStore {
	s := &ScriptedStore{
		catalog:  make(map[string]model.ProductMetadata),
		outcomes: make(map[string]storefront.State),
		updates:  make(chan storefront.TransactionEvent, 16),
	}
	for _, p := range products {
		s.catalog[p.ProductID] = p
	}
	return s
}

// SetOutcome scripts the terminal state of purchases of productID.
func (s *ScriptedStore) SetOutcome(productID string, state storefront.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[productID] = state
}

// SetCatalogError makes FetchCatalog fail.
func (s *ScriptedStore) SetCatalogError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogErr = err
}

// SetBeginError makes BeginPurchase fail.
func (s *ScriptedStore) SetBeginError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginErr = err
}

// SetReceipt installs a receipt; nil removes it.
func (s *ScriptedStore) SetReceipt(receipt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipt = receipt
}

// SetRefreshedReceipt sets what RefreshReceipt installs.
func (s *ScriptedStore) SetRefreshedReceipt(receipt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = receipt
}

// Emit delivers an unsolicited transaction on Updates.
func (s *ScriptedStore) Emit(ev storefront.TransactionEvent) {
	s.updates <- ev
}

// FetchCatalog implements storefront.Adapter.
func (s *ScriptedStore) FetchCatalog(_ context.Context, productIDs []string) ([]model.ProductMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.catalogErr != nil {
		return nil, s.catalogErr
	}
	out := make([]model.ProductMetadata, 0, len(productIDs))
	for _, id := range productIDs {
		if md, ok := s.catalog[id]; ok {
			out = append(out, md)
		}
	}
	return out, nil
}

// BeginPurchase implements storefront.Adapter.
func (s *ScriptedStore) BeginPurchase(_ context.Context, productID string, discount *storefront.PaymentDiscount) (<-chan storefront.TransactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return nil, s.beginErr
	}

	s.seq++
	s.purchases = append(s.purchases, productID)
	s.discounts = append(s.discounts, discount)
	id := fmt.Sprintf("txn-%d", s.seq)

	state, ok := s.outcomes[productID]
	if !ok {
		state = storefront.StatePurchased
	}
	terminal := storefront.TransactionEvent{TransactionID: id, ProductID: productID, State: state}
	switch state {
	case storefront.StateFailed:
		terminal.Err = fmt.Errorf("payment declined for %s", productID)
	case storefront.StatePurchased:
		s.receipt = []byte(fmt.Sprintf("receipt-%d", s.seq))
	}

	events := make(chan storefront.TransactionEvent, 2)
	events <- storefront.TransactionEvent{TransactionID: id, ProductID: productID, State: storefront.StatePurchasing}
	events <- terminal
	close(events)
	return events, nil
}

// FinishTransaction implements storefront.Adapter.
func (s *ScriptedStore) FinishTransaction(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, transactionID)
	return nil
}

// Receipt implements storefront.Adapter.
func (s *ScriptedStore) Receipt(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.receipt) == 0 {
		return nil, storefront.ErrNoReceipt
	}
	return s.receipt, nil
}

// RefreshReceipt implements storefront.Adapter.
func (s *ScriptedStore) RefreshReceipt(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.refreshed) > 0 {
		s.receipt = s.refreshed
	}
	s.mu.Unlock()
	return s.Receipt(ctx)
}

// Updates implements storefront.Adapter.
func (s *ScriptedStore) Updates() <-chan storefront.TransactionEvent {
	return s.updates
}

// Purchases returns the product IDs of every BeginPurchase call.
func (s *ScriptedStore) Purchases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.purchases...)
}

// Discounts returns the discount passed to every BeginPurchase call.
func (s *ScriptedStore) Discounts() []*storefront.PaymentDiscount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storefront.PaymentDiscount(nil), s.discounts...)
}

// Finished returns every finished transaction ID, in order.
func (s *ScriptedStore) Finished() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finished...)
}

// CatalogFetches returns the number of FetchCatalog calls.
func (s *ScriptedStore) CatalogFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}
