package storefront

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roach88/subsync/internal/model"
)

// SandboxCatalog is the YAML description of a sandbox store.
//
//	products:
//	  - product_id: pro_monthly
//	    price: "4.99"
//	    currency_code: USD
//	    subscription_period: P1M
//	    subscription_group_id: pro
//	fail: [broken_product]
//	defer: [ask_to_buy_product]
type SandboxCatalog struct {
	Products []SandboxProduct `yaml:"products"`
	Fail     []string         `yaml:"fail"`
	Defer    []string         `yaml:"defer"`
}

// SandboxProduct is one catalog entry.
type SandboxProduct struct {
	ProductID          string         `yaml:"product_id"`
	Price              string         `yaml:"price"`
	CurrencyCode       string         `yaml:"currency_code"`
	CountryCode        string         `yaml:"country_code"`
	SubscriptionPeriod string         `yaml:"subscription_period"`
	StoreGroupID       string         `yaml:"subscription_group_id"`
	IntroOffer         *SandboxOffer  `yaml:"intro_offer"`
	Discounts          []SandboxOffer `yaml:"discounts"`
}

// SandboxOffer is an intro or promotional offer.
type SandboxOffer struct {
	ID            string `yaml:"id"`
	Price         string `yaml:"price"`
	PaymentMode   string `yaml:"payment_mode"`
	Period        string `yaml:"period"`
	NumberOfUnits int    `yaml:"number_of_periods"`
}

func (o SandboxOffer) discount() model.Discount {
	return model.Discount{
		ID:            o.ID,
		Price:         o.Price,
		PaymentMode:   o.PaymentMode,
		Period:        o.Period,
		NumberOfUnits: o.NumberOfUnits,
	}
}

func (p SandboxProduct) metadata() model.ProductMetadata {
	md := model.ProductMetadata{
		ProductID:          p.ProductID,
		Price:              p.Price,
		CurrencyCode:       p.CurrencyCode,
		CountryCode:        p.CountryCode,
		SubscriptionPeriod: p.SubscriptionPeriod,
		StoreGroupID:       p.StoreGroupID,
	}
	if p.IntroOffer != nil {
		d := p.IntroOffer.discount()
		md.IntroOffer = &d
	}
	for _, o := range p.Discounts {
		md.Discounts = append(md.Discounts, o.discount())
	}
	return md
}

// LoadSandboxCatalog reads a SandboxCatalog from a YAML file. Unknown fields
// are rejected.
func LoadSandboxCatalog(path string) (SandboxCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return SandboxCatalog{}, fmt.Errorf("open sandbox catalog: %w", err)
	}
	defer f.Close()

	var c SandboxCatalog
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return SandboxCatalog{}, fmt.Errorf("parse sandbox catalog %s: %w", path, err)
	}
	for i, p := range c.Products {
		if p.ProductID == "" {
			return SandboxCatalog{}, fmt.Errorf("sandbox catalog %s: product %d has no product_id", path, i)
		}
	}
	return c, nil
}

// SandboxTransaction is one entry of the sandbox receipt.
type SandboxTransaction struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	PurchasedAt   time.Time `json:"purchased_at"`
	OfferID       string    `json:"offer_id,omitempty"`
}

// Sandbox is an Adapter backed by a catalog and an optional receipt file.
//
// The receipt is the base64 encoding of the JSON transaction list, written
// to the receipt file after every purchase.
//
// Thread-safety: all methods are safe for concurrent use.
type Sandbox struct {
	mu          sync.Mutex
	products    map[string]SandboxProduct
	fail        map[string]bool
	deferred    map[string]bool
	receiptPath string
	txns        []SandboxTransaction
	finished    map[string]bool
	updates     chan TransactionEvent
	now         func() time.Time
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithReceiptFile persists the receipt at path.
func WithReceiptFile(path string) SandboxOption {
	return func(s *Sandbox) {
		s.receiptPath = path
	}
}

// WithSandboxClock overrides the purchase timestamp source.
func WithSandboxClock(now func() time.Time) SandboxOption {
	return func(s *Sandbox) {
		s.now = now
	}
}

// NewSandbox creates a Sandbox, loading any existing receipt file.
func NewSandbox(c SandboxCatalog, opts ...SandboxOption) (*Sandbox, error) {
	s := &Sandbox{
		products: make(map[string]SandboxProduct, len(c.Products)),
		fail:     toSet(c.Fail),
		deferred: toSet(c.Defer),
		finished: make(map[string]bool),
		updates:  make(chan TransactionEvent, 16),
		now:      time.Now,
	}
	for _, p := range c.Products {
		s.products[p.ProductID] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadReceipt(); err != nil {
		return nil, err
	}
	return s, nil
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (s *Sandbox) loadReceipt() error {
	if s.receiptPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.receiptPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sandbox receipt: %w", err)
	}
	txns, err := DecodeSandboxReceipt(data)
	if err != nil {
		return fmt.Errorf("sandbox receipt %s: %w", s.receiptPath, err)
	}
	s.txns = txns
	return nil
}

// DecodeSandboxReceipt parses a receipt produced by Sandbox.
func DecodeSandboxReceipt(receipt []byte) ([]SandboxTransaction, error) {
	raw, err := base64.StdEncoding.DecodeString(string(receipt))
	if err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	var txns []SandboxTransaction
	if err := json.Unmarshal(raw, &txns); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return txns, nil
}

// FetchCatalog implements Adapter. Unknown IDs are omitted.
func (s *Sandbox) FetchCatalog(_ context.Context, productIDs []string) ([]model.ProductMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ProductMetadata, 0, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok {
			out = append(out, p.metadata())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// BeginPurchase implements Adapter.
func (s *Sandbox) BeginPurchase(_ context.Context, productID string, discount *PaymentDiscount) (<-chan TransactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}

	id := uuid.NewString()
	events := make(chan TransactionEvent, 2)
	events <- TransactionEvent{TransactionID: id, ProductID: productID, State: StatePurchasing}

	switch {
	case s.fail[productID]:
		events <- TransactionEvent{TransactionID: id, ProductID: productID, State: StateFailed,
			Err: fmt.Errorf("sandbox: purchase of %s declined", productID)}
	case s.deferred[productID]:
		events <- TransactionEvent{TransactionID: id, ProductID: productID, State: StateDeferred}
	default:
		txn := SandboxTransaction{TransactionID: id, ProductID: productID, PurchasedAt: s.now().UTC()}
		if discount != nil {
			txn.OfferID = discount.OfferID
		}
		s.txns = append(s.txns, txn)
		if err := s.saveReceiptLocked(); err != nil {
			slog.Warn("sandbox receipt not saved", "error", err)
		}
		events <- TransactionEvent{TransactionID: id, ProductID: productID, State: StatePurchased}
	}
	close(events)
	return events, nil
}

func (s *Sandbox) saveReceiptLocked() error {
	if s.receiptPath == "" {
		return nil
	}
	return os.WriteFile(s.receiptPath, s.receiptLocked(), 0o600)
}

func (s *Sandbox) receiptLocked() []byte {
	raw, _ := json.Marshal(s.txns)
	return []byte(base64.StdEncoding.EncodeToString(raw))
}

// FinishTransaction implements Adapter.
func (s *Sandbox) FinishTransaction(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[transactionID] = true
	return nil
}

// Finished reports whether a transaction was finished.
func (s *Sandbox) Finished(transactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[transactionID]
}

// Receipt implements Adapter.
func (s *Sandbox) Receipt(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.txns) == 0 {
		return nil, ErrNoReceipt
	}
	return s.receiptLocked(), nil
}

// RefreshReceipt implements Adapter. The sandbox re-reads the receipt file.
func (s *Sandbox) RefreshReceipt(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	err := s.loadReceipt()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Receipt(ctx)
}

// Updates implements Adapter.
func (s *Sandbox) Updates() <-chan TransactionEvent {
	return s.updates
}

// RestoreAll emits a restored event for every transaction in the receipt.
func (s *Sandbox) RestoreAll() int {
	s.mu.Lock()
	txns := append([]SandboxTransaction(nil), s.txns...)
	s.mu.Unlock()

	for _, t := range txns {
		s.updates <- TransactionEvent{TransactionID: t.TransactionID, ProductID: t.ProductID, State: StateRestored}
	}
	return len(txns)
}

// Close closes the updates channel.
func (s *Sandbox) Close() {
	close(s.updates)
}
