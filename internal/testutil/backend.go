package testutil

import (
	"context"
	"net"
	"net/http"
	"sync"
	"syscall"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/model"
)

// ConnectivityError is a transport failure that classifies as
// connectivity.
func ConnectivityError(op string) error {
	return &api.Error{Op: op, Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
}

// StatusError is a rejected request with the given HTTP status.
func StatusError(op string, status int) error {
	return &api.Error{Op: op, StatusCode: status, Message: http.StatusText(status)}
}

// FakeBackend records requests and answers them from per-endpoint funcs.
//
// Each func receives the 1-based call number. A nil func answers with a
// default success: registration and receipt submission echo the request's
// user ID back.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeBackend struct {
	RegisterFunc    func(n int, req api.CustomerRequest) (*api.CustomerResult, error)
	GroupsFunc      func(n int) (model.ProductGroupMap, error)
	ProductsFunc    func(n int, req api.ProductsRequest) error
	ReceiptFunc     func(n int, req api.ReceiptRequest) (*api.CustomerResult, error)
	SignFunc        func(n int, req api.SignOfferRequest) (api.OfferSignature, error)
	AttributionFunc func(n int, req api.AttributionRequest) error

	mu           sync.Mutex
	customers    []api.CustomerRequest
	groupFetches int
	products     []api.ProductsRequest
	receipts     []api.ReceiptRequest
	offers       []api.SignOfferRequest
	attributions []api.AttributionRequest
}

// NewFakeBackend creates a FakeBackend answering every call successfully.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{}
}

// RegisterCustomer records a POST /customers.
func (b *FakeBackend) RegisterCustomer(_ context.Context, req api.CustomerRequest) (*api.CustomerResult, error) {
	b.mu.Lock()
	b.customers = append(b.customers, req)
	n := len(b.customers)
	fn := b.RegisterFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(n, req)
	}
	return &api.CustomerResult{User: model.User{UserID: req.UserID}}, nil
}

// FetchProductGroups records a GET /products.
func (b *FakeBackend) FetchProductGroups(_ context.Context) (model.ProductGroupMap, error) {
	b.mu.Lock()
	b.groupFetches++
	n := b.groupFetches
	fn := b.GroupsFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(n)
	}
	return model.ProductGroupMap{}, nil
}

// SubmitProducts records a PUT /products.
func (b *FakeBackend) SubmitProducts(_ context.Context, req api.ProductsRequest) error {
	b.mu.Lock()
	b.products = append(b.products, req)
	n := len(b.products)
	fn := b.ProductsFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(n, req)
	}
	return nil
}

// SubmitReceipt records a POST /subscriptions.
func (b *FakeBackend) SubmitReceipt(_ context.Context, req api.ReceiptRequest) (*api.CustomerResult, error) {
	b.mu.Lock()
	b.receipts = append(b.receipts, req)
	n := len(b.receipts)
	fn := b.ReceiptFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(n, req)
	}
	return &api.CustomerResult{User: model.User{UserID: req.UserID}}, nil
}

// SignOffer records a POST /sign_offer.
func (b *FakeBackend) SignOffer(_ context.Context, req api.SignOfferRequest) (api.OfferSignature, error) {
	b.mu.Lock()
	b.offers = append(b.offers, req)
	n := len(b.offers)
	fn := b.SignFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(n, req)
	}
	return api.OfferSignature{KeyID: "key", Nonce: "nonce", Signature: "sig", Timestamp: 1}, nil
}

// SubmitAttribution records a POST /customers/attribution.
func (b *FakeBackend) SubmitAttribution(_ context.Context, req api.AttributionRequest) error {
	b.mu.Lock()
	b.attributions = append(b.attributions, req)
	n := len(b.attributions)
	fn := b.AttributionFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(n, req)
	}
	return nil
}

// Customers returns every recorded POST /customers body.
func (b *FakeBackend) Customers() []api.CustomerRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.CustomerRequest(nil), b.customers...)
}

// GroupFetches returns the number of GET /products calls.
func (b *FakeBackend) GroupFetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groupFetches
}

// Products returns every recorded PUT /products body.
func (b *FakeBackend) Products() []api.ProductsRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.ProductsRequest(nil), b.products...)
}

// Receipts returns every recorded POST /subscriptions body.
func (b *FakeBackend) Receipts() []api.ReceiptRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.ReceiptRequest(nil), b.receipts...)
}

// Offers returns every recorded POST /sign_offer body.
func (b *FakeBackend) Offers() []api.SignOfferRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.SignOfferRequest(nil), b.offers...)
}

// Attributions returns every recorded POST /customers/attribution body.
func (b *FakeBackend) Attributions() []api.AttributionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.AttributionRequest(nil), b.attributions...)
}
