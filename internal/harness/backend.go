package harness

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/retry"
	"github.com/roach88/subsync/internal/testutil"
)

// Endpoint names used in traces.
const (
	EndpointCustomers      = "customers"
	EndpointProducts       = "products"
	EndpointSubmitProducts = "submit_products"
	EndpointSubscriptions  = "subscriptions"
	EndpointSignOffer      = "sign_offer"
	EndpointAttribution    = "attribution"
)

// scriptedBackend answers from a BackendScript and records every request.
type scriptedBackend struct {
	script BackendScript
	rec    *recorder

	mu    sync.Mutex
	calls map[string]int
}

func newScriptedBackend(script BackendScript, rec *recorder) *scriptedBackend {
	return &scriptedBackend{script: script, rec: rec, calls: make(map[string]int)}
}

// next returns the reply for the endpoint's next call.
func (b *scriptedBackend) next(endpoint string, replies []Reply) Reply {
	b.mu.Lock()
	n := b.calls[endpoint]
	b.calls[endpoint]++
	b.mu.Unlock()

	if len(replies) == 0 {
		return Reply{}
	}
	if n >= len(replies) {
		n = len(replies) - 1
	}
	return replies[n]
}

func (r Reply) err(op string) error {
	switch {
	case r.Connectivity:
		return testutil.ConnectivityError(op)
	case r.Status > 0:
		return testutil.StatusError(op, r.Status)
	default:
		return nil
	}
}

func (b *scriptedBackend) done(endpoint string, args map[string]any, err error) {
	outcome := "ok"
	if err != nil {
		outcome = retry.Classify(err).String()
	}
	b.rec.record(EventRequest, endpoint, args, outcome)
}

// customerResult builds the payload for /customers and /subscriptions.
func (r Reply) customerResult(userID string) *api.CustomerResult {
	res := &api.CustomerResult{User: model.User{UserID: userID}}
	if r.User == nil {
		return res
	}
	if r.User.UserID != "" {
		res.UserID = r.User.UserID
	}
	now := time.Now().UTC()
	for _, s := range r.User.Subscriptions {
		res.Subscriptions = append(res.Subscriptions, model.Subscription{
			ProductID:               s.ProductID,
			Status:                  model.SubscriptionStatus(s.Status),
			StartedAt:               now,
			ExpiresAt:               now.Add(30 * 24 * time.Hour),
			IsAutorenewEnabled:      true,
			IsIntroductoryActivated: s.IntroActivated,
			GroupID:                 s.GroupID,
		})
	}
	for _, id := range r.User.Purchases {
		res.NonRenewingPurchases = append(res.NonRenewingPurchases, model.NonRenewingPurchase{
			ProductID:   id,
			PurchasedAt: now,
		})
	}
	for _, id := range r.User.Paywalls {
		res.Paywalls = append(res.Paywalls, model.Paywall{Identifier: id})
	}
	return res
}

func (b *scriptedBackend) RegisterCustomer(_ context.Context, req api.CustomerRequest) (*api.CustomerResult, error) {
	args := map[string]any{}
	if req.UserID != "" {
		args["user_id"] = req.UserID
	}
	if req.CurrencyCode != "" {
		args["currency_code"] = req.CurrencyCode
	}

	reply := b.next(EndpointCustomers, b.script.Customers)
	if err := reply.err("register customer"); err != nil {
		b.done(EndpointCustomers, args, err)
		return nil, err
	}
	b.done(EndpointCustomers, args, nil)
	return reply.customerResult(req.UserID), nil
}

func (b *scriptedBackend) FetchProductGroups(_ context.Context) (model.ProductGroupMap, error) {
	reply := b.next(EndpointProducts, b.script.Products)
	if err := reply.err("fetch product groups"); err != nil {
		b.done(EndpointProducts, nil, err)
		return nil, err
	}
	b.done(EndpointProducts, nil, nil)
	groups := make(model.ProductGroupMap, len(reply.Groups))
	for id, g := range reply.Groups {
		groups[id] = g
	}
	return groups, nil
}

func (b *scriptedBackend) SubmitProducts(_ context.Context, req api.ProductsRequest) error {
	args := map[string]any{"products": len(req.Products)}
	// Not scripted.
	b.done(EndpointSubmitProducts, args, nil)
	return nil
}

func (b *scriptedBackend) SubmitReceipt(_ context.Context, req api.ReceiptRequest) (*api.CustomerResult, error) {
	args := map[string]any{}
	if req.UserID != "" {
		args["user_id"] = req.UserID
	}
	if req.ProductInfo != nil {
		args["product_id"] = req.ProductInfo.ProductID
	}
	if req.Restore {
		args["restore"] = true
	}

	reply := b.next(EndpointSubscriptions, b.script.Receipts)
	if err := reply.err("submit receipt"); err != nil {
		b.done(EndpointSubscriptions, args, err)
		return nil, err
	}
	b.done(EndpointSubscriptions, args, nil)
	return reply.customerResult(req.UserID), nil
}

func (b *scriptedBackend) SignOffer(_ context.Context, req api.SignOfferRequest) (api.OfferSignature, error) {
	args := map[string]any{"product_id": req.ProductID, "offer_id": req.OfferID}

	reply := b.next(EndpointSignOffer, b.script.SignOffer)
	if err := reply.err("sign offer"); err != nil {
		b.done(EndpointSignOffer, args, err)
		return api.OfferSignature{}, err
	}
	b.done(EndpointSignOffer, args, nil)
	return api.OfferSignature{KeyID: "key", Nonce: "nonce", Signature: "sig", Timestamp: 1}, nil
}

func (b *scriptedBackend) SubmitAttribution(_ context.Context, req api.AttributionRequest) error {
	args := map[string]any{"provider": string(req.Provider)}
	if req.UserID != "" {
		args["user_id"] = req.UserID
	}

	reply := b.next(EndpointAttribution, b.script.Attribution)
	err := reply.err("submit attribution")
	b.done(EndpointAttribution, args, err)
	return err
}
