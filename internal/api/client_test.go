package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/retry"
)

type captured struct {
	method string
	path   string
	apiKey string
	body   map[string]any
}

func newServer(t *testing.T, status int, response string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			got.method = r.Method
			got.path = r.URL.Path
			got.apiKey = r.URL.Query().Get("api_key")
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				_ = json.Unmarshal(data, &got.body)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterCustomer(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, `{"data":{"results":{
		"user_id":"u2",
		"currency_code":"USD",
		"subscriptions":[{"product_id":"pro_monthly","status":"trial"}],
		"paywalls":[{"identifier":"main","items":[{"product_id":"pro_monthly"}]}]
	}}}`, &got)

	c := New(srv.URL, "key-123")
	res, err := c.RegisterCustomer(context.Background(), CustomerRequest{
		DeviceParams: DeviceParams{Locale: "en_US", Platform: "ios"},
		DeviceID:     "dev-1",
		UserID:       "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/customers", got.path)
	assert.Equal(t, "key-123", got.apiKey)
	assert.Equal(t, "dev-1", got.body["device_id"])
	assert.Equal(t, "u1", got.body["user_id"])
	assert.Equal(t, "en_US", got.body["locale"], "device params are inlined")

	assert.Equal(t, "u2", res.UserID)
	require.Len(t, res.Subscriptions, 1)
	assert.Equal(t, model.StatusTrial, res.Subscriptions[0].Status)
	require.Len(t, res.Paywalls, 1)
	assert.Equal(t, "main", res.Paywalls[0].Identifier)
}

func TestWithVersion(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, `{"data":{"results":[]}}`, &got)

	c := New(srv.URL+"/", "k", WithVersion("/v2/"))
	_, err := c.FetchProductGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/v2/products", got.path)
}

func TestFetchProductGroups(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"data":{"results":[
		{"product_id":"monthly","group_id":"pro"},
		{"product_id":"annual","group_id":"pro"},
		{"product_id":"","group_id":"junk"}
	]}}`, nil)

	groups, err := New(srv.URL, "k").FetchProductGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ProductGroupMap{"monthly": "pro", "annual": "pro"}, groups)
}

func TestRejectedRequest(t *testing.T) {
	srv := newServer(t, http.StatusUnprocessableEntity, `{"errors":[{"title":"device_id missing"},{"title":"bad locale"}]}`, nil)

	_, err := New(srv.URL, "k").RegisterCustomer(context.Background(), CustomerRequest{})
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.HTTPStatus())
	assert.Equal(t, "device_id missing; bad locale", apiErr.Message)
	assert.Equal(t, retry.ClassBounded, retry.Classify(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := newServer(t, http.StatusBadGateway, `oops`, nil)

	_, err := New(srv.URL, "k").SubmitReceipt(context.Background(), ReceiptRequest{})
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

func TestUnreachableServerIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "k").RegisterCustomer(context.Background(), CustomerRequest{})
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 0, apiErr.HTTPStatus())
	assert.Equal(t, retry.ClassConnectivity, retry.Classify(err))
}

func TestMalformedResponse(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"data":`, nil)

	_, err := New(srv.URL, "k").SignOffer(context.Background(), SignOfferRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}

func TestSubmitAttribution_FlattensProviderFields(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, `{"data":{"results":{}}}`, &got)

	payload := model.AppsFlyer{UID: "af-1"}
	err := New(srv.URL, "k").SubmitAttribution(context.Background(), AttributionRequest{
		DeviceID: "dev-1",
		Provider: payload.Provider(),
		Fields:   payload.Fields(),
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/customers/attribution", got.path)
	assert.Equal(t, "appsflyer", got.body["provider"])
	assert.Equal(t, "af-1", got.body["appsflyer_id"])
	assert.Equal(t, "dev-1", got.body["device_id"])
	_, hasUser := got.body["user_id"]
	assert.False(t, hasUser)
}

func TestSignOffer(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"data":{"results":{"key_id":"K","nonce":"N","signature":"S","timestamp":1700000000}}}`, nil)

	sig, err := New(srv.URL, "k").SignOffer(context.Background(), SignOfferRequest{ProductID: "p", OfferID: "o"})
	require.NoError(t, err)
	assert.True(t, sig.Valid())
	assert.False(t, OfferSignature{KeyID: "K"}.Valid())
}

func TestSubmitProducts_EmptyBodyIsSuccess(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusNoContent, ``, &got)

	err := New(srv.URL, "k").SubmitProducts(context.Background(), ProductsRequest{
		DeviceID: "d",
		Products: []model.ProductMetadata{{ProductID: "p", Price: "4.99", CurrencyCode: "USD"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, got.method)
}

func TestMetricsObserved(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"data":{"results":{}}}`, nil)
	m := metrics.New()

	require.NoError(t, New(srv.URL, "k", WithMetrics(m)).SendEvent(context.Background(), Event{Name: "paywall_shown"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("events", "ok")))
}
