package cli

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves the subscription API envelope. Unrouted paths answer
// with an empty result.
type fakeBackend struct {
	mu       sync.Mutex
	requests []string
	routes   map[string]string
}

func newFakeBackend(t *testing.T, routes map[string]string) (*fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{routes: routes}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.requests = append(b.requests, key)
		results, ok := b.routes[key]
		b.mu.Unlock()
		if !ok {
			results = "{}"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"results":`+results+`}}`)
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) count(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r == key {
			n++
		}
	}
	return n
}

func (b *fakeBackend) set(key, results string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[key] = results
}

// standardRoutes registers user u1 with the pro group and validates any
// receipt as an active pro_monthly subscription.
func standardRoutes() map[string]string {
	return map[string]string{
		"POST /v1/customers":     `{"user_id":"u1","subscriptions":[]}`,
		"GET /v1/products":       `[{"product_id":"pro_monthly","group_id":"pro"},{"product_id":"pro_annual","group_id":"pro"}]`,
		"POST /v1/subscriptions": `{"user_id":"u1","subscriptions":[{"product_id":"pro_monthly","status":"trial","group_id":"pro","introductory_activated":true}]}`,
		"POST /v1/sign_offer":    `{"key_id":"key-1","nonce":"7d3c0f5e-8f4b-4f0a-9d7e-0c8d1c2b3a4f","signature":"c2ln","timestamp":1700000000000}`,
	}
}

// writeConfig writes a config pointing at baseURL and a fresh cache and
// returns its path and the cache path.
func writeConfig(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "cache.db")
	cfg := strings.Join([]string{
		"api_key: pk_test",
		"base_url: " + baseURL,
		"environment: sandbox",
		"database: " + db,
		"request_timeout: 5s",
		"",
	}, "\n")
	path := filepath.Join(dir, "subsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, db
}

const testCatalog = `products:
  - product_id: pro_monthly
    price: "4.99"
    currency_code: USD
    country_code: US
    subscription_period: P1M
    subscription_group_id: pro
    intro_offer:
      price: "0.00"
      payment_mode: free_trial
      period: P1W
      number_of_periods: 1
  - product_id: pro_annual
    price: "39.99"
    currency_code: USD
    country_code: US
    subscription_period: P1Y
    subscription_group_id: pro
    discounts:
      - id: winback
        price: "19.99"
        payment_mode: pay_up_front
        period: P1Y
        number_of_periods: 1
  - product_id: broken
    price: "1.99"
    currency_code: USD
fail: [broken]
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))
	return path
}

// execute runs cmd with args and returns stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func testRootOptions(configPath, format string) *RootOptions {
	return &RootOptions{Format: format, ConfigPath: configPath, Timeout: 10 * time.Second}
}
