package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScenario(t *testing.T, name string) *Result {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	return res
}

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{"registration_recovery", "purchase_identity_merge"} {
		t.Run(name, func(t *testing.T) {
			res := runScenario(t, name)
			assert.True(t, res.Pass, "errors: %v", res.Errors)
			AssertGolden(t, name, res.Trace)
		})
	}
}

func TestRun_ExpectationFailureReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectation
description: the purchase succeeds but the scenario expects an error
store:
  products:
    - product_id: pro_monthly
steps:
  - purchase: pro_monthly
    expect:
      error: declined
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], `expected error containing "declined"`)
}

func TestRun_FailedPurchase(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: declined
description: the store declines the payment
store:
  products:
    - product_id: pro_monthly
  outcomes:
    pro_monthly: failed
steps:
  - purchase: pro_monthly
    expect:
      error: payment declined
assertions:
  - type: request_count
    name: subscriptions
    count: 0
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)
}

func TestRun_ConnectivityRetry(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: offline_start
description: registration starts offline and recovers on the connectivity retry
backend:
  customers:
    - connectivity: true
    - {}
steps:
  - settle: true
assertions:
  - type: retry_delays
    delays: [2s]
  - type: gate_open
    name: user_registered
    want: true
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)

	customers := res.Requests(EndpointCustomers)
	require.Len(t, customers, 2)
	assert.Equal(t, "connectivity", customers[0].Outcome)
	assert.Equal(t, "ok", customers[1].Outcome)
}

func TestRun_UpdateUserIDAndAttribution(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: switch_user
description: an explicit user switch re-registers and attribution follows the new user
steps:
  - update_user_id: alice
    expect:
      user_id: alice
  - attribute:
      provider: appsflyer
      id: af-1
assertions:
  - type: user_id
    value: alice
  - type: request_count
    name: attribution
    count: 1
  - type: notification_count
    name: identity_changed
    count: 1
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)

	attr := res.Requests(EndpointAttribution)
	require.Len(t, attr, 1)
	assert.Equal(t, "alice", attr[0].Args["user_id"])
}

func TestRun_ReceiptRetryKeepsPending(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: receipt_outage
description: receipt validation keeps failing and stays pending
backend:
  receipts:
    - status: 503
store:
  products:
    - product_id: pro_monthly
steps:
  - purchase: pro_monthly
    expect:
      error: "503"
assertions:
  - type: receipt_pending
    want: true
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)

	subs := res.Requests(EndpointSubscriptions)
	require.Len(t, subs, 1)
	assert.Equal(t, "transient", subs[0].Outcome)
}

func TestFormatTrace(t *testing.T) {
	data, err := FormatTrace([]TraceEvent{
		{Seq: 1, Type: EventRequest, Name: "products", Outcome: "ok"},
		{Seq: 2, Type: EventResult, Name: "logout"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{
		`{"name":"products","outcome":"ok","seq":1,"type":"request"}`,
		`{"name":"logout","seq":2,"type":"result"}`,
	}, lines)
}
