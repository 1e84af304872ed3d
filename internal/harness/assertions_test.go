package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subsync/internal/engine"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/model"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, Type: EventRequest, Name: EndpointCustomers, Outcome: "bounded"},
		{Seq: 2, Type: EventRequest, Name: EndpointCustomers, Outcome: "ok"},
		{Seq: 3, Type: EventNotification, Name: "identity_changed"},
		{Seq: 4, Type: EventRequest, Name: EndpointProducts, Outcome: "ok"},
		{Seq: 5, Type: EventRequest, Name: EndpointSubmitProducts, Outcome: "ok"},
	}
	r.Delays = []time.Duration{time.Second}
	r.Status = engine.Status{
		Identity: model.Identity{DeviceID: "d", UserID: "u2"},
		Gates:    map[gate.Name]bool{gate.UserRegistered: true},
	}
	return r
}

func intp(n int) *int { return &n }
func boolp(b bool) *bool { return &b }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		a    Assertion
		pass bool
	}{
		{"request count", Assertion{Type: AssertRequestCount, Name: EndpointCustomers, Count: intp(2)}, true},
		{"request count mismatch", Assertion{Type: AssertRequestCount, Name: EndpointCustomers, Count: intp(1)}, false},
		{"notification count", Assertion{Type: AssertNotificationCount, Name: "identity_changed", Count: intp(1)}, true},
		{"order subsequence", Assertion{Type: AssertRequestOrder, Names: []string{EndpointCustomers, EndpointSubmitProducts}}, true},
		{"order violated", Assertion{Type: AssertRequestOrder, Names: []string{EndpointProducts, EndpointCustomers, EndpointCustomers}}, false},
		{"delays", Assertion{Type: AssertRetryDelays, Delays: []string{"1s"}}, true},
		{"delays mismatch", Assertion{Type: AssertRetryDelays, Delays: []string{"1s", "2s"}}, false},
		{"user id", Assertion{Type: AssertUserID, Value: "u2"}, true},
		{"user id mismatch", Assertion{Type: AssertUserID, Value: "u1"}, false},
		{"gate open", Assertion{Type: AssertGateOpen, Name: string(gate.UserRegistered), Want: boolp(true)}, true},
		{"gate closed", Assertion{Type: AssertGateOpen, Name: string(gate.StoreProductsFetched), Want: boolp(false)}, true},
		{"receipt pending", Assertion{Type: AssertReceiptPending, Want: boolp(true)}, false},
	}

	r := sampleResult()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Evaluate(tt.a, r)
			if tt.pass {
				assert.NoError(t, err)
				return
			}
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
		})
	}
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("step %d failed", 2)
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"step 2 failed"}, r.Errors)
}

func TestIsSubsequence(t *testing.T) {
	assert.True(t, isSubsequence(nil, []string{"a"}))
	assert.True(t, isSubsequence([]string{"a", "c"}, []string{"a", "b", "c"}))
	assert.False(t, isSubsequence([]string{"c", "a"}, []string{"a", "b", "c"}))
	assert.False(t, isSubsequence([]string{"a"}, nil))
}
