package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAwait_DefersUntilOpen(t *testing.T) {
	s := New()
	var order []int

	assert.Equal(t, Deferred, s.Await(UserRegistered, func() { order = append(order, 1) }))
	assert.Equal(t, Deferred, s.Await(UserRegistered, func() { order = append(order, 2) }))
	assert.Equal(t, Deferred, s.Await(UserRegistered, func() { order = append(order, 3) }))

	assert.Empty(t, order)
	assert.Equal(t, 3, s.Pending(UserRegistered))

	s.Open(UserRegistered)

	assert.Equal(t, []int{1, 2, 3}, order, "FIFO drain")
	assert.Equal(t, 0, s.Pending(UserRegistered))
	assert.True(t, s.IsOpen(UserRegistered))
}

func TestAwait_RunsSynchronouslyWhenOpen(t *testing.T) {
	s := New()
	s.Open(ProductGroupsFetched)

	ran := false
	outcome := s.Await(ProductGroupsFetched, func() { ran = true })

	assert.Equal(t, RanImmediately, outcome)
	assert.True(t, ran, "callback must run before Await returns")
	assert.Equal(t, 0, s.Pending(ProductGroupsFetched))
}

func TestOpen_IsMonotonicAndDrainsOnce(t *testing.T) {
	s := New()
	count := 0
	s.Await(StoreProductsFetched, func() { count++ })

	s.Open(StoreProductsFetched)
	s.Open(StoreProductsFetched)

	assert.Equal(t, 1, count)
	assert.True(t, s.IsOpen(StoreProductsFetched))
}

func TestOpen_GatesAreIndependent(t *testing.T) {
	s := New()
	ran := map[Name]bool{}
	s.Await(UserRegistered, func() { ran[UserRegistered] = true })
	s.Await(ProductGroupsFetched, func() { ran[ProductGroupsFetched] = true })

	s.Open(UserRegistered)

	assert.True(t, ran[UserRegistered])
	assert.False(t, ran[ProductGroupsFetched])
	assert.False(t, s.IsOpen(ProductGroupsFetched))
}

func TestOpen_CallbackAwaitingSameGateRunsInline(t *testing.T) {
	s := New()
	var order []string

	s.Await(UserRegistered, func() {
		order = append(order, "first")
		outcome := s.Await(UserRegistered, func() { order = append(order, "nested") })
		assert.Equal(t, RanImmediately, outcome)
	})
	s.Await(UserRegistered, func() { order = append(order, "second") })

	s.Open(UserRegistered)

	assert.Equal(t, []string{"first", "nested", "second"}, order)
}

func TestOpen_Hook(t *testing.T) {
	var opened []Name
	s := New(WithOpenHook(func(n Name) { opened = append(opened, n) }))

	s.Open(UserRegistered)
	s.Open(UserRegistered)
	s.Open(ProductGroupsFetched)

	assert.Equal(t, []Name{UserRegistered, ProductGroupsFetched}, opened)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ran_immediately", RanImmediately.String())
	assert.Equal(t, "deferred", Deferred.String())
}
