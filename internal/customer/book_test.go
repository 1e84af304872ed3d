package customer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/model"
)

func newBook(t *testing.T) (*Book, *cache.Store) {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func monthly(status model.SubscriptionStatus) model.Subscription {
	return model.Subscription{
		ProductID: "pro_monthly",
		Status:    status,
		ExpiresAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReplace_PersistsBeforeNotifying(t *testing.T) {
	b, store := newBook(t)
	ctx := context.Background()

	var cachedAtNotify *model.User
	b.OnSubscriptionsUpdated(func([]model.Subscription) {
		cachedAtNotify, _, _ = store.LoadUser(ctx)
	})

	_, err := b.Replace(ctx, &model.User{UserID: "u1", Subscriptions: []model.Subscription{monthly(model.StatusTrial)}})
	require.NoError(t, err)

	require.NotNil(t, cachedAtNotify)
	assert.Equal(t, "u1", cachedAtNotify.UserID)
}

func TestReplace_NotifiesOnlyChangedLists(t *testing.T) {
	b, _ := newBook(t)
	ctx := context.Background()

	subsCalls, purchaseCalls := 0, 0
	b.OnSubscriptionsUpdated(func([]model.Subscription) { subsCalls++ })
	b.OnPurchasesUpdated(func([]model.NonRenewingPurchase) { purchaseCalls++ })

	u := &model.User{UserID: "u1", Subscriptions: []model.Subscription{monthly(model.StatusTrial)}}
	change, err := b.Replace(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, Change{Subscriptions: true}, change)

	// Unrelated field changes do not notify.
	same := u.Clone()
	same.CurrencyCode = "EUR"
	same.Subscriptions[0].StartedAt = time.Now()
	change, err = b.Replace(ctx, same)
	require.NoError(t, err)
	assert.Equal(t, Change{}, change)

	// Status change does.
	renewed := u.Clone()
	renewed.Subscriptions[0].Status = model.StatusRegular
	renewed.NonRenewingPurchases = []model.NonRenewingPurchase{{ProductID: "lifetime"}}
	change, err = b.Replace(ctx, renewed)
	require.NoError(t, err)
	assert.Equal(t, Change{Subscriptions: true, Purchases: true}, change)

	assert.Equal(t, 2, subsCalls)
	assert.Equal(t, 1, purchaseCalls)
}

func TestReplace_OrderIndependent(t *testing.T) {
	b, _ := newBook(t)
	ctx := context.Background()

	a := monthly(model.StatusTrial)
	c := model.Subscription{ProductID: "pro_annual", Status: model.StatusExpired}
	_, err := b.Replace(ctx, &model.User{Subscriptions: []model.Subscription{a, c}})
	require.NoError(t, err)

	change, err := b.Replace(ctx, &model.User{Subscriptions: []model.Subscription{c, a}})
	require.NoError(t, err)
	assert.False(t, change.Subscriptions)
}

type failingStore struct {
	Persister
}

func (failingStore) SaveUser(context.Context, *model.User) error {
	return errors.New("disk full")
}

func TestReplace_PersistFailureKeepsUserInMemory(t *testing.T) {
	_, store := newBook(t)
	b := New(failingStore{Persister: store})

	_, err := b.Replace(context.Background(), &model.User{UserID: "u1"})
	assert.Error(t, err)
	assert.Equal(t, "u1", b.UserID())
}

func TestLoad_RestoresCachedState(t *testing.T) {
	b, store := newBook(t)
	ctx := context.Background()

	_, err := b.Replace(ctx, &model.User{UserID: "u1", Subscriptions: []model.Subscription{monthly(model.StatusGrace)}})
	require.NoError(t, err)
	require.NoError(t, b.SetPaywalls(ctx, []model.Paywall{{Identifier: "main"}}))

	fresh := New(store)
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, "u1", fresh.UserID())
	assert.True(t, fresh.HasActiveSubscription())
	require.Len(t, fresh.Paywalls(), 1)
	assert.Equal(t, "main", fresh.Paywalls()[0].Identifier)
}

func TestAccessors_EmptyBook(t *testing.T) {
	b, _ := newBook(t)
	assert.Nil(t, b.User())
	assert.Equal(t, "", b.UserID())
	assert.False(t, b.HasUser())
	assert.False(t, b.HasPurchases())
	assert.False(t, b.HasActiveSubscription())
	assert.False(t, b.HasPaywalls())
	assert.Nil(t, b.Subscriptions())
}

func TestIsNonRenewingPurchaseActive(t *testing.T) {
	b, _ := newBook(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	refunded := now.Add(-time.Hour)

	_, err := b.Replace(context.Background(), &model.User{NonRenewingPurchases: []model.NonRenewingPurchase{
		{ProductID: "lifetime"},
		{ProductID: "coins", CanceledAt: &refunded},
	}})
	require.NoError(t, err)

	assert.True(t, b.IsNonRenewingPurchaseActive("lifetime", now))
	assert.False(t, b.IsNonRenewingPurchaseActive("coins", now))
	assert.False(t, b.IsNonRenewingPurchaseActive("missing", now))
}

func TestDrop(t *testing.T) {
	b, _ := newBook(t)
	ctx := context.Background()
	_, err := b.Replace(ctx, &model.User{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, b.SetPaywalls(ctx, []model.Paywall{{Identifier: "main"}}))

	b.Drop()
	assert.False(t, b.HasUser())
	assert.False(t, b.HasPaywalls())
}
