package cache

import (
	"context"
	"time"

	"github.com/roach88/subsync/internal/model"
)

// SaveUser replaces the cached user.
func (s *Store) SaveUser(ctx context.Context, u *model.User) error {
	return s.PutRecord(ctx, RecordUser, u)
}

// LoadUser returns the cached user, or nil if none is cached.
func (s *Store) LoadUser(ctx context.Context) (*model.User, time.Time, error) {
	var u model.User
	at, ok, err := s.GetRecord(ctx, RecordUser, &u)
	if err != nil || !ok {
		return nil, time.Time{}, err
	}
	return &u, at, nil
}

// SaveProductGroups replaces the cached product-group map.
func (s *Store) SaveProductGroups(ctx context.Context, groups model.ProductGroupMap) error {
	return s.PutRecord(ctx, RecordProductGroups, groups)
}

// LoadProductGroups returns the cached product-group map, or nil.
func (s *Store) LoadProductGroups(ctx context.Context) (model.ProductGroupMap, error) {
	var groups model.ProductGroupMap
	_, ok, err := s.GetRecord(ctx, RecordProductGroups, &groups)
	if err != nil || !ok {
		return nil, err
	}
	return groups, nil
}

// SavePaywalls replaces the cached paywall list.
func (s *Store) SavePaywalls(ctx context.Context, paywalls []model.Paywall) error {
	return s.PutRecord(ctx, RecordPaywalls, paywalls)
}

// LoadPaywalls returns the cached paywall list and whether one exists.
func (s *Store) LoadPaywalls(ctx context.Context) ([]model.Paywall, bool, error) {
	var paywalls []model.Paywall
	_, ok, err := s.GetRecord(ctx, RecordPaywalls, &paywalls)
	if err != nil || !ok {
		return nil, false, err
	}
	return paywalls, true, nil
}
