package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"forumcore/internal/metrics"
	"forumcore/internal/store"
)

// Store wraps a store.Store and memoizes Children and CountChildren. Every
// write through it drops the scopes of the parents it touched. Writes made
// inside WithTx are collected and dropped once the transaction ends, and
// reads inside the transaction bypass the cache.
type Store struct {
	store.Store
	backend Backend
	group   singleflight.Group
	logger  *slog.Logger

	// gens counts invalidations per parent. A fill only lands if its
	// parent's generation is unchanged since the fill started.
	mu   sync.Mutex
	gens map[int64]uint64
}

func Wrap(inner store.Store, backend Backend, logger *slog.Logger) *Store {
	return &Store{Store: inner, backend: backend, logger: logger, gens: map[int64]uint64{}}
}

func (s *Store) generation(parentID int64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[parentID]
}

func scope(parentID int64) string {
	return "parent:" + strconv.FormatInt(parentID, 10)
}

func queryKey(kind string, q store.ChildQuery) string {
	return fmt.Sprintf("%s:%d:%s:%s:%d", kind, q.ParentID, q.Type, q.Statuses.Key(), q.Order)
}

func (s *Store) lookup(ctx context.Context, q store.ChildQuery, kind string, fill func() (string, error)) (string, error) {
	key := queryKey(kind, q)
	value, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache get failed", "key", key, "error", err)
	}
	if ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return value, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	result, err, _ := s.group.Do(key, func() (any, error) {
		gen := s.generation(q.ParentID)
		value, err := fill()
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gens[q.ParentID] != gen {
			s.logger.Debug("cache fill outlived an invalidation, not stored", "key", key)
			return value, nil
		}
		if err := s.backend.Set(ctx, scope(q.ParentID), key, value); err != nil {
			s.logger.Warn("cache set failed", "key", key, "error", err)
		}
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *Store) Children(ctx context.Context, q store.ChildQuery) ([]int64, error) {
	raw, err := s.lookup(ctx, q, "children", func() (string, error) {
		ids, err := s.Store.Children(ctx, q)
		if err != nil {
			return "", err
		}
		return store.FormatIDs(ids), nil
	})
	if err != nil {
		return nil, err
	}
	return store.ParseIDs(raw)
}

func (s *Store) CountChildren(ctx context.Context, q store.ChildQuery) (int, error) {
	raw, err := s.lookup(ctx, q, "count", func() (string, error) {
		n, err := s.Store.CountChildren(ctx, q)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	})
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

func (s *Store) Create(ctx context.Context, post store.Post) (int64, error) {
	touched := scopeSet{}
	id, err := createTracked(ctx, s.Store, post, touched)
	s.invalidate(ctx, touched)
	return id, err
}

func (s *Store) Update(ctx context.Context, post store.Post) error {
	touched := scopeSet{}
	err := updateTracked(ctx, s.Store, post, touched)
	s.invalidate(ctx, touched)
	return err
}

func (s *Store) Delete(ctx context.Context, id int64, cascade bool) error {
	touched := scopeSet{}
	err := deleteTracked(ctx, s.Store, id, cascade, touched)
	s.invalidate(ctx, touched)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	touched := scopeSet{}
	err := s.Store.WithTx(ctx, func(inner store.Store) error {
		return fn(&txStore{Store: inner, touched: touched})
	})
	s.invalidate(ctx, touched)
	return err
}

// Flush drops the cached lookups for the given parents.
func (s *Store) Flush(ctx context.Context, parentIDs ...int64) {
	touched := scopeSet{}
	for _, id := range parentIDs {
		touched.add(id)
	}
	s.invalidate(ctx, touched)
}

func (s *Store) invalidate(ctx context.Context, touched scopeSet) {
	if len(touched) == 0 {
		return
	}
	s.mu.Lock()
	for parentID := range touched {
		s.gens[parentID]++
	}
	s.mu.Unlock()
	for parentID := range touched {
		if err := s.backend.Invalidate(ctx, scope(parentID)); err != nil {
			s.logger.Warn("cache invalidate failed", "parent_id", parentID, "error", err)
		}
	}
}

type scopeSet map[int64]struct{}

func (s scopeSet) add(id int64) {
	s[id] = struct{}{}
}

func createTracked(ctx context.Context, inner store.Store, post store.Post, touched scopeSet) (int64, error) {
	id, err := inner.Create(ctx, post)
	if err == nil {
		touched.add(post.ParentID)
	}
	return id, err
}

func updateTracked(ctx context.Context, inner store.Store, post store.Post, touched scopeSet) error {
	if old, err := inner.Get(ctx, post.ID); err == nil {
		touched.add(old.ParentID)
	}
	touched.add(post.ParentID)
	return inner.Update(ctx, post)
}

func deleteTracked(ctx context.Context, inner store.Store, id int64, cascade bool, touched scopeSet) error {
	if old, err := inner.Get(ctx, id); err == nil {
		touched.add(old.ParentID)
	}
	touched.add(id)
	return inner.Delete(ctx, id, cascade)
}

// txStore records the parents touched by writes inside a transaction.
type txStore struct {
	store.Store
	touched scopeSet
}

func (t *txStore) Create(ctx context.Context, post store.Post) (int64, error) {
	return createTracked(ctx, t.Store, post, t.touched)
}

func (t *txStore) Update(ctx context.Context, post store.Post) error {
	return updateTracked(ctx, t.Store, post, t.touched)
}

func (t *txStore) Delete(ctx context.Context, id int64, cascade bool) error {
	return deleteTracked(ctx, t.Store, id, cascade, t.touched)
}

func (t *txStore) WithTx(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}
