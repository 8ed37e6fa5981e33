package search

import (
	"context"
	"log/slog"
)

// Backend is a search engine that can both query and be written to.
type Backend interface {
	Searcher
	Indexer
}

// RecordLoader supplies every searchable record for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]PostRecord, error)
}

// Service is the facade that tries the primary backend (Meilisearch) first
// and falls back to Postgres FTS.
type Service struct {
	primary  Backend
	fallback Searcher
	logger   *slog.Logger
	run      func(func())
}

// NewService creates a search service. primary and fallback may each be nil.
func NewService(primary Backend, fallback Searcher, logger *slog.Logger) *Service {
	return &Service{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		run:      func(f func()) { go f() },
	}
}

// Search tries the primary backend if healthy, otherwise the fallback.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search: primary error, falling back", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: fallback error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRecords pushes records to the primary backend without waiting.
func (s *Service) IndexRecords(records []PostRecord) error {
	if len(records) == 0 || !s.writable() {
		return nil
	}
	s.run(func() {
		if err := s.primary.IndexRecords(records); err != nil {
			s.logger.Error("search: index records", "count", len(records), "error", err)
		}
	})
	return nil
}

// DeleteRecords removes ids from the primary backend without waiting.
func (s *Service) DeleteRecords(t ResultType, ids []int64) error {
	if len(ids) == 0 || !s.writable() {
		return nil
	}
	s.run(func() {
		if err := s.primary.DeleteRecords(t, ids); err != nil {
			s.logger.Error("search: delete records", "type", t, "ids", ids, "error", err)
		}
	})
	return nil
}

// Reindex loads every searchable record and pushes it to the primary
// backend synchronously. It returns the number of records sent.
func (s *Service) Reindex(ctx context.Context, loader RecordLoader) (int, error) {
	if !s.writable() || loader == nil {
		return 0, nil
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := s.primary.IndexRecords(records); err != nil {
		return 0, err
	}
	s.logger.Info("search: reindexed", "records", len(records))
	return len(records), nil
}

func (s *Service) writable() bool {
	return s.primary != nil && s.primary.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
