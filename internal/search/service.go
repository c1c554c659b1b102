package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Engine is a primary search backend that also accepts documents.
type Engine interface {
	Searcher
	IndexMessages(records []MessageRecord) error
	IndexActivity(records []ActivityRecord) error
}

// Fallback is the always-available backend, also used as the source of
// truth for reindexing.
type Fallback interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]MessageRecord, []ActivityRecord, error)
}

// Service is the facade that tries the engine first and falls back to PG FTS.
type Service struct {
	engine   Engine
	fallback Fallback
	logger   *zap.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. engine may be nil if Meilisearch is
// not configured.
func NewService(engine Engine, fallback Fallback, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, fallback: fallback, logger: logger}
}

// Search tries the engine if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search engine error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage indexes a chat message (fire-and-forget).
func (s *Service) IndexMessage(r MessageRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.IndexMessages([]MessageRecord{r}); err != nil {
			s.logger.Warn("index message", zap.String("id", r.ID), zap.Error(err))
		}
	}()
}

// IndexActivity indexes an activity log entry (fire-and-forget).
func (s *Service) IndexActivity(r ActivityRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.IndexActivity([]ActivityRecord{r}); err != nil {
			s.logger.Warn("index activity", zap.String("id", r.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight index calls finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ReindexAllFromPG pushes every message and activity row into the engine.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.engine == nil || !s.engine.Healthy() || s.fallback == nil {
		return
	}
	messages, activity, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.engine.IndexMessages(messages); err != nil {
		s.logger.Warn("reindex messages", zap.Error(err))
	}
	if err := s.engine.IndexActivity(activity); err != nil {
		s.logger.Warn("reindex activity", zap.Error(err))
	}
	s.logger.Info("search reindex complete", zap.Int("messages", len(messages)), zap.Int("activity", len(activity)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
