package search

import (
	"context"
	"time"

	"courier/api/internal/store"
	"go.uber.org/zap"
)

type messageIndex interface {
	Searcher
	IndexMessages(records []MessageRecord) error
}

// MessageSource pages through stored messages for reindexing.
type MessageSource interface {
	ListMessagesForIndex(ctx context.Context, afterTime time.Time, afterID string, limit int) ([]store.Message, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    messageIndex
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.index = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	empty := Response{Results: []Result{}, Total: 0, Query: q.Text}
	if len(allowedChats(q)) == 0 {
		return empty
	}

	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return empty
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage pushes a newly appended message to Meilisearch in the background.
func (s *Service) IndexMessage(msg store.Message) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.IndexMessages([]MessageRecord{toRecord(msg)}); err != nil {
			s.logger.Warn("index message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()
}

// Reindex copies every stored message into Meilisearch and returns how many were pushed.
func (s *Service) Reindex(ctx context.Context, src MessageSource, batch int) (int, error) {
	if s.index == nil || !s.index.Healthy() {
		return 0, nil
	}
	if batch <= 0 {
		batch = 500
	}

	var (
		afterTime time.Time
		afterID   string
		pushed    int
	)
	for {
		page, err := src.ListMessagesForIndex(ctx, afterTime, afterID, batch)
		if err != nil {
			return pushed, err
		}
		if len(page) == 0 {
			return pushed, nil
		}
		records := make([]MessageRecord, 0, len(page))
		for _, msg := range page {
			records = append(records, toRecord(msg))
		}
		if err := s.index.IndexMessages(records); err != nil {
			return pushed, err
		}
		pushed += len(records)
		last := page[len(page)-1]
		afterTime, afterID = last.CreatedAt, last.ID
		if len(page) < batch {
			return pushed, nil
		}
	}
}

func toRecord(msg store.Message) MessageRecord {
	return MessageRecord{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
