// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"courier/api/internal/search"
	"courier/api/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type DuplicateFinder interface {
	FindDuplicateDirectChats(ctx context.Context) ([]store.DuplicateDirect, error)
}

type Reindexer interface {
	Reindex(ctx context.Context, src search.MessageSource, batch int) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		timeout: 10 * time.Minute,
	}
}

// Add registers fn under spec. An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	if spec == "" {
		s.logger.Info("job disabled", zap.String("job", name))
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		started := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.logger.Info("job finished", zap.String("job", name), zap.Duration("duration", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// DuplicateSweep logs unordered pairs that share more than one direct chat.
// The oldest chat is canonical; nothing is moved or deleted.
func DuplicateSweep(finder DuplicateFinder, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		dups, err := finder.FindDuplicateDirectChats(ctx)
		if err != nil {
			return fmt.Errorf("find duplicate direct chats: %w", err)
		}
		for _, dup := range dups {
			if len(dup.ChatIDs) < 2 {
				continue
			}
			logger.Warn("duplicate direct chats",
				zap.String("code", "CONFLICT"),
				zap.String("user_a", dup.UserA),
				zap.String("user_b", dup.UserB),
				zap.String("canonical_chat_id", dup.ChatIDs[0]),
				zap.Strings("duplicate_chat_ids", dup.ChatIDs[1:]),
			)
		}
		return nil
	}
}

func SearchReindex(indexer Reindexer, src search.MessageSource, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		pushed, err := indexer.Reindex(ctx, src, 500)
		if err != nil {
			return fmt.Errorf("reindex messages: %w", err)
		}
		logger.Info("search reindex complete", zap.Int("messages", pushed))
		return nil
	}
}
