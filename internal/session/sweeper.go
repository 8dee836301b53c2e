package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/storage"
)

type SweeperConfig struct {
	Interval    time.Duration
	Concurrency int
	// StaleSummaryAfter is how long a summary may stay in processing before
	// it is considered abandoned.
	StaleSummaryAfter time.Duration
}

// Sweeper closes sessions that outlived the session timeout without a new
// message arriving, and cleans up summaries left in processing by a crash.
type Sweeper struct {
	manager *Manager
	store   storage.Storage
	cfg     SweeperConfig
	logger  *zap.Logger
}

func NewSweeper(manager *Manager, store storage.Storage, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.StaleSummaryAfter <= 0 {
		cfg.StaleSummaryAfter = 10 * time.Minute
	}
	// A live summarizer call must never look abandoned.
	if floor := 2 * manager.cfg.SummaryTimeout; cfg.StaleSummaryAfter < floor {
		cfg.StaleSummaryAfter = floor
	}
	return &Sweeper{
		manager: manager,
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run sweeps once on start and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		}
	}
}

// RunOnce performs one expiry sweep and one stale-summary reconciliation.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if closed, err := s.SweepExpired(ctx); err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err))
	} else if closed > 0 {
		s.logger.Info("Expiry sweep finished", zap.Int("closed", closed))
	}

	if reconciled, err := s.ReconcileStale(ctx); err != nil {
		s.logger.Error("Stale summary reconciliation failed", zap.Error(err))
	} else if reconciled > 0 {
		s.logger.Info("Stale summaries reconciled", zap.Int("count", reconciled))
	}
}

// SweepExpired closes every active session older than the session timeout
// with reason auto_timeout and returns how many this run closed. A failure
// on one session is logged and does not stop the others.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	cutoff := s.manager.now().Add(-s.manager.cfg.SessionTimeout)
	expired, err := s.store.ListExpiredSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	s.logger.Info("Closing expired sessions",
		zap.Int("count", len(expired)),
		zap.Time("cutoff", cutoff))

	var closed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, session := range expired {
		if gctx.Err() != nil {
			break
		}
		id := session.ID
		g.Go(func() error {
			_, transitioned, err := s.manager.closeSession(gctx, id, models.CloseAutoTimeout, true)
			if err != nil {
				s.logger.Error("Failed to close expired session",
					zap.String("session_id", id),
					zap.Error(err))
				return nil
			}
			if transitioned {
				closed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(closed.Load()), ctx.Err()
}

// ReconcileStale fails summaries stuck in processing for longer than
// StaleSummaryAfter and closes their sessions if those are still
// summarizing. Such records are what a crash during the summarizer call
// leaves behind.
func (s *Sweeper) ReconcileStale(ctx context.Context) (int, error) {
	cutoff := s.manager.now().Add(-s.cfg.StaleSummaryAfter)
	stale, err := s.store.ListStaleSummaries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale summaries: %w", err)
	}

	reconciled := 0
	for _, summary := range stale {
		failed := models.SummaryFailed
		detail := fmt.Sprintf("abandoned: still processing after %s", s.cfg.StaleSummaryAfter)
		if _, err := s.store.UpdateSummary(ctx, summary.ID, models.SummaryPatch{Status: &failed, Error: &detail}); err != nil {
			s.logger.Error("Failed to mark stale summary failed",
				zap.String("summary_id", summary.ID),
				zap.Error(err))
			continue
		}

		if _, err := s.manager.markClosed(ctx, summary.SessionID, nil); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error("Failed to close session of stale summary",
				zap.String("session_id", summary.SessionID),
				zap.Error(err))
			continue
		}

		s.logger.Warn("Stale summary marked failed",
			zap.String("summary_id", summary.ID),
			zap.String("session_id", summary.SessionID))
		reconciled++
	}

	// Sessions stuck in summarizing without any processing summary
	// (crash between the two writes).
	summarizing, err := s.store.ListSessionsByStatus(ctx, models.SessionSummarizing)
	if err != nil {
		return reconciled, fmt.Errorf("list summarizing sessions: %w", err)
	}
	for _, session := range summarizing {
		if session.EndTime == nil || !session.EndTime.Before(cutoff) {
			continue
		}
		inFlight, err := s.store.FindProcessingSummary(ctx, session.ID)
		if err != nil || inFlight != nil {
			continue
		}
		if _, err := s.manager.markClosed(ctx, session.ID, nil); err != nil {
			s.logger.Error("Failed to close orphaned summarizing session",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		reconciled++
	}

	return reconciled, nil
}
