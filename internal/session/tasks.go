package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xaenox/chatdigest/internal/models"
)

// SummaryTask is the summary of a closing session running on a background
// worker. The session stays summarizing until the task is done.
type SummaryTask struct {
	SessionID string

	done    chan struct{}
	session *models.Session
	err     error
}

// Done is closed once the session reached closed.
func (t *SummaryTask) Done() <-chan struct{} {
	return t.done
}

// Wait returns the closed session, or ctx.Err() if ctx ends first. Summarizer
// failures are recorded on the summary and are not returned here.
func (t *SummaryTask) Wait(ctx context.Context) (*models.Session, error) {
	select {
	case <-t.done:
		return t.session, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type summaryWorkers struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// WithBackgroundSummaries runs the summarizer of sessions closed by a message
// count or age trigger on at most workers goroutines. The triggering call
// returns once the session is summarizing and hands back a SummaryTask.
// Manual closes and the sweeper keep summarizing inline.
func WithBackgroundSummaries(workers int) Option {
	if workers <= 0 {
		workers = 1
	}
	return func(m *Manager) {
		m.workers = &summaryWorkers{sem: semaphore.NewWeighted(int64(workers))}
	}
}

func (m *Manager) startSummary(ctx context.Context, s *models.Session, count int) *SummaryTask {
	task := &SummaryTask{SessionID: s.ID, done: make(chan struct{})}
	ctx = context.WithoutCancel(ctx)

	m.workers.wg.Add(1)
	go func() {
		defer m.workers.wg.Done()
		defer close(task.done)

		if err := m.workers.sem.Acquire(ctx, 1); err != nil {
			task.err = err
			return
		}
		defer m.workers.sem.Release(1)

		task.session, task.err = m.summarizeAndClose(ctx, s, count)
		if task.err != nil {
			m.logger.Error("Background summary failed",
				zap.String("session_id", s.ID),
				zap.Error(task.err))
		}
	}()
	return task
}

// Wait blocks until every background summary has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	if m.workers == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.workers.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
