package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/storage"
	"github.com/xaenox/chatdigest/internal/summarizer"
)

// summarizeAndClose runs the summarizer for a session already moved to
// summarizing and always leaves it closed. Only storage failures are
// returned; summarizer failures end up on the summary record.
func (m *Manager) summarizeAndClose(ctx context.Context, s *models.Session, count int) (*models.Session, error) {
	// Once a session is summarizing it must reach closed even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)

	record, err := m.store.CreateSummary(ctx, &models.Summary{
		SessionID:    s.ID,
		RoomID:       s.RoomID,
		OwnerID:      s.OwnerID,
		Status:       models.SummaryProcessing,
		MessageCount: count,
		CreatedAt:    m.now(),
	})
	if err != nil {
		closed, closeErr := m.markClosed(ctx, s.ID, nil)
		if errors.Is(err, storage.ErrSummaryInFlight) {
			// An on-demand generation is already running; it attaches its
			// own result when done. If it fails the session stays without
			// a summary until GenerateSummaryNow is called again.
			fields := []zap.Field{zap.String("session_id", s.ID)}
			if inFlight, findErr := m.store.FindProcessingSummary(ctx, s.ID); findErr == nil && inFlight != nil {
				fields = append(fields, zap.String("in_flight_summary_id", inFlight.ID))
			}
			m.logger.Warn("Session closed while an on-demand summary is in flight, its summary depends on that run", fields...)
			return closed, closeErr
		}
		if closeErr != nil {
			m.logger.Error("Failed to close session after summary creation error",
				zap.String("session_id", s.ID),
				zap.Error(closeErr))
		}
		return closed, fmt.Errorf("create summary for session %s: %w", s.ID, err)
	}

	summary, genErr := m.generate(ctx, s, record)

	var attach *string
	var sumErr *SummarizationError
	switch {
	case genErr == nil:
		attach = &summary.ID
	case errors.As(genErr, &sumErr):
		m.logger.Warn("Summary generation failed, closing session anyway",
			zap.String("session_id", s.ID),
			zap.String("summary_id", record.ID),
			zap.Error(sumErr.Err))
	default:
		m.logger.Error("Failed to record summary outcome",
			zap.String("session_id", s.ID),
			zap.String("summary_id", record.ID),
			zap.Error(genErr))
	}

	return m.markClosed(ctx, s.ID, attach)
}

// markClosed moves a summarizing session to closed, attaching summaryID when set.
func (m *Manager) markClosed(ctx context.Context, sessionID string, summaryID *string) (*models.Session, error) {
	closed := models.SessionClosed
	s, err := m.store.TransitionSession(ctx, sessionID, models.SessionSummarizing, models.SessionPatch{
		Status:    &closed,
		SummaryID: summaryID,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		return m.getSession(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark session %s closed: %w", sessionID, err)
	}

	m.logger.Info("Session closed",
		zap.String("session_id", s.ID),
		zap.String("reason", string(s.CloseReason)),
		zap.Bool("summary_attached", summaryID != nil))
	return s, nil
}

// generate calls the summarizer for a processing summary record and stores
// the outcome on it. The returned error is a *SummarizationError when the
// summarizer failed, or a storage error when the outcome could not be saved.
func (m *Manager) generate(ctx context.Context, s *models.Session, record *models.Summary) (*models.Summary, error) {
	start := time.Now()

	messages, err := m.store.ListMessages(ctx, s.ID)
	var result *summarizer.Result
	if err == nil {
		result, err = m.callSummarizer(ctx, messages)
	}
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		failed := models.SummaryFailed
		detail := err.Error()
		updated, updateErr := m.store.UpdateSummary(ctx, record.ID, models.SummaryPatch{
			Status:     &failed,
			Error:      &detail,
			DurationMs: &durationMs,
		})
		if updateErr != nil {
			// Left in processing; ReconcileStale fails it later.
			m.logger.Error("Failed to mark summary failed",
				zap.String("summary_id", record.ID),
				zap.Error(updateErr))
			return record, fmt.Errorf("record summary failure: %w", updateErr)
		}
		return updated, &SummarizationError{SessionID: s.ID, SummaryID: record.ID, Err: err}
	}

	completed := models.SummaryCompleted
	tokens := result.TokensUsed
	updated, err := m.store.UpdateSummary(ctx, record.ID, models.SummaryPatch{
		Status:     &completed,
		Content:    &result.Content,
		Topics:     nonNil(result.Topics),
		Sentiment:  &result.Sentiment,
		Urgency:    &result.Urgency,
		TokensUsed: &tokens,
		Model:      &result.Model,
		DurationMs: &durationMs,
	})
	if err != nil {
		m.logger.Error("Failed to store summary result",
			zap.String("summary_id", record.ID),
			zap.Error(err))
		return record, fmt.Errorf("record summary result: %w", err)
	}

	m.logger.Info("Summary generated",
		zap.String("session_id", s.ID),
		zap.String("summary_id", updated.ID),
		zap.Int("messages", len(messages)),
		zap.Int("tokens_used", tokens),
		zap.Int64("duration_ms", durationMs))
	return updated, nil
}

// callSummarizer bounds the summarizer with SummaryTimeout, also when the
// implementation ignores its context.
func (m *Manager) callSummarizer(ctx context.Context, messages []*models.Message) (*summarizer.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SummaryTimeout)
	defer cancel()

	type outcome struct {
		result *summarizer.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := m.summarizer.Summarize(ctx, messages)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.result == nil {
			return nil, errors.New("summarizer returned no result")
		}
		return o.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("summarizer did not answer in %s: %w", m.cfg.SummaryTimeout, ctx.Err())
	}
}

func nonNil(topics []string) []string {
	if topics == nil {
		return []string{}
	}
	return topics
}

// GenerateSummaryNow summarizes a session on demand, regardless of count or
// age. The session status is left as it is; the processing summary is the
// in-flight marker, so a second request for the same session fails with
// ErrInvalidState until the first finishes. On summarizer failure the failed
// summary is returned together with a *SummarizationError.
func (m *Manager) GenerateSummaryNow(ctx context.Context, sessionID string) (*models.Summary, error) {
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == models.SessionSummarizing {
		return nil, invalidState("session %s is already being summarized", sessionID)
	}

	inFlight, err := m.store.FindProcessingSummary(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if inFlight != nil {
		return nil, invalidState("summary %s for session %s is still processing", inFlight.ID, sessionID)
	}

	count, err := m.store.CountMessages(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, invalidState("session %s has no messages", sessionID)
	}

	ctx = context.WithoutCancel(ctx)
	record, err := m.store.CreateSummary(ctx, &models.Summary{
		SessionID:    s.ID,
		RoomID:       s.RoomID,
		OwnerID:      s.OwnerID,
		Status:       models.SummaryProcessing,
		MessageCount: count,
		CreatedAt:    m.now(),
	})
	if errors.Is(err, storage.ErrSummaryInFlight) {
		return nil, invalidState("session %s is already being summarized", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("create summary for session %s: %w", sessionID, err)
	}

	m.logger.Info("On-demand summary requested",
		zap.String("session_id", s.ID),
		zap.String("status", string(s.Status)),
		zap.Int("message_count", count))

	summary, err := m.generate(ctx, s, record)
	if err != nil {
		m.warnIfClosedWithoutSummary(ctx, s.ID)
		return summary, err
	}

	if _, err := m.store.UpdateSession(ctx, s.ID, models.SessionPatch{SummaryID: &summary.ID}); err != nil {
		return summary, fmt.Errorf("attach summary to session %s: %w", s.ID, err)
	}
	return summary, nil
}

// warnIfClosedWithoutSummary flags a session that was closed while a failed
// on-demand run was in flight, so it ends up with no summary at all.
func (m *Manager) warnIfClosedWithoutSummary(ctx context.Context, sessionID string) {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil || current.Status != models.SessionClosed || current.SummaryID != nil {
		return
	}
	m.logger.Warn("Closed session has no completed summary, request a new one to retry",
		zap.String("session_id", sessionID),
		zap.String("reason", string(current.CloseReason)))
}
