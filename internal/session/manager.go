// Package session owns the chat session lifecycle: creating the single active
// session of a room, admitting messages into it, closing it when a message
// count or age threshold is reached, and handing closed sessions to the
// summarizer exactly once.
//
// The Manager keeps no state between calls. Every operation re-reads the
// session from storage, and status changes are compare-and-set on the stored
// status, so any number of Manager instances may share one store.
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

type Config struct {
	MaxMessagesPerSession int
	SessionTimeout        time.Duration
	MinMessagesForSummary int
	// SummaryTimeout bounds a single summarizer call.
	SummaryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxMessagesPerSession: 50,
		SessionTimeout:        24 * time.Hour,
		MinMessagesForSummary: 1,
		SummaryTimeout:        60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessagesPerSession <= 0 {
		c.MaxMessagesPerSession = d.MaxMessagesPerSession
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	// An empty session has nothing to summarize.
	if c.MinMessagesForSummary < 1 {
		c.MinMessagesForSummary = 1
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = d.SummaryTimeout
	}
	return c
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

type Manager struct {
	store      storage.Storage
	summarizer summarizer.Summarizer
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	workers    *summaryWorkers
}

func NewManager(store storage.Storage, s summarizer.Summarizer, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		summarizer: s,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// MessageInput is an inbound or outbound chat message before admission.
type MessageInput struct {
	PlatformMessageID string
	SenderID          string
	SenderName        string
	Direction         models.Direction
	ContentType       models.ContentType
	Text              string
	ContentRef        string
	SentAt            time.Time
}

type AdmitResult struct {
	Session        *models.Session
	Message        *models.Message
	EffectiveCount int
	// Duplicate is set when the platform message id was already stored; no
	// triggers are evaluated in that case.
	Duplicate bool
	// Pending is set when the admission closed the session and its summary
	// is being written in the background.
	Pending *SummaryTask
}

// Closed reports whether the admission ended the session.
func (r *AdmitResult) Closed() bool {
	return r.Session != nil && r.Session.Status != models.SessionActive
}

func (m *Manager) getSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

// GetOrCreateActiveSession returns the room's active session, creating one
// when there is none. An expired active session is closed first. Concurrent
// callers for the same room all end up with the same session: the loser of
// the creation race re-reads the winner's.
func (m *Manager) GetOrCreateActiveSession(ctx context.Context, roomID, ownerID string) (*models.Session, error) {
	room, err := m.store.GetRoom(ctx, ownerID, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	active, err := m.store.FindActiveSession(ctx, ownerID, roomID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if !active.Expired(m.now(), m.cfg.SessionTimeout) {
			return active, nil
		}
		m.logger.Info("Active session expired, closing before creating a new one",
			zap.String("session_id", active.ID),
			zap.String("room_id", roomID),
			zap.Time("start_time", active.StartTime))
		if _, _, err := m.triggerClose(ctx, active.ID, models.CloseTimeout); err != nil {
			return nil, err
		}
	}

	now := m.now()
	created, err := m.store.CreateSession(ctx, &models.Session{
		ID:             NewSessionID(now),
		RoomID:         room.ID,
		OwnerID:        ownerID,
		RoomName:       room.Name,
		RoomType:       room.Type,
		Status:         models.SessionActive,
		StartTime:      now,
		LastActivityAt: now,
		CreatedAt:      now,
	})
	if errors.Is(err, storage.ErrActiveSessionExists) {
		winner, err := m.store.FindActiveSession(ctx, ownerID, roomID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, fmt.Errorf("room %s: active session closed right after creation conflict: %w",
				roomID, storage.ErrActiveSessionExists)
		}
		m.logger.Debug("Lost session creation race, using existing session",
			zap.String("session_id", winner.ID),
			zap.String("room_id", roomID))
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create session for room %s: %w", roomID, err)
	}

	m.logger.Info("Session started",
		zap.String("session_id", created.ID),
		zap.String("room_id", roomID),
		zap.String("owner_id", ownerID))
	return created, nil
}

// AdmitMessage stores a message in an active session and evaluates the close
// triggers: message count first, then session age. The message is durable
// before any trigger runs; if closing fails afterwards the result is still
// returned together with the error.
func (m *Manager) AdmitMessage(ctx context.Context, sessionID string, input MessageInput) (*AdmitResult, error) {
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SessionActive {
		return nil, invalidState("session %s is %s", sessionID, s.Status)
	}

	if input.PlatformMessageID != "" {
		existing, err := m.store.FindMessageByPlatformID(ctx, s.OwnerID, s.RoomID, input.PlatformMessageID)
		if err == nil {
			return m.duplicate(ctx, s, existing)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	now := m.now()
	sentAt := input.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	direction := input.Direction
	if direction == "" {
		direction = models.Incoming
	}
	contentType := input.ContentType
	if contentType == "" {
		contentType = models.TextContent
	}

	stored, err := m.store.AppendMessage(ctx, &models.Message{
		PlatformMessageID: input.PlatformMessageID,
		SessionID:         s.ID,
		RoomID:            s.RoomID,
		OwnerID:           s.OwnerID,
		SenderID:          input.SenderID,
		SenderName:        input.SenderName,
		SenderRole:        models.DeriveSenderRole(direction, s.RoomType),
		Direction:         direction,
		ContentType:       contentType,
		Text:              input.Text,
		ContentRef:        input.ContentRef,
		SentAt:            sentAt,
		CreatedAt:         now,
	})
	if errors.Is(err, storage.ErrDuplicateMessage) {
		existing, err := m.store.FindMessageByPlatformID(ctx, s.OwnerID, s.RoomID, input.PlatformMessageID)
		if err != nil {
			return nil, err
		}
		return m.duplicate(ctx, s, existing)
	}
	if err != nil {
		return nil, fmt.Errorf("append message to session %s: %w", sessionID, err)
	}

	result := &AdmitResult{Session: s, Message: stored}

	touched, err := m.store.UpdateSession(ctx, s.ID, models.SessionPatch{LastActivityAt: &now})
	if err != nil {
		return result, fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	result.Session = touched

	count, err := m.store.CountMessages(ctx, s.ID)
	if err != nil {
		return result, fmt.Errorf("count messages of session %s: %w", sessionID, err)
	}
	result.EffectiveCount = count

	var reason models.CloseReason
	switch {
	case count >= m.cfg.MaxMessagesPerSession:
		reason = models.CloseMessageLimit
	case s.Expired(now, m.cfg.SessionTimeout):
		reason = models.CloseTimeout
	default:
		return result, nil
	}

	m.logger.Info("Session close triggered",
		zap.String("session_id", s.ID),
		zap.String("reason", string(reason)),
		zap.Int("message_count", count))

	closed, task, err := m.triggerClose(ctx, s.ID, reason)
	if err != nil {
		return result, err
	}
	result.Session = closed
	result.Pending = task
	return result, nil
}

func (m *Manager) duplicate(ctx context.Context, s *models.Session, existing *models.Message) (*AdmitResult, error) {
	count, err := m.store.CountMessages(ctx, existing.SessionID)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Duplicate platform message ignored",
		zap.String("session_id", existing.SessionID),
		zap.String("platform_message_id", existing.PlatformMessageID))
	return &AdmitResult{Session: s, Message: existing, EffectiveCount: count, Duplicate: true}, nil
}

// CloseSession ends an active session. Sessions that are already closed, or
// being summarized by another caller, are returned unchanged. When the session
// has enough messages and attemptSummary is set, a summary is generated before
// the session is marked closed; a summarizer failure is recorded on the
// summary and never returned from here.
func (m *Manager) CloseSession(ctx context.Context, sessionID string, reason models.CloseReason, attemptSummary bool) (*models.Session, error) {
	s, _, err := m.closeSession(ctx, sessionID, reason, attemptSummary)
	return s, err
}

// closeSession also reports whether this call performed the transition.
func (m *Manager) closeSession(ctx context.Context, sessionID string, reason models.CloseReason, attemptSummary bool) (*models.Session, bool, error) {
	s, count, transitioned, err := m.beginClose(ctx, sessionID, reason, attemptSummary)
	if err != nil || !transitioned || s.Status != models.SessionSummarizing {
		return s, transitioned, err
	}
	closed, err := m.summarizeAndClose(ctx, s, count)
	return closed, true, err
}

// triggerClose closes a session for a count or age trigger. With background
// summaries enabled the summarizer runs on a worker and its task is returned.
func (m *Manager) triggerClose(ctx context.Context, sessionID string, reason models.CloseReason) (*models.Session, *SummaryTask, error) {
	if m.workers == nil {
		s, err := m.CloseSession(ctx, sessionID, reason, true)
		return s, nil, err
	}
	s, count, transitioned, err := m.beginClose(ctx, sessionID, reason, true)
	if err != nil || !transitioned || s.Status != models.SessionSummarizing {
		return s, nil, err
	}
	return s, m.startSummary(ctx, s, count), nil
}

// beginClose moves an active session to summarizing, or straight to closed
// when no summary is due, and returns its message count.
func (m *Manager) beginClose(ctx context.Context, sessionID string, reason models.CloseReason, attemptSummary bool) (*models.Session, int, bool, error) {
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, 0, false, err
	}
	if s.Status != models.SessionActive {
		m.logger.Debug("Close skipped, session not active",
			zap.String("session_id", s.ID),
			zap.String("status", string(s.Status)))
		return s, 0, false, nil
	}

	count, err := m.store.CountMessages(ctx, s.ID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("count messages of session %s: %w", sessionID, err)
	}

	now := m.now()
	next := models.SessionSummarizing
	if !attemptSummary || count < m.cfg.MinMessagesForSummary {
		next = models.SessionClosed
	}

	s, err = m.store.TransitionSession(ctx, s.ID, models.SessionActive, models.SessionPatch{
		Status:      &next,
		CloseReason: &reason,
		EndTime:     &now,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		// Someone else closed it between our read and write.
		current, err := m.getSession(ctx, sessionID)
		return current, 0, false, err
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("close session %s: %w", sessionID, err)
	}

	if next == models.SessionClosed {
		m.logger.Info("Session closed without summary",
			zap.String("session_id", s.ID),
			zap.String("reason", string(reason)),
			zap.Int("message_count", count),
			zap.Bool("summary_requested", attemptSummary))
	}
	return s, count, true, nil
}
