package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/chatdigest/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrActiveSessionExists is returned by CreateSession when the room
	// already has an active session.
	ErrActiveSessionExists = errors.New("room already has an active session")
	// ErrStatusConflict is returned by TransitionSession when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("session status changed concurrently")
	// ErrDuplicateMessage is returned by AppendMessage when the platform
	// message id was already stored for the owner's room.
	ErrDuplicateMessage = errors.New("duplicate platform message")
	// ErrSummaryInFlight is returned by CreateSummary when the session
	// already has a summary in processing status.
	ErrSummaryInFlight = errors.New("summary already in progress")
)

type Storage interface {
	RoomStorage
	SessionStorage
	MessageStorage
	SummaryStorage
	Close() error
}

type RoomStorage interface {
	UpsertRoom(ctx context.Context, room *models.Room) (*models.Room, error)
	GetRoom(ctx context.Context, ownerID, roomID string) (*models.Room, error)
}

type SessionStorage interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// FindActiveSession returns nil, nil when the room has no active session.
	// Rooms are scoped by owner, so are their sessions.
	FindActiveSession(ctx context.Context, ownerID, roomID string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error)
	// TransitionSession applies patch only if the stored status equals from.
	TransitionSession(ctx context.Context, id string, from models.SessionStatus, patch models.SessionPatch) (*models.Session, error)
	// ListExpiredSessions returns active sessions started at or before cutoff,
	// oldest first.
	ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
	// LatestSession returns the room's most recently started session of any
	// status, or ErrNotFound.
	LatestSession(ctx context.Context, ownerID, roomID string) (*models.Session, error)
}

type MessageStorage interface {
	AppendMessage(ctx context.Context, message *models.Message) (*models.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	// ListMessages returns the session's messages in admission order.
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	FindMessageByPlatformID(ctx context.Context, ownerID, roomID, platformMessageID string) (*models.Message, error)
}

type SummaryStorage interface {
	CreateSummary(ctx context.Context, summary *models.Summary) (*models.Summary, error)
	UpdateSummary(ctx context.Context, id string, patch models.SummaryPatch) (*models.Summary, error)
	GetSummary(ctx context.Context, id string) (*models.Summary, error)
	// FindProcessingSummary returns nil, nil when nothing is in flight.
	FindProcessingSummary(ctx context.Context, sessionID string) (*models.Summary, error)
	// ListSummaries returns the session's summaries, newest first.
	ListSummaries(ctx context.Context, sessionID string) ([]*models.Summary, error)
	// ListStaleSummaries returns processing summaries created before cutoff.
	ListStaleSummaries(ctx context.Context, cutoff time.Time) ([]*models.Summary, error)
}
