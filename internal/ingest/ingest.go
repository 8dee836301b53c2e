// Package ingest turns platform messages into session admissions. It is the
// single entry point shared by the LINE webhook and the Telegram bot.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/session"
	"github.com/xaenox/chatdigest/internal/storage"
)

// Inbound is one message as received from a platform, together with the room
// it was posted in.
type Inbound struct {
	OwnerID  string
	RoomID   string
	RoomName string
	RoomType models.RoomType
	Message  session.MessageInput
}

type Ingester struct {
	store   storage.Storage
	manager *session.Manager
	logger  *zap.Logger
}

func New(store storage.Storage, manager *session.Manager, logger *zap.Logger) *Ingester {
	return &Ingester{
		store:   store,
		manager: manager,
		logger:  logger,
	}
}

// Ingest records the room snapshot and admits the message into the room's
// active session. If that session is closed between lookup and admission the
// message is re-routed once to the room's next session.
func (i *Ingester) Ingest(ctx context.Context, in Inbound) (*session.AdmitResult, error) {
	if in.OwnerID == "" || in.RoomID == "" {
		return nil, errors.New("owner and room id are required")
	}
	if err := i.upsertRoom(ctx, in); err != nil {
		return nil, err
	}

	result, err := i.admit(ctx, in)
	if errors.Is(err, session.ErrInvalidState) {
		i.logger.Info("Session closed during admission, re-routing message",
			zap.String("room_id", in.RoomID),
			zap.String("platform_message_id", in.Message.PlatformMessageID))
		result, err = i.admit(ctx, in)
	}
	if err != nil {
		return result, err
	}

	if result.Closed() {
		i.logger.Info("Message closed its session",
			zap.String("session_id", result.Session.ID),
			zap.String("room_id", in.RoomID),
			zap.String("reason", string(result.Session.CloseReason)),
			zap.Int("message_count", result.EffectiveCount))
	}
	return result, nil
}

func (i *Ingester) admit(ctx context.Context, in Inbound) (*session.AdmitResult, error) {
	s, err := i.manager.GetOrCreateActiveSession(ctx, in.RoomID, in.OwnerID)
	if err != nil {
		return nil, err
	}
	return i.manager.AdmitMessage(ctx, s.ID, in.Message)
}

// upsertRoom keeps the stored room name when the platform sends none.
func (i *Ingester) upsertRoom(ctx context.Context, in Inbound) error {
	name := in.RoomName
	if name == "" {
		existing, err := i.store.GetRoom(ctx, in.OwnerID, in.RoomID)
		switch {
		case err == nil:
			name = existing.Name
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("load room %s: %w", in.RoomID, err)
		}
	}

	roomType := in.RoomType
	if roomType == "" {
		roomType = models.RoomIndividual
	}

	_, err := i.store.UpsertRoom(ctx, &models.Room{
		ID:      in.RoomID,
		OwnerID: in.OwnerID,
		Name:    name,
		Type:    roomType,
	})
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", in.RoomID, err)
	}
	return nil
}

// ActiveSession returns the owner's room's active session, or
// session.ErrNotFound when the room has none.
func (i *Ingester) ActiveSession(ctx context.Context, ownerID, roomID string) (*models.Session, error) {
	s, err := i.store.FindActiveSession(ctx, ownerID, roomID)
	if err != nil {
		return nil, fmt.Errorf("find active session of room %s: %w", roomID, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: no active session in room %s", session.ErrNotFound, roomID)
	}
	return s, nil
}

// LatestSession returns the room's most recent session of any status.
func (i *Ingester) LatestSession(ctx context.Context, ownerID, roomID string) (*models.Session, error) {
	s, err := i.store.LatestSession(ctx, ownerID, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no session in room %s", session.ErrNotFound, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest session of room %s: %w", roomID, err)
	}
	return s, nil
}
