package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/chatdigest/internal/models"
)

// MemoryStorage keeps everything in process memory. It enforces the same
// uniqueness rules as the Postgres schema and hands out copies, so callers
// never share state with the store.
type MemoryStorage struct {
	mu        sync.RWMutex
	rooms     map[string]*models.Room
	sessions  map[string]*models.Session
	active    map[string]string // room key -> active session id
	messages  map[string][]*models.Message
	platform  map[string]*models.Message // room key + platform id -> message
	summaries map[string]*models.Summary
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		rooms:     make(map[string]*models.Room),
		sessions:  make(map[string]*models.Session),
		active:    make(map[string]string),
		messages:  make(map[string][]*models.Message),
		platform:  make(map[string]*models.Message),
		summaries: make(map[string]*models.Summary),
	}
}

func roomKey(ownerID, roomID string) string {
	return ownerID + "/" + roomID
}

func platformKey(ownerID, roomID, platformMessageID string) string {
	return roomKey(ownerID, roomID) + "/" + platformMessageID
}

// Room methods

func (s *MemoryStorage) UpsertRoom(ctx context.Context, room *models.Room) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := roomKey(room.OwnerID, room.ID)
	stored, exists := s.rooms[key]
	if !exists {
		stored = &models.Room{ID: room.ID, OwnerID: room.OwnerID, CreatedAt: now}
		s.rooms[key] = stored
	}
	stored.Name = room.Name
	stored.Type = room.Type
	stored.UpdatedAt = now

	out := *stored
	return &out, nil
}

func (s *MemoryStorage) GetRoom(ctx context.Context, ownerID, roomID string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, exists := s.rooms[roomKey(ownerID, roomID)]
	if !exists {
		return nil, ErrNotFound
	}
	out := *room
	return &out, nil
}

// Session methods

func copySession(s *models.Session) *models.Session {
	out := *s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.SummaryID != nil {
		id := *s.SummaryID
		out.SummaryID = &id
	}
	return &out
}

func (s *MemoryStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySession(session), nil
}

func (s *MemoryStorage) FindActiveSession(ctx context.Context, ownerID, roomID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.active[roomKey(ownerID, roomID)]
	if !exists {
		return nil, nil
	}
	return copySession(s.sessions[id]), nil
}

func (s *MemoryStorage) CreateSession(ctx context.Context, session *models.Session) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return nil, ErrActiveSessionExists
	}
	if session.Status == models.SessionActive {
		if _, exists := s.active[roomKey(session.OwnerID, session.RoomID)]; exists {
			return nil, ErrActiveSessionExists
		}
	}

	stored := copySession(session)
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.sessions[stored.ID] = stored
	if stored.Status == models.SessionActive {
		s.active[roomKey(stored.OwnerID, stored.RoomID)] = stored.ID
	}
	return copySession(stored), nil
}

func (s *MemoryStorage) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	s.applySessionPatch(session, patch)
	return copySession(session), nil
}

func (s *MemoryStorage) TransitionSession(ctx context.Context, id string, from models.SessionStatus, patch models.SessionPatch) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	if session.Status != from {
		return nil, ErrStatusConflict
	}
	s.applySessionPatch(session, patch)
	return copySession(session), nil
}

// applySessionPatch must be called with mu held.
func (s *MemoryStorage) applySessionPatch(session *models.Session, patch models.SessionPatch) {
	wasActive := session.Status == models.SessionActive
	patch.Apply(session)
	session.UpdatedAt = time.Now()
	if wasActive && session.Status != models.SessionActive {
		delete(s.active, roomKey(session.OwnerID, session.RoomID))
	}
}

func (s *MemoryStorage) ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, id := range s.active {
		session := s.sessions[id]
		if !session.StartTime.After(cutoff) {
			out = append(out, copySession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (s *MemoryStorage) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.Status == status {
			out = append(out, copySession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (s *MemoryStorage) LatestSession(ctx context.Context, ownerID, roomID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Session
	for _, session := range s.sessions {
		if session.OwnerID != ownerID || session.RoomID != roomID {
			continue
		}
		if latest == nil || session.StartTime.After(latest.StartTime) {
			latest = session
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copySession(latest), nil
}

// Message methods

func (s *MemoryStorage) AppendMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[message.SessionID]; !exists {
		return nil, ErrNotFound
	}

	key := platformKey(message.OwnerID, message.RoomID, message.PlatformMessageID)
	if message.PlatformMessageID != "" {
		if _, exists := s.platform[key]; exists {
			return nil, ErrDuplicateMessage
		}
	}

	stored := *message
	stored.ID = uuid.New().String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.messages[stored.SessionID] = append(s.messages[stored.SessionID], &stored)
	if stored.PlatformMessageID != "" {
		s.platform[key] = &stored
	}

	out := stored
	return &out, nil
}

func (s *MemoryStorage) CountMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages[sessionID]), nil
}

func (s *MemoryStorage) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[sessionID]
	out := make([]*models.Message, 0, len(stored))
	for _, m := range stored {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStorage) FindMessageByPlatformID(ctx context.Context, ownerID, roomID, platformMessageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.platform[platformKey(ownerID, roomID, platformMessageID)]
	if !exists {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

// Summary methods

func copySummary(s *models.Summary) *models.Summary {
	out := *s
	out.Topics = append([]string(nil), s.Topics...)
	return &out
}

func (s *MemoryStorage) CreateSummary(ctx context.Context, summary *models.Summary) (*models.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if summary.Status == models.SummaryProcessing {
		for _, existing := range s.summaries {
			if existing.SessionID == summary.SessionID && existing.Status == models.SummaryProcessing {
				return nil, ErrSummaryInFlight
			}
		}
	}

	stored := copySummary(summary)
	stored.ID = uuid.New().String()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.summaries[stored.ID] = stored
	return copySummary(stored), nil
}

func (s *MemoryStorage) UpdateSummary(ctx context.Context, id string, patch models.SummaryPatch) (*models.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, exists := s.summaries[id]
	if !exists {
		return nil, ErrNotFound
	}
	patch.Apply(summary)
	summary.UpdatedAt = time.Now()
	return copySummary(summary), nil
}

func (s *MemoryStorage) GetSummary(ctx context.Context, id string) (*models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, exists := s.summaries[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySummary(summary), nil
}

func (s *MemoryStorage) FindProcessingSummary(ctx context.Context, sessionID string) (*models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, summary := range s.summaries {
		if summary.SessionID == sessionID && summary.Status == models.SummaryProcessing {
			return copySummary(summary), nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) ListSummaries(ctx context.Context, sessionID string) ([]*models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Summary
	for _, summary := range s.summaries {
		if summary.SessionID == sessionID {
			out = append(out, copySummary(summary))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStorage) ListStaleSummaries(ctx context.Context, cutoff time.Time) ([]*models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Summary
	for _, summary := range s.summaries {
		if summary.Status == models.SummaryProcessing && summary.CreatedAt.Before(cutoff) {
			out = append(out, copySummary(summary))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
