package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/storage"
	"github.com/xaenox/chatdigest/internal/summarizer"
)

const (
	testOwner = "owner-1"
	testRoom  = "R1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubSummarizer is a controllable summarizer.Summarizer.
type stubSummarizer struct {
	calls   atomic.Int32
	err     error
	started chan struct{}
	release chan struct{}
	// ignoreContext makes a blocked call wait for release only.
	ignoreContext bool
}

func (s *stubSummarizer) Summarize(ctx context.Context, messages []*models.Message) (*summarizer.Result, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		if s.ignoreContext {
			<-s.release
		} else {
			select {
			case <-s.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &summarizer.Result{
		Content:    "summary of " + messages[0].Text,
		Topics:     []string{"greeting"},
		Sentiment:  models.SentimentPositive,
		Urgency:    models.UrgencyLow,
		TokensUsed: 42,
		Model:      "stub",
	}, nil
}

// flakyStore fails CountMessages for selected sessions.
type flakyStore struct {
	*storage.MemoryStorage
	mu         sync.Mutex
	failCounts map[string]int
}

var errStoreDown = errors.New("store unavailable")

func (f *flakyStore) failNextCounts(sessionID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCounts[sessionID] = n
}

func (f *flakyStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	if f.failCounts[sessionID] > 0 {
		f.failCounts[sessionID]--
		f.mu.Unlock()
		return 0, errStoreDown
	}
	f.mu.Unlock()
	return f.MemoryStorage.CountMessages(ctx, sessionID)
}

type harness struct {
	manager    *Manager
	store      *flakyStore
	clock      *fakeClock
	summarizer *stubSummarizer
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(), failCounts: map[string]int{}}
	clock := newFakeClock()
	stub := &stubSummarizer{}

	h := &harness{
		manager:    NewManager(store, stub, cfg, zaptest.NewLogger(t), append([]Option{WithClock(clock.Now)}, opts...)...),
		store:      store,
		clock:      clock,
		summarizer: stub,
	}
	h.addRoom(t, testRoom, models.RoomGroup)
	return h
}

func (h *harness) addRoom(t *testing.T, roomID string, roomType models.RoomType) {
	t.Helper()
	_, err := h.store.UpsertRoom(context.Background(), &models.Room{
		ID:      roomID,
		OwnerID: testOwner,
		Name:    "Room " + roomID,
		Type:    roomType,
	})
	require.NoError(t, err)
}

func (h *harness) activeSession(t *testing.T) *models.Session {
	t.Helper()
	s, err := h.manager.GetOrCreateActiveSession(context.Background(), testRoom, testOwner)
	require.NoError(t, err)
	return s
}

func (h *harness) admit(t *testing.T, sessionID string, n int) *AdmitResult {
	t.Helper()
	var last *AdmitResult
	for i := 0; i < n; i++ {
		result, err := h.manager.AdmitMessage(context.Background(), sessionID, MessageInput{
			SenderID: "U1",
			Text:     "hello",
		})
		require.NoError(t, err)
		last = result
	}
	return last
}

func (h *harness) summaries(t *testing.T, sessionID string) []*models.Summary {
	t.Helper()
	out, err := h.store.ListSummaries(context.Background(), sessionID)
	require.NoError(t, err)
	return out
}
