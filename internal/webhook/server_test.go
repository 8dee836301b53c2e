package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/chatdigest/internal/ingest"
	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/session"
	"github.com/xaenox/chatdigest/internal/storage"
	"github.com/xaenox/chatdigest/internal/summarizer"
)

type failingSummarizer struct{}

func (failingSummarizer) Summarize(ctx context.Context, messages []*models.Message) (*summarizer.Result, error) {
	return nil, errors.New("model overloaded")
}

type testServer struct {
	server  *Server
	store   *storage.MemoryStorage
	manager *session.Manager
}

// blockingSummarizer holds every call until release is closed.
type blockingSummarizer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSummarizer) Summarize(ctx context.Context, messages []*models.Message) (*summarizer.Result, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &summarizer.Result{Content: "late shipment", Model: "blocking"}, nil
}

func newTestServer(t *testing.T, s summarizer.Summarizer) *testServer {
	return newTestServerWith(t, s, session.DefaultConfig())
}

func newTestServerWith(t *testing.T, s summarizer.Summarizer, cfg session.Config, opts ...session.Option) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage()
	manager := session.NewManager(store, s, cfg, logger, opts...)
	sweeper := session.NewSweeper(manager, store, session.SweeperConfig{}, logger)
	ing := ingest.New(store, manager, logger)
	return &testServer{
		server:  NewServer(ing, manager, sweeper, store, logger),
		store:   store,
		manager: manager,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

const lineBody = `{
  "destination": "Ubot",
  "events": [
    {
      "type": "message",
      "timestamp": 1772355600000,
      "webhookEventId": "ev-1",
      "source": {"type": "group", "groupId": "C100", "userId": "U1"},
      "message": {"id": "5001", "type": "text", "text": "Shipment is late again"}
    },
    {
      "type": "message",
      "timestamp": 1772355660000,
      "source": {"type": "group", "groupId": "C100", "userId": "U2"},
      "message": {"id": "5002", "type": "sticker", "packageId": "11537", "stickerId": "52002734"}
    },
    {
      "type": "follow",
      "timestamp": 1772355700000,
      "source": {"type": "user", "userId": "U3"}
    },
    {
      "type": "message",
      "source": {"type": "unknown"},
      "message": {"id": "5003", "type": "text", "text": "dropped"}
    }
  ]
}`

func TestLineWebhook(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/webhook/line/owner-1", lineBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"admitted":2}`, rec.Body.String())

	active, err := ts.store.FindActiveSession(ctx, "owner-1", "C100")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, models.RoomGroup, active.RoomType)
	assert.Equal(t, "owner-1", active.OwnerID)

	messages, err := ts.store.ListMessages(ctx, active.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Shipment is late again", messages[0].Text)
	assert.Equal(t, "5001", messages[0].PlatformMessageID)
	assert.Equal(t, time.UnixMilli(1772355600000).UTC(), messages[0].SentAt)
	assert.Equal(t, models.RoleGroupMember, messages[0].SenderRole)
	assert.Equal(t, models.StickerContent, messages[1].ContentType)
	assert.Equal(t, "11537/52002734", messages[1].ContentRef)

	// redelivery is absorbed
	rec = ts.do(t, http.MethodPost, "/webhook/line/owner-1", lineBody)
	require.Equal(t, http.StatusOK, rec.Code)
	count, err := ts.store.CountMessages(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLineWebhook_RespondsBeforeSummaryIsWritten(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.MaxMessagesPerSession = 2
	blocking := &blockingSummarizer{started: make(chan struct{}, 1), release: make(chan struct{})}
	ts := newTestServerWith(t, blocking, cfg, session.WithBackgroundSummaries(2))
	ctx := context.Background()

	responded := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		responded <- ts.do(t, http.MethodPost, "/webhook/line/owner-1", lineBody)
	}()

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-responded:
	case <-time.After(5 * time.Second):
		close(blocking.release)
		t.Fatal("webhook did not answer while the summarizer was blocked")
	}
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"admitted":2}`, rec.Body.String())

	<-blocking.started
	latest, err := ts.store.LatestSession(ctx, "owner-1", "C100")
	require.NoError(t, err)
	assert.Equal(t, models.SessionSummarizing, latest.Status)
	assert.Equal(t, models.CloseMessageLimit, latest.CloseReason)

	close(blocking.release)
	require.NoError(t, ts.manager.Wait(ctx))

	got, err := ts.store.GetSession(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, got.Status)
	require.NotNil(t, got.SummaryID)
}

func TestLineWebhook_TenantsSharingSourceIDs(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	ctx := context.Background()

	for _, owner := range []string{"owner-1", "owner-2"} {
		rec := ts.do(t, http.MethodPost, "/webhook/line/"+owner, lineBody)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"admitted":2}`, rec.Body.String())
	}

	first, err := ts.store.FindActiveSession(ctx, "owner-1", "C100")
	require.NoError(t, err)
	second, err := ts.store.FindActiveSession(ctx, "owner-2", "C100")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "owner-2", second.OwnerID)

	count, err := ts.store.CountMessages(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLineWebhook_InvalidBody(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))

	rec := ts.do(t, http.MethodPost, "/webhook/line/owner-1", `{"events": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLineSource_Room(t *testing.T) {
	id, roomType, err := lineSource{Type: "user", UserID: "U1"}.room()
	require.NoError(t, err)
	assert.Equal(t, "U1", id)
	assert.Equal(t, models.RoomIndividual, roomType)

	id, roomType, err = lineSource{Type: "room", RoomID: "R9", UserID: "U1"}.room()
	require.NoError(t, err)
	assert.Equal(t, "R9", id)
	assert.Equal(t, models.RoomGroup, roomType)

	_, _, err = lineSource{Type: "group"}.room()
	assert.Error(t, err)
}

func TestLineMessage_Content(t *testing.T) {
	loc := &lineMessage{ID: "1", Type: "location", Title: "Office", Address: "1-1 Chiyoda", Latitude: 35.68, Longitude: 139.76}
	text, ref := loc.content(models.LocationContent)
	assert.Equal(t, "Office, 1-1 Chiyoda", text)
	assert.Equal(t, "35.68,139.76", ref)

	file := &lineMessage{ID: "2", Type: "file", FileName: "invoice.pdf"}
	text, ref = file.content(models.FileContent)
	assert.Equal(t, "invoice.pdf", text)
	assert.Equal(t, "2", ref)
}

func seedSession(t *testing.T, ts *testServer) *models.Session {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/webhook/line/owner-1", lineBody)
	require.Equal(t, http.StatusOK, rec.Code)
	active, err := ts.store.FindActiveSession(context.Background(), "owner-1", "C100")
	require.NoError(t, err)
	require.NotNil(t, active)
	return active
}

func TestAPI_GetSession(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	active := seedSession(t, ts)

	rec := ts.do(t, http.MethodGet, "/api/sessions/"+active.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, active.ID, got.Session.ID)
	assert.Equal(t, 2, got.MessageCount)

	rec = ts.do(t, http.MethodGet, "/api/sessions/"+active.ID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	assert.Len(t, messages, 2)

	rec = ts.do(t, http.MethodGet, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CloseSession(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	active := seedSession(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/sessions/"+active.ID+"/close", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var closed models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.Equal(t, models.SessionClosed, closed.Status)
	assert.Equal(t, models.CloseManual, closed.CloseReason)
	require.NotNil(t, closed.SummaryID)

	rec = ts.do(t, http.MethodGet, "/api/sessions/"+active.ID+"/summaries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []models.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, models.SummaryCompleted, summaries[0].Status)

	rec = ts.do(t, http.MethodPost, "/api/sessions/missing/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CloseSessionWithoutSummary(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	active := seedSession(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/sessions/"+active.ID+"/close", `{"summarize": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	summaries, err := ts.store.ListSummaries(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestAPI_GenerateSummary(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	active := seedSession(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/sessions/"+active.ID+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary models.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, models.SummaryCompleted, summary.Status)
	assert.Equal(t, 2, summary.MessageCount)

	got, err := ts.store.GetSession(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestAPI_GenerateSummary_Conflict(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	ctx := context.Background()
	_, err := ts.store.UpsertRoom(ctx, &models.Room{ID: "R-empty", OwnerID: "owner-1", Type: models.RoomIndividual})
	require.NoError(t, err)
	empty, err := ts.manager.GetOrCreateActiveSession(ctx, "R-empty", "owner-1")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/sessions/"+empty.ID+"/summary", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_GenerateSummary_SummarizerFailure(t *testing.T) {
	ts := newTestServer(t, failingSummarizer{})
	active := seedSession(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/sessions/"+active.ID+"/summary", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "model overloaded")
	require.NotNil(t, body.Summary)
	assert.Equal(t, models.SummaryFailed, body.Summary.Status)
}

func TestAPI_Sweep(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))
	seedSession(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"closed":0,"reconciled":0}`, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, summarizer.NewKeywordSummarizer(3))

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
