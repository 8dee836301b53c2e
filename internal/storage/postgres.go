package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/models"
)

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DatabaseConfig) connString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sqlx.Connect("postgres", config.connString())
	if err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Info("Connected to PostgreSQL",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("database", config.DBName))

	return &PostgresStorage{db: db, logger: logger}, nil
}

// NewPostgresStorageFromDB wraps an existing connection.
func NewPostgresStorageFromDB(db *sqlx.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{db: db, logger: logger}
}

// uniqueViolation maps a unique-index violation onto the matching sentinel.
func uniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case "chat_sessions_one_active_per_room", "chat_sessions_pkey":
		return ErrActiveSessionExists
	case "chat_messages_platform_id":
		return ErrDuplicateMessage
	case "chat_summaries_one_processing":
		return ErrSummaryInFlight
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Room methods

func (s *PostgresStorage) UpsertRoom(ctx context.Context, room *models.Room) (*models.Room, error) {
	query := `
		INSERT INTO rooms (owner_id, id, name, type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, id) DO UPDATE
		SET name = EXCLUDED.name, type = EXCLUDED.type, updated_at = NOW()
		RETURNING id, owner_id, name, type, created_at, updated_at`

	var out models.Room
	if err := s.db.GetContext(ctx, &out, query, room.OwnerID, room.ID, room.Name, room.Type); err != nil {
		return nil, fmt.Errorf("error upserting room: %w", err)
	}
	return &out, nil
}

func (s *PostgresStorage) GetRoom(ctx context.Context, ownerID, roomID string) (*models.Room, error) {
	query := `
		SELECT id, owner_id, name, type, created_at, updated_at
		FROM rooms
		WHERE owner_id = $1 AND id = $2`

	var out models.Room
	if err := s.db.GetContext(ctx, &out, query, ownerID, roomID); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// Session methods

const sessionColumns = `id, room_id, owner_id, room_name, room_type, status, close_reason,
	start_time, end_time, last_activity_at, summary_id, created_at, updated_at`

func (s *PostgresStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var out models.Session
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = $1`
	if err := s.db.GetContext(ctx, &out, query, id); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

func (s *PostgresStorage) FindActiveSession(ctx context.Context, ownerID, roomID string) (*models.Session, error) {
	var out models.Session
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE owner_id = $1 AND room_id = $2 AND status = 'active'`
	err := s.db.GetContext(ctx, &out, query, ownerID, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error finding active session: %w", err)
	}
	return &out, nil
}

func (s *PostgresStorage) CreateSession(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	query := `
		INSERT INTO chat_sessions (id, room_id, owner_id, room_name, room_type, status, close_reason,
			start_time, end_time, last_activity_at, summary_id, created_at, updated_at)
		VALUES (:id, :room_id, :owner_id, :room_name, :room_type, :status, :close_reason,
			:start_time, :end_time, :last_activity_at, :summary_id, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, session); err != nil {
		return nil, uniqueViolation(err)
	}
	return s.GetSession(ctx, session.ID)
}

func sessionAssignments(patch models.SessionPatch, args []any) ([]string, []any) {
	var sets []string
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.CloseReason != nil {
		add("close_reason", *patch.CloseReason)
	}
	if patch.EndTime != nil {
		add("end_time", *patch.EndTime)
	}
	if patch.LastActivityAt != nil {
		add("last_activity_at", *patch.LastActivityAt)
	}
	if patch.SummaryID != nil {
		add("summary_id", *patch.SummaryID)
	}
	sets = append(sets, "updated_at = NOW()")
	return sets, args
}

func (s *PostgresStorage) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	sets, args := sessionAssignments(patch, []any{id})
	query := `UPDATE chat_sessions SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + sessionColumns

	var out models.Session
	if err := s.db.GetContext(ctx, &out, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

func (s *PostgresStorage) TransitionSession(ctx context.Context, id string, from models.SessionStatus, patch models.SessionPatch) (*models.Session, error) {
	sets, args := sessionAssignments(patch, []any{id, from})
	query := `UPDATE chat_sessions SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND status = $2 RETURNING ` + sessionColumns

	var out models.Session
	err := s.db.GetContext(ctx, &out, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the session is gone or someone else moved it first.
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("error transitioning session: %w", err)
	}
	return &out, nil
}

func (s *PostgresStorage) ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	var out []*models.Session
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE status = 'active' AND start_time <= $1
		ORDER BY start_time ASC`
	if err := s.db.SelectContext(ctx, &out, query, cutoff); err != nil {
		return nil, fmt.Errorf("error querying expired sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresStorage) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	var out []*models.Session
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE status = $1 ORDER BY start_time ASC`
	if err := s.db.SelectContext(ctx, &out, query, status); err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresStorage) LatestSession(ctx context.Context, ownerID, roomID string) (*models.Session, error) {
	var out models.Session
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE owner_id = $1 AND room_id = $2
		ORDER BY start_time DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &out, query, ownerID, roomID); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// Message methods

const messageColumns = `id, platform_message_id, session_id, room_id, owner_id, sender_id, sender_name,
	sender_role, direction, content_type, text, content_ref, sent_at, created_at`

func (s *PostgresStorage) AppendMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	stored := *message
	stored.ID = uuid.New().String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO chat_messages (id, platform_message_id, session_id, room_id, owner_id, sender_id, sender_name,
			sender_role, direction, content_type, text, content_ref, sent_at, created_at)
		VALUES (:id, :platform_message_id, :session_id, :room_id, :owner_id, :sender_id, :sender_name,
			:sender_role, :direction, :content_type, :text, :content_ref, :sent_at, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, &stored); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return nil, ErrNotFound
		}
		return nil, uniqueViolation(err)
	}
	return &stored, nil
}

func (s *PostgresStorage) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM chat_messages WHERE session_id = $1`, sessionID); err != nil {
		return 0, fmt.Errorf("error counting messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	var out []*models.Message
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = $1 ORDER BY seq ASC`
	if err := s.db.SelectContext(ctx, &out, query, sessionID); err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	return out, nil
}

func (s *PostgresStorage) FindMessageByPlatformID(ctx context.Context, ownerID, roomID, platformMessageID string) (*models.Message, error) {
	var out models.Message
	query := `SELECT ` + messageColumns + ` FROM chat_messages
		WHERE owner_id = $1 AND room_id = $2 AND platform_message_id = $3`
	if err := s.db.GetContext(ctx, &out, query, ownerID, roomID, platformMessageID); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// Summary methods

// summaryRow mirrors chat_summaries; topics need pq.StringArray to scan.
type summaryRow struct {
	ID           string         `db:"id"`
	SessionID    string         `db:"session_id"`
	RoomID       string         `db:"room_id"`
	OwnerID      string         `db:"owner_id"`
	Status       string         `db:"status"`
	Content      string         `db:"content"`
	Topics       pq.StringArray `db:"topics"`
	Sentiment    string         `db:"sentiment"`
	Urgency      string         `db:"urgency"`
	Error        string         `db:"error"`
	TokensUsed   int            `db:"tokens_used"`
	Model        string         `db:"model"`
	DurationMs   int64          `db:"duration_ms"`
	MessageCount int            `db:"message_count"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r summaryRow) toModel() *models.Summary {
	return &models.Summary{
		ID:           r.ID,
		SessionID:    r.SessionID,
		RoomID:       r.RoomID,
		OwnerID:      r.OwnerID,
		Status:       models.SummaryStatus(r.Status),
		Content:      r.Content,
		Topics:       []string(r.Topics),
		Sentiment:    models.Sentiment(r.Sentiment),
		Urgency:      models.Urgency(r.Urgency),
		Error:        r.Error,
		TokensUsed:   r.TokensUsed,
		Model:        r.Model,
		DurationMs:   r.DurationMs,
		MessageCount: r.MessageCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

const summaryColumns = `id, session_id, room_id, owner_id, status, content, topics, sentiment, urgency,
	error, tokens_used, model, duration_ms, message_count, created_at, updated_at`

func (s *PostgresStorage) CreateSummary(ctx context.Context, summary *models.Summary) (*models.Summary, error) {
	createdAt := summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	topics := summary.Topics
	if topics == nil {
		topics = []string{}
	}

	query := `
		INSERT INTO chat_summaries (id, session_id, room_id, owner_id, status, content, topics,
			sentiment, urgency, error, tokens_used, model, duration_ms, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING ` + summaryColumns

	var row summaryRow
	err := s.db.GetContext(ctx, &row, query,
		uuid.New().String(),
		summary.SessionID,
		summary.RoomID,
		summary.OwnerID,
		summary.Status,
		summary.Content,
		pq.StringArray(topics),
		summary.Sentiment,
		summary.Urgency,
		summary.Error,
		summary.TokensUsed,
		summary.Model,
		summary.DurationMs,
		summary.MessageCount,
		createdAt,
	)
	if err != nil {
		return nil, uniqueViolation(err)
	}
	return row.toModel(), nil
}

func (s *PostgresStorage) UpdateSummary(ctx context.Context, id string, patch models.SummaryPatch) (*models.Summary, error) {
	args := []any{id}
	var sets []string
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.Topics != nil {
		add("topics", pq.StringArray(patch.Topics))
	}
	if patch.Sentiment != nil {
		add("sentiment", *patch.Sentiment)
	}
	if patch.Urgency != nil {
		add("urgency", *patch.Urgency)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.TokensUsed != nil {
		add("tokens_used", *patch.TokensUsed)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.DurationMs != nil {
		add("duration_ms", *patch.DurationMs)
	}
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE chat_summaries SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + summaryColumns

	var row summaryRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *PostgresStorage) GetSummary(ctx context.Context, id string) (*models.Summary, error) {
	var row summaryRow
	query := `SELECT ` + summaryColumns + ` FROM chat_summaries WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *PostgresStorage) FindProcessingSummary(ctx context.Context, sessionID string) (*models.Summary, error) {
	var row summaryRow
	query := `SELECT ` + summaryColumns + ` FROM chat_summaries WHERE session_id = $1 AND status = 'processing'`
	err := s.db.GetContext(ctx, &row, query, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error finding processing summary: %w", err)
	}
	return row.toModel(), nil
}

func (s *PostgresStorage) selectSummaries(ctx context.Context, query string, args ...any) ([]*models.Summary, error) {
	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("error querying summaries: %w", err)
	}
	out := make([]*models.Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (s *PostgresStorage) ListSummaries(ctx context.Context, sessionID string) ([]*models.Summary, error) {
	return s.selectSummaries(ctx,
		`SELECT `+summaryColumns+` FROM chat_summaries WHERE session_id = $1 ORDER BY created_at DESC`,
		sessionID)
}

func (s *PostgresStorage) ListStaleSummaries(ctx context.Context, cutoff time.Time) ([]*models.Summary, error) {
	return s.selectSummaries(ctx,
		`SELECT `+summaryColumns+` FROM chat_summaries WHERE status = 'processing' AND created_at < $1 ORDER BY created_at ASC`,
		cutoff)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
