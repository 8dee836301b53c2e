package models

import "time"

type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionSummarizing SessionStatus = "summarizing"
	SessionClosed      SessionStatus = "closed"
)

// CloseReason records which trigger ended a session.
type CloseReason string

const (
	CloseMessageLimit CloseReason = "message_limit"
	CloseTimeout      CloseReason = "timeout"
	CloseAutoTimeout  CloseReason = "auto_timeout"
	CloseManual       CloseReason = "manual"
)

// Session is a bounded batch of messages within a room. RoomName and RoomType
// are a snapshot taken at creation.
type Session struct {
	ID             string        `json:"id" db:"id"`
	RoomID         string        `json:"room_id" db:"room_id"`
	OwnerID        string        `json:"owner_id" db:"owner_id"`
	RoomName       string        `json:"room_name" db:"room_name"`
	RoomType       RoomType      `json:"room_type" db:"room_type"`
	Status         SessionStatus `json:"status" db:"status"`
	CloseReason    CloseReason   `json:"close_reason,omitempty" db:"close_reason"`
	StartTime      time.Time     `json:"start_time" db:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty" db:"end_time"`
	LastActivityAt time.Time     `json:"last_activity_at" db:"last_activity_at"`
	SummaryID      *string       `json:"summary_id,omitempty" db:"summary_id"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the session has been open for at least timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.StartTime) >= timeout
}

// SessionPatch lists the mutable session fields. Nil fields are left as is.
type SessionPatch struct {
	Status         *SessionStatus
	CloseReason    *CloseReason
	EndTime        *time.Time
	LastActivityAt *time.Time
	SummaryID      *string
}

// Apply copies the set fields of p onto s.
func (p SessionPatch) Apply(s *Session) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CloseReason != nil {
		s.CloseReason = *p.CloseReason
	}
	if p.EndTime != nil {
		t := *p.EndTime
		s.EndTime = &t
	}
	if p.LastActivityAt != nil {
		s.LastActivityAt = *p.LastActivityAt
	}
	if p.SummaryID != nil {
		id := *p.SummaryID
		s.SummaryID = &id
	}
}
