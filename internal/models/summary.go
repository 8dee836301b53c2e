package models

import "time"

type SummaryStatus string

const (
	SummaryProcessing SummaryStatus = "processing"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentMixed    Sentiment = "mixed"
)

// ParseSentiment normalizes free-form model output, falling back to neutral.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(s) {
	case SentimentPositive, SentimentNegative, SentimentMixed:
		return Sentiment(s)
	}
	return SentimentNeutral
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ParseUrgency normalizes free-form model output, falling back to low.
func ParseUrgency(s string) Urgency {
	switch Urgency(s) {
	case UrgencyMedium, UrgencyHigh:
		return Urgency(s)
	}
	return UrgencyLow
}

// Summary is the AI generated digest of one session. A session may be
// summarized more than once; the latest completed summary is attached.
type Summary struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	RoomID       string        `json:"room_id"`
	OwnerID      string        `json:"owner_id"`
	Status       SummaryStatus `json:"status"`
	Content      string        `json:"content,omitempty"`
	Topics       []string      `json:"topics,omitempty"`
	Sentiment    Sentiment     `json:"sentiment,omitempty"`
	Urgency      Urgency       `json:"urgency,omitempty"`
	Error        string        `json:"error,omitempty"`
	TokensUsed   int           `json:"tokens_used"`
	Model        string        `json:"model,omitempty"`
	DurationMs   int64         `json:"duration_ms"`
	MessageCount int           `json:"message_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SummaryPatch lists the fields written when a generation attempt finishes.
type SummaryPatch struct {
	Status     *SummaryStatus
	Content    *string
	Topics     []string
	Sentiment  *Sentiment
	Urgency    *Urgency
	Error      *string
	TokensUsed *int
	Model      *string
	DurationMs *int64
}

// Apply copies the set fields of p onto s.
func (p SummaryPatch) Apply(s *Summary) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Content != nil {
		s.Content = *p.Content
	}
	if p.Topics != nil {
		s.Topics = append([]string(nil), p.Topics...)
	}
	if p.Sentiment != nil {
		s.Sentiment = *p.Sentiment
	}
	if p.Urgency != nil {
		s.Urgency = *p.Urgency
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	if p.TokensUsed != nil {
		s.TokensUsed = *p.TokensUsed
	}
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.DurationMs != nil {
		s.DurationMs = *p.DurationMs
	}
}
