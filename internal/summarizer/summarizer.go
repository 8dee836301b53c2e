package summarizer

import (
	"context"

	"github.com/xaenox/chatdigest/internal/models"
)

// Result is what a summarizer extracts from a session's messages.
type Result struct {
	Content    string           `json:"summary"`
	Topics     []string         `json:"topics"`
	Sentiment  models.Sentiment `json:"sentiment"`
	Urgency    models.Urgency   `json:"urgency"`
	TokensUsed int              `json:"-"`
	Model      string           `json:"-"`
}

// Summarizer turns an ordered message list into a summary. Implementations
// must honour ctx cancellation; callers bound every call with a deadline.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message) (*Result, error)
}
