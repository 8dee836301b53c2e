package summarizer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xaenox/chatdigest/internal/models"
)

// KeywordSummarizer is an offline summarizer used when no LLM is configured.
// It extracts hashtags and a few well-known topics and scores sentiment with
// a small word list.
type KeywordSummarizer struct {
	maxTopics int
}

func NewKeywordSummarizer(maxTopics int) *KeywordSummarizer {
	if maxTopics <= 0 {
		maxTopics = 5
	}
	return &KeywordSummarizer{maxTopics: maxTopics}
}

var topicKeywords = map[string][]string{
	"work":      {"project", "meeting", "deadline", "task", "report"},
	"personal":  {"family", "friend", "home", "birthday", "holiday"},
	"shopping":  {"buy", "purchase", "store", "shop", "price", "order"},
	"education": {"study", "learn", "course", "book", "homework"},
	"travel":    {"trip", "flight", "hotel", "vacation", "booking"},
	"support":   {"problem", "broken", "help", "refund", "error"},
}

var (
	positiveWords = []string{"thanks", "thank you", "great", "good", "love", "perfect", "awesome"}
	negativeWords = []string{"bad", "angry", "broken", "refund", "terrible", "late", "problem"}
	urgentWords   = []string{"urgent", "asap", "immediately", "emergency", "now!"}
)

func countAny(text string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(text, w)
	}
	return n
}

func (k *KeywordSummarizer) Summarize(ctx context.Context, messages []*models.Message) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to summarize")
	}

	var corpus strings.Builder
	senders := make(map[string]struct{})
	hashtags := make(map[string]struct{})
	var orderedTags []string

	for _, m := range messages {
		senders[m.SenderID] = struct{}{}
		corpus.WriteString(strings.ToLower(m.Text))
		corpus.WriteString("\n")

		for _, word := range strings.Fields(m.Text) {
			if !strings.HasPrefix(word, "#") {
				continue
			}
			tag := strings.ToLower(strings.TrimPrefix(word, "#"))
			if _, seen := hashtags[tag]; tag != "" && !seen {
				hashtags[tag] = struct{}{}
				orderedTags = append(orderedTags, tag)
			}
		}
	}
	text := corpus.String()

	// Hashtags keep their order of appearance; keyword topics are sorted so
	// the output is stable.
	var matched []string
	for topic, keywords := range topicKeywords {
		if _, seen := hashtags[topic]; seen {
			continue
		}
		for _, keyword := range keywords {
			if strings.Contains(text, keyword) {
				matched = append(matched, topic)
				break
			}
		}
	}
	sort.Strings(matched)
	topics := append(orderedTags, matched...)
	if len(topics) > k.maxTopics {
		topics = topics[:k.maxTopics]
	}

	sentiment := models.SentimentNeutral
	pos, neg := countAny(text, positiveWords), countAny(text, negativeWords)
	switch {
	case pos > 0 && neg > 0:
		sentiment = models.SentimentMixed
	case pos > 0:
		sentiment = models.SentimentPositive
	case neg > 0:
		sentiment = models.SentimentNegative
	}

	urgency := models.UrgencyLow
	if countAny(text, urgentWords) > 0 {
		urgency = models.UrgencyHigh
	} else if neg > 0 {
		urgency = models.UrgencyMedium
	}

	content := fmt.Sprintf("%d messages from %d participants between %s and %s.",
		len(messages), len(senders),
		messages[0].SentAt.UTC().Format("2006-01-02 15:04"),
		messages[len(messages)-1].SentAt.UTC().Format("2006-01-02 15:04"))
	if len(topics) > 0 {
		content += " Topics: " + strings.Join(topics, ", ") + "."
	}

	return &Result{
		Content:   content,
		Topics:    topics,
		Sentiment: sentiment,
		Urgency:   urgency,
		Model:     "keyword",
	}, nil
}
