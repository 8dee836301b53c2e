package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xaenox/chatdigest/internal/models"
)

type GPTConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute int
	MaxTopics         int
}

type GPTSummarizer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	maxTopics   int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func NewGPTSummarizer(cfg GPTConfig, logger *zap.Logger) *GPTSummarizer {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}

	maxTopics := cfg.MaxTopics
	if maxTopics <= 0 {
		maxTopics = 5
	}

	return &GPTSummarizer{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxTopics:   maxTopics,
		limiter:     limiter,
		logger:      logger,
	}
}

const systemPrompt = `You summarize customer chat conversations for the account owner.
Reply with a JSON object only, using this structure:
{
    "summary": "what happened, decisions made and open requests",
    "topics": ["topic1", "topic2", ...],
    "sentiment": "positive | neutral | negative | mixed",
    "urgency": "low | medium | high"
}`

// maxLineLength bounds each transcript line so one pasted document cannot
// dominate the prompt.
const maxLineLength = 500

func buildTranscript(messages []*models.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		line := m.Transcript()
		if len(line) > maxLineLength {
			line = truncate(line, maxLineLength) + "..."
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (c *GPTSummarizer) Summarize(ctx context.Context, messages []*models.Message) (*Result, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to summarize")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	prompt := fmt.Sprintf("List at most %d topics.\n\nConversation:\n%s", c.maxTopics, buildTranscript(messages))

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var parsed struct {
		Summary   string   `json:"summary"`
		Topics    []string `json:"topics"`
		Sentiment string   `json:"sentiment"`
		Urgency   string   `json:"urgency"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		c.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", content))
		return nil, fmt.Errorf("malformed model response: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return nil, fmt.Errorf("malformed model response: empty summary")
	}

	topics := parsed.Topics
	if len(topics) > c.maxTopics {
		topics = topics[:c.maxTopics]
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}

	return &Result{
		Content:    parsed.Summary,
		Topics:     topics,
		Sentiment:  models.ParseSentiment(strings.ToLower(parsed.Sentiment)),
		Urgency:    models.ParseUrgency(strings.ToLower(parsed.Urgency)),
		TokensUsed: resp.Usage.TotalTokens,
		Model:      model,
	}, nil
}
