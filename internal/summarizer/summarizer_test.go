package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/models"
)

func testMessages(texts ...string) []*models.Message {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]*models.Message, 0, len(texts))
	for i, text := range texts {
		out = append(out, &models.Message{
			SenderID:    []string{"u1", "u2"}[i%2],
			SenderRole:  models.RoleUser,
			ContentType: models.TextContent,
			Text:        text,
			SentAt:      start.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestKeywordSummarizer_Summarize(t *testing.T) {
	s := NewKeywordSummarizer(5)

	result, err := s.Summarize(context.Background(), testMessages(
		"My order arrived broken #refund",
		"Sorry about that, we will help",
		"Thanks, please do it ASAP",
	))
	require.NoError(t, err)

	assert.Equal(t, "refund", result.Topics[0])
	assert.Contains(t, result.Topics, "shopping")
	assert.Contains(t, result.Topics, "support")
	assert.Equal(t, models.SentimentMixed, result.Sentiment)
	assert.Equal(t, models.UrgencyHigh, result.Urgency)
	assert.True(t, strings.HasPrefix(result.Content, "3 messages from 2 participants"))
	assert.Equal(t, "keyword", result.Model)
}

func TestKeywordSummarizer_Empty(t *testing.T) {
	_, err := NewKeywordSummarizer(0).Summarize(context.Background(), nil)
	assert.Error(t, err)
}

func TestKeywordSummarizer_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewKeywordSummarizer(3).Summarize(ctx, testMessages("hello"))
	assert.ErrorIs(t, err, context.Canceled)
}

func completionServer(t *testing.T, status int, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-test",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 40, "completion_tokens": 20, "total_tokens": 60},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGPT(url string) *GPTSummarizer {
	return NewGPTSummarizer(GPTConfig{
		APIKey:    "sk-test",
		BaseURL:   url,
		Model:     "gpt-test",
		MaxTokens: 200,
		MaxTopics: 2,
	}, zap.NewNop())
}

func TestGPTSummarizer_Summarize(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, http.StatusOK,
		`{"summary":"Customer reported a broken order.","topics":["refund","shipping","packaging"],"sentiment":"Negative","urgency":"high"}`,
		&calls)

	result, err := newTestGPT(srv.URL).Summarize(context.Background(), testMessages("my order is broken"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Customer reported a broken order.", result.Content)
	assert.Equal(t, []string{"refund", "shipping"}, result.Topics)
	assert.Equal(t, models.SentimentNegative, result.Sentiment)
	assert.Equal(t, models.UrgencyHigh, result.Urgency)
	assert.Equal(t, 60, result.TokensUsed)
	assert.Equal(t, "gpt-test", result.Model)
}

func TestGPTSummarizer_APIError(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, http.StatusTooManyRequests, "", &calls)

	_, err := newTestGPT(srv.URL).Summarize(context.Background(), testMessages("hi"))
	assert.Error(t, err)
}

func TestGPTSummarizer_MalformedResponse(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, http.StatusOK, "Sure! Here is a summary.", &calls)

	_, err := newTestGPT(srv.URL).Summarize(context.Background(), testMessages("hi"))
	assert.ErrorContains(t, err, "malformed model response")
}

func TestGPTSummarizer_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestGPT(srv.URL).Summarize(ctx, testMessages("hi"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildTranscript_TruncatesLongLines(t *testing.T) {
	long := strings.Repeat("a", 2000)
	transcript := buildTranscript(testMessages(long))

	assert.Less(t, len(transcript), 600)
	assert.True(t, strings.HasSuffix(transcript, "...\n"))
}

func TestBuildTranscript_TruncatesOnRuneBoundary(t *testing.T) {
	// the leading byte shifts the cut into the middle of a three-byte rune
	long := "a" + strings.Repeat("あ", 400)
	transcript := buildTranscript(testMessages(long))

	assert.True(t, utf8.ValidString(transcript))
	assert.LessOrEqual(t, len(transcript), maxLineLength+len("...\n"))
	assert.True(t, strings.HasSuffix(transcript, "あ...\n"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abあ", 4))
	assert.Equal(t, "abあ", truncate("abあい", 5))
}
