package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/ingest"
	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/session"
	"github.com/xaenox/chatdigest/internal/storage"
)

const (
	queueSize         = 64
	workerIdleTimeout = 5 * time.Minute
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot ingests Telegram chats into sessions. Updates of one chat are handled
// in arrival order by a dedicated worker; different chats run in parallel.
type Bot struct {
	api      *tgbotapi.BotAPI
	sender   messageSender
	ingester *ingest.Ingester
	manager  *session.Manager
	store    storage.Storage
	ownerID  string
	logger   *zap.Logger

	mu      sync.Mutex
	queues  map[int64]*chatQueue
	stopped bool
	wg      sync.WaitGroup
}

func New(token, ownerID string, ingester *ingest.Ingester, manager *session.Manager, store storage.Storage, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, ownerID, ingester, manager, store, logger)
	b.api = api
	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))
	return b, nil
}

func newBot(sender messageSender, ownerID string, ingester *ingest.Ingester, manager *session.Manager, store storage.Storage, logger *zap.Logger) *Bot {
	return &Bot{
		sender:   sender,
		ingester: ingester,
		manager:  manager,
		store:    store,
		ownerID:  ownerID,
		logger:   logger,
		queues:   make(map[int64]*chatQueue),
	}
}

// Start long-polls Telegram until ctx is done, then drains the chat queues.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				b.stop()
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.dispatch(ctx, update.Message)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.stop()
			return nil
		}
	}
}

// chatQueue feeds one chat's worker. pending counts messages handed to
// dispatch but not yet received by the worker; it is guarded by Bot.mu.
type chatQueue struct {
	messages chan *tgbotapi.Message
	pending  int
}

// dispatch is only called from the update loop.
func (b *Bot) dispatch(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat == nil {
		return
	}
	chatID := message.Chat.ID

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	queue, exists := b.queues[chatID]
	if !exists {
		queue = &chatQueue{messages: make(chan *tgbotapi.Message, queueSize)}
		b.queues[chatID] = queue
		b.wg.Add(1)
		// queued messages are still handled after shutdown begins
		go b.worker(context.WithoutCancel(ctx), chatID, queue)
	}
	queue.pending++
	b.mu.Unlock()

	queue.messages <- message
}

func (b *Bot) worker(ctx context.Context, chatID int64, queue *chatQueue) {
	defer b.wg.Done()

	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case message, ok := <-queue.messages:
			if !ok {
				return
			}
			b.mu.Lock()
			queue.pending--
			b.mu.Unlock()

			b.handleMessage(ctx, message)
			idle.Reset(workerIdleTimeout)
		case <-idle.C:
			b.mu.Lock()
			if queue.pending == 0 {
				delete(b.queues, chatID)
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			idle.Reset(workerIdleTimeout)
		}
	}
}

// stop closes every chat queue and waits for the workers to finish what was
// already queued.
func (b *Bot) stop() {
	b.mu.Lock()
	b.stopped = true
	for chatID, queue := range b.queues {
		close(queue.messages)
		delete(b.queues, chatID)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Telegram bot stopped")
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	in, ok := toInbound(b.ownerID, message)
	if !ok {
		return
	}

	result, err := b.ingester.Ingest(ctx, in)
	if err != nil {
		b.logger.Error("Failed to ingest message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int("message_id", message.MessageID))
		if result == nil {
			b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't record your message. Please try again.")
		}
		return
	}

	if !result.Closed() {
		return
	}
	closed := result.Session
	if result.Pending != nil {
		// The chat worker waits so the report carries the summary.
		done, err := result.Pending.Wait(ctx)
		if err != nil {
			b.logger.Error("Background summary failed",
				zap.Error(err),
				zap.String("session_id", result.Pending.SessionID))
		}
		if done != nil {
			closed = done
		}
	}
	b.sendSessionClosed(ctx, message.Chat.ID, closed)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "status":
		b.handleStatus(ctx, message)
	case "summary":
		b.handleSummary(ctx, message)
	case "close":
		b.handleClose(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to ChatDigest! 📝
I group the messages of this chat into sessions and summarize each session when it ends.

Just keep chatting. Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	maxMessages := b.manager.Config().MaxMessagesPerSession
	timeout := b.manager.Config().SessionTimeout

	help := fmt.Sprintf(`Available commands:
/start - Start the bot
/help - Show this help message
/status - Show the current session
/summary - Summarize the current session now
/close - Close the current session and summarize it

A session ends after %d messages or %s, whichever comes first.`, maxMessages, timeout)

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleStatus(ctx context.Context, message *tgbotapi.Message) {
	roomID := chatRoomID(message.Chat)
	s, err := b.ingester.LatestSession(ctx, b.ownerID, roomID)
	if errors.Is(err, session.ErrNotFound) {
		b.sendMessage(message.Chat.ID, "No session yet. Send a message to start one.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to load session",
			zap.Error(err),
			zap.String("room_id", roomID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, failed to retrieve the session. Please try again later.")
		return
	}

	count, err := b.store.CountMessages(ctx, s.ID)
	if err != nil {
		b.logger.Error("Failed to count messages",
			zap.Error(err),
			zap.String("session_id", s.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, failed to retrieve the session. Please try again later.")
		return
	}

	b.sendMarkdown(message.Chat.ID, formatStatus(s, count, b.manager.Config().MaxMessagesPerSession))
}

func (b *Bot) handleSummary(ctx context.Context, message *tgbotapi.Message) {
	roomID := chatRoomID(message.Chat)
	s, err := b.ingester.LatestSession(ctx, b.ownerID, roomID)
	if errors.Is(err, session.ErrNotFound) {
		b.sendMessage(message.Chat.ID, "Nothing to summarize yet.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to load session",
			zap.Error(err),
			zap.String("room_id", roomID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't find the session.")
		return
	}

	summary, err := b.manager.GenerateSummaryNow(ctx, s.ID)
	var sumErr *session.SummarizationError
	switch {
	case err == nil:
		b.sendMarkdown(message.Chat.ID, formatSummary(summary))
	case errors.Is(err, session.ErrInvalidState):
		b.sendMessage(message.Chat.ID, "A summary is already being written, or there is nothing to summarize yet.")
	case errors.As(err, &sumErr):
		b.sendErrorMessage(message.Chat.ID, "The summarizer failed. Please try again later.")
	default:
		b.logger.Error("Failed to generate summary",
			zap.Error(err),
			zap.String("session_id", s.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't generate the summary.")
	}
}

func (b *Bot) handleClose(ctx context.Context, message *tgbotapi.Message) {
	roomID := chatRoomID(message.Chat)
	s, err := b.ingester.ActiveSession(ctx, b.ownerID, roomID)
	if errors.Is(err, session.ErrNotFound) {
		b.sendMessage(message.Chat.ID, "There is no open session.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to load session",
			zap.Error(err),
			zap.String("room_id", roomID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't find the session.")
		return
	}

	closed, err := b.manager.CloseSession(ctx, s.ID, models.CloseManual, true)
	if err != nil {
		b.logger.Error("Failed to close session",
			zap.Error(err),
			zap.String("session_id", s.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't close the session.")
		return
	}
	b.sendSessionClosed(ctx, message.Chat.ID, closed)
}

func (b *Bot) sendSessionClosed(ctx context.Context, chatID int64, s *models.Session) {
	text := fmt.Sprintf("*Session closed* \\(%s\\)", escapeMarkdown(string(s.CloseReason)))
	if s.SummaryID != nil {
		summary, err := b.store.GetSummary(ctx, *s.SummaryID)
		if err != nil {
			b.logger.Error("Failed to load summary",
				zap.Error(err),
				zap.String("summary_id", *s.SummaryID))
		} else {
			text += "\n\n" + formatSummary(summary)
		}
	}
	b.sendMarkdown(chatID, text)
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func formatStatus(s *models.Session, count, maxMessages int) string {
	text := fmt.Sprintf("*Session* `%s`\n", s.ID)
	text += fmt.Sprintf("*Status:* %s\n", escapeMarkdown(string(s.Status)))
	text += fmt.Sprintf("*Started:* %s\n", escapeMarkdown(s.StartTime.UTC().Format("2006-01-02 15:04 MST")))
	text += fmt.Sprintf("*Messages:* %d/%d", count, maxMessages)
	if s.CloseReason != "" {
		text += fmt.Sprintf("\n*Closed by:* %s", escapeMarkdown(string(s.CloseReason)))
	}
	return text
}

func formatSummary(summary *models.Summary) string {
	text := fmt.Sprintf("*Summary:* %s\n", escapeMarkdown(summary.Content))
	if len(summary.Topics) > 0 {
		topics := make([]string, len(summary.Topics))
		for i, topic := range summary.Topics {
			topics[i] = escapeMarkdown("#" + strings.ReplaceAll(topic, " ", "_"))
		}
		text += fmt.Sprintf("*Topics:* %s\n", strings.Join(topics, " "))
	}
	text += fmt.Sprintf("*Sentiment:* %s, *Urgency:* %s",
		escapeMarkdown(string(summary.Sentiment)),
		escapeMarkdown(string(summary.Urgency)))
	return text
}

// escapeMarkdown escapes the characters MarkdownV2 reserves.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
