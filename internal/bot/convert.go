package bot

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/xaenox/chatdigest/internal/ingest"
	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/session"
)

func chatRoomID(chat *tgbotapi.Chat) string {
	return strconv.FormatInt(chat.ID, 10)
}

func chatRoomType(chat *tgbotapi.Chat) (models.RoomType, bool) {
	switch {
	case chat.IsPrivate():
		return models.RoomIndividual, true
	case chat.IsGroup(), chat.IsSuperGroup():
		return models.RoomGroup, true
	}
	return "", false
}

func chatRoomName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return fullName(chat.FirstName, chat.LastName, chat.UserName)
}

func fullName(first, last, username string) string {
	name := strings.TrimSpace(first + " " + last)
	if name == "" {
		return username
	}
	return name
}

// toInbound converts a Telegram message. Channel posts and service messages
// without content are skipped.
func toInbound(ownerID string, message *tgbotapi.Message) (ingest.Inbound, bool) {
	if message.Chat == nil {
		return ingest.Inbound{}, false
	}
	roomType, ok := chatRoomType(message.Chat)
	if !ok {
		return ingest.Inbound{}, false
	}

	contentType, text, ref := messageContent(message)
	if contentType == "" {
		return ingest.Inbound{}, false
	}

	input := session.MessageInput{
		PlatformMessageID: strconv.Itoa(message.MessageID),
		Direction:         models.Incoming,
		ContentType:       contentType,
		Text:              text,
		ContentRef:        ref,
		SentAt:            message.Time().UTC(),
	}
	if message.From != nil {
		input.SenderID = strconv.FormatInt(message.From.ID, 10)
		input.SenderName = fullName(message.From.FirstName, message.From.LastName, message.From.UserName)
		if message.From.IsBot {
			input.Direction = models.Outgoing
		}
	}

	return ingest.Inbound{
		OwnerID:  ownerID,
		RoomID:   chatRoomID(message.Chat),
		RoomName: chatRoomName(message.Chat),
		RoomType: roomType,
		Message:  input,
	}, true
}

// messageContent picks the content type, readable text and payload reference
// of a message. The largest photo size is referenced.
func messageContent(message *tgbotapi.Message) (models.ContentType, string, string) {
	switch {
	case message.Text != "":
		return models.TextContent, message.Text, ""
	case len(message.Photo) > 0:
		return models.ImageContent, message.Caption, message.Photo[len(message.Photo)-1].FileID
	case message.Sticker != nil:
		return models.StickerContent, message.Sticker.Emoji, message.Sticker.FileID
	case message.Document != nil:
		text := message.Document.FileName
		if message.Caption != "" {
			text = message.Caption
		}
		return models.FileContent, text, message.Document.FileID
	case message.Video != nil:
		return models.VideoContent, message.Caption, message.Video.FileID
	case message.Voice != nil:
		return models.AudioContent, message.Caption, message.Voice.FileID
	case message.Audio != nil:
		return models.AudioContent, message.Audio.Title, message.Audio.FileID
	case message.Location != nil:
		ref := strconv.FormatFloat(message.Location.Latitude, 'f', -1, 64) + "," +
			strconv.FormatFloat(message.Location.Longitude, 'f', -1, 64)
		return models.LocationContent, "", ref
	case message.Caption != "":
		return models.OtherContent, message.Caption, ""
	}
	return "", "", ""
}
