package webhook

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xaenox/chatdigest/internal/ingest"
	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/session"
)

// lineCallback is the body LINE posts to a webhook URL.
type lineCallback struct {
	Destination string      `json:"destination"`
	Events      []lineEvent `json:"events"`
}

type lineEvent struct {
	Type           string       `json:"type"`
	Timestamp      int64        `json:"timestamp"`
	WebhookEventID string       `json:"webhookEventId"`
	Source         lineSource   `json:"source"`
	Message        *lineMessage `json:"message,omitempty"`
}

type lineSource struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	RoomID  string `json:"roomId"`
}

type lineMessage struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	FileName  string  `json:"fileName"`
	Title     string  `json:"title"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PackageID string  `json:"packageId"`
	StickerID string  `json:"stickerId"`
}

// room resolves the conversation an event belongs to. Multi-person chats
// ("room") are treated like groups.
func (s lineSource) room() (string, models.RoomType, error) {
	switch s.Type {
	case "user":
		if s.UserID != "" {
			return s.UserID, models.RoomIndividual, nil
		}
	case "group":
		if s.GroupID != "" {
			return s.GroupID, models.RoomGroup, nil
		}
	case "room":
		if s.RoomID != "" {
			return s.RoomID, models.RoomGroup, nil
		}
	}
	return "", "", fmt.Errorf("unsupported event source %q", s.Type)
}

// toInbound converts a LINE message event. ok is false for events that do
// not carry a chat message.
func (e lineEvent) toInbound(ownerID string) (in ingest.Inbound, ok bool, err error) {
	if e.Type != "message" || e.Message == nil {
		return ingest.Inbound{}, false, nil
	}

	roomID, roomType, err := e.Source.room()
	if err != nil {
		return ingest.Inbound{}, false, err
	}

	contentType := models.ParseContentType(e.Message.Type)
	text, ref := e.Message.content(contentType)

	var sentAt time.Time
	if e.Timestamp > 0 {
		sentAt = time.UnixMilli(e.Timestamp).UTC()
	}

	return ingest.Inbound{
		OwnerID:  ownerID,
		RoomID:   roomID,
		RoomType: roomType,
		Message: session.MessageInput{
			PlatformMessageID: e.Message.ID,
			SenderID:          e.Source.UserID,
			Direction:         models.Incoming,
			ContentType:       contentType,
			Text:              text,
			ContentRef:        ref,
			SentAt:            sentAt,
		},
	}, true, nil
}

// content returns the readable text of a message and a reference to its
// payload. Binary payloads are referenced by message id.
func (m *lineMessage) content(contentType models.ContentType) (text, ref string) {
	switch contentType {
	case models.TextContent:
		return m.Text, ""
	case models.ImageContent, models.VideoContent, models.AudioContent:
		return "", m.ID
	case models.FileContent:
		return m.FileName, m.ID
	case models.StickerContent:
		return "", m.PackageID + "/" + m.StickerID
	case models.LocationContent:
		text = m.Title
		if m.Address != "" {
			if text != "" {
				text += ", "
			}
			text += m.Address
		}
		ref = strconv.FormatFloat(m.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(m.Longitude, 'f', -1, 64)
		return text, ref
	default:
		return m.Text, m.ID
	}
}
