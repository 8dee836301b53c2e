package models

import "time"

type ContentType string

const (
	TextContent     ContentType = "text"
	ImageContent    ContentType = "image"
	VideoContent    ContentType = "video"
	AudioContent    ContentType = "audio"
	StickerContent  ContentType = "sticker"
	FileContent     ContentType = "file"
	LocationContent ContentType = "location"
	OtherContent    ContentType = "other"
)

// ParseContentType maps a platform message type onto a ContentType.
func ParseContentType(s string) ContentType {
	switch ContentType(s) {
	case TextContent, ImageContent, VideoContent, AudioContent, StickerContent, FileContent, LocationContent:
		return ContentType(s)
	case "document":
		return FileContent
	}
	return OtherContent
}

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
	System   Direction = "system"
)

type SenderRole string

const (
	RoleUser        SenderRole = "user"
	RoleGroupMember SenderRole = "group_member"
	RoleBot         SenderRole = "bot"
	RoleSystem      SenderRole = "system"
)

// DeriveSenderRole computes the sender role once, at admission time.
func DeriveSenderRole(direction Direction, roomType RoomType) SenderRole {
	switch direction {
	case Outgoing:
		return RoleBot
	case System:
		return RoleSystem
	}
	if roomType == RoomGroup {
		return RoleGroupMember
	}
	return RoleUser
}

// Message is a single chat message. It is immutable once stored.
type Message struct {
	ID                string      `json:"id" db:"id"`
	PlatformMessageID string      `json:"platform_message_id,omitempty" db:"platform_message_id"`
	SessionID         string      `json:"session_id" db:"session_id"`
	RoomID            string      `json:"room_id" db:"room_id"`
	OwnerID           string      `json:"owner_id" db:"owner_id"`
	SenderID          string      `json:"sender_id" db:"sender_id"`
	SenderName        string      `json:"sender_name,omitempty" db:"sender_name"`
	SenderRole        SenderRole  `json:"sender_role" db:"sender_role"`
	Direction         Direction   `json:"direction" db:"direction"`
	ContentType       ContentType `json:"content_type" db:"content_type"`
	Text              string      `json:"text,omitempty" db:"text"`
	ContentRef        string      `json:"content_ref,omitempty" db:"content_ref"`
	SentAt            time.Time   `json:"sent_at" db:"sent_at"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
}

// Transcript renders the message as a single line for LLM prompts.
func (m *Message) Transcript() string {
	speaker := m.SenderName
	if speaker == "" {
		speaker = string(m.SenderRole)
	}
	body := m.Text
	if m.ContentType != TextContent || body == "" {
		if body == "" {
			body = "[" + string(m.ContentType) + "]"
		} else {
			body = "[" + string(m.ContentType) + "] " + body
		}
	}
	return m.SentAt.UTC().Format("2006-01-02 15:04") + " " + speaker + ": " + body
}
