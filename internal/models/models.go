package models

import "time"

// RoomType distinguishes one-to-one chats from group conversations.
type RoomType string

const (
	RoomIndividual RoomType = "individual"
	RoomGroup      RoomType = "group"
)

// Room is a conversation thread on the messaging platform. Sessions are
// scoped to a room.
type Room struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	Type      RoomType  `json:"type" db:"type"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
