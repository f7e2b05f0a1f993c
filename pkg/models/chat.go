// Package models contains request/response models and business domain types.
package models

import "time"

// Message is the chat payload carried over the realtime bus.
// ID is the delivery idempotency key.
type Message struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Avatar    string    `json:"avatar,omitempty"`
	RoomID    string    `json:"room_id"`
	Mentions  []string  `json:"mentions"`
}

// Notification is a lightweight per-user alert emitted alongside messages
// that mention someone.
type Notification struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Sender    string    `json:"sender"`
	Receivers []string  `json:"receivers"`
	Content   string    `json:"content"`
	RoomID    string    `json:"room_id"`
}

// User is a chat platform user as returned by the persistence service
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Room is a chat room as returned by the persistence service. ActiveUsers
// holds the participant user ids.
type Room struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	Name        string    `json:"name"`
	Unread      int       `json:"unread"`
	ActiveUsers []string  `json:"active_users"`
}
