package models

import "time"

// Conversation groups one user's chat messages. Created lazily on the first
// message; the title defaults to a prefix of that message.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
