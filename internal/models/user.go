package models

import "time"

// User owns tasks, tags and conversations. Deleting a user cascades
// everything it owns.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
