package models

import "time"

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ValidPriority reports whether p is one of the accepted priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Task belongs to exactly one user; every read/write path filters by UserID.
type Task struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Completed        bool       `json:"completed"`
	Priority         Priority   `json:"priority"`
	Category         string     `json:"category,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	EstimatedMinutes int64      `json:"estimated_minutes,omitempty"`
	Tags             []Tag      `json:"tags,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
