package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCallRecord is the audit trail of one tool invocation made while
// producing an assistant message. Stored for observability, never replayed.
type ToolCallRecord struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
	Result json.RawMessage `json:"result"`
}

// Message is one half of a turn within a conversation. UserID is stored
// redundantly so isolation filters never need a join.
type Message struct {
	ID             int64            `json:"id"`
	ConversationID int64            `json:"conversation_id"`
	UserID         int64            `json:"user_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
