package agent

import (
	"github.com/cloudwego/eino/schema"

	"taskpilot/internal/models"
)

// AssembleHistory converts stored messages into model messages, keeping only
// the trailing window. Roles other than user and assistant are dropped; tool
// call traces stay in the database and never re-enter the prompt.
func AssembleHistory(msgs []models.Message, window int) []*schema.Message {
	if window <= 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			out = append(out, schema.UserMessage(msg.Content))
		case models.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return out
}
