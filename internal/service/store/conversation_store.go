package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/models"
)

// CreateConversation starts a conversation titled from the opening message.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	title = truncateTitle(title)
	if title == "" {
		title = "New conversation"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation loads one conversation scoped to the owner.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, most recently active
// first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations
		 WHERE user_id = ? ORDER BY updated_at DESC, id DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// ListMessages returns a conversation's messages oldest first. Ownership is
// checked before any rows are read.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID int64) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, tool_calls, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// SaveTurn persists a completed exchange atomically: the user's message, the
// assistant's reply with its tool call trace, and the conversation's activity
// timestamp all commit together or not at all. The conversation must belong
// to userID; an absent or foreign-owned id fails with sql.ErrNoRows.
func (s *Service) SaveTurn(ctx context.Context, userID, conversationID int64, userContent, assistantContent string, toolCalls []models.ToolCallRecord) (userMsg, assistantMsg *models.Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owned bool
	if err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&owned); err != nil {
		return nil, nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !owned {
		return nil, nil, sql.ErrNoRows
	}

	now := time.Now().UTC()
	userMsg, err = insertMessage(ctx, tx, &models.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           models.RoleUser,
		Content:        userContent,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, nil, err
	}
	assistantMsg, err = insertMessage(ctx, tx, &models.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           models.RoleAssistant,
		Content:        assistantContent,
		ToolCalls:      toolCalls,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?`,
		now, conversationID, userID,
	); err != nil {
		return nil, nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit turn: %w", err)
	}
	s.invalidateHistory(ctx, conversationID)
	return userMsg, assistantMsg, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND user_id = ?`, conversationID, userID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	s.invalidateHistory(ctx, conversationID)
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) (*models.Message, error) {
	var toolCallsJSON interface{}
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCallsJSON = string(data)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, user_id, role, content, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.UserID, msg.Role, msg.Content, toolCallsJSON, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	msg.ID = id
	return msg, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg       models.Message
		toolCalls sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Content, &toolCalls, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return &msg, nil
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) > 50 {
		return string(runes[:50])
	}
	return s
}
