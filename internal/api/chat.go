package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/models"
	"taskpilot/internal/service/agent"
)

const maxChatMessageLen = 2000

type chatRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

// chat runs one agent turn: resolve the conversation, assemble trailing
// history, drive the tool-calling loop, and persist the exchange atomically.
func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if utf8.RuneCountInString(message) > maxChatMessageLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too long (max 2000 characters)"})
		return
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id cannot be negative"})
		return
	}

	ctx := c.Request.Context()
	var conv *models.Conversation
	var history []models.Message
	if req.ConversationID > 0 {
		var err error
		conv, err = h.store.GetConversation(ctx, userID, req.ConversationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		release, acquired := h.store.LockTurn(ctx, conv.ID)
		if !acquired {
			c.JSON(http.StatusConflict, gin.H{"error": "another message is being processed for this conversation"})
			return
		}
		defer release()

		history, err = h.store.RecentMessages(ctx, userID, conv.ID, historyWindowFor(h.agent))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.agent.RunTurn(ctx, userID, history, message)
	if err != nil {
		var cfgErr *agent.ConfigError
		if errors.As(err, &cfgErr) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": cfgErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// A new conversation is created only once a reply exists, so a provider
	// outage never leaves an empty conversation behind.
	if conv == nil {
		conv, err = h.store.CreateConversation(ctx, userID, message)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if _, _, err := h.store.SaveTurn(ctx, userID, conv.ID, message, result.Response, result.ToolCalls); err != nil {
		log.Printf("save turn failed for conversation %d: %v", conv.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save conversation"})
		return
	}

	toolCalls := result.ToolCalls
	if toolCalls == nil {
		toolCalls = make([]models.ToolCallRecord, 0)
	}
	payload := gin.H{
		"conversation_id": conv.ID,
		"response":        result.Response,
		"tool_calls":      toolCalls,
	}
	if result.ErrorClass != "" {
		payload["error"] = result.ErrorClass
	}
	c.JSON(http.StatusOK, payload)
}

// historyWindowFor lets tests plug runners without a config; the real runner
// reports its configured window.
func historyWindowFor(runner AgentRunner) int {
	type windowed interface {
		HistoryWindow() int
	}
	if w, ok := runner.(windowed); ok {
		return w.HistoryWindow()
	}
	return 4
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convs, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if convs == nil {
		convs = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) conversationMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convID, ok := pathID(c)
	if !ok {
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), userID, convID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteConversation(c.Request.Context(), userID, convID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
