package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"taskpilot/internal/models"
)

const (
	historyCacheTTL = 30 * time.Minute
	turnLockTTL     = 30 * time.Second
)

func historyCacheKey(conversationID int64) string {
	return fmt.Sprintf("chat:history:%d", conversationID)
}

func turnLockKey(conversationID int64) string {
	return fmt.Sprintf("chat:turnlock:%d", conversationID)
}

// RecentMessages returns the last `window` messages of a conversation in
// chronological order, going through the cache when one is configured.
func (s *Service) RecentMessages(ctx context.Context, userID, conversationID int64, window int) ([]models.Message, error) {
	if window <= 0 {
		return nil, nil
	}
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, historyCacheKey(conversationID)); err == nil {
			var msgs []models.Message
			if jsonErr := json.Unmarshal([]byte(cached), &msgs); jsonErr == nil {
				// Cached snapshots still go through the ownership check.
				if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
					return nil, err
				}
				return tailMessages(msgs, window), nil
			}
		}
	}

	msgs, err := s.ListMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(msgs); err == nil {
			if err := s.cache.Set(ctx, historyCacheKey(conversationID), string(data), historyCacheTTL); err != nil {
				log.Printf("history cache write failed for conversation %d: %v", conversationID, err)
			}
		}
	}
	return tailMessages(msgs, window), nil
}

func tailMessages(msgs []models.Message, window int) []models.Message {
	if len(msgs) <= window {
		return msgs
	}
	return msgs[len(msgs)-window:]
}

func (s *Service) invalidateHistory(ctx context.Context, conversationID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, historyCacheKey(conversationID)); err != nil {
		log.Printf("history cache invalidation failed for conversation %d: %v", conversationID, err)
	}
}

// LockTurn takes a best-effort advisory lock so that concurrent turns on the
// same conversation are serialized across instances. Without redis the lock
// is a no-op and overlapping turns fall back to last-writer-wins.
func (s *Service) LockTurn(ctx context.Context, conversationID int64) (release func(), ok bool) {
	if s.cache == nil {
		return func() {}, true
	}
	key := turnLockKey(conversationID)
	acquired, err := s.cache.SetNX(ctx, key, "1", turnLockTTL)
	if err != nil {
		log.Printf("turn lock unavailable for conversation %d: %v", conversationID, err)
		return func() {}, true
	}
	if !acquired {
		return func() {}, false
	}
	return func() {
		if err := s.cache.Del(context.Background(), key); err != nil {
			log.Printf("turn lock release failed for conversation %d: %v", conversationID, err)
		}
	}, true
}
