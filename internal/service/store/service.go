package store

import (
	"database/sql"

	"taskpilot/internal/redis"
)

// Service owns all persistence for users, tasks, tags, conversations and
// messages. Every query is scoped by the owning user id; a row that exists
// but belongs to someone else is indistinguishable from a missing row.
type Service struct {
	db    *sql.DB
	cache *redis.Client
}

// NewService builds a store service. cache may be nil; caching and advisory
// locks then degrade to no-ops.
func NewService(db *sql.DB, cache *redis.Client) *Service {
	return &Service{db: db, cache: cache}
}
