package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/models"
)

// CreateTag inserts a tag owned by userID. Names are unique per user.
func (s *Service) CreateTag(ctx context.Context, userID int64, name, color string) (*models.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("tag name is required")
	}
	if color == "" {
		color = "#808080"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (user_id, name, color, created_at) VALUES (?, ?, ?, ?)`,
		userID, name, color, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create tag: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("tag id: %w", err)
	}
	return &models.Tag{ID: id, UserID: userID, Name: name, Color: color, CreatedAt: now}, nil
}

// ListTags returns the user's tags ordered by name.
func (s *Service) ListTags(ctx context.Context, userID int64) ([]models.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, color, created_at FROM tags WHERE user_id = ? ORDER BY name`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var tag models.Tag
		if err := rows.Scan(&tag.ID, &tag.UserID, &tag.Name, &tag.Color, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// GetTag loads one tag scoped to the owner. Missing and foreign-owned rows
// both return sql.ErrNoRows.
func (s *Service) GetTag(ctx context.Context, userID, tagID int64) (*models.Tag, error) {
	var tag models.Tag
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, color, created_at FROM tags WHERE id = ? AND user_id = ?`, tagID, userID,
	).Scan(&tag.ID, &tag.UserID, &tag.Name, &tag.Color, &tag.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return &tag, nil
}

// UpdateTag renames or recolors an owned tag.
func (s *Service) UpdateTag(ctx context.Context, userID, tagID int64, name, color *string) (*models.Tag, error) {
	sets := []string{}
	args := []interface{}{}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, errors.New("tag name cannot be empty")
		}
		sets = append(sets, "name = ?")
		args = append(args, trimmed)
	}
	if color != nil {
		sets = append(sets, "color = ?")
		args = append(args, *color)
	}
	if len(sets) > 0 {
		args = append(args, tagID, userID)
		res, err := s.db.ExecContext(ctx,
			`UPDATE tags SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...,
		)
		if err != nil {
			return nil, fmt.Errorf("update tag: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("tag rows affected: %w", err)
		}
		if affected == 0 {
			return nil, sql.ErrNoRows
		}
	}
	var tag models.Tag
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, color, created_at FROM tags WHERE id = ? AND user_id = ?`, tagID, userID,
	).Scan(&tag.ID, &tag.UserID, &tag.Name, &tag.Color, &tag.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return &tag, nil
}

// DeleteTag removes an owned tag; task_tags rows cascade.
func (s *Service) DeleteTag(ctx context.Context, userID, tagID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tags WHERE id = ? AND user_id = ?`, tagID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tag rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// replaceTaskTags swaps the task's tag set inside an open transaction. Every
// tag must belong to the same user as the task.
func (s *Service) replaceTaskTags(ctx context.Context, tx *sql.Tx, userID, taskID int64, tagIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_tags WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear task tags: %w", err)
	}
	for _, tagID := range tagIDs {
		var owned bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM tags WHERE id = ? AND user_id = ?)`, tagID, userID,
		).Scan(&owned)
		if err != nil {
			return fmt.Errorf("verify tag: %w", err)
		}
		if !owned {
			return fmt.Errorf("tag %d not found", tagID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_tags (task_id, tag_id, created_at) VALUES (?, ?, ?)`,
			taskID, tagID, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("attach tag: %w", err)
		}
	}
	return nil
}

func (s *Service) tagsForTask(ctx context.Context, taskID int64) ([]models.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.user_id, t.name, t.color, t.created_at
		 FROM tags t JOIN task_tags tt ON tt.tag_id = t.id
		 WHERE tt.task_id = ? ORDER BY t.name`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("task tags: %w", err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var tag models.Tag
		if err := rows.Scan(&tag.ID, &tag.UserID, &tag.Name, &tag.Color, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// loadTaskTags attaches tags to each task in one query.
func (s *Service) loadTaskTags(ctx context.Context, userID int64, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	index := make(map[int64]*models.Task, len(tasks))
	placeholders := make([]string, 0, len(tasks))
	args := make([]interface{}, 0, len(tasks)+1)
	for i := range tasks {
		index[tasks[i].ID] = &tasks[i]
		placeholders = append(placeholders, "?")
		args = append(args, tasks[i].ID)
	}
	args = append(args, userID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT tt.task_id, t.id, t.user_id, t.name, t.color, t.created_at
		 FROM tags t JOIN task_tags tt ON tt.tag_id = t.id
		 WHERE tt.task_id IN (`+strings.Join(placeholders, ",")+`) AND t.user_id = ?
		 ORDER BY t.name`, args...,
	)
	if err != nil {
		return fmt.Errorf("load task tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID int64
		var tag models.Tag
		if err := rows.Scan(&taskID, &tag.ID, &tag.UserID, &tag.Name, &tag.Color, &tag.CreatedAt); err != nil {
			return fmt.Errorf("scan tag: %w", err)
		}
		if task, ok := index[taskID]; ok {
			task.Tags = append(task.Tags, tag)
		}
	}
	return rows.Err()
}
