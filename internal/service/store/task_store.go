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

// TaskCreate carries the fields accepted when creating a task.
type TaskCreate struct {
	Title            string
	Description      string
	Priority         models.Priority
	Category         string
	DueDate          *time.Time
	EstimatedMinutes int64
	TagIDs           []int64
}

// TaskUpdate is a partial update; nil fields stay unchanged. TagIDs replaces
// the full tag set when TagIDsSet is true.
type TaskUpdate struct {
	Title            *string
	Description      *string
	Completed        *bool
	Priority         *models.Priority
	Category         *string
	DueDate          *time.Time
	EstimatedMinutes *int64
	TagIDs           []int64
	TagIDsSet        bool
}

// TaskFilter narrows ListTasks. Status is one of "", "all", "pending",
// "completed".
type TaskFilter struct {
	Status   string
	Priority models.Priority
	Category string
	Search   string
}

const taskColumns = `id, user_id, title, description, completed, priority, category, due_date, estimated_minutes, created_at, updated_at`

// CreateTask inserts a task owned by userID and attaches any tags.
func (s *Service) CreateTask(ctx context.Context, userID int64, in TaskCreate) (*models.Task, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	if len(title) > 500 {
		return nil, errors.New("title too long (max 500 characters)")
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !models.ValidPriority(priority) {
		return nil, fmt.Errorf("invalid priority: %s", priority)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (user_id, title, description, completed, priority, category, due_date, estimated_minutes, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		userID, title, in.Description, priority, in.Category, nullableTime(in.DueDate), in.EstimatedMinutes, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	if err := s.replaceTaskTags(ctx, tx, userID, id, in.TagIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create task: %w", err)
	}
	return s.GetTask(ctx, userID, id)
}

// ListTasks returns the user's tasks newest first, with tags attached.
func (s *Service) ListTasks(ctx context.Context, userID int64, filter TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?`
	args := []interface{}{userID}

	switch filter.Status {
	case "", "all":
	case "pending":
		query += ` AND completed = 0`
	case "completed":
		query += ` AND completed = 1`
	default:
		return nil, fmt.Errorf("invalid status filter: %s", filter.Status)
	}
	if filter.Priority != "" {
		if !models.ValidPriority(filter.Priority) {
			return nil, fmt.Errorf("invalid priority: %s", filter.Priority)
		}
		query += ` AND priority = ?`
		args = append(args, filter.Priority)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Search != "" {
		query += ` AND (title LIKE ? OR description LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadTaskTags(ctx, userID, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskCounts reports total/completed/pending for the user.
func (s *Service) TaskCounts(ctx context.Context, userID int64) (total, completed, pending int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(completed), 0) FROM tasks WHERE user_id = ?`, userID,
	).Scan(&total, &completed)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("task counts: %w", err)
	}
	return total, completed, total - completed, nil
}

// GetTask loads one task scoped to the owner. Missing and foreign-owned rows
// both return sql.ErrNoRows.
func (s *Service) GetTask(ctx context.Context, userID, taskID int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	tags, err := s.tagsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Tags = tags
	return task, nil
}

// taskUpdateSets turns a partial update into SQL SET clauses. Tag changes are
// handled separately.
func taskUpdateSets(upd TaskUpdate) ([]string, []interface{}, error) {
	sets := []string{}
	args := []interface{}{}
	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return nil, nil, errors.New("title cannot be empty")
		}
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, boolToInt(*upd.Completed))
	}
	if upd.Priority != nil {
		if !models.ValidPriority(*upd.Priority) {
			return nil, nil, fmt.Errorf("invalid priority: %s", *upd.Priority)
		}
		sets = append(sets, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *upd.Category)
	}
	if upd.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, upd.DueDate.UTC())
	}
	if upd.EstimatedMinutes != nil {
		sets = append(sets, "estimated_minutes = ?")
		args = append(args, *upd.EstimatedMinutes)
	}
	return sets, args, nil
}

// UpdateTask applies a partial update to an owned task.
func (s *Service) UpdateTask(ctx context.Context, userID, taskID int64, upd TaskUpdate) (*models.Task, error) {
	sets, args, err := taskUpdateSets(upd)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 && !upd.TagIDsSet {
		return s.GetTask(ctx, userID, taskID)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, taskID, userID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		// Either absent or owned by someone else; report both the same way.
		if exists, err := s.taskExistsForUser(ctx, tx, userID, taskID); err != nil {
			return nil, err
		} else if !exists {
			return nil, sql.ErrNoRows
		}
	}
	if upd.TagIDsSet {
		if err := s.replaceTaskTags(ctx, tx, userID, taskID, upd.TagIDs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update task: %w", err)
	}
	return s.GetTask(ctx, userID, taskID)
}

// SetTaskCompleted toggles the completion flag.
func (s *Service) SetTaskCompleted(ctx context.Context, userID, taskID int64, completed bool) (*models.Task, error) {
	c := completed
	return s.UpdateTask(ctx, userID, taskID, TaskUpdate{Completed: &c})
}

// DeleteTask permanently removes an owned task; task_tags rows cascade.
func (s *Service) DeleteTask(ctx context.Context, userID, taskID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// BulkUpdateTasks applies one partial update to several owned tasks at once.
// The batch is all-or-nothing: if any id is absent or owned by someone else
// the whole call fails with sql.ErrNoRows and no row changes.
func (s *Service) BulkUpdateTasks(ctx context.Context, userID int64, taskIDs []int64, upd TaskUpdate) ([]models.Task, error) {
	if len(taskIDs) == 0 {
		return nil, errors.New("task_ids is required")
	}
	sets, args, err := taskUpdateSets(upd)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, errors.New("no fields to update")
	}
	now := time.Now().UTC()
	sets = append(sets, "updated_at = ?")
	args = append(args, now)

	placeholders, idArgs := idList(taskIDs)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tasksAllOwned(ctx, tx, userID, placeholders, idArgs); err != nil {
		return nil, err
	}
	args = append(args, idArgs...)
	args = append(args, userID)
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id IN (`+placeholders+`) AND user_id = ?`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("bulk update tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk update: %w", err)
	}

	selectArgs := append(append([]interface{}{}, idArgs...), userID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`) AND user_id = ? ORDER BY created_at DESC, id DESC`,
		selectArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("reload tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadTaskTags(ctx, userID, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// BulkDeleteTasks removes several owned tasks at once, all-or-nothing under
// the same ownership rule as BulkUpdateTasks.
func (s *Service) BulkDeleteTasks(ctx context.Context, userID int64, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return errors.New("task_ids is required")
	}
	placeholders, idArgs := idList(taskIDs)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tasksAllOwned(ctx, tx, userID, placeholders, idArgs); err != nil {
		return err
	}
	args := append(append([]interface{}{}, idArgs...), userID)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE id IN (`+placeholders+`) AND user_id = ?`, args...,
	); err != nil {
		return fmt.Errorf("bulk delete tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk delete: %w", err)
	}
	return nil
}

// tasksAllOwned rejects a batch unless every id resolves to a task owned by
// userID. Absent and foreign-owned ids fail the same way.
func tasksAllOwned(ctx context.Context, tx *sql.Tx, userID int64, placeholders string, idArgs []interface{}) error {
	args := append(append([]interface{}{}, idArgs...), userID)
	var owned int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT id) FROM tasks WHERE id IN (`+placeholders+`) AND user_id = ?`, args...,
	).Scan(&owned)
	if err != nil {
		return fmt.Errorf("verify tasks: %w", err)
	}
	if owned != len(uniqueIDs(idArgs)) {
		return sql.ErrNoRows
	}
	return nil
}

func idList(ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

func uniqueIDs(idArgs []interface{}) []interface{} {
	seen := make(map[interface{}]struct{}, len(idArgs))
	out := idArgs[:0:0]
	for _, id := range idArgs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task models.Task
		due  sql.NullTime
	)
	err := row.Scan(&task.ID, &task.UserID, &task.Title, &task.Description, &task.Completed,
		&task.Priority, &task.Category, &due, &task.EstimatedMinutes, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if due.Valid {
		t := due.Time
		task.DueDate = &t
	}
	return &task, nil
}

func (s *Service) taskExistsForUser(ctx context.Context, tx *sql.Tx, userID, taskID int64) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ? AND user_id = ?)`, taskID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("verify task: %w", err)
	}
	return exists, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
