package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/models"
	"taskpilot/internal/storage"
)

func newTestStore(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return NewService(db, nil), db
}

func registerTestUser(t *testing.T, svc *Service, email string) int64 {
	t.Helper()
	user, err := svc.RegisterUser(context.Background(), email, "", "pass123")
	if err != nil {
		t.Fatalf("register user %s: %v", email, err)
	}
	return user.ID
}

func TestRegisterAndLogin(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "  Alice@Example.COM ", "Alice", "secret")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}

	got, err := svc.Login(ctx, "alice@example.com", "secret")
	if err != nil || got.ID != user.ID {
		t.Fatalf("Login failed: id=%v err=%v", got, err)
	}

	if _, err := svc.Login(ctx, "alice@example.com", "wrong"); err == nil {
		t.Fatalf("expected login failure for wrong password")
	}
	_, wrongPassErr := svc.Login(ctx, "alice@example.com", "wrong")
	_, noUserErr := svc.Login(ctx, "nobody@example.com", "secret")
	if wrongPassErr == nil || noUserErr == nil || wrongPassErr.Error() != noUserErr.Error() {
		t.Fatalf("expected identical errors for bad password and unknown user, got %v vs %v", wrongPassErr, noUserErr)
	}
}

func TestTaskCRUDAndIsolation(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	bob := registerTestUser(t, svc, "bob@example.com")

	due := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	task, err := svc.CreateTask(ctx, alice, TaskCreate{
		Title:    "  Buy groceries  ",
		Priority: models.PriorityHigh,
		Category: "shopping",
		DueDate:  &due,
	})
	if err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
	if task.Title != "Buy groceries" || task.Priority != models.PriorityHigh {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.DueDate == nil || !task.DueDate.Equal(due) {
		t.Fatalf("due date mismatch: %v", task.DueDate)
	}

	// Another user's task is indistinguishable from a missing one.
	if _, err := svc.GetTask(ctx, bob, task.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for foreign task, got %v", err)
	}
	if _, err := svc.UpdateTask(ctx, bob, task.ID, TaskUpdate{}); err != nil && !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("unexpected error for foreign update: %v", err)
	}
	if err := svc.DeleteTask(ctx, bob, task.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows deleting foreign task, got %v", err)
	}

	newTitle := "Buy more groceries"
	updated, err := svc.UpdateTask(ctx, alice, task.ID, TaskUpdate{Title: &newTitle})
	if err != nil {
		t.Fatalf("UpdateTask error: %v", err)
	}
	if updated.Title != newTitle || updated.Priority != models.PriorityHigh {
		t.Fatalf("partial update clobbered fields: %+v", updated)
	}

	// Completion toggling is idempotent.
	for i := 0; i < 2; i++ {
		done, err := svc.SetTaskCompleted(ctx, alice, task.ID, true)
		if err != nil || !done.Completed {
			t.Fatalf("SetTaskCompleted round %d failed: %+v err=%v", i, done, err)
		}
	}
	undone, err := svc.SetTaskCompleted(ctx, alice, task.ID, false)
	if err != nil || undone.Completed {
		t.Fatalf("expected incomplete task, got %+v err=%v", undone, err)
	}

	if err := svc.DeleteTask(ctx, alice, task.ID); err != nil {
		t.Fatalf("DeleteTask error: %v", err)
	}
	if err := svc.DeleteTask(ctx, alice, task.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows on second delete, got %v", err)
	}

	if _, err := svc.CreateTask(ctx, alice, TaskCreate{Title: "x", Priority: "urgent"}); err == nil {
		t.Fatalf("expected error for invalid priority")
	}
}

func TestListTasksFiltersAndCounts(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	bob := registerTestUser(t, svc, "bob@example.com")

	t1, _ := svc.CreateTask(ctx, alice, TaskCreate{Title: "write report", Priority: models.PriorityHigh, Category: "work"})
	if _, err := svc.CreateTask(ctx, alice, TaskCreate{Title: "water plants", Priority: models.PriorityLow, Category: "home"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateTask(ctx, bob, TaskCreate{Title: "bob task"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.SetTaskCompleted(ctx, alice, t1.ID, true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	all, err := svc.ListTasks(ctx, alice, TaskFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d err=%v", len(all), err)
	}
	pending, err := svc.ListTasks(ctx, alice, TaskFilter{Status: "pending"})
	if err != nil || len(pending) != 1 || pending[0].Title != "water plants" {
		t.Fatalf("pending filter failed: %+v err=%v", pending, err)
	}
	completed, err := svc.ListTasks(ctx, alice, TaskFilter{Status: "completed"})
	if err != nil || len(completed) != 1 || completed[0].ID != t1.ID {
		t.Fatalf("completed filter failed: %+v err=%v", completed, err)
	}
	high, err := svc.ListTasks(ctx, alice, TaskFilter{Priority: models.PriorityHigh})
	if err != nil || len(high) != 1 {
		t.Fatalf("priority filter failed: %+v err=%v", high, err)
	}
	search, err := svc.ListTasks(ctx, alice, TaskFilter{Search: "plants"})
	if err != nil || len(search) != 1 {
		t.Fatalf("search filter failed: %+v err=%v", search, err)
	}
	if _, err := svc.ListTasks(ctx, alice, TaskFilter{Status: "bogus"}); err == nil {
		t.Fatalf("expected error for invalid status filter")
	}

	total, done, todo, err := svc.TaskCounts(ctx, alice)
	if err != nil || total != 2 || done != 1 || todo != 1 {
		t.Fatalf("counts wrong: total=%d done=%d todo=%d err=%v", total, done, todo, err)
	}
}

func TestTagsAttachAndCascade(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	bob := registerTestUser(t, svc, "bob@example.com")

	urgent, err := svc.CreateTag(ctx, alice, "urgent", "#ff0000")
	if err != nil {
		t.Fatalf("CreateTag error: %v", err)
	}
	bobTag, err := svc.CreateTag(ctx, bob, "urgent", "#00ff00")
	if err != nil {
		t.Fatalf("expected same tag name to be allowed for another user: %v", err)
	}

	task, err := svc.CreateTask(ctx, alice, TaskCreate{Title: "tagged", TagIDs: []int64{urgent.ID}})
	if err != nil {
		t.Fatalf("CreateTask with tags: %v", err)
	}
	if len(task.Tags) != 1 || task.Tags[0].ID != urgent.ID {
		t.Fatalf("tag not attached: %+v", task.Tags)
	}

	// A tag owned by someone else cannot be attached.
	if _, err := svc.CreateTask(ctx, alice, TaskCreate{Title: "bad", TagIDs: []int64{bobTag.ID}}); err == nil {
		t.Fatalf("expected error attaching foreign tag")
	}

	if err := svc.DeleteTag(ctx, alice, urgent.ID); err != nil {
		t.Fatalf("DeleteTag error: %v", err)
	}
	reloaded, err := svc.GetTask(ctx, alice, task.ID)
	if err != nil {
		t.Fatalf("GetTask after tag delete: %v", err)
	}
	if len(reloaded.Tags) != 0 {
		t.Fatalf("expected tag links removed, got %+v", reloaded.Tags)
	}
}

func TestSaveTurnAtomic(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")

	// A turn against a nonexistent conversation must leave nothing behind.
	if _, _, err := svc.SaveTurn(ctx, alice, 999, "hi", "hello", nil); err == nil {
		t.Fatalf("expected SaveTurn failure for missing conversation")
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no messages after failed turn, got %d", count)
	}

	conv, err := svc.CreateConversation(ctx, alice, "Add a task to buy milk please and make it high priority thanks")
	if err != nil {
		t.Fatalf("CreateConversation error: %v", err)
	}
	if len([]rune(conv.Title)) > 50 {
		t.Fatalf("title not truncated: %q", conv.Title)
	}

	calls := []models.ToolCallRecord{{
		Tool:   "add_task",
		Args:   []byte(`{"title":"buy milk"}`),
		Result: []byte(`{"success":true,"task_id":1}`),
	}}
	userMsg, aiMsg, err := svc.SaveTurn(ctx, alice, conv.ID, "add buy milk", "Done!", calls)
	if err != nil {
		t.Fatalf("SaveTurn error: %v", err)
	}
	if userMsg.ID == 0 || aiMsg.ID == 0 {
		t.Fatalf("expected persisted message ids")
	}

	msgs, err := svc.ListMessages(ctx, alice, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Tool != "add_task" {
		t.Fatalf("tool calls not persisted: %+v", msgs[1].ToolCalls)
	}

	updated, err := svc.GetConversation(ctx, alice, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation error: %v", err)
	}
	if updated.UpdatedAt.Before(conv.UpdatedAt) {
		t.Fatalf("conversation timestamp not touched")
	}
}

func TestConversationOwnershipAndDelete(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	bob := registerTestUser(t, svc, "bob@example.com")

	conv, err := svc.CreateConversation(ctx, alice, "hello")
	if err != nil {
		t.Fatalf("CreateConversation error: %v", err)
	}
	if _, _, err := svc.SaveTurn(ctx, alice, conv.ID, "hi", "hey", nil); err != nil {
		t.Fatalf("SaveTurn error: %v", err)
	}

	if _, err := svc.GetConversation(ctx, bob, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for foreign conversation, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, bob, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows listing foreign messages, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, bob, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows deleting foreign conversation, got %v", err)
	}

	if err := svc.DeleteConversation(ctx, alice, conv.ID); err != nil {
		t.Fatalf("DeleteConversation error: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected messages removed with conversation, got %d", count)
	}
}

func TestRecentMessagesWindow(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	conv, err := svc.CreateConversation(ctx, alice, "windowed")
	if err != nil {
		t.Fatalf("CreateConversation error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := svc.SaveTurn(ctx, alice, conv.ID,
			fmt.Sprintf("user %d", i), fmt.Sprintf("assistant %d", i), nil); err != nil {
			t.Fatalf("SaveTurn %d error: %v", i, err)
		}
	}

	recent, err := svc.RecentMessages(ctx, alice, conv.ID, 4)
	if err != nil {
		t.Fatalf("RecentMessages error: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("expected window of 4, got %d", len(recent))
	}
	if recent[0].Content != "user 1" || recent[3].Content != "assistant 2" {
		t.Fatalf("window misaligned: first=%q last=%q", recent[0].Content, recent[3].Content)
	}

	// Without a cache the turn lock is a pass-through.
	release, ok := svc.LockTurn(ctx, conv.ID)
	if !ok {
		t.Fatalf("expected lock acquired without cache")
	}
	release()
}

func TestDeleteUserCascades(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	if _, err := svc.CreateTask(ctx, alice, TaskCreate{Title: "t"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	conv, err := svc.CreateConversation(ctx, alice, "c")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, _, err := svc.SaveTurn(ctx, alice, conv.ID, "a", "b", nil); err != nil {
		t.Fatalf("save turn: %v", err)
	}

	if err := svc.DeleteUser(ctx, alice); err != nil {
		t.Fatalf("DeleteUser error: %v", err)
	}
	for _, table := range []string{"tasks", "conversations", "messages"} {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("expected %s cleared after user delete, got %d", table, count)
		}
	}
}

func TestBulkUpdateAndDeleteTasks(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	bob := registerTestUser(t, svc, "bob@example.com")

	var ids []int64
	for _, title := range []string{"one", "two", "three"} {
		task, err := svc.CreateTask(ctx, alice, TaskCreate{Title: title})
		if err != nil {
			t.Fatalf("create task %s: %v", title, err)
		}
		ids = append(ids, task.ID)
	}
	bobTask, err := svc.CreateTask(ctx, bob, TaskCreate{Title: "private"})
	if err != nil {
		t.Fatalf("create bob task: %v", err)
	}

	completed := true
	updated, err := svc.BulkUpdateTasks(ctx, alice, ids[:2], TaskUpdate{Completed: &completed})
	if err != nil {
		t.Fatalf("BulkUpdateTasks error: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("expected 2 updated tasks, got %d", len(updated))
	}
	for _, task := range updated {
		if !task.Completed {
			t.Fatalf("task %d not completed: %+v", task.ID, task)
		}
	}

	// A batch touching a foreign task fails whole, same as a missing id.
	priority := models.PriorityHigh
	if _, err := svc.BulkUpdateTasks(ctx, alice, []int64{ids[2], bobTask.ID}, TaskUpdate{Priority: &priority}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for foreign id, got %v", err)
	}
	if _, err := svc.BulkUpdateTasks(ctx, alice, []int64{ids[2], 424242}, TaskUpdate{Priority: &priority}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for missing id, got %v", err)
	}
	untouched, err := svc.GetTask(ctx, alice, ids[2])
	if err != nil || untouched.Priority != models.PriorityMedium {
		t.Fatalf("rejected batch must not change rows: %+v err=%v", untouched, err)
	}

	if err := svc.BulkDeleteTasks(ctx, alice, []int64{ids[0], bobTask.ID}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows deleting foreign id, got %v", err)
	}
	if _, err := svc.GetTask(ctx, alice, ids[0]); err != nil {
		t.Fatalf("rejected delete batch must not remove rows: %v", err)
	}

	if err := svc.BulkDeleteTasks(ctx, alice, ids); err != nil {
		t.Fatalf("BulkDeleteTasks error: %v", err)
	}
	remaining, err := svc.ListTasks(ctx, alice, TaskFilter{})
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected no tasks left, got %+v err=%v", remaining, err)
	}
	if _, err := svc.GetTask(ctx, bob, bobTask.ID); err != nil {
		t.Fatalf("bob's task must survive alice's bulk delete: %v", err)
	}
}

func TestSaveTurnForeignConversation(t *testing.T) {
	svc, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	alice := registerTestUser(t, svc, "alice@example.com")
	bob := registerTestUser(t, svc, "bob@example.com")

	conv, err := svc.CreateConversation(ctx, alice, "alice only")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, _, err := svc.SaveTurn(ctx, bob, conv.ID, "sneaky", "reply", nil); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for foreign conversation, got %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("foreign SaveTurn must not persist messages, got %d", count)
	}
}
