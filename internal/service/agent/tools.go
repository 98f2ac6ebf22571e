package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"taskpilot/internal/models"
	"taskpilot/internal/service/store"
)

// Registry holds the task tools bound to one user for one turn. Tool
// execution never returns an error to the model; failures become
// {"success": false, "error": ...} payloads so the model can react to them.
type Registry struct {
	store  *store.Service
	userID int64
	tools  map[string]tool.InvokableTool
	infos  []*schema.ToolInfo
}

// NewRegistry binds the five task tools to a user.
func NewRegistry(st *store.Service, userID int64) *Registry {
	r := &Registry{store: st, userID: userID, tools: map[string]tool.InvokableTool{}}
	r.register(r.addTaskTool())
	r.register(r.listTasksTool())
	r.register(r.completeTaskTool())
	r.register(r.deleteTaskTool())
	r.register(r.updateTaskTool())
	return r
}

func (r *Registry) register(info *schema.ToolInfo, t tool.InvokableTool) {
	r.tools[info.Name] = t
	r.infos = append(r.infos, info)
}

// Infos returns the tool descriptions advertised to the model.
func (r *Registry) Infos() []*schema.ToolInfo {
	return r.infos
}

// Execute dispatches one tool call by name. The returned string is always a
// JSON document.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) string {
	t, ok := r.tools[name]
	if !ok {
		return errorResult(fmt.Sprintf("Unknown tool: %s", name))
	}
	out, err := t.InvokableRun(ctx, argsJSON)
	if err != nil {
		return errorResult(err.Error())
	}
	return out
}

func errorResult(msg string) string {
	data, _ := json.Marshal(map[string]interface{}{"success": false, "error": msg})
	return string(data)
}

func jsonResult(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return string(data), nil
}

func taskNotFound(taskID int64) (string, error) {
	// Foreign-owned tasks produce the same text so ids are not probeable.
	return errorResult(fmt.Sprintf("Task %d not found", taskID)), nil
}

var dueDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func parseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("Invalid due date format: %s. Use YYYY-MM-DD or ISO 8601.", raw)
}

func formatDueDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

type addTaskParams struct {
	Title    string `json:"title"`
	Priority string `json:"priority,omitempty"`
	Category string `json:"category,omitempty"`
	DueDate  string `json:"due_date,omitempty"`
}

func (r *Registry) addTaskTool() (*schema.ToolInfo, tool.InvokableTool) {
	info := &schema.ToolInfo{
		Name: "add_task",
		Desc: "Create a new todo task for the user. Use this when the user wants to add, create, or remember something to do.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title": {
				Desc:     "The task title or description (e.g., 'Buy groceries', 'Call mom')",
				Type:     schema.String,
				Required: true,
			},
			"priority": {
				Desc: "Task priority level. Default is 'medium' if not specified.",
				Type: schema.String,
				Enum: []string{"high", "medium", "low"},
			},
			"category": {
				Desc: "Optional category for the task (e.g., 'work', 'personal', 'shopping')",
				Type: schema.String,
			},
			"due_date": {
				Desc: "Optional due date in ISO 8601 format (YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS)",
				Type: schema.String,
			},
		}),
	}
	run := func(ctx context.Context, params *addTaskParams) (string, error) {
		if params == nil || strings.TrimSpace(params.Title) == "" {
			return errorResult("title is required"), nil
		}
		due, err := parseDueDate(params.DueDate)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		task, err := r.store.CreateTask(ctx, r.userID, store.TaskCreate{
			Title:    params.Title,
			Priority: models.Priority(params.Priority),
			Category: params.Category,
			DueDate:  due,
		})
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"success":  true,
			"task_id":  task.ID,
			"title":    task.Title,
			"priority": task.Priority,
			"category": task.Category,
			"due_date": formatDueDate(task.DueDate),
			"message":  fmt.Sprintf("Task created: '%s' (ID: %d)", task.Title, task.ID),
		})
	}
	return info, utils.NewTool(info, run)
}

type listTasksParams struct {
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

func (r *Registry) listTasksTool() (*schema.ToolInfo, tool.InvokableTool) {
	info := &schema.ToolInfo{
		Name: "list_tasks",
		Desc: "Get a list of the user's tasks. Can filter by status (all, pending, completed) or priority.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"status": {
				Desc: "Filter by task status. 'all' shows all tasks, 'pending' shows incomplete tasks, 'completed' shows finished tasks.",
				Type: schema.String,
				Enum: []string{"all", "pending", "completed"},
			},
			"priority": {
				Desc: "Filter by priority level",
				Type: schema.String,
				Enum: []string{"high", "medium", "low"},
			},
		}),
	}
	run := func(ctx context.Context, params *listTasksParams) (string, error) {
		if params == nil {
			params = &listTasksParams{}
		}
		tasks, err := r.store.ListTasks(ctx, r.userID, store.TaskFilter{
			Status:   params.Status,
			Priority: models.Priority(params.Priority),
		})
		if err != nil {
			return errorResult(err.Error()), nil
		}
		list := make([]map[string]interface{}, 0, len(tasks))
		for _, task := range tasks {
			list = append(list, map[string]interface{}{
				"id":         task.ID,
				"title":      task.Title,
				"completed":  task.Completed,
				"priority":   task.Priority,
				"category":   task.Category,
				"due_date":   formatDueDate(task.DueDate),
				"created_at": task.CreatedAt.Format(time.RFC3339),
			})
		}
		return jsonResult(map[string]interface{}{
			"success": true,
			"count":   len(list),
			"tasks":   list,
			"message": fmt.Sprintf("Found %d task(s)", len(list)),
		})
	}
	return info, utils.NewTool(info, run)
}

type completeTaskParams struct {
	TaskID    int64 `json:"task_id"`
	Completed *bool `json:"completed,omitempty"`
}

func (r *Registry) completeTaskTool() (*schema.ToolInfo, tool.InvokableTool) {
	info := &schema.ToolInfo{
		Name: "complete_task",
		Desc: "Mark a task as complete or incomplete. Use this when the user says they finished something or wants to mark a task as done.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "The ID of the task to mark as complete",
				Type:     schema.Integer,
				Required: true,
			},
			"completed": {
				Desc: "True to mark complete, False to mark incomplete. Default is True.",
				Type: schema.Boolean,
			},
		}),
	}
	run := func(ctx context.Context, params *completeTaskParams) (string, error) {
		if params == nil || params.TaskID <= 0 {
			return errorResult("task_id is required"), nil
		}
		completed := true
		if params.Completed != nil {
			completed = *params.Completed
		}
		task, err := r.store.SetTaskCompleted(ctx, r.userID, params.TaskID, completed)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return taskNotFound(params.TaskID)
			}
			return errorResult(err.Error()), nil
		}
		statusText := "complete"
		if !completed {
			statusText = "incomplete"
		}
		return jsonResult(map[string]interface{}{
			"success":   true,
			"task_id":   task.ID,
			"title":     task.Title,
			"completed": task.Completed,
			"message":   fmt.Sprintf("Task marked as %s: '%s'", statusText, task.Title),
		})
	}
	return info, utils.NewTool(info, run)
}

type deleteTaskParams struct {
	TaskID int64 `json:"task_id"`
}

func (r *Registry) deleteTaskTool() (*schema.ToolInfo, tool.InvokableTool) {
	info := &schema.ToolInfo{
		Name: "delete_task",
		Desc: "Delete a task permanently. Use this when the user wants to remove or delete a task.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "The ID of the task to delete",
				Type:     schema.Integer,
				Required: true,
			},
		}),
	}
	run := func(ctx context.Context, params *deleteTaskParams) (string, error) {
		if params == nil || params.TaskID <= 0 {
			return errorResult("task_id is required"), nil
		}
		task, err := r.store.GetTask(ctx, r.userID, params.TaskID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return taskNotFound(params.TaskID)
			}
			return errorResult(err.Error()), nil
		}
		if err := r.store.DeleteTask(ctx, r.userID, params.TaskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return taskNotFound(params.TaskID)
			}
			return errorResult(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"success": true,
			"task_id": params.TaskID,
			"message": fmt.Sprintf("Task deleted: '%s'", task.Title),
		})
	}
	return info, utils.NewTool(info, run)
}

type updateTaskParams struct {
	TaskID   int64   `json:"task_id"`
	Title    *string `json:"title,omitempty"`
	Priority *string `json:"priority,omitempty"`
	Category *string `json:"category,omitempty"`
	DueDate  *string `json:"due_date,omitempty"`
}

func (r *Registry) updateTaskTool() (*schema.ToolInfo, tool.InvokableTool) {
	info := &schema.ToolInfo{
		Name: "update_task",
		Desc: "Update an existing task's details (title, priority, category, due date, etc.)",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "The ID of the task to update",
				Type:     schema.Integer,
				Required: true,
			},
			"title": {
				Desc: "New task title",
				Type: schema.String,
			},
			"priority": {
				Desc: "New priority level",
				Type: schema.String,
				Enum: []string{"high", "medium", "low"},
			},
			"category": {
				Desc: "New category",
				Type: schema.String,
			},
			"due_date": {
				Desc: "New due date in ISO 8601 format",
				Type: schema.String,
			},
		}),
	}
	run := func(ctx context.Context, params *updateTaskParams) (string, error) {
		if params == nil || params.TaskID <= 0 {
			return errorResult("task_id is required"), nil
		}
		upd := store.TaskUpdate{
			Title:    params.Title,
			Category: params.Category,
		}
		if params.Priority != nil {
			p := models.Priority(*params.Priority)
			upd.Priority = &p
		}
		if params.DueDate != nil {
			due, err := parseDueDate(*params.DueDate)
			if err != nil {
				return errorResult(fmt.Sprintf("Invalid due date format: %s", *params.DueDate)), nil
			}
			upd.DueDate = due
		}
		task, err := r.store.UpdateTask(ctx, r.userID, params.TaskID, upd)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return taskNotFound(params.TaskID)
			}
			return errorResult(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"success":  true,
			"task_id":  task.ID,
			"title":    task.Title,
			"priority": task.Priority,
			"category": task.Category,
			"due_date": formatDueDate(task.DueDate),
			"message":  fmt.Sprintf("Task updated: '%s'", task.Title),
		})
	}
	return info, utils.NewTool(info, run)
}
