package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/models"
	"taskpilot/internal/service/store"
)

type taskRequest struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Priority         string   `json:"priority"`
	Category         string   `json:"category"`
	DueDate          *string  `json:"due_date"`
	EstimatedMinutes int64    `json:"estimated_minutes"`
	TagIDs           *[]int64 `json:"tag_ids"`
}

var taskDateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

func parseTaskDate(raw string) (*time.Time, error) {
	for _, layout := range taskDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("invalid due_date, use YYYY-MM-DD or ISO 8601")
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) createTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	in := store.TaskCreate{
		Title:            req.Title,
		Description:      req.Description,
		Priority:         models.Priority(req.Priority),
		Category:         req.Category,
		EstimatedMinutes: req.EstimatedMinutes,
	}
	if req.DueDate != nil && *req.DueDate != "" {
		due, err := parseTaskDate(*req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		in.DueDate = due
	}
	if req.TagIDs != nil {
		in.TagIDs = *req.TagIDs
	}
	task, err := h.store.CreateTask(c.Request.Context(), userID, in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) listTasks(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	filter := store.TaskFilter{
		Status:   c.Query("status"),
		Priority: models.Priority(c.Query("priority")),
		Category: c.Query("category"),
		Search:   c.Query("search"),
	}
	tasks, err := h.store.ListTasks(c.Request.Context(), userID, filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = make([]models.Task, 0)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *Handler) taskCounts(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	total, completed, pending, err := h.store.TaskCounts(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"completed": completed,
		"pending":   pending,
	})
}

func (h *Handler) getTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c)
	if !ok {
		return
	}
	task, err := h.store.GetTask(c.Request.Context(), userID, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

type taskUpdateRequest struct {
	Title            *string  `json:"title"`
	Description      *string  `json:"description"`
	Completed        *bool    `json:"completed"`
	Priority         *string  `json:"priority"`
	Category         *string  `json:"category"`
	DueDate          *string  `json:"due_date"`
	EstimatedMinutes *int64   `json:"estimated_minutes"`
	TagIDs           *[]int64 `json:"tag_ids"`
}

func (h *Handler) updateTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c)
	if !ok {
		return
	}
	var req taskUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	upd := store.TaskUpdate{
		Title:            req.Title,
		Description:      req.Description,
		Completed:        req.Completed,
		Category:         req.Category,
		EstimatedMinutes: req.EstimatedMinutes,
	}
	if req.Priority != nil {
		p := models.Priority(*req.Priority)
		upd.Priority = &p
	}
	if req.DueDate != nil && *req.DueDate != "" {
		due, err := parseTaskDate(*req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		upd.DueDate = due
	}
	if req.TagIDs != nil {
		upd.TagIDs = *req.TagIDs
		upd.TagIDsSet = true
	}
	task, err := h.store.UpdateTask(c.Request.Context(), userID, taskID, upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

type bulkTaskUpdateRequest struct {
	TaskIDs          []int64 `json:"task_ids"`
	Title            *string `json:"title"`
	Description      *string `json:"description"`
	Completed        *bool   `json:"completed"`
	Priority         *string `json:"priority"`
	Category         *string `json:"category"`
	DueDate          *string `json:"due_date"`
	EstimatedMinutes *int64  `json:"estimated_minutes"`
}

// bulkUpdateTasks applies one partial update across several tasks, e.g.
// marking a batch completed. Tag changes go through the single-task route.
func (h *Handler) bulkUpdateTasks(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req bulkTaskUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.TaskIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_ids is required"})
		return
	}
	upd := store.TaskUpdate{
		Title:            req.Title,
		Description:      req.Description,
		Completed:        req.Completed,
		Category:         req.Category,
		EstimatedMinutes: req.EstimatedMinutes,
	}
	if req.Priority != nil {
		p := models.Priority(*req.Priority)
		upd.Priority = &p
	}
	if req.DueDate != nil && *req.DueDate != "" {
		due, err := parseTaskDate(*req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		upd.DueDate = due
	}
	tasks, err := h.store.BulkUpdateTasks(c.Request.Context(), userID, req.TaskIDs, upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = make([]models.Task, 0)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *Handler) bulkDeleteTasks(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		TaskIDs []int64 `json:"task_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.TaskIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_ids is required"})
		return
	}
	if err := h.store.BulkDeleteTasks(c.Request.Context(), userID, req.TaskIDs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) completeTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Completed *bool `json:"completed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	completed := true
	if req.Completed != nil {
		completed = *req.Completed
	}
	task, err := h.store.SetTaskCompleted(c.Request.Context(), userID, taskID, completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) deleteTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteTask(c.Request.Context(), userID, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
