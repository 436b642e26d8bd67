package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/repository"
)

const maxPageSize = 100

// TaskHandler exposes task inspection and operator controls.
type TaskHandler struct {
	tasks    *repository.TaskRepository
	profiles *repository.ProfileRepository
}

// NewTaskHandler creates a new task handler.
// Parameters:
//   - tasks: task repository instance.
//   - profiles: profile repository instance (used for stats).
// Returns:
//   - *TaskHandler: initialized handler.
func NewTaskHandler(tasks *repository.TaskRepository, profiles *repository.ProfileRepository) *TaskHandler {
	return &TaskHandler{
		tasks:    tasks,
		profiles: profiles,
	}
}

// ListTasks handles GET /api/v1/tasks with optional status/type filters.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	status := domain.TaskStatus(c.Query("status"))
	typ := domain.TaskType(c.Query("type"))

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > maxPageSize {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	tasks, err := h.tasks.List(c.Request.Context(), status, typ, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list tasks: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

// GetTask handles GET /api/v1/tasks/:id.
func (h *TaskHandler) GetTask(c *gin.Context) {
	id := c.Param("id")

	task, err := h.tasks.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Task not found",
		})
		return
	}

	c.JSON(http.StatusOK, task)
}

// RetryTask handles POST /api/v1/tasks/:id/retry. Only failed tasks can be
// retried; the attempt counter is reset so the task gets a full budget.
func (h *TaskHandler) RetryTask(c *gin.Context) {
	id := c.Param("id")

	ok, err := h.tasks.RetryFailed(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry task: " + err.Error(),
		})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Task is not in failed state",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"status": domain.TaskStatusPending,
	})
}

// GetStats handles GET /api/v1/stats.
func (h *TaskHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	taskCounts, err := h.tasks.CountByStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to collect stats: " + err.Error(),
		})
		return
	}

	profileCounts := gin.H{}
	for _, status := range []domain.ProfileStatus{
		domain.ProfileStatusActive,
		domain.ProfileStatusPrivate,
		domain.ProfileStatusGone,
	} {
		n, err := h.profiles.CountByStatus(ctx, status)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to collect stats: " + err.Error(),
			})
			return
		}
		profileCounts[string(status)] = n
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":    taskCounts,
		"profiles": profileCounts,
	})
}
