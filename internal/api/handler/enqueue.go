package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/service"
)

// EnqueueHandler accepts operator-submitted work.
type EnqueueHandler struct {
	tasks    *repository.TaskRepository
	profiles *repository.ProfileRepository
}

// NewEnqueueHandler creates a new enqueue handler.
// Parameters:
//   - tasks: task repository instance.
//   - profiles: profile repository instance (resolves known handles).
// Returns:
//   - *EnqueueHandler: initialized handler.
func NewEnqueueHandler(tasks *repository.TaskRepository, profiles *repository.ProfileRepository) *EnqueueHandler {
	return &EnqueueHandler{
		tasks:    tasks,
		profiles: profiles,
	}
}

type harvestRequest struct {
	Platform string `json:"platform" binding:"required"`
	Username string `json:"username" binding:"required"`
	Priority int    `json:"priority"`
}

// EnqueueHarvest handles POST /api/v1/profiles/harvest.
func (h *EnqueueHandler) EnqueueHarvest(c *gin.Context) {
	var req harvestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "platform and username are required",
		})
		return
	}

	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	req.Username = strings.TrimSpace(req.Username)
	if req.Priority <= 0 {
		req.Priority = service.PriorityManual
	}

	ctx := c.Request.Context()

	// A handle harvested before gets its existing profile as the subject so
	// duplicate submissions collapse onto the same queued task.
	var subjectID *string
	if profile, err := h.profiles.GetByHandle(ctx, req.Platform, req.Username); err == nil && profile != nil {
		subjectID = &profile.ID
	}

	task, err := h.tasks.CreateIfAbsent(ctx, subjectID, domain.TaskTypeHarvest,
		req.Priority, service.DefaultMaxAttempts, domain.JSONMap{
			domain.PayloadKeyPlatform: req.Platform,
			domain.PayloadKeyUsername: req.Username,
		})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue harvest: " + err.Error(),
		})
		return
	}
	if task == nil {
		c.JSON(http.StatusOK, gin.H{
			"enqueued": false,
			"reason":   "an equivalent task is already queued",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"enqueued": true,
		"task_id":  task.ID,
	})
}

type discoverRequest struct {
	Query        string `json:"query" binding:"required"`
	Platform     string `json:"platform" binding:"required"`
	MinFollowers int64  `json:"min_followers"`
}

// EnqueueDiscover handles POST /api/v1/discover.
func (h *EnqueueHandler) EnqueueDiscover(c *gin.Context) {
	var req discoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "query and platform are required",
		})
		return
	}

	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))

	task, err := h.tasks.CreateIfAbsent(c.Request.Context(), nil, domain.TaskTypeDiscover,
		service.PriorityDiscovery, service.DefaultMaxAttempts, domain.JSONMap{
			domain.PayloadKeyQuery:        req.Query,
			domain.PayloadKeyPlatform:     req.Platform,
			domain.PayloadKeyMinFollowers: req.MinFollowers,
		})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue discovery: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"enqueued": true,
		"task_id":  task.ID,
	})
}
