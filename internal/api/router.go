package api

import (
	"github.com/gin-gonic/gin"

	"github.com/clicktronix/scout/internal/api/handler"
	"github.com/clicktronix/scout/internal/api/middleware"
	"github.com/clicktronix/scout/internal/config"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	tasks *repository.TaskRepository,
	profiles *repository.ProfileRepository,
	cfg config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	taskHandler := handler.NewTaskHandler(tasks, profiles)
	enqueueHandler := handler.NewEnqueueHandler(tasks, profiles)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Tasks
		v1.GET("/tasks", taskHandler.ListTasks)
		v1.GET("/tasks/:id", taskHandler.GetTask)
		v1.POST("/tasks/:id/retry", taskHandler.RetryTask)

		// Enqueue
		v1.POST("/profiles/harvest", enqueueHandler.EnqueueHarvest)
		v1.POST("/discover", enqueueHandler.EnqueueDiscover)

		// Stats
		v1.GET("/stats", taskHandler.GetStats)
	}

	return r
}
