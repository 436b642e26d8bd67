package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"strings"

	"github.com/clicktronix/scout/internal/config"
	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "scout-enqueue",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	taskType := flag.String("type", "harvest", "Task type to enqueue: harvest or discover")
	platform := flag.String("platform", "", "Platform the subject lives on")
	username := flag.String("username", "", "Subject username (harvest)")
	handlesFile := flag.String("file", "", "File with one platform:username handle per line (harvest)")
	query := flag.String("query", "", "Search query (discover)")
	minFollowers := flag.Int64("min-followers", 0, "Minimum follower count (discover)")
	priority := flag.Int("priority", service.PriorityManual, "Task priority, lower runs first")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	tasks := repository.NewTaskRepository(db)
	profiles := repository.NewProfileRepository(db)

	ctx := context.Background()

	switch *taskType {
	case "harvest":
		handles := collectHandles(appLogger, *platform, *username, *handlesFile)
		if len(handles) == 0 {
			appLogger.Fatal("Provide -platform and -username, or -file")
		}
		enqueued := 0
		for _, h := range handles {
			created, err := enqueueHarvest(ctx, tasks, profiles, h[0], h[1], *priority)
			if err != nil {
				appLogger.WithError(err).WithField("username", h[1]).Error("Failed to enqueue harvest")
				continue
			}
			if created {
				enqueued++
			}
		}
		appLogger.WithFields(logger.Fields{
			"requested": len(handles),
			"enqueued":  enqueued,
		}).Info("Harvest enqueue completed")

	case "discover":
		if *query == "" || *platform == "" {
			appLogger.Fatal("Discover requires -query and -platform")
		}
		task, err := tasks.CreateIfAbsent(ctx, nil, domain.TaskTypeDiscover,
			service.PriorityDiscovery, service.DefaultMaxAttempts, domain.JSONMap{
				domain.PayloadKeyQuery:        *query,
				domain.PayloadKeyPlatform:     strings.ToLower(*platform),
				domain.PayloadKeyMinFollowers: *minFollowers,
			})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to enqueue discovery")
		}
		appLogger.WithField(logger.FieldTaskID, task.ID).Info("Discovery enqueued")

	default:
		appLogger.WithField("type", *taskType).Fatal("Unknown task type")
	}
}

// collectHandles gathers (platform, username) pairs from flags or a file.
func collectHandles(appLogger *logger.Logger, platform, username, file string) [][2]string {
	var handles [][2]string
	if platform != "" && username != "" {
		handles = append(handles, [2]string{strings.ToLower(platform), username})
	}
	if file == "" {
		return handles
	}

	f, err := os.Open(file)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open handles file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			appLogger.WithField("line", line).Warn("Skipping malformed handle")
			continue
		}
		handles = append(handles, [2]string{strings.ToLower(parts[0]), parts[1]})
	}
	if err := scanner.Err(); err != nil {
		appLogger.WithError(err).Fatal("Failed to read handles file")
	}
	return handles
}

// enqueueHarvest creates one harvest task, reusing the existing profile as
// subject when the handle is already known.
func enqueueHarvest(ctx context.Context, tasks *repository.TaskRepository, profiles *repository.ProfileRepository, platform, username string, priority int) (bool, error) {
	var subjectID *string
	if profile, err := profiles.GetByHandle(ctx, platform, username); err == nil && profile != nil {
		subjectID = &profile.ID
	}

	task, err := tasks.CreateIfAbsent(ctx, subjectID, domain.TaskTypeHarvest,
		priority, service.DefaultMaxAttempts, domain.JSONMap{
			domain.PayloadKeyPlatform: platform,
			domain.PayloadKeyUsername: username,
		})
	if err != nil {
		return false, err
	}
	return task != nil, nil
}
