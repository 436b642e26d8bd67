package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/clicktronix/scout/internal/accountpool"
	"github.com/clicktronix/scout/internal/api"
	"github.com/clicktronix/scout/internal/backend"
	"github.com/clicktronix/scout/internal/config"
	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/inference"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/scraper"
	"github.com/clicktronix/scout/internal/service"
	"github.com/clicktronix/scout/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLog := logger.NewDefault()
	logger.SetDefaultLogger(appLog)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLog.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize repositories
	taskRepo := repository.NewTaskRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	sessionRepo := repository.NewSessionRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage (supports MinIO, R2, S3); optional, harvesting
	// degrades to metadata-only when absent.
	var objectStorage storage.ObjectStorage
	if cfg.Storage.Endpoint != "" {
		objectStorage, err = storage.NewStorage(&storage.S3Config{
			Type:      storage.StorageType(cfg.Storage.Type),
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			appLog.Fatalf("Failed to initialize storage: %v", err)
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			appLog.Fatalf("Failed to ensure storage bucket: %v", err)
		}
	} else {
		appLog.Warn("No storage endpoint configured, avatar archiving disabled")
	}

	// Build the account pool, restoring persisted session state so a
	// restart does not burn fresh logins or forget cooldowns.
	pool := buildPool(ctx, cfg, sessionRepo, appLog)

	// Select scraping backend
	var scrapeBackend scraper.Backend
	switch cfg.Scraper.Backend {
	case "proxyapi":
		scrapeBackend = backend.NewProxyAPIBackend(cfg.Scraper.ProxyAPI.BaseURL, cfg.Scraper.ProxyAPI.APIKey, appLog)
	default:
		scrapeBackend = backend.NewSessionBackend(pool, cfg.Scraper.BaseURL, appLog)
	}
	appLog.WithField(logger.FieldBackend, cfg.Scraper.Backend).Info("Scraping backend initialized")

	// Initialize batch inference client
	inferenceClient := inference.NewClient(&inference.Config{
		BaseURL:          cfg.Inference.BaseURL,
		APIKey:           cfg.Inference.APIKey,
		CompletionWindow: cfg.Inference.CompletionWindow,
	})

	// Initialize services
	harvestService := service.NewHarvestService(taskRepo, profileRepo, scrapeBackend, objectStorage, appLog)
	discoverService := service.NewDiscoverService(taskRepo, profileRepo, scrapeBackend, appLog)

	coordinator := service.NewBatchCoordinator(taskRepo, profileRepo, inferenceClient, service.BatchSettings{
		MinSize:      cfg.Batch.MinSize,
		MaxSize:      cfg.Batch.MaxSize,
		MaxWait:      cfg.Batch.MaxWait,
		PollInterval: cfg.Batch.PollInterval,
		Model:        cfg.Inference.Model,
	}, appLog)

	dispatcher := service.NewDispatcher(taskRepo, service.DispatcherConfig{
		PollInterval:  cfg.Dispatcher.PollInterval,
		Concurrency:   cfg.Dispatcher.Concurrency,
		FetchLimit:    cfg.Dispatcher.FetchLimit,
		ShutdownGrace: cfg.Dispatcher.ShutdownGrace,
	}, appLog)
	dispatcher.Register(domain.TaskTypeHarvest, harvestService.Handle)
	dispatcher.Register(domain.TaskTypeDiscover, discoverService.Handle)

	maintenance := service.NewMaintenance(taskRepo, profileRepo, objectStorage, cfg.Maintenance, appLog)
	if err := maintenance.Start(); err != nil {
		appLog.Fatalf("Failed to start maintenance scheduler: %v", err)
	}

	// Run background loops
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		coordinator.Run(ctx)
	}()

	// Setup router
	router := api.SetupRouter(taskRepo, profileRepo, cfg.Server, appLog)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLog.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down...")

	// Stop the HTTP surface first, then drain the background loops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Errorf("Server forced to shutdown: %v", err)
	}

	cancel()
	wg.Wait()
	maintenance.Stop()

	appLog.Info("Server exited")
}

// buildPool assembles the account pool from configuration plus any persisted
// session state, and wires session persistence back to the database.
func buildPool(ctx context.Context, cfg *config.Config, sessions *repository.SessionRepository, appLog *logger.Logger) *accountpool.Pool {
	restored, err := sessions.LoadAll(ctx)
	if err != nil {
		appLog.Warnf("Failed to restore account sessions: %v", err)
	}

	accounts := make([]*accountpool.Account, 0, len(cfg.Pool.Accounts))
	for _, ac := range cfg.Pool.Accounts {
		acct := &accountpool.Account{
			Name:     ac.Name,
			Username: ac.Username,
			Password: ac.Password,
			Proxy:    ac.Proxy,
		}
		if sess, ok := restored[ac.Name]; ok {
			acct.AuthToken = sess.AuthToken
			if sess.CooldownUntil != nil {
				acct.CooldownUntil = *sess.CooldownUntil
			}
		}
		accounts = append(accounts, acct)
	}

	pool := accountpool.New(accounts, accountpool.Config{
		HourlyQuota: cfg.Pool.HourlyQuota,
		Cooldown:    cfg.Pool.Cooldown,
		MaxAttempts: cfg.Pool.MaxAttempts,
	}, appLog)
	pool.SetSessionSaver(sessions)

	appLog.WithField(logger.FieldCount, pool.Size()).Info("Account pool initialized")
	return pool
}
