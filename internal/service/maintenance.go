package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clicktronix/scout/internal/config"
	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/storage"
)

const (
	staleRefreshLimit = 200
	cleanupLimit      = 100
)

// Maintenance runs the periodic housekeeping jobs: stuck-task recovery,
// stale-batch force retry, freshness re-harvesting, and artifact cleanup.
// Each job is isolated; one failing or panicking job never takes down the
// others.
type Maintenance struct {
	tasks    *repository.TaskRepository
	profiles *repository.ProfileRepository
	storage  storage.ObjectStorage
	cfg      config.MaintenanceConfig
	cron     *cron.Cron
	log      *logger.Logger
}

// NewMaintenance creates the maintenance scheduler. Jobs are registered but
// not started until Start is called.
func NewMaintenance(
	tasks *repository.TaskRepository,
	profiles *repository.ProfileRepository,
	store storage.ObjectStorage,
	cfg config.MaintenanceConfig,
	log *logger.Logger,
) *Maintenance {
	return &Maintenance{
		tasks:    tasks,
		profiles: profiles,
		storage:  store,
		cfg:      cfg,
		cron:     cron.New(),
		log:      log.WithField(logger.FieldComponent, "maintenance"),
	}
}

// Start registers all jobs on the configured schedule and starts the cron
// scheduler in its own goroutine.
func (m *Maintenance) Start() error {
	jobs := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"recover_stuck", m.recoverStuck},
		{"retry_stale_batches", m.retryStaleBatches},
		{"refresh_stale_profiles", m.refreshStaleProfiles},
		{"cleanup_artifacts", m.cleanupArtifacts},
	}

	for _, job := range jobs {
		if _, err := m.cron.AddFunc(m.cfg.Schedule, m.wrap(job.name, job.fn)); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	m.cron.Start()
	m.log.WithField("schedule", m.cfg.Schedule).Info("Maintenance scheduler started")
	return nil
}

// Stop stops the scheduler and waits for any running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// wrap gives each job panic recovery and error logging.
func (m *Maintenance) wrap(name string, fn func(context.Context) error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.WithField("job", name).Errorf("Maintenance job panicked: %v", r)
			}
		}()

		ctx := logger.SetComponent(context.Background(), "maintenance")
		start := time.Now()
		if err := fn(ctx); err != nil {
			m.log.WithField("job", name).WithError(err).Error("Maintenance job failed")
			return
		}
		m.log.WithFields(logger.Fields{
			"job":                  name,
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
		}).Debug("Maintenance job finished")
	}
}

// recoverStuck returns tasks abandoned in running state to the queue. Tasks
// in a batch get the longer timeout since a legitimate batch turnaround can
// take a full day.
func (m *Maintenance) recoverStuck(ctx context.Context) error {
	n, err := m.tasks.RecoverStuck(ctx, m.cfg.RunningTimeout, m.cfg.LongRunningTimeout)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.WithField(logger.FieldCount, n).Warn("Recovered stuck tasks")
	}
	return nil
}

// retryStaleBatches force-retries analyze tasks whose batch has been pending
// longer than the provider's completion window plus slack. This covers
// batches the poll loop can no longer resolve, for example after the
// provider garbage-collected the job.
func (m *Maintenance) retryStaleBatches(ctx context.Context) error {
	running, err := m.tasks.ListRunningByType(ctx, domain.TaskTypeAnalyze)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-m.cfg.StaleBatchAge)
	retried := 0
	for i := range running {
		task := &running[i]
		if task.BatchID() == "" || task.StartedAt == nil || task.StartedAt.After(cutoff) {
			continue
		}
		msg := fmt.Sprintf("batch %s unresolved since %s, forcing retry",
			task.BatchID(), task.StartedAt.Format(time.RFC3339))
		if err := m.tasks.Fail(ctx, task, msg, true); err != nil {
			m.log.WithField(logger.FieldTaskID, task.ID).WithError(err).Error("Failed to retry stale batch task")
			continue
		}
		retried++
	}
	if retried > 0 {
		m.log.WithField(logger.FieldCount, retried).Warn("Force-retried tasks from stale batches")
	}
	return nil
}

// refreshStaleProfiles enqueues low-priority re-harvests for active profiles
// whose analysis has gone stale.
func (m *Maintenance) refreshStaleProfiles(ctx context.Context) error {
	cutoff := time.Now().Add(-m.cfg.Freshness)
	stale, err := m.profiles.ListStale(ctx, cutoff, staleRefreshLimit)
	if err != nil {
		return err
	}

	enqueued := 0
	for i := range stale {
		profile := &stale[i]
		created, err := m.tasks.CreateIfAbsent(ctx, &profile.ID, domain.TaskTypeHarvest,
			PriorityRefresh, DefaultMaxAttempts, domain.JSONMap{
				domain.PayloadKeyPlatform: profile.Platform,
				domain.PayloadKeyUsername: profile.Username,
			})
		if err != nil {
			m.log.WithField(logger.FieldSubject, profile.ID).WithError(err).Error("Failed to enqueue refresh")
			continue
		}
		if created != nil {
			enqueued++
		}
	}
	if enqueued > 0 {
		m.log.WithField(logger.FieldCount, enqueued).Info("Enqueued refresh harvests for stale profiles")
	}
	return nil
}

// cleanupArtifacts deletes stored avatars for profiles that have been gone
// long enough that a comeback is unlikely.
func (m *Maintenance) cleanupArtifacts(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}

	cutoff := time.Now().Add(-m.cfg.Freshness)
	gone, err := m.profiles.ListGoneWithAvatars(ctx, cutoff, cleanupLimit)
	if err != nil {
		return err
	}

	cleaned := 0
	for i := range gone {
		profile := &gone[i]
		if err := m.storage.Delete(ctx, profile.AvatarKey); err != nil {
			m.log.WithField(logger.FieldSubject, profile.ID).WithError(err).Error("Failed to delete avatar object")
			continue
		}
		if err := m.profiles.ClearAvatar(ctx, profile.ID); err != nil {
			m.log.WithField(logger.FieldSubject, profile.ID).WithError(err).Error("Failed to clear avatar key")
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		m.log.WithField(logger.FieldCount, cleaned).Info("Cleaned up avatars for gone profiles")
	}
	return nil
}
