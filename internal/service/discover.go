package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/scraper"
)

// DiscoverService searches the backend for new candidate profiles and seeds
// harvest tasks for them.
type DiscoverService struct {
	tasks    *repository.TaskRepository
	profiles *repository.ProfileRepository
	backend  scraper.Backend
	log      *logger.Logger
}

// NewDiscoverService creates a DiscoverService.
func NewDiscoverService(
	tasks *repository.TaskRepository,
	profiles *repository.ProfileRepository,
	backend scraper.Backend,
	log *logger.Logger,
) *DiscoverService {
	return &DiscoverService{
		tasks:    tasks,
		profiles: profiles,
		backend:  backend,
		log:      log.WithField(logger.FieldComponent, "discover"),
	}
}

// Handle processes one claimed discover task.
func (s *DiscoverService) Handle(ctx context.Context, task *domain.Task) error {
	query := task.Payload.GetString(domain.PayloadKeyQuery)
	platform := task.Payload.GetString(domain.PayloadKeyPlatform)
	minFollowers := task.Payload.GetInt(domain.PayloadKeyMinFollowers)
	if query == "" || platform == "" {
		return s.tasks.Fail(ctx, task, "discover payload missing query/platform", false)
	}

	candidates, err := s.backend.Discover(ctx, query, minFollowers)
	if err != nil {
		msg := scraper.SanitizeError(err)
		switch scraper.KindOf(err) {
		case scraper.KindHardStop, scraper.KindBudget:
			return s.tasks.Fail(ctx, task, msg, false)
		default:
			return s.tasks.Fail(ctx, task, msg, true)
		}
	}

	seeded := 0
	for _, c := range candidates {
		if c.Username == "" {
			continue
		}
		profileID, err := s.seedProfile(ctx, platform, c)
		if err != nil {
			logger.CtxWarn(ctx, "Failed to seed candidate %s: %v", c.Username, err)
			continue
		}
		created, err := s.tasks.CreateIfAbsent(ctx, &profileID, domain.TaskTypeHarvest,
			PriorityDiscovery, DefaultMaxAttempts, domain.JSONMap{
				domain.PayloadKeyPlatform: platform,
				domain.PayloadKeyUsername: c.Username,
			})
		if err != nil {
			logger.CtxWarn(ctx, "Failed to enqueue harvest for %s: %v", c.Username, err)
			continue
		}
		if created != nil {
			seeded++
		}
	}

	logger.With(logger.Fields{
		logger.FieldCount: seeded,
	}).Info(ctx, "Discovery finished: query=%q candidates=%d", query, len(candidates))

	return s.tasks.Complete(ctx, task.ID)
}

// seedProfile records a bare candidate profile so the harvest task has a
// subject to attach to, returning the stable profile id.
func (s *DiscoverService) seedProfile(ctx context.Context, platform string, c scraper.ProfileData) (string, error) {
	now := time.Now()
	profile := &domain.Profile{
		ID:          uuid.New().String(),
		Platform:    platform,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		Followers:   c.Followers,
		AvatarURL:   c.AvatarURL,
		Status:      domain.ProfileStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return "", err
	}
	stored, err := s.profiles.GetByHandle(ctx, platform, c.Username)
	if err != nil {
		return "", fmt.Errorf("failed to re-read seeded profile: %w", err)
	}
	return stored.ID, nil
}
