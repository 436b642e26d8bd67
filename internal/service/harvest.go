package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/scraper"
	"github.com/clicktronix/scout/internal/storage"
	"gorm.io/gorm"
)

// Task priorities. Discovery-seeded harvests run after operator-requested
// ones; analysis runs after harvesting.
const (
	PriorityManual    = 10
	PriorityHarvest   = 50
	PriorityAnalyze   = 60
	PriorityDiscovery = 80
	PriorityRefresh   = 90
)

// DefaultMaxAttempts is the retry budget for newly created tasks.
const DefaultMaxAttempts = 3

// HarvestService fetches subject profiles from the scraping backend and
// keeps the profile records current. On success it enqueues the analyze
// task that feeds the batch inference pipeline.
type HarvestService struct {
	tasks    *repository.TaskRepository
	profiles *repository.ProfileRepository
	backend  scraper.Backend
	storage  storage.ObjectStorage
	http     *resty.Client
	log      *logger.Logger
}

// NewHarvestService creates a HarvestService.
func NewHarvestService(
	tasks *repository.TaskRepository,
	profiles *repository.ProfileRepository,
	backend scraper.Backend,
	objectStorage storage.ObjectStorage,
	log *logger.Logger,
) *HarvestService {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	return &HarvestService{
		tasks:    tasks,
		profiles: profiles,
		backend:  backend,
		storage:  objectStorage,
		http:     client,
		log:      log.WithField(logger.FieldComponent, "harvest"),
	}
}

// Handle processes one claimed harvest task. It owns the task's terminal
// transition for every outcome class.
func (s *HarvestService) Handle(ctx context.Context, task *domain.Task) error {
	platform := task.Payload.GetString(domain.PayloadKeyPlatform)
	username := task.Payload.GetString(domain.PayloadKeyUsername)
	if platform == "" || username == "" {
		return s.tasks.Fail(ctx, task, "harvest payload missing platform/username", false)
	}

	data, err := s.backend.FetchProfile(ctx, platform, username)
	if err != nil {
		return s.handleFetchError(ctx, task, platform, username, err)
	}

	profile, err := s.upsertProfile(ctx, data)
	if err != nil {
		return s.tasks.Fail(ctx, task, fmt.Sprintf("failed to persist profile: %v", err), true)
	}

	// Avatar storage is best-effort; analysis works without it.
	if data.AvatarURL != "" && s.storage != nil {
		if key, err := s.storeAvatar(ctx, profile.ID, data.AvatarURL); err != nil {
			logger.CtxWarn(ctx, "Failed to store avatar for %s: %v", profile.Handle(), err)
		} else if err := s.profiles.SetAvatarKey(ctx, profile.ID, key); err != nil {
			logger.CtxWarn(ctx, "Failed to record avatar key: %v", err)
		}
	}

	if err := s.profiles.TouchHarvested(ctx, profile.ID); err != nil {
		logger.CtxWarn(ctx, "Failed to stamp harvest time: %v", err)
	}

	created, err := s.tasks.CreateIfAbsent(ctx, &profile.ID, domain.TaskTypeAnalyze,
		PriorityAnalyze, DefaultMaxAttempts, domain.JSONMap{
			domain.PayloadKeyPlatform: platform,
			domain.PayloadKeyUsername: username,
		})
	if err != nil {
		return s.tasks.Fail(ctx, task, fmt.Sprintf("failed to enqueue analysis: %v", err), true)
	}
	if created != nil {
		logger.CtxInfo(ctx, "Enqueued analysis task %s for %s", created.ID, profile.Handle())
	}

	return s.tasks.Complete(ctx, task.ID)
}

// handleFetchError translates the taxonomy into the task's terminal call.
func (s *HarvestService) handleFetchError(ctx context.Context, task *domain.Task, platform, username string, err error) error {
	msg := scraper.SanitizeError(err)

	switch {
	case errors.Is(err, scraper.ErrProfilePrivate):
		// Private is a valid terminal outcome, not a failure: record the
		// state and finish the task.
		if perr := s.markProfileStatus(ctx, platform, username, domain.ProfileStatusPrivate); perr != nil {
			logger.CtxWarn(ctx, "Failed to mark profile private: %v", perr)
		}
		return s.tasks.Complete(ctx, task.ID)

	case scraper.KindOf(err) == scraper.KindHardStop:
		// Subject permanently gone; flag for manual review and never retry.
		if perr := s.markProfileGone(ctx, platform, username); perr != nil {
			logger.CtxWarn(ctx, "Failed to mark profile gone: %v", perr)
		}
		return s.tasks.Fail(ctx, task, msg, false)

	case scraper.KindOf(err) == scraper.KindBudget:
		return s.tasks.Fail(ctx, task, msg, false)

	default:
		// Pool exhaustion, rate limits, and network failures all reschedule
		// with backoff.
		return s.tasks.Fail(ctx, task, msg, true)
	}
}

// upsertProfile persists the fetched data, preserving the existing record's
// identity when the subject is already known.
func (s *HarvestService) upsertProfile(ctx context.Context, data *scraper.ProfileData) (*domain.Profile, error) {
	now := time.Now()
	profile := &domain.Profile{
		ID:          uuid.New().String(),
		Platform:    data.Platform,
		Username:    data.Username,
		DisplayName: data.DisplayName,
		Bio:         data.Bio,
		Followers:   data.Followers,
		Following:   data.Following,
		Posts:       data.Posts,
		AvatarURL:   data.AvatarURL,
		IsPrivate:   data.IsPrivate,
		Status:      domain.ProfileStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return nil, err
	}
	// The upsert keeps the original row id on conflict; re-read to get it.
	return s.profiles.GetByHandle(ctx, data.Platform, data.Username)
}

func (s *HarvestService) markProfileStatus(ctx context.Context, platform, username string, status domain.ProfileStatus) error {
	profile, err := s.profiles.GetByHandle(ctx, platform, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	profile.Status = status
	profile.UpdatedAt = time.Now()
	return s.profiles.Upsert(ctx, profile)
}

func (s *HarvestService) markProfileGone(ctx context.Context, platform, username string) error {
	profile, err := s.profiles.GetByHandle(ctx, platform, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.profiles.MarkGone(ctx, profile.ID)
}

// storeAvatar downloads the avatar image and uploads it to object storage,
// returning the storage key.
func (s *HarvestService) storeAvatar(ctx context.Context, profileID, avatarURL string) (string, error) {
	resp, err := s.http.R().SetContext(ctx).Get(avatarURL)
	if err != nil {
		return "", fmt.Errorf("avatar download failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("avatar download returned HTTP %d", resp.StatusCode())
	}

	body := resp.Body()
	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := fmt.Sprintf("avatars/%s", profileID)
	if err := s.storage.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return "", fmt.Errorf("avatar upload failed: %w", err)
	}
	return key, nil
}
