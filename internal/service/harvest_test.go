package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/scraper"
)

// stubBackend implements scraper.Backend with injectable responses so the
// handler outcome classes can be exercised without a live scraping service.
type stubBackend struct {
	fetchResult   func(platform, username string) (*scraper.ProfileData, error)
	discoverItems []scraper.ProfileData
	discoverErr   error
	fetchCalls    int
}

func (b *stubBackend) FetchProfile(ctx context.Context, platform, username string) (*scraper.ProfileData, error) {
	b.fetchCalls++
	if b.fetchResult == nil {
		return nil, errors.New("stub fetch not configured")
	}
	return b.fetchResult(platform, username)
}

func (b *stubBackend) Discover(ctx context.Context, query string, minFollowers int) ([]scraper.ProfileData, error) {
	if b.discoverErr != nil {
		return nil, b.discoverErr
	}
	return b.discoverItems, nil
}

type harvestEnv struct {
	db       *gorm.DB
	tasks    *repository.TaskRepository
	profiles *repository.ProfileRepository
	backend  *stubBackend
	harvest  *HarvestService
	discover *DiscoverService
}

func newHarvestEnv(t *testing.T) *harvestEnv {
	t.Helper()
	db := newServiceTestDB(t)
	log := logger.NewDefault()
	tasks := repository.NewTaskRepository(db)
	profiles := repository.NewProfileRepository(db)
	backend := &stubBackend{}
	return &harvestEnv{
		db:       db,
		tasks:    tasks,
		profiles: profiles,
		backend:  backend,
		harvest:  NewHarvestService(tasks, profiles, backend, nil, log),
		discover: NewDiscoverService(tasks, profiles, backend, log),
	}
}

func seedClaimedTask(t *testing.T, env *harvestEnv, typ domain.TaskType, payload domain.JSONMap) *domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := env.tasks.CreateIfAbsent(ctx, nil, typ, PriorityManual, DefaultMaxAttempts, payload)
	require.NoError(t, err)
	require.NotNil(t, task)
	ok, err := env.tasks.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	return claimed
}

func seedHarvestTask(t *testing.T, env *harvestEnv, platform, username string) *domain.Task {
	t.Helper()
	return seedClaimedTask(t, env, domain.TaskTypeHarvest, domain.JSONMap{
		domain.PayloadKeyPlatform: platform,
		domain.PayloadKeyUsername: username,
	})
}

func seedStoredProfile(t *testing.T, env *harvestEnv, platform, username string) *domain.Profile {
	t.Helper()
	now := time.Now()
	profile := &domain.Profile{
		ID:        uuid.New().String(),
		Platform:  platform,
		Username:  username,
		Status:    domain.ProfileStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.profiles.Upsert(context.Background(), profile))
	stored, err := env.profiles.GetByHandle(context.Background(), platform, username)
	require.NoError(t, err)
	return stored
}

func TestHarvest_SuccessEnqueuesAnalysis(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	env.backend.fetchResult = func(platform, username string) (*scraper.ProfileData, error) {
		return &scraper.ProfileData{
			Platform:    platform,
			Username:    username,
			DisplayName: "Alice Example",
			Bio:         "travel and photography",
			Followers:   12000,
			Following:   300,
			Posts:       88,
		}, nil
	}

	task := seedHarvestTask(t, env, "instagram", "alice")
	require.NoError(t, env.harvest.Handle(ctx, task))

	got, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, got.Status)

	profile, err := env.profiles.GetByHandle(ctx, "instagram", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Example", profile.DisplayName)
	assert.Equal(t, int64(12000), profile.Followers)
	require.NotNil(t, profile.LastHarvestedAt)
	assert.WithinDuration(t, time.Now(), *profile.LastHarvestedAt, time.Minute)

	pending, err := env.tasks.FetchPendingByType(ctx, domain.TaskTypeAnalyze, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].SubjectID)
	assert.Equal(t, profile.ID, *pending[0].SubjectID)
}

func TestHarvest_RepeatedRunReusesProfileRow(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	env.backend.fetchResult = func(platform, username string) (*scraper.ProfileData, error) {
		return &scraper.ProfileData{Platform: platform, Username: username, DisplayName: "v1", Followers: 10}, nil
	}
	task := seedHarvestTask(t, env, "instagram", "bob")
	require.NoError(t, env.harvest.Handle(ctx, task))

	first, err := env.profiles.GetByHandle(ctx, "instagram", "bob")
	require.NoError(t, err)

	env.backend.fetchResult = func(platform, username string) (*scraper.ProfileData, error) {
		return &scraper.ProfileData{Platform: platform, Username: username, DisplayName: "v2", Followers: 25}, nil
	}
	task2 := seedHarvestTask(t, env, "instagram", "bob")
	require.NoError(t, env.harvest.Handle(ctx, task2))

	second, err := env.profiles.GetByHandle(ctx, "instagram", "bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "v2", second.DisplayName)
	assert.Equal(t, int64(25), second.Followers)
}

func TestHarvest_PrivateProfileCompletesTask(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	seedStoredProfile(t, env, "instagram", "carol")
	env.backend.fetchResult = func(platform, username string) (*scraper.ProfileData, error) {
		return nil, scraper.NewError(scraper.KindHardStop, scraper.ErrProfilePrivate)
	}

	task := seedHarvestTask(t, env, "instagram", "carol")
	require.NoError(t, env.harvest.Handle(ctx, task))

	got, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, got.Status)

	profile, err := env.profiles.GetByHandle(ctx, "instagram", "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileStatusPrivate, profile.Status)
}

func TestHarvest_HardStopMarksGoneAndFailsTerminally(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	seedStoredProfile(t, env, "instagram", "dave")
	env.backend.fetchResult = func(platform, username string) (*scraper.ProfileData, error) {
		return nil, scraper.Errorf(scraper.KindHardStop, "account terminated")
	}

	task := seedHarvestTask(t, env, "instagram", "dave")
	require.NoError(t, env.harvest.Handle(ctx, task))

	got, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)

	profile, err := env.profiles.GetByHandle(ctx, "instagram", "dave")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileStatusGone, profile.Status)
	assert.True(t, profile.NeedsReview)
}

func TestHarvest_TransientErrorReschedules(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	env.backend.fetchResult = func(platform, username string) (*scraper.ProfileData, error) {
		return nil, scraper.Errorf(scraper.KindRateLimited, "throttled")
	}

	task := seedHarvestTask(t, env, "instagram", "erin")
	require.NoError(t, env.harvest.Handle(ctx, task))

	got, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()))
}

func TestHarvest_MissingPayloadFailsTerminally(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	task := seedClaimedTask(t, env, domain.TaskTypeHarvest, domain.JSONMap{})
	require.NoError(t, env.harvest.Handle(ctx, task))

	got, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.Zero(t, env.backend.fetchCalls)
}

func TestDiscover_SeedsHarvestTasks(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	env.backend.discoverItems = []scraper.ProfileData{
		{Username: "frank", DisplayName: "Frank", Followers: 5000},
		{Username: "grace", DisplayName: "Grace", Followers: 9000},
		{Username: ""}, // malformed candidate, skipped
	}

	task := seedClaimedTask(t, env, domain.TaskTypeDiscover, domain.JSONMap{
		domain.PayloadKeyPlatform:     "instagram",
		domain.PayloadKeyQuery:        "street photography",
		domain.PayloadKeyMinFollowers: 1000,
	})
	require.NoError(t, env.discover.Handle(ctx, task))

	got, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, got.Status)

	pending, err := env.tasks.FetchPendingByType(ctx, domain.TaskTypeHarvest, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	for _, username := range []string{"frank", "grace"} {
		profile, err := env.profiles.GetByHandle(ctx, "instagram", username)
		require.NoError(t, err)
		assert.Equal(t, domain.ProfileStatusActive, profile.Status)
	}
}

func TestDiscover_DoesNotReseedKnownSubjects(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	env.backend.discoverItems = []scraper.ProfileData{
		{Username: "heidi", Followers: 3000},
	}

	runDiscover := func() {
		task := seedClaimedTask(t, env, domain.TaskTypeDiscover, domain.JSONMap{
			domain.PayloadKeyPlatform: "instagram",
			domain.PayloadKeyQuery:    "cats",
		})
		require.NoError(t, env.discover.Handle(ctx, task))
	}

	runDiscover()
	runDiscover()

	pending, err := env.tasks.FetchPendingByType(ctx, domain.TaskTypeHarvest, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDiscover_BudgetErrorFailsTerminally(t *testing.T) {
	env := newHarvestEnv(t)
	ctx := context.Background()

	env.backend.discoverErr = scraper.Errorf(scraper.KindBudget, "search quota exhausted")

	task := seedClaimedTask(t, env, domain.TaskTypeDiscover, domain.JSONMap{
		domain.PayloadKeyPlatform: "instagram",
		domain.PayloadKeyQuery:    "dogs",
	})
	require.NoError(t, env.discover.Handle(ctx, task))

	got, err := env.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)
}
