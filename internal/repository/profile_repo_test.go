package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clicktronix/scout/internal/domain"
)

func seedProfile(t *testing.T, repo *ProfileRepository, username string) *domain.Profile {
	t.Helper()
	p := &domain.Profile{
		ID:        uuid.New().String(),
		Platform:  "instagram",
		Username:  username,
		Followers: 1000,
		Status:    domain.ProfileStatusActive,
	}
	require.NoError(t, repo.Upsert(context.Background(), p))
	return p
}

func TestUpsert_UpdatesOnHandleConflict(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()

	first := seedProfile(t, repo, "jdoe")

	second := &domain.Profile{
		ID:        uuid.New().String(),
		Platform:  "instagram",
		Username:  "jdoe",
		Bio:       "updated bio",
		Followers: 2000,
		Status:    domain.ProfileStatusActive,
	}
	require.NoError(t, repo.Upsert(ctx, second))

	got, err := repo.GetByHandle(ctx, "instagram", "jdoe")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "conflict must keep the original row")
	assert.Equal(t, "updated bio", got.Bio)
	assert.Equal(t, int64(2000), got.Followers)
}

func TestApplyAnalysis(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()
	p := seedProfile(t, repo, "jdoe")

	require.NoError(t, repo.ApplyAnalysis(ctx, p.ID, 72.5, "mostly fine", []string{"travel", "food"}))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 72.5, *got.Score)
	assert.Equal(t, "mostly fine", got.ScoreSummary)
	assert.Equal(t, domain.StringArray{"travel", "food"}, got.Categories)
	assert.NotNil(t, got.LastAnalyzedAt)
}

func TestRecordRefusal_ReturnsIncrementedCount(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()
	p := seedProfile(t, repo, "jdoe")

	n, err := repo.RecordRefusal(ctx, p.ID, "policy")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.RecordRefusal(ctx, p.ID, "policy again")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RefusalCount)
	assert.Equal(t, "policy again", got.LastRefusalReason)
}

func TestMarkGone(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()
	p := seedProfile(t, repo, "jdoe")

	require.NoError(t, repo.MarkGone(ctx, p.ID))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileStatusGone, got.Status)
	assert.True(t, got.NeedsReview)
}

func TestListStale(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()

	stale := seedProfile(t, repo, "old")
	fresh := seedProfile(t, repo, "new")
	never := seedProfile(t, repo, "never")

	old := time.Now().Add(-10 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	require.NoError(t, repo.db.Model(&domain.Profile{}).Where("id = ?", stale.ID).
		Update("last_analyzed_at", old).Error)
	require.NoError(t, repo.db.Model(&domain.Profile{}).Where("id = ?", fresh.ID).
		Update("last_analyzed_at", recent).Error)

	got, err := repo.ListStale(ctx, time.Now().Add(-7*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
	_ = never // never-analyzed profiles are not stale, they are still queued
}

func TestUpsert_PreservesAvatarKey(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()

	first := seedProfile(t, repo, "jdoe")
	require.NoError(t, repo.SetAvatarKey(ctx, first.ID, "avatars/"+first.ID))

	// A later harvest carries fresh platform data but no storage key; the
	// stored object must stay referenced.
	reharvest := &domain.Profile{
		ID:        uuid.New().String(),
		Platform:  "instagram",
		Username:  "jdoe",
		Bio:       "new bio",
		Followers: 3000,
		Status:    domain.ProfileStatusActive,
	}
	require.NoError(t, repo.Upsert(ctx, reharvest))

	got, err := repo.GetByHandle(ctx, "instagram", "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "avatars/"+first.ID, got.AvatarKey)
	assert.Equal(t, "new bio", got.Bio)
}

func TestClearAvatar(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t))
	ctx := context.Background()
	p := seedProfile(t, repo, "jdoe")
	require.NoError(t, repo.SetAvatarKey(ctx, p.ID, "avatars/"+p.ID))

	require.NoError(t, repo.ClearAvatar(ctx, p.ID))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AvatarKey)
}
