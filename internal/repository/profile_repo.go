package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/clicktronix/scout/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileRepository handles subject profile data operations.
type ProfileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a new ProfileRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ProfileRepository: repository instance bound to db.
func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Upsert creates or updates a profile record keyed by (platform, username).
// avatar_key is deliberately absent from the conflict assignments: it points
// at a stored object and is written only through SetAvatarKey/ClearAvatar,
// so a re-harvest cannot orphan the object by blanking the key.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - profile: profile record to create or update.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *ProfileRepository) Upsert(ctx context.Context, profile *domain.Profile) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "platform"}, {Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "bio", "followers", "following", "posts",
			"avatar_url", "is_private", "status",
			"last_harvested_at", "updated_at",
		}),
	}).Create(profile).Error
}

// GetByID retrieves a profile by its ID.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	var profile domain.Profile
	if err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetByHandle retrieves a profile by platform and username.
func (r *ProfileRepository) GetByHandle(ctx context.Context, platform, username string) (*domain.Profile, error) {
	var profile domain.Profile
	if err := r.db.WithContext(ctx).
		First(&profile, "platform = ? AND username = ?", platform, username).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// ApplyAnalysis stores the scoring output for a subject and stamps
// last_analyzed_at.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: profile ID.
//   - score: numeric score from the inference output.
//   - summary: free-text scoring rationale.
//   - categories: taxonomy labels assigned by the model.
// Returns:
//   - error: non-nil if the update fails.
func (r *ProfileRepository) ApplyAnalysis(ctx context.Context, id string, score float64, summary string, categories []string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.Profile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"score":            score,
			"score_summary":    summary,
			"categories":       domain.StringArray(categories),
			"last_analyzed_at": now,
		}).Error
}

// RecordRefusal increments the subject's refusal counter and stores the
// reason, returning the new count so the caller can decide whether this
// was the first refusal.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: profile ID.
//   - reason: refusal reason reported by the inference service.
// Returns:
//   - int: refusal count after the increment.
//   - error: non-nil if the update fails.
func (r *ProfileRepository) RecordRefusal(ctx context.Context, id string, reason string) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The increment happens server-side so concurrent refusals for the
		// same subject never observe the same pre-increment value.
		res := tx.Exec(
			`UPDATE profiles SET refusal_count = refusal_count + 1, last_refusal_reason = ? WHERE id = ?`,
			reason, id,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var profile domain.Profile
		if err := tx.Select("refusal_count").First(&profile, "id = ?", id).Error; err != nil {
			return err
		}
		count = profile.RefusalCount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record refusal: %w", err)
	}
	return count, nil
}

// MarkGone flags a subject as permanently unreachable and queues it for
// manual review. Gone profiles are excluded from re-harvesting.
func (r *ProfileRepository) MarkGone(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Profile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.ProfileStatusGone,
			"needs_review": true,
		}).Error
}

// TouchHarvested stamps last_harvested_at.
func (r *ProfileRepository) TouchHarvested(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Profile{}).
		Where("id = ?", id).
		Update("last_harvested_at", time.Now()).Error
}

// ListStale returns active profiles whose last successful analysis is older
// than the cutoff, oldest first. The maintenance loop re-enqueues these.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - cutoff: freshness threshold; profiles analyzed before this qualify.
//   - limit: maximum number of profiles to return.
// Returns:
//   - []domain.Profile: stale profiles.
//   - error: non-nil if the query fails.
func (r *ProfileRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Profile, error) {
	var profiles []domain.Profile
	if err := r.db.WithContext(ctx).
		Where("status = ? AND last_analyzed_at IS NOT NULL AND last_analyzed_at < ?",
			domain.ProfileStatusActive, cutoff).
		Order("last_analyzed_at ASC").
		Limit(limit).
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// ListGoneWithAvatars returns gone profiles past the cutoff that still hold
// a stored avatar object; maintenance deletes those artifacts.
func (r *ProfileRepository) ListGoneWithAvatars(ctx context.Context, cutoff time.Time, limit int) ([]domain.Profile, error) {
	var profiles []domain.Profile
	if err := r.db.WithContext(ctx).
		Where("status = ? AND avatar_key <> '' AND updated_at < ?",
			domain.ProfileStatusGone, cutoff).
		Limit(limit).
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// SetAvatarKey records the storage key of an uploaded avatar object.
func (r *ProfileRepository) SetAvatarKey(ctx context.Context, id, key string) error {
	return r.db.WithContext(ctx).Model(&domain.Profile{}).
		Where("id = ?", id).
		Update("avatar_key", key).Error
}

// ClearAvatar removes the stored avatar reference after its object has been
// deleted from storage.
func (r *ProfileRepository) ClearAvatar(ctx context.Context, id string) error {
	return r.SetAvatarKey(ctx, id, "")
}

// CountByStatus counts profiles by status.
func (r *ProfileRepository) CountByStatus(ctx context.Context, status domain.ProfileStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Profile{}).
		Where("status = ?", status).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
