package repository

import (
	"context"
	"time"

	"github.com/clicktronix/scout/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository persists per-account session state so the pool can be
// rebuilt at process start with cooldowns and auth tokens intact.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// LoadAll returns all persisted sessions keyed by account name.
func (r *SessionRepository) LoadAll(ctx context.Context) (map[string]domain.AccountSession, error) {
	var sessions []domain.AccountSession
	if err := r.db.WithContext(ctx).Find(&sessions).Error; err != nil {
		return nil, err
	}
	byName := make(map[string]domain.AccountSession, len(sessions))
	for _, s := range sessions {
		byName[s.AccountName] = s
	}
	return byName, nil
}

// Save upserts one account's session state.
func (r *SessionRepository) Save(ctx context.Context, session *domain.AccountSession) error {
	session.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_name"}},
		UpdateAll: true,
	}).Create(session).Error
}
