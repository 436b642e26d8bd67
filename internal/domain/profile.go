package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ProfileStatus represents the reachability of a subject profile.
type ProfileStatus string

const (
	ProfileStatusActive  ProfileStatus = "active"
	ProfileStatusPrivate ProfileStatus = "private"
	// ProfileStatusGone marks subjects that are permanently unreachable
	// (deleted, banned, or forbidden). Gone profiles are never re-harvested.
	ProfileStatusGone ProfileStatus = "gone"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Profile represents a third-party social-media profile tracked by the system.
// It is the subject record that harvest and analyze tasks mutate.
type Profile struct {
	ID          string        `gorm:"type:text;primaryKey" json:"id"`
	Platform    string        `gorm:"type:text;not null;index:idx_profiles_handle,unique" json:"platform"`
	Username    string        `gorm:"type:text;not null;index:idx_profiles_handle,unique" json:"username"`
	DisplayName string        `json:"display_name,omitempty"`
	Bio         string        `json:"bio,omitempty"`
	Followers   int64         `json:"followers"`
	Following   int64         `json:"following"`
	Posts       int64         `json:"posts"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	AvatarKey   string        `gorm:"type:text" json:"avatar_key,omitempty"`
	IsPrivate   bool          `json:"is_private"`
	Status      ProfileStatus `gorm:"type:text;index:idx_profiles_status;default:active" json:"status"`
	NeedsReview bool          `gorm:"default:false" json:"needs_review"`

	// Scoring output from the analysis pipeline.
	Score             *float64    `json:"score,omitempty"`
	ScoreSummary      string      `json:"score_summary,omitempty"`
	Categories        StringArray `gorm:"type:text" json:"categories"`
	RefusalCount      int         `gorm:"default:0" json:"refusal_count"`
	LastRefusalReason string      `json:"last_refusal_reason,omitempty"`

	LastHarvestedAt *time.Time `json:"last_harvested_at,omitempty"`
	LastAnalyzedAt  *time.Time `gorm:"index:idx_profiles_analyzed" json:"last_analyzed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Profile.
func (Profile) TableName() string {
	return "profiles"
}

// Handle returns the platform-qualified username, e.g. "instagram/jdoe".
func (p *Profile) Handle() string {
	return p.Platform + "/" + p.Username
}
