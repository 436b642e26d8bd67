package domain

import "time"

// AccountSession persists the reusable state of one pool account between
// process restarts: the auth token from the last successful login and any
// cooldown still in force. Quota counters are deliberately not persisted;
// they reset with the process since the counting hour restarts anyway.
type AccountSession struct {
	AccountName   string     `gorm:"type:text;primaryKey" json:"account_name"`
	AuthToken     string     `json:"-"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for AccountSession.
func (AccountSession) TableName() string {
	return "account_sessions"
}
