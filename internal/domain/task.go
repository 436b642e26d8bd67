package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// TaskStatus represents the lifecycle state of a queued task.
// A task moves pending -> running -> {done | pending (retry) | failed}.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// TaskType identifies which handler consumes a task.
type TaskType string

const (
	// TaskTypeHarvest fetches a subject's profile from the scraping backend.
	TaskTypeHarvest TaskType = "harvest"
	// TaskTypeAnalyze scores a harvested profile through the batch inference API.
	// Analyze tasks are claimed by the batch coordinator, not the dispatcher.
	TaskTypeAnalyze TaskType = "analyze"
	// TaskTypeDiscover searches for new candidate profiles.
	TaskTypeDiscover TaskType = "discover"
)

// Payload keys shared across components. The payload shape is part of the
// durable contract other processes read against, so keys never change meaning.
const (
	PayloadKeyBatchID      = "batch_id"
	PayloadKeyDegraded     = "degraded"
	PayloadKeyUsername     = "username"
	PayloadKeyPlatform     = "platform"
	PayloadKeyQuery        = "query"
	PayloadKeyMinFollowers = "min_followers"
)

// JSONMap is a custom type for storing an opaque structured bag as JSON
// in the database.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// GetString returns the string value stored under key, or "" when absent
// or not a string.
func (m JSONMap) GetString(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// GetBool returns the boolean value stored under key, or false when absent.
func (m JSONMap) GetBool(key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// GetInt returns the integer value stored under key, tolerating the
// float64 shape JSON round-trips produce.
func (m JSONMap) GetInt(key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Task represents one persisted unit of work with its own retry lifecycle.
// Tasks are never deleted; terminal rows are retained as history.
type Task struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	SubjectID    *string    `gorm:"type:text;index:idx_tasks_subject" json:"subject_id,omitempty"`
	Type         TaskType   `gorm:"type:text;not null;index:idx_tasks_type_status" json:"type"`
	Status       TaskStatus `gorm:"type:text;index:idx_tasks_type_status;default:pending" json:"status"`
	Priority     int        `gorm:"default:100" json:"priority"`
	Attempts     int        `gorm:"default:0" json:"attempts"`
	MaxAttempts  int        `gorm:"default:3" json:"max_attempts"`
	Payload      JSONMap    `gorm:"type:text" json:"payload"`
	ErrorMessage string     `json:"error_message,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusFailed
}

// BatchID returns the external batch job id embedded at submit time,
// or "" when the task has not been submitted yet.
func (t *Task) BatchID() string {
	return t.Payload.GetString(PayloadKeyBatchID)
}
