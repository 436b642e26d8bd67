package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/scraper"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BackoffBase is the first retry delay; each subsequent retry triples it.
const BackoffBase = 5 * time.Minute

// Backoff returns the retry delay after the given number of attempts:
// base × 3^(n-1). Attempts below one clamp to the base delay.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 3
	}
	return d
}

// TaskRepository handles persisted task queue operations.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *TaskRepository: repository instance bound to db.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Claim atomically transitions a task pending -> running and increments its
// attempt counter. The transition is a single conditional UPDATE so that of
// any number of concurrent claimers exactly one wins; a read-then-write
// sequence would let two workers both observe "pending".
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID to claim.
// Returns:
//   - bool: true if this caller won the claim.
//   - error: non-nil if the update fails.
func (r *TaskRepository) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Exec(
		`UPDATE tasks SET status = ?, attempts = attempts + 1, started_at = ? WHERE id = ? AND status = ?`,
		domain.TaskStatusRunning, now, id, domain.TaskStatusPending,
	)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim task: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete transitions a running task to done and stamps its completion time.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID to complete.
// Returns:
//   - error: non-nil if the update fails.
func (r *TaskRepository) Complete(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":       domain.TaskStatusDone,
			"completed_at": now,
		}).Error
}

// Fail records a failure for a running task. When retry is requested and
// attempts remain, the task goes back to pending gated by next_retry_at =
// now + Backoff(attempts); otherwise it is terminally failed. The error
// message is credential-sanitized before it is stored.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - task: task in its claimed state (attempts already incremented by Claim).
//   - errMsg: failure description to persist.
//   - retry: whether the failure class allows rescheduling.
// Returns:
//   - error: non-nil if the update fails.
func (r *TaskRepository) Fail(ctx context.Context, task *domain.Task, errMsg string, retry bool) error {
	now := time.Now()
	msg := scraper.Sanitize(errMsg)

	if retry && task.Attempts < task.MaxAttempts {
		next := now.Add(Backoff(task.Attempts))
		return r.db.WithContext(ctx).Model(&domain.Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":        domain.TaskStatusPending,
				"next_retry_at": next,
				"error_message": msg,
				"started_at":    nil,
			}).Error
	}

	return r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ?", task.ID).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"error_message": msg,
			"completed_at":  now,
		}).Error
}

// FetchPending returns pending tasks eligible for pickup, ordered by
// priority ascending then creation time ascending.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of tasks to return.
// Returns:
//   - []domain.Task: eligible pending tasks.
//   - error: non-nil if the query fails.
func (r *TaskRepository) FetchPending(ctx context.Context, limit int) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := r.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			domain.TaskStatusPending, time.Now()).
		Order("priority ASC, created_at ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// FetchPendingByType is FetchPending restricted to one task type; the batch
// coordinator uses it to select submission candidates.
func (r *TaskRepository) FetchPendingByType(ctx context.Context, typ domain.TaskType, limit int) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := r.db.WithContext(ctx).
		Where("type = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			typ, domain.TaskStatusPending, time.Now()).
		Order("priority ASC, created_at ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateIfAbsent inserts a task unless a non-terminal task for the same
// (subject, type) already exists. The check and insert are one server-side
// statement; a SELECT-then-INSERT from the caller races under concurrent
// triggers. Tasks without a subject (discovery) skip deduplication.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - subjectID: subject the task operates on; nil for discovery tasks.
//   - typ: task type.
//   - priority: pickup priority, lower is more urgent.
//   - maxAttempts: retry budget.
//   - payload: opaque structured bag.
// Returns:
//   - *domain.Task: created task, or nil when suppressed as a duplicate.
//   - error: non-nil if the insert fails.
func (r *TaskRepository) CreateIfAbsent(ctx context.Context, subjectID *string, typ domain.TaskType, priority, maxAttempts int, payload domain.JSONMap) (*domain.Task, error) {
	if payload == nil {
		payload = domain.JSONMap{}
	}
	task := &domain.Task{
		ID:          uuid.New().String(),
		SubjectID:   subjectID,
		Type:        typ,
		Status:      domain.TaskStatusPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}

	if subjectID == nil {
		if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
			return nil, fmt.Errorf("failed to create task: %w", err)
		}
		return task, nil
	}

	payloadVal, err := payload.Value()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	res := r.db.WithContext(ctx).Exec(
		`INSERT INTO tasks (id, subject_id, type, status, priority, attempts, max_attempts, payload, created_at)
		 SELECT ?, ?, ?, ?, ?, 0, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM tasks WHERE subject_id = ? AND type = ? AND status IN (?, ?)
		 )`,
		task.ID, *subjectID, typ, domain.TaskStatusPending, priority, maxAttempts, payloadVal, task.CreatedAt,
		*subjectID, typ, domain.TaskStatusPending, domain.TaskStatusRunning,
	)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return task, nil
}

// RecoverStuck resets tasks abandoned in running state. Short-running types
// use runningTimeout; the batch-inference type uses the much longer
// longRunningTimeout since its completion callback can legitimately take a
// day. Tasks with attempts remaining go back to pending, exhausted ones are
// terminally failed. This is the safety net for workers that crashed
// mid-task and for batch polls that never completed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runningTimeout: stuck threshold for short-running task types.
//   - longRunningTimeout: stuck threshold for the analyze (batch) type.
// Returns:
//   - int: number of tasks touched.
//   - error: non-nil if the scan fails.
func (r *TaskRepository) RecoverStuck(ctx context.Context, runningTimeout, longRunningTimeout time.Duration) (int, error) {
	now := time.Now()
	shortCutoff := now.Add(-runningTimeout)
	longCutoff := now.Add(-longRunningTimeout)

	var stuck []domain.Task
	if err := r.db.WithContext(ctx).
		Where("status = ?", domain.TaskStatusRunning).
		Where("(type <> ? AND started_at < ?) OR (type = ? AND started_at < ?)",
			domain.TaskTypeAnalyze, shortCutoff, domain.TaskTypeAnalyze, longCutoff).
		Find(&stuck).Error; err != nil {
		return 0, fmt.Errorf("failed to scan for stuck tasks: %w", err)
	}

	recovered := 0
	for i := range stuck {
		task := &stuck[i]
		msg := fmt.Sprintf("recovered: stuck in running since %s", task.StartedAt.Format(time.RFC3339))
		if err := r.Fail(ctx, task, msg, true); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// SetBatchID embeds the external batch job id into a claimed task's payload.
// The task is exclusively owned by the caller at this point, so a
// read-modify-write is safe.
func (r *TaskRepository) SetBatchID(ctx context.Context, task *domain.Task, batchID string) error {
	if task.Payload == nil {
		task.Payload = domain.JSONMap{}
	}
	task.Payload[domain.PayloadKeyBatchID] = batchID
	return r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ?", task.ID).
		Update("payload", task.Payload).Error
}

// GetByID retrieves a task by its ID.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// List retrieves tasks with optional status/type filters and pagination,
// newest first. Used by the HTTP introspection surface.
func (r *TaskRepository) List(ctx context.Context, status domain.TaskStatus, typ domain.TaskType, limit, offset int) ([]domain.Task, error) {
	query := r.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if typ != "" {
		query = query.Where("type = ?", typ)
	}
	var tasks []domain.Task
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListRunningByType returns all running tasks of one type. The batch
// coordinator reconstructs in-flight batch jobs from these rows on each
// poll; batch membership is not persisted anywhere else.
func (r *TaskRepository) ListRunningByType(ctx context.Context, typ domain.TaskType) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := r.db.WithContext(ctx).
		Where("type = ? AND status = ?", typ, domain.TaskStatusRunning).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountPendingByType counts eligible pending tasks of one type.
func (r *TaskRepository) CountPendingByType(ctx context.Context, typ domain.TaskType) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("type = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			typ, domain.TaskStatusPending, time.Now()).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// OldestPendingByType returns the creation time of the oldest eligible
// pending task of one type, or nil when none exists.
func (r *TaskRepository) OldestPendingByType(ctx context.Context, typ domain.TaskType) (*time.Time, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Where("type = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			typ, domain.TaskStatusPending, time.Now()).
		Order("created_at ASC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task.CreatedAt, nil
}

// CountByStatus returns task counts grouped by status for the stats endpoint.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	type row struct {
		Status domain.TaskStatus
		N      int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&domain.Task{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[domain.TaskStatus]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Status] = rw.N
	}
	return counts, nil
}

// RetryFailed manually requeues a terminally failed task, resetting its
// attempt counter. Exposed through the operator HTTP surface.
// Returns false when the task was not in failed state.
func (r *TaskRepository) RetryFailed(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskStatusFailed).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusPending,
			"attempts":      0,
			"next_retry_at": nil,
			"started_at":    nil,
			"completed_at":  nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
