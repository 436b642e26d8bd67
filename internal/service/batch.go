package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/inference"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/prompts"
	"github.com/clicktronix/scout/internal/repository"
	"github.com/clicktronix/scout/internal/scraper"
)

// BatchSettings holds coordinator tuning.
type BatchSettings struct {
	// MinSize triggers a submit as soon as this many analyze tasks are
	// pending.
	MinSize int
	// MaxSize caps how many items one batch carries.
	MaxSize int
	// MaxWait triggers a submit for an undersized batch once the oldest
	// pending item has waited this long. The dual trigger balances batch
	// economics against per-item latency.
	MaxWait time.Duration
	// PollInterval paces the submit/poll cycle.
	PollInterval time.Duration
	// Model is the inference model requested per item.
	Model string
}

// BatchCoordinator amortizes per-item inference latency by grouping pending
// analyze tasks into one asynchronous batch job, then polling the job and
// reconciling per-item results back into the task store. Batch membership
// is reconstructed on every poll from the batch_id embedded in each task's
// payload; there is no separate batch row to drift out of sync.
type BatchCoordinator struct {
	tasks    *repository.TaskRepository
	profiles *repository.ProfileRepository
	client   *inference.Client
	cfg      BatchSettings
	log      *logger.Logger
}

// NewBatchCoordinator creates a BatchCoordinator.
func NewBatchCoordinator(
	tasks *repository.TaskRepository,
	profiles *repository.ProfileRepository,
	client *inference.Client,
	cfg BatchSettings,
	log *logger.Logger,
) *BatchCoordinator {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 10
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	return &BatchCoordinator{
		tasks:    tasks,
		profiles: profiles,
		client:   client,
		cfg:      cfg,
		log:      log.WithField(logger.FieldComponent, "batch"),
	}
}

// Run cycles submit and poll until ctx is cancelled. A cancelled poll
// leaves its tasks in running state; the maintenance loop recovers them.
func (c *BatchCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.log.WithFields(logger.Fields{
		"min_size": c.cfg.MinSize,
		"max_wait": c.cfg.MaxWait.String(),
	}).Info("Batch coordinator started")

	for {
		if err := c.SubmitDue(ctx); err != nil {
			c.log.WithError(err).Error("Batch submit cycle failed")
		}
		if err := c.PollRunning(ctx); err != nil {
			c.log.WithError(err).Error("Batch poll cycle failed")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// SubmitDue submits one batch when either the pending backlog reaches
// MinSize or the oldest pending item has waited past MaxWait.
func (c *BatchCoordinator) SubmitDue(ctx context.Context) error {
	count, err := c.tasks.CountPendingByType(ctx, domain.TaskTypeAnalyze)
	if err != nil {
		return fmt.Errorf("failed to count pending analyze tasks: %w", err)
	}
	if count == 0 {
		return nil
	}

	if count < int64(c.cfg.MinSize) {
		oldest, err := c.tasks.OldestPendingByType(ctx, domain.TaskTypeAnalyze)
		if err != nil {
			return fmt.Errorf("failed to check oldest pending task: %w", err)
		}
		if oldest == nil || time.Since(*oldest) < c.cfg.MaxWait {
			return nil
		}
		c.log.WithField(logger.FieldCount, count).
			Info("Submitting undersized batch: oldest item exceeded max wait")
	}

	candidates, err := c.tasks.FetchPendingByType(ctx, domain.TaskTypeAnalyze, c.cfg.MaxSize)
	if err != nil {
		return fmt.Errorf("failed to fetch submission candidates: %w", err)
	}

	// Claim each candidate; skip any claimed elsewhere in the meantime.
	var claimed []*domain.Task
	for i := range candidates {
		task := &candidates[i]
		ok, err := c.tasks.Claim(ctx, task.ID)
		if err != nil {
			c.log.WithField(logger.FieldTaskID, task.ID).WithError(err).Warn("Claim failed during submit")
			continue
		}
		if !ok {
			continue
		}
		task.Status = domain.TaskStatusRunning
		task.Attempts++
		claimed = append(claimed, task)
	}
	if len(claimed) == 0 {
		return nil
	}

	records, viable := c.buildRequests(ctx, claimed)
	if len(records) == 0 {
		return nil
	}

	encoded, err := inference.EncodeRequests(records)
	if err != nil {
		c.rollback(ctx, viable, fmt.Sprintf("failed to encode batch: %v", err), true)
		return err
	}

	batch, err := c.client.CreateBatch(ctx, encoded)
	if err != nil {
		// A half-submitted batch must never leave tasks stuck in running.
		retry := scraper.KindOf(err) != scraper.KindBudget
		c.rollback(ctx, viable, scraper.SanitizeError(err), retry)
		return fmt.Errorf("batch submission failed: %w", err)
	}

	for _, task := range viable {
		if err := c.tasks.SetBatchID(ctx, task, batch.ID); err != nil {
			// The long-running stuck timeout will eventually recover a task
			// that lost its batch id here.
			c.log.WithField(logger.FieldTaskID, task.ID).WithError(err).Error("Failed to record batch id")
		}
	}

	c.log.WithFields(logger.Fields{
		logger.FieldBatchID: batch.ID,
		logger.FieldCount:   len(viable),
	}).Info("Batch submitted")
	return nil
}

// buildRequests renders the per-item inference requests, keyed by task id.
// Tasks whose subject cannot be loaded are failed individually and excluded.
// The second return value lists the tasks actually included.
func (c *BatchCoordinator) buildRequests(ctx context.Context, claimed []*domain.Task) ([]inference.RequestRecord, []*domain.Task) {
	var records []inference.RequestRecord
	var viable []*domain.Task

	for _, task := range claimed {
		if task.SubjectID == nil {
			_ = c.tasks.Fail(ctx, task, "analyze task has no subject", false)
			continue
		}
		profile, err := c.profiles.GetByID(ctx, *task.SubjectID)
		if err != nil {
			_ = c.tasks.Fail(ctx, task, fmt.Sprintf("failed to load subject: %v", err), true)
			continue
		}

		degraded := task.Payload.GetBool(domain.PayloadKeyDegraded)
		bio := profile.Bio
		if degraded {
			// Degraded re-analysis withholds the bio, the usual refusal
			// trigger.
			bio = ""
		}
		user := prompts.AnalysisUserPrompt(
			profile.Platform, profile.Username, profile.DisplayName, bio,
			profile.Followers, profile.Following, profile.Posts, profile.Categories,
		)
		if degraded {
			user += prompts.DegradedSuffix
		}

		records = append(records, inference.RequestRecord{
			CustomID: task.ID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: inference.ChatRequest{
				Model: c.cfg.Model,
				Messages: []inference.ChatMessage{
					{Role: "system", Content: prompts.AnalysisSystemPrompt},
					{Role: "user", Content: user},
				},
				MaxTokens: 500,
			},
		})
		viable = append(viable, task)
	}
	return records, viable
}

// rollback returns every claimed task to the queue after a failed submit.
func (c *BatchCoordinator) rollback(ctx context.Context, claimed []*domain.Task, msg string, retry bool) {
	for _, task := range claimed {
		if err := c.tasks.Fail(ctx, task, msg, retry); err != nil {
			c.log.WithField(logger.FieldTaskID, task.ID).WithError(err).Error("Rollback failed")
		}
	}
}

// PollRunning checks every distinct batch job referenced by running analyze
// tasks and reconciles the terminal ones.
func (c *BatchCoordinator) PollRunning(ctx context.Context) error {
	running, err := c.tasks.ListRunningByType(ctx, domain.TaskTypeAnalyze)
	if err != nil {
		return fmt.Errorf("failed to list running analyze tasks: %w", err)
	}

	byBatch := make(map[string][]*domain.Task)
	for i := range running {
		task := &running[i]
		id := task.BatchID()
		if id == "" {
			// Claimed but never submitted; the stuck-task recovery owns it.
			continue
		}
		byBatch[id] = append(byBatch[id], task)
	}

	for batchID, tasks := range byBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.pollBatch(ctx, batchID, tasks); err != nil {
			c.log.WithField(logger.FieldBatchID, batchID).WithError(err).Error("Batch poll failed")
		}
	}
	return nil
}

func (c *BatchCoordinator) pollBatch(ctx context.Context, batchID string, tasks []*domain.Task) error {
	batch, err := c.client.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !batch.Status.IsTerminal() {
		return nil
	}

	bctx := logger.WithFields(ctx, logger.Fields{logger.FieldBatchID: batchID})

	switch batch.Status {
	case inference.BatchStateFailed, inference.BatchStateCancelled:
		msg := fmt.Sprintf("batch %s ended %s without results", batchID, batch.Status)
		for _, task := range tasks {
			if err := c.tasks.Fail(bctx, task, msg, true); err != nil {
				c.log.WithField(logger.FieldTaskID, task.ID).WithError(err).Error("Failed to fail batch task")
			}
		}
		return nil
	}

	// completed and expired may both carry a (possibly partial) artifact.
	results, err := c.collectResults(bctx, batch)
	if err != nil {
		return err
	}

	c.crossCheckCounts(bctx, batch, results)

	expired := batch.Status == inference.BatchStateExpired
	for _, task := range tasks {
		rec, ok := results[task.ID]
		// Each item's outcome is isolated; one bad item never aborts the rest.
		if err := c.reconcileTask(bctx, task, rec, ok, expired, batchID); err != nil {
			c.log.WithField(logger.FieldTaskID, task.ID).WithError(err).Error("Reconcile failed for item")
		}
	}
	return nil
}

// collectResults fetches and parses both the output and error artifacts,
// merged into one map keyed by the per-item identifier.
func (c *BatchCoordinator) collectResults(ctx context.Context, batch *inference.Batch) (map[string]inference.ResultRecord, error) {
	results := make(map[string]inference.ResultRecord)

	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		raw, err := c.client.FetchArtifact(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch artifact %s: %w", fileID, err)
		}
		records, skipped := inference.ParseResults(raw)
		if skipped > 0 {
			logger.CtxWarn(ctx, "Dropped %d unparseable result lines from artifact %s", skipped, fileID)
		}
		for _, rec := range records {
			results[rec.CustomID] = rec
		}
	}
	return results, nil
}

// crossCheckCounts compares the service's self-reported counters against the
// actually-parsed lines. The counters are known to be unreliable, so a
// mismatch is diagnostic only and never gates reconciliation.
func (c *BatchCoordinator) crossCheckCounts(ctx context.Context, batch *inference.Batch, results map[string]inference.ResultRecord) {
	reported := batch.RequestCounts.Completed + batch.RequestCounts.Failed
	if reported != len(results) {
		logger.CtxWarn(ctx, "Batch counter mismatch: service reports %d completed + %d failed, parsed %d result lines",
			batch.RequestCounts.Completed, batch.RequestCounts.Failed, len(results))
	}
}

// reconcileTask applies one item's outcome to its task and subject.
func (c *BatchCoordinator) reconcileTask(ctx context.Context, task *domain.Task, rec inference.ResultRecord, found, expired bool, batchID string) error {
	if !found {
		// Under expiry, items absent from the artifact would otherwise sit
		// in running until the long stuck-task timeout noticed them.
		msg := fmt.Sprintf("item missing from batch %s results", batchID)
		if expired {
			msg = fmt.Sprintf("batch %s expired before item was processed", batchID)
		}
		return c.tasks.Fail(ctx, task, msg, true)
	}

	if errMsg := rec.ErrMessage(); errMsg != "" {
		return c.tasks.Fail(ctx, task, fmt.Sprintf("inference item failed: %s", errMsg), true)
	}

	if refusal := rec.Refusal(); refusal != "" {
		return c.reconcileRefusal(ctx, task, refusal)
	}

	return c.reconcileSuccess(ctx, task, rec.Content())
}

// analysisOutput is the JSON contract the model is prompted to produce.
type analysisOutput struct {
	Score      float64  `json:"score"`
	Categories []string `json:"categories"`
	Summary    string   `json:"summary"`
}

func (c *BatchCoordinator) reconcileSuccess(ctx context.Context, task *domain.Task, content string) error {
	var out analysisOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		// Content came back but is unusable; keep a truncated sample for
		// diagnosis and retry the item.
		sample := content
		if len(sample) > 300 {
			sample = sample[:300] + "..."
		}
		logger.CtxWarn(ctx, "Unparseable inference output for task %s: %s", task.ID, sample)
		return c.tasks.Fail(ctx, task, fmt.Sprintf("unparseable inference output: %v", err), true)
	}

	if task.SubjectID != nil {
		if err := c.profiles.ApplyAnalysis(ctx, *task.SubjectID, out.Score, out.Summary, out.Categories); err != nil {
			return c.tasks.Fail(ctx, task, fmt.Sprintf("failed to apply analysis: %v", err), true)
		}
	}

	logger.WithTask(task.ID).WithField("score", out.Score).Info(ctx, "Analysis applied")
	return c.tasks.Complete(ctx, task.ID)
}

// reconcileRefusal records the refusal and, on the subject's first refusal,
// enqueues one degraded re-analysis with the bio withheld.
func (c *BatchCoordinator) reconcileRefusal(ctx context.Context, task *domain.Task, reason string) error {
	refusals := 0
	if task.SubjectID != nil {
		n, err := c.profiles.RecordRefusal(ctx, *task.SubjectID, reason)
		if err != nil {
			logger.CtxWarn(ctx, "Failed to record refusal for subject %s: %v", *task.SubjectID, err)
		} else {
			refusals = n
		}
	}

	// A refusal is a terminal outcome for this task, not a failure.
	if err := c.tasks.Complete(ctx, task.ID); err != nil {
		return err
	}

	if refusals == 1 && task.SubjectID != nil && !task.Payload.GetBool(domain.PayloadKeyDegraded) {
		created, err := c.tasks.CreateIfAbsent(ctx, task.SubjectID, domain.TaskTypeAnalyze,
			task.Priority, task.MaxAttempts, domain.JSONMap{
				domain.PayloadKeyDegraded: true,
			})
		if err != nil {
			logger.CtxWarn(ctx, "Failed to enqueue degraded re-analysis: %v", err)
		} else if created != nil {
			logger.CtxInfo(ctx, "Enqueued degraded re-analysis %s after first refusal", created.ID)
		}
	}
	return nil
}
