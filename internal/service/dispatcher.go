package service

import (
	"context"
	"sync"
	"time"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
)

// HandlerFunc processes one claimed task. Handlers own the task's terminal
// transition: they call Complete or Fail themselves, and whatever error they
// return is only logged by the dispatcher as a last resort.
type HandlerFunc func(ctx context.Context, task *domain.Task) error

// DispatcherConfig holds polling and concurrency settings.
type DispatcherConfig struct {
	PollInterval  time.Duration
	Concurrency   int
	FetchLimit    int
	ShutdownGrace time.Duration
}

// Dispatcher polls the task store on an interval and fans claimed tasks out
// to type-specific handlers under a fixed concurrency cap. A handler panic
// or error never kills the poll loop.
type Dispatcher struct {
	tasks    *repository.TaskRepository
	handlers map[domain.TaskType]HandlerFunc
	cfg      DispatcherConfig
	log      *logger.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDispatcher creates a Dispatcher. Handlers are registered afterwards;
// task types with no handler (the batch-coordinated analyze type) are left
// untouched by the poll loop.
func NewDispatcher(tasks *repository.TaskRepository, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 20
	}
	return &Dispatcher{
		tasks:    tasks,
		handlers: make(map[domain.TaskType]HandlerFunc),
		cfg:      cfg,
		log:      log.WithField(logger.FieldComponent, "dispatcher"),
		sem:      make(chan struct{}, cfg.Concurrency),
		inflight: make(map[string]struct{}),
	}
}

// Register installs the handler for one task type.
func (d *Dispatcher) Register(typ domain.TaskType, h HandlerFunc) {
	d.handlers[typ] = h
}

// InflightCount returns the number of tasks currently being processed.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Run polls until ctx is cancelled, then drains: no new tasks are accepted,
// in-flight handlers get the configured grace period, and survivors are
// forcibly cancelled. Tasks cancelled mid-handler stay in running state for
// the maintenance loop to recover.
func (d *Dispatcher) Run(ctx context.Context) {
	// Handlers run on their own context so cancelling the poll loop does
	// not instantly kill work in progress.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.log.WithFields(logger.Fields{
		"poll_interval": d.cfg.PollInterval.String(),
		"concurrency":   d.cfg.Concurrency,
	}).Info("Dispatcher started")

	for {
		d.cycle(ctx, workCtx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			d.drain(cancelWork)
			return
		}
	}
}

// cycle runs one poll iteration.
func (d *Dispatcher) cycle(pollCtx, workCtx context.Context) {
	tasks, err := d.tasks.FetchPending(pollCtx, d.cfg.FetchLimit)
	if err != nil {
		d.log.WithError(err).Error("Failed to fetch pending tasks")
		return
	}

	for i := range tasks {
		task := tasks[i]

		handler, ok := d.handlers[task.Type]
		if !ok {
			continue
		}
		if !d.markInflight(task.ID) {
			continue
		}

		// The semaphore bounds concurrent work independent of how many
		// tasks are pending.
		select {
		case d.sem <- struct{}{}:
		case <-pollCtx.Done():
			d.clearInflight(task.ID)
			return
		}

		d.wg.Add(1)
		go d.runTask(workCtx, task, handler)
	}
}

func (d *Dispatcher) runTask(ctx context.Context, task domain.Task, handler HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField(logger.FieldTaskID, task.ID).
				Errorf("Handler panicked: %v", r)
		}
		d.clearInflight(task.ID)
		<-d.sem
		d.wg.Done()
	}()

	claimed, err := d.tasks.Claim(ctx, task.ID)
	if err != nil {
		d.log.WithField(logger.FieldTaskID, task.ID).WithError(err).Error("Claim failed")
		return
	}
	if !claimed {
		// Another worker won the race; nothing to do.
		return
	}
	task.Status = domain.TaskStatusRunning
	task.Attempts++

	taskCtx := logger.WithFields(ctx, logger.Fields{
		logger.FieldTaskID:    task.ID,
		logger.FieldComponent: string(task.Type),
	})

	start := time.Now()
	if err := handler(taskCtx, &task); err != nil {
		// Handlers call Fail/Complete themselves; this is only a log of
		// what they reported upward.
		logger.CtxError(taskCtx, "Handler returned error: %v", err)
		return
	}
	logger.WithTask(task.ID).WithDuration(time.Since(start).Milliseconds()).
		Info(taskCtx, "Task handled: type=%s", task.Type)
}

func (d *Dispatcher) markInflight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) clearInflight(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// drain waits out the shutdown grace period, then cancels survivors.
func (d *Dispatcher) drain(cancelWork context.CancelFunc) {
	d.log.Info("Dispatcher shutting down, draining in-flight tasks")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("All in-flight tasks finished")
	case <-time.After(d.cfg.ShutdownGrace):
		d.log.Warn("Shutdown grace expired, cancelling in-flight tasks")
		cancelWork()
		<-done
	}
}
