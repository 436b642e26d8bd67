package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clicktronix/scout/internal/domain"
	"github.com/clicktronix/scout/internal/logger"
	"github.com/clicktronix/scout/internal/repository"
)

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) (*Dispatcher, *repository.TaskRepository) {
	t.Helper()
	db := newServiceTestDB(t)
	tasks := repository.NewTaskRepository(db)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = time.Second
	}
	return NewDispatcher(tasks, cfg, logger.NewDefault()), tasks
}

func TestDispatcher_RunsRegisteredHandler(t *testing.T) {
	d, tasks := newTestDispatcher(t, DispatcherConfig{Concurrency: 2, FetchLimit: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subject := "subject-1"
	task, err := tasks.CreateIfAbsent(ctx, &subject, domain.TaskTypeHarvest, 50, 3, nil)
	require.NoError(t, err)

	handled := make(chan string, 1)
	d.Register(domain.TaskTypeHarvest, func(ctx context.Context, task *domain.Task) error {
		handled <- task.ID
		return tasks.Complete(ctx, task.ID)
	})

	go d.Run(ctx)

	select {
	case id := <-handled:
		assert.Equal(t, task.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()

	require.Eventually(t, func() bool {
		got, err := tasks.GetByID(context.Background(), task.ID)
		return err == nil && got.Status == domain.TaskStatusDone
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatcher_SkipsUnregisteredTypes(t *testing.T) {
	d, tasks := newTestDispatcher(t, DispatcherConfig{Concurrency: 2, FetchLimit: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subject := "subject-1"
	task, err := tasks.CreateIfAbsent(ctx, &subject, domain.TaskTypeAnalyze, 60, 3, nil)
	require.NoError(t, err)

	d.Register(domain.TaskTypeHarvest, func(ctx context.Context, task *domain.Task) error {
		t.Error("harvest handler must not receive analyze tasks")
		return nil
	})

	go d.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()

	got, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status,
		"tasks with no handler stay untouched for their own coordinator")
}

func TestDispatcher_PanickingHandlerDoesNotKillLoop(t *testing.T) {
	d, tasks := newTestDispatcher(t, DispatcherConfig{Concurrency: 1, FetchLimit: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subjectA := "subject-a"
	_, err := tasks.CreateIfAbsent(ctx, &subjectA, domain.TaskTypeHarvest, 50, 3,
		domain.JSONMap{"explode": true})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := 0
	d.Register(domain.TaskTypeHarvest, func(ctx context.Context, task *domain.Task) error {
		mu.Lock()
		seen++
		mu.Unlock()
		if task.Payload.GetBool("explode") {
			panic("boom")
		}
		return tasks.Complete(ctx, task.ID)
	})

	go d.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen >= 1
	}, 2*time.Second, 20*time.Millisecond)

	// The loop survived the panic and picks up new work.
	subjectB := "subject-b"
	taskB, err := tasks.CreateIfAbsent(ctx, &subjectB, domain.TaskTypeHarvest, 50, 3, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := tasks.GetByID(context.Background(), taskB.ID)
		return err == nil && got.Status == domain.TaskStatusDone
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
}

func TestDispatcher_HandlerErrorLeavesTerminalStateToHandler(t *testing.T) {
	d, tasks := newTestDispatcher(t, DispatcherConfig{Concurrency: 1, FetchLimit: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subject := "subject-1"
	task, err := tasks.CreateIfAbsent(ctx, &subject, domain.TaskTypeHarvest, 50, 3, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	d.Register(domain.TaskTypeHarvest, func(ctx context.Context, task *domain.Task) error {
		defer close(done)
		// The handler owns the transition; the dispatcher only logs the error.
		if err := tasks.Fail(ctx, task, "deliberate", false); err != nil {
			return err
		}
		return errors.New("deliberate")
	})

	go d.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()

	require.Eventually(t, func() bool {
		got, err := tasks.GetByID(context.Background(), task.ID)
		return err == nil && got.Status == domain.TaskStatusFailed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatcher_InflightPreventsDoubleDispatch(t *testing.T) {
	d, tasks := newTestDispatcher(t, DispatcherConfig{Concurrency: 4, FetchLimit: 10, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subject := "subject-1"
	task, err := tasks.CreateIfAbsent(ctx, &subject, domain.TaskTypeHarvest, 50, 3, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	invocations := 0
	release := make(chan struct{})
	d.Register(domain.TaskTypeHarvest, func(ctx context.Context, task *domain.Task) error {
		mu.Lock()
		invocations++
		mu.Unlock()
		<-release
		return tasks.Complete(ctx, task.ID)
	})

	go d.Run(ctx)

	// Several poll cycles pass while the handler blocks; the task must not
	// be dispatched a second time.
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		got, err := tasks.GetByID(context.Background(), task.ID)
		return err == nil && got.Status == domain.TaskStatusDone
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, invocations)
	cancel()
}
