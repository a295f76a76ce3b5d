package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/tumblhook/app/connfile"
	"github.com/lysyi3m/tumblhook/app/database"
)

var (
	_ TaskSchedulerInterface = (*Scheduler)(nil)
	_ connfile.Handler       = (*Scheduler)(nil)
)

const maxRetryDelay = 30 * time.Second

type SchedulerConfig struct {
	Engine      SyncRunner
	Connections ConnectionStore
	ConfigCache *connfile.ConfigCache // optional
	StableIDs   StableIDSource
	Publisher   StableIDPublisher // optional
	Interval    time.Duration     // zero disables auto-sync
	WorkerCount int
}

type Scheduler struct {
	engine      SyncRunner
	connections ConnectionStore
	configCache *connfile.ConfigCache
	stableIDs   StableIDSource
	publisher   StableIDPublisher
	interval    time.Duration
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface
}

func NewScheduler(config SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	workerCount := config.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	return &Scheduler{
		engine:      config.Engine,
		connections: config.Connections,
		configCache: config.ConfigCache,
		stableIDs:   config.StableIDs,
		publisher:   config.Publisher,
		interval:    config.Interval,
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, 300),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.enqueueStartupTasks()

	if s.interval <= 0 {
		slog.Info("Auto-sync disabled")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Changed and Removed receive connection file events.
func (s *Scheduler) Changed(config *connfile.Config) {
	if err := s.EnqueueTask(NewSyncConnectionConfigTask(config, s.connections)); err != nil {
		slog.Warn("Failed to enqueue SyncConnectionConfigTask", "config", config.Name, "error", err)
	}
}

func (s *Scheduler) Removed(name string) {
	if err := s.EnqueueTask(NewRemoveConnectionConfigTask(name, s.connections)); err != nil {
		slog.Warn("Failed to enqueue RemoveConnectionConfigTask", "config", name, "error", err)
	}
}

// PublishStableIDs queues an upload to the lookup relay when one is set up.
func (s *Scheduler) PublishStableIDs() {
	if s.publisher == nil {
		return
	}
	if err := s.EnqueueTask(NewPublishStableIDsTask(s.stableIDs, s.publisher)); err != nil {
		slog.Warn("Failed to enqueue PublishStableIDsTask", "error", err)
	}
}

func (s *Scheduler) enqueueStartupTasks() {
	if s.configCache == nil {
		return
	}

	configs := s.configCache.GetConfigs()
	slog.Debug("Processing connection files", "count", len(configs))

	for _, config := range configs {
		s.Changed(config)
	}

	fromConfig := true
	managed, err := s.connections.ListConnections(database.ConnectionFilter{FromConfig: &fromConfig})
	if err != nil {
		slog.Warn("Failed to list file connections", "error", err)
		return
	}
	for _, conn := range managed {
		if !s.configCache.Has(conn.ConfigName) {
			s.Removed(conn.ConfigName)
		}
	}
}

func (s *Scheduler) enqueueTasks() {
	if err := s.EnqueueTask(NewSyncAllTask(s.engine)); err != nil {
		slog.Warn("Failed to enqueue SyncAllTask", "error", err)
		return
	}
	s.PublishStableIDs()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := s.taskContext(task)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := time.Duration(1<<uint(task.GetRetryCount()-1)) * time.Second
	if retryDelay > maxRetryDelay {
		retryDelay = maxRetryDelay
	}

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "target", task.GetTarget(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-time.After(retryDelay):
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
			return
		}

		if retryErr := s.EnqueueTask(task); retryErr != nil {
			slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
		}
	}()
}

func (s *Scheduler) taskContext(task TaskInterface) (context.Context, context.CancelFunc) {
	if timeout := task.GetTimeout(); timeout > 0 {
		return context.WithTimeout(s.ctx, timeout)
	}
	return context.WithCancel(s.ctx)
}
