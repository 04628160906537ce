// Package workerpool runs tasks on a bounded set of goroutines with a
// priority lane.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/genforge/internal/logging"
)

var (
	ErrQueueFull = errors.New("workerpool: queue is full")
	ErrStopped   = errors.New("workerpool: stopped")
)

// Task represents a unit of work to be executed.
type Task struct {
	ID       string
	Priority bool
	Fn       func(context.Context) error
	Context  context.Context
}

// Pool manages a bounded pool of goroutines for executing tasks. Workers
// always take from the priority lane first.
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	high       chan Task
	normal     chan Task
	logger     *slog.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int // per lane
	Logger     *slog.Logger
}

// New creates a pool and starts its workers.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		high:       make(chan Task, cfg.QueueSize),
		normal:     make(chan Task, cfg.QueueSize),
		logger:     logging.OrDefault(cfg.Logger),
		stopChan:   make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		"pool", p.name, "max_workers", p.maxWorkers, "queue_size", p.queueSize)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.high:
			p.execute(id, task)
			continue
		default:
		}

		select {
		case <-p.stopChan:
			return
		case task := <-p.high:
			p.execute(id, task)
		case task := <-p.normal:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	p.activeWorkers.Add(1)
	PoolActiveWorkers.WithLabelValues(p.name).Inc()
	defer func() {
		p.activeWorkers.Add(-1)
		PoolActiveWorkers.WithLabelValues(p.name).Dec()
	}()

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)
	PoolTaskDuration.WithLabelValues(p.name).Observe(duration.Seconds())

	if err != nil {
		p.failedTasks.Add(1)
		PoolTasksTotal.WithLabelValues(p.name, "failed").Inc()
		p.logger.Error("task failed",
			"pool", p.name, "worker_id", workerID, "task_id", task.ID,
			"duration", duration, "error", err)
		return
	}
	p.completedTasks.Add(1)
	PoolTasksTotal.WithLabelValues(p.name, "completed").Inc()
	p.logger.Debug("task completed",
		"pool", p.name, "worker_id", workerID, "task_id", task.ID, "duration", duration)
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("task panic recovered", "pool", p.name, "task_id", task.ID, "panic", r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// Submit enqueues task without blocking. It returns ErrQueueFull when the
// task's lane is full and ErrStopped after Stop.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		p.reject()
		return ErrStopped
	default:
	}

	lane := p.normal
	if task.Priority {
		lane = p.high
	}
	select {
	case lane <- task:
		p.totalTasks.Add(1)
		PoolQueued.WithLabelValues(p.name).Set(float64(len(p.high) + len(p.normal)))
		return nil
	default:
		p.reject()
		return ErrQueueFull
	}
}

// SubmitWithContext blocks until the task is accepted, ctx ends or the pool
// stops.
func (p *Pool) SubmitWithContext(ctx context.Context, task Task) error {
	lane := p.normal
	if task.Priority {
		lane = p.high
	}
	select {
	case <-p.stopChan:
		p.reject()
		return ErrStopped
	case <-ctx.Done():
		p.reject()
		return ctx.Err()
	case lane <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

func (p *Pool) reject() {
	p.rejectedTasks.Add(1)
	PoolTasksTotal.WithLabelValues(p.name, "rejected").Inc()
}

// Stop signals workers to exit and waits for in-flight tasks. Tasks still
// queued are dropped. Calling Stop more than once is safe.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool", "pool", p.name)
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped", "pool", p.name, "dropped", len(p.high)+len(p.normal))
		case <-time.After(timeout):
			err = fmt.Errorf("workerpool: %s stop timeout after %v", p.name, timeout)
			p.logger.Warn("worker pool stop timeout", "pool", p.name)
		}
	})
	return err
}

// Stats returns current worker pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.high) + len(p.normal),
		QueuedPriority: len(p.high),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics.
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"maxWorkers"`
	ActiveWorkers  int    `json:"activeWorkers"`
	QueueSize      int    `json:"queueSize"`
	QueuedTasks    int    `json:"queuedTasks"`
	QueuedPriority int    `json:"queuedPriority"`
	TotalTasks     uint64 `json:"totalTasks"`
	CompletedTasks uint64 `json:"completedTasks"`
	FailedTasks    uint64 `json:"failedTasks"`
	RejectedTasks  uint64 `json:"rejectedTasks"`
}

// WorkerUtilization returns the worker utilization as a percentage.
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return float64(s.ActiveWorkers) / float64(s.MaxWorkers) * 100.0
}
