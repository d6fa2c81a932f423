package tasks

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Task is a named unit of best-effort background work. Failures are logged
// and counted, never propagated to whoever spawned the task.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes detached tasks on a bounded worker pool. It replaces blind
// unawaited calls so side-effect failures stay observable.
type Runner struct {
	taskCh  chan Task
	timeout time.Duration

	mu       sync.Mutex
	failures map[string]int

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config holds runner configuration
type Config struct {
	Workers    int
	BufferSize int
	// Timeout bounds each task's execution
	Timeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Workers:    2,
		BufferSize: 256,
		Timeout:    60 * time.Second,
	}
}

// NewRunner creates a new task runner
func NewRunner(cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	r := &Runner{
		taskCh:   make(chan Task, cfg.BufferSize),
		timeout:  cfg.Timeout,
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.started = true
	return r
}

// Spawn submits a task for detached execution. A full buffer drops the task
// with a log line instead of blocking the caller.
func (r *Runner) Spawn(name string, fn func(ctx context.Context) error) {
	select {
	case r.taskCh <- Task{Name: name, Run: fn}:
	default:
		log.Printf("task runner buffer full, dropping task %s", name)
		r.recordFailure(name)
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case task := <-r.taskCh:
			r.execute(task)
		}
	}
}

func (r *Runner) execute(task Task) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("task %s panicked: %v", task.Name, rec)
			r.recordFailure(task.Name)
		}
	}()

	if err := task.Run(ctx); err != nil {
		log.Printf("task %s failed: %v", task.Name, err)
		r.recordFailure(task.Name)
	}
}

func (r *Runner) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name]++
}

// Failures returns the failure count for a task name. Used by tests to
// observe best-effort side effects.
func (r *Runner) Failures(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[name]
}

// Stop drains nothing; it stops workers after their current task.
func (r *Runner) Stop() error {
	if !r.started {
		return fmt.Errorf("runner not started")
	}
	close(r.stopCh)
	r.wg.Wait()
	return nil
}
