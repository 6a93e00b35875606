// Package runner schedules recurring background work on cron expressions.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one schedulable unit of background work.
type Task interface {
	Name() string
	// Schedule is a cron expression with a seconds field.
	Schedule() string
	Run(ctx context.Context) error
	Timeout() time.Duration
}

// Runner drives registered tasks on their schedules. Tasks never overlap
// themselves; a tick that fires while the previous run is still going is
// dropped.
type Runner struct {
	cron   *cron.Cron
	tasks  []Task
	logger *log.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// Option customizes a Runner.
type Option func(*Runner)

// New constructs an empty Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  log.Default(),
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Register adds a task. Call before Start.
func (r *Runner) Register(task Task) {
	r.tasks = append(r.tasks, task)
}

// Start schedules all registered tasks and begins ticking. It returns once
// the scheduler is running; Stop drains it.
func (r *Runner) Start(ctx context.Context) error {
	for _, task := range r.tasks {
		task := task
		_, err := r.cron.AddFunc(task.Schedule(), func() {
			r.execute(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("runner: schedule task %s (%q): %w", task.Name(), task.Schedule(), err)
		}
		r.logger.Printf("runner: task %s scheduled at %q", task.Name(), task.Schedule())
	}
	r.cron.Start()
	return nil
}

// Stop stops ticking and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.wg.Wait()
}

func (r *Runner) execute(ctx context.Context, task Task) {
	r.mu.Lock()
	if r.running[task.Name()] {
		r.mu.Unlock()
		r.logger.Printf("runner: task %s still running, tick dropped", task.Name())
		return
	}
	r.running[task.Name()] = true
	r.mu.Unlock()

	r.wg.Add(1)
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.running[task.Name()] = false
		r.mu.Unlock()
	}()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	started := time.Now()
	if err := task.Run(taskCtx); err != nil {
		r.logger.Printf("runner: task %s failed after %s: %v", task.Name(), time.Since(started).Round(time.Millisecond), err)
		return
	}
	r.logger.Printf("runner: task %s finished in %s", task.Name(), time.Since(started).Round(time.Millisecond))
}
