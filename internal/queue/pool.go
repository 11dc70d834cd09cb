package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/maloun/qaorch/internal/config"
	"github.com/maloun/qaorch/internal/models"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Handler executes one task attempt. A returned error consumes an attempt.
type Handler func(ctx context.Context, task *models.Task) error

// FailureHandler runs once when a task exhausts its attempts.
type FailureHandler func(ctx context.Context, task *models.Task, cause string)

// Pool runs a fixed set of workers that poll the queue and dispatch tasks to
// registered handlers by kind.
type Pool struct {
	db        *gorm.DB
	cfg       config.QueueConfig
	handlers  map[string]Handler
	onFailure map[string]FailureHandler
}

// NewPool creates a Pool. Register handlers before calling Run.
func NewPool(db *gorm.DB, cfg config.QueueConfig) *Pool {
	return &Pool{
		db:        db,
		cfg:       cfg,
		handlers:  make(map[string]Handler),
		onFailure: make(map[string]FailureHandler),
	}
}

// Handle registers the handler for a task kind.
func (p *Pool) Handle(kind string, h Handler) {
	p.handlers[kind] = h
}

// HandleFailure registers the exhaustion callback for a task kind.
func (p *Pool) HandleFailure(kind string, h FailureHandler) {
	p.onFailure[kind] = h
}

// Enqueue adds a task using the pool's configured attempt budget.
func (p *Pool) Enqueue(kind string, processID uint, payload interface{}) (*models.Task, error) {
	return Enqueue(p.db, EnqueueOpts{
		Kind:        kind,
		ProcessID:   processID,
		Payload:     payload,
		MaxAttempts: p.cfg.MaxAttempts,
	})
}

// Run starts the workers and blocks until ctx is cancelled. Tasks already
// running are finished before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return p.worker(ctx, id)
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := Claim(p.db)
		if err == ErrNoTask {
			if !sleepWithContext(ctx, p.cfg.PollInterval()) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			log.Printf("queue: worker %d: claim: %v", id, err)
			if !sleepWithContext(ctx, p.cfg.PollInterval()) {
				return ctx.Err()
			}
			continue
		}

		p.runTask(ctx, task)
	}
}

// runTask executes one claimed task attempt under the stage timeout.
func (p *Pool) runTask(ctx context.Context, task *models.Task) {
	handler, ok := p.handlers[task.Kind]
	if !ok {
		p.failTask(ctx, task, fmt.Sprintf("no handler for task kind %q", task.Kind))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout())
	err := handler(attemptCtx, task)
	cancel()

	if err == nil {
		if cerr := Complete(p.db, task.ID); cerr != nil {
			log.Printf("queue: %v", cerr)
		}
		return
	}

	log.Printf("queue: task %d (%s) attempt %d/%d: %v",
		task.ID, task.Kind, task.Attempts, task.MaxAttempts, err)
	p.failTask(ctx, task, err.Error())
}

func (p *Pool) failTask(ctx context.Context, task *models.Task, cause string) {
	exhausted, err := Fail(p.db, task, cause, p.cfg.RetryBackoff())
	if err != nil {
		log.Printf("queue: %v", err)
		return
	}
	if exhausted {
		if h, ok := p.onFailure[task.Kind]; ok {
			h(ctx, task, cause)
		}
	}
}

// sleepWithContext sleeps for d, returning false if ctx is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
