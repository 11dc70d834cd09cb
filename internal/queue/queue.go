// Package queue implements a database-backed task queue. Tasks survive
// restarts, workers claim them with row locks, and failed tasks are retried
// on a fixed backoff until their attempt budget runs out.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maloun/qaorch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoTask is returned by Claim when nothing is ready to run.
var ErrNoTask = errors.New("queue: no pending tasks")

// EnqueueOpts holds parameters for enqueuing a task.
type EnqueueOpts struct {
	Kind        string
	ProcessID   uint
	Payload     interface{} // marshaled to JSON; may be nil
	MaxAttempts int         // defaults to 1
	RunAt       time.Time   // defaults to now
}

// Enqueue adds a pending task.
func Enqueue(db *gorm.DB, opts EnqueueOpts) (*models.Task, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("queue: kind is required")
	}
	payload := ""
	if opts.Payload != nil {
		data, err := json.Marshal(opts.Payload)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal payload: %w", err)
		}
		payload = string(data)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RunAt.IsZero() {
		opts.RunAt = time.Now()
	}

	task := models.Task{
		Kind:        opts.Kind,
		ProcessID:   opts.ProcessID,
		Payload:     payload,
		Status:      models.TaskPending,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       opts.RunAt,
	}
	if err := db.Create(&task).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", opts.Kind, err)
	}
	return &task, nil
}

// Claim atomically takes the oldest runnable pending task, marks it running,
// and increments its attempt counter. It uses SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent workers never take the same task.
//
// Note: SQLite serializes writers, so SKIP LOCKED degrades to plain locking
// there; correctness is preserved, just lower concurrency.
func Claim(db *gorm.DB) (*models.Task, error) {
	var claimed models.Task

	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("status = ? AND run_at <= ?", models.TaskPending, time.Now()).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("run_at ASC, id ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("queue: find pending task: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoTask
		}

		attempts := claimed.Attempts + 1
		err := tx.Model(&models.Task{}).Where("id = ?", claimed.ID).Updates(map[string]interface{}{
			"status":   models.TaskRunning,
			"attempts": attempts,
		}).Error
		if err != nil {
			return fmt.Errorf("queue: claim task %d: %w", claimed.ID, err)
		}
		claimed.Status = models.TaskRunning
		claimed.Attempts = attempts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// Complete marks a task done.
func Complete(db *gorm.DB, id uint) error {
	if err := db.Model(&models.Task{}).Where("id = ?", id).Update("status", models.TaskDone).Error; err != nil {
		return fmt.Errorf("queue: complete task %d: %w", id, err)
	}
	return nil
}

// Fail records a task failure. With attempts left the task is rescheduled
// after backoff; otherwise it is marked failed and exhausted is true.
func Fail(db *gorm.DB, task *models.Task, cause string, backoff time.Duration) (exhausted bool, err error) {
	if task.Attempts >= task.MaxAttempts {
		err = db.Model(&models.Task{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
			"status":     models.TaskFailed,
			"last_error": cause,
		}).Error
		if err != nil {
			return false, fmt.Errorf("queue: fail task %d: %w", task.ID, err)
		}
		return true, nil
	}

	err = db.Model(&models.Task{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
		"status":     models.TaskPending,
		"last_error": cause,
		"run_at":     time.Now().Add(backoff),
	}).Error
	if err != nil {
		return false, fmt.Errorf("queue: reschedule task %d: %w", task.ID, err)
	}
	return false, nil
}

// RequeueStale returns tasks stuck in running (a worker died mid-task) to
// pending so another worker can pick them up. Returns how many were requeued.
func RequeueStale(db *gorm.DB, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res := db.Model(&models.Task{}).
		Where("status = ? AND updated_at < ?", models.TaskRunning, cutoff).
		Updates(map[string]interface{}{"status": models.TaskPending, "run_at": time.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: requeue stale: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
