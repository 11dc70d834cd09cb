package models

import "time"

// Task statuses.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task is one durable queue entry. Each pipeline stage runs as a Task bound
// to a Process; a stage enqueues its successor as a new Task. Delivery is
// at-least-once: handlers must tolerate re-execution.
type Task struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Kind        string `gorm:"size:32;not null;index"`
	ProcessID   uint   `gorm:"index"`
	Payload     string `gorm:"type:text"` // JSON, shape depends on Kind
	Status      string `gorm:"size:16;default:pending;index"`
	Attempts    int    `gorm:"default:0"`
	MaxAttempts int    `gorm:"default:2"`
	RunAt       time.Time `gorm:"index"`
	LastError   string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
