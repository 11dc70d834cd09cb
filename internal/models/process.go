// Package models defines the GORM entities for the QA orchestrator.
package models

import "time"

// Process statuses, in pipeline order. Completed and Failed are terminal.
const (
	StatusPending             = "pending"
	StatusGeneratingTestCases = "generating_test_cases"
	StatusGeneratingCode      = "generating_code"
	StatusCreatingPR          = "creating_pr"
	StatusRunningTests        = "running_tests"
	StatusAnalyzingResults    = "analyzing_results"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
)

// Process is the unit of work tracking one Jira ticket through the QA pipeline.
// There is at most one Process per ticket key, enforced by the unique index.
type Process struct {
	ID                 uint    `gorm:"primaryKey;autoIncrement"`
	TicketKey          string  `gorm:"size:64;not null;uniqueIndex"`
	TicketURL          string  `gorm:"size:512"`
	ProjectKey         string  `gorm:"size:64"`
	Status             string  `gorm:"size:32;default:pending;index"`
	TicketSummary      string  `gorm:"type:text"`
	TicketDescription  string  `gorm:"type:text"`
	AcceptanceCriteria string  `gorm:"type:text"`
	RepoBranch         string  `gorm:"size:256;index"`
	TargetBranch       string  `gorm:"size:256"`
	PRUrl              string  `gorm:"size:512"`
	PRNumber           int
	WorkflowRunID      *int64  `gorm:"index"`
	Artifacts          string  `gorm:"type:text"` // JSON object, append-only keys
	ErrorMessage       string  `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	TestCases []TestCase `gorm:"foreignKey:ProcessID;constraint:OnDelete:CASCADE"`
}

// Test case statuses.
const (
	CaseStatusPending   = "pending"
	CaseStatusGenerated = "generated"
	CaseStatusRunning   = "running"
	CaseStatusPassed    = "passed"
	CaseStatusFailed    = "failed"
	CaseStatusSkipped   = "skipped"
)

// TestCase is one generated test scenario belonging to a Process.
type TestCase struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	ProcessID         uint   `gorm:"not null;index"`
	Title             string `gorm:"size:512;not null"`
	Description       string `gorm:"type:text"`
	Steps             string `gorm:"type:text"` // JSON array of {action, data?, expectedResult}
	ExpectedResult    string `gorm:"type:text"`
	GeneratedFilePath string `gorm:"size:512"`
	Status            string `gorm:"size:16;default:pending;index"`
	ExecutionResult   string `gorm:"type:text"` // JSON blob from result analysis
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TestStep is one step of a test case, serialized into TestCase.Steps.
type TestStep struct {
	Action         string `json:"action"`
	Data           string `json:"data,omitempty"`
	ExpectedResult string `json:"expectedResult"`
}
