// Package process provides QA process lifecycle operations: admission,
// status transitions, and persistence of pipeline artifacts.
package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maloun/qaorch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no process matches a lookup.
var ErrNotFound = errors.New("process: not found")

// ValidTransitions maps each status to its valid next statuses. The special
// case "any non-terminal → failed" is handled in isValidTransition.
var ValidTransitions = map[string][]string{
	models.StatusPending:             {models.StatusGeneratingTestCases},
	models.StatusGeneratingTestCases: {models.StatusGeneratingCode},
	models.StatusGeneratingCode:      {models.StatusCreatingPR},
	models.StatusCreatingPR:          {models.StatusRunningTests},
	models.StatusRunningTests:        {models.StatusAnalyzingResults},
	models.StatusAnalyzingResults:    {models.StatusCompleted},
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == models.StatusCompleted || status == models.StatusFailed
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to string) bool {
	if to == models.StatusFailed {
		return !IsTerminal(from)
	}
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// AdmitOpts holds the ticket snapshot captured at admission time.
type AdmitOpts struct {
	TicketKey          string
	TicketURL          string
	ProjectKey         string
	TicketSummary      string
	TicketDescription  string
	AcceptanceCriteria string
}

// Admit creates a pending process for a ticket, or returns the existing one.
// The created flag is false when a process for the ticket already existed.
// Concurrent admissions of the same ticket are collapsed by the unique index
// on ticket_key: the loser of the race re-reads the winner's row.
func Admit(db *gorm.DB, opts AdmitOpts) (*models.Process, bool, error) {
	if opts.TicketKey == "" {
		return nil, false, fmt.Errorf("process: ticket key is required")
	}

	proc := models.Process{
		TicketKey:          opts.TicketKey,
		TicketURL:          opts.TicketURL,
		ProjectKey:         opts.ProjectKey,
		Status:             models.StatusPending,
		TicketSummary:      opts.TicketSummary,
		TicketDescription:  opts.TicketDescription,
		AcceptanceCriteria: opts.AcceptanceCriteria,
	}
	res := db.Where("ticket_key = ?", opts.TicketKey).
		Attrs(proc).
		FirstOrCreate(&proc)
	if res.Error != nil {
		if isDuplicateErr(res.Error) {
			existing, err := GetByTicketKey(db, opts.TicketKey)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("process: admit %s: %w", opts.TicketKey, res.Error)
	}
	return &proc, res.RowsAffected > 0, nil
}

func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

// Get returns a process by ID, with its test cases preloaded.
func Get(db *gorm.DB, id uint) (*models.Process, error) {
	var proc models.Process
	if err := db.Preload("TestCases").First(&proc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("process: get %d: %w", id, err)
	}
	return &proc, nil
}

// GetByTicketKey returns the process for a ticket.
func GetByTicketKey(db *gorm.DB, key string) (*models.Process, error) {
	var proc models.Process
	if err := db.Preload("TestCases").Where("ticket_key = ?", key).First(&proc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("process: get by ticket %s: %w", key, err)
	}
	return &proc, nil
}

// ListFilters holds optional filters for listing processes.
type ListFilters struct {
	Status     string
	ProjectKey string
	Limit      int
}

// List returns processes newest first.
func List(db *gorm.DB, filters ListFilters) ([]models.Process, error) {
	q := db.Order("created_at DESC")
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.ProjectKey != "" {
		q = q.Where("project_key = ?", filters.ProjectKey)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}
	var procs []models.Process
	if err := q.Find(&procs).Error; err != nil {
		return nil, fmt.Errorf("process: list: %w", err)
	}
	return procs, nil
}

// Transition moves a process to a new status, validating the move against the
// current row under a row lock. Entering a non-terminal status clears any
// stale error message.
func Transition(db *gorm.DB, id uint, to string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var proc models.Process
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&proc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("process: get %d for transition: %w", id, err)
		}
		if !isValidTransition(proc.Status, to) {
			return fmt.Errorf("process: invalid status transition from %q to %q; valid transitions: %v",
				proc.Status, to, ValidTransitions[proc.Status])
		}
		updates := map[string]interface{}{"status": to}
		if !IsTerminal(to) {
			updates["error_message"] = ""
		}
		if err := tx.Model(&models.Process{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("process: transition %d to %s: %w", id, to, err)
		}
		return nil
	})
}

// MarkFailed transitions a process to failed and records the cause. Marking
// an already-terminal process is a no-op, never an error: failures racing a
// completion must not disturb the final state.
func MarkFailed(db *gorm.DB, id uint, cause string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var proc models.Process
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&proc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("process: get %d for failure: %w", id, err)
		}
		if IsTerminal(proc.Status) {
			return nil
		}
		err := tx.Model(&models.Process{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"error_message": cause,
		}).Error
		if err != nil {
			return fmt.Errorf("process: mark %d failed: %w", id, err)
		}
		return nil
	})
}

// Snapshot is a refreshed copy of the ticket's text fields.
type Snapshot struct {
	Summary            string
	Description        string
	AcceptanceCriteria string
}

// RefreshSnapshot overwrites the stored ticket snapshot with fresh values.
func RefreshSnapshot(db *gorm.DB, id uint, snap Snapshot) error {
	err := db.Model(&models.Process{}).Where("id = ?", id).Updates(map[string]interface{}{
		"ticket_summary":      snap.Summary,
		"ticket_description":  snap.Description,
		"acceptance_criteria": snap.AcceptanceCriteria,
	}).Error
	if err != nil {
		return fmt.Errorf("process: refresh snapshot %d: %w", id, err)
	}
	return nil
}

// SetPullRequest records the PR created for a process and the branches
// involved.
func SetPullRequest(db *gorm.DB, id uint, prURL string, prNumber int, repoBranch, targetBranch string) error {
	err := db.Model(&models.Process{}).Where("id = ?", id).Updates(map[string]interface{}{
		"pr_url":        prURL,
		"pr_number":     prNumber,
		"repo_branch":   repoBranch,
		"target_branch": targetBranch,
	}).Error
	if err != nil {
		return fmt.Errorf("process: set pull request %d: %w", id, err)
	}
	return nil
}

// SetWorkflowRun binds a workflow run to a process at most once. It reports
// whether this call won the binding; a second run ID for the same process is
// refused so a re-delivered webhook can not rebind a run.
func SetWorkflowRun(db *gorm.DB, id uint, runID int64) (bool, error) {
	res := db.Model(&models.Process{}).
		Where("id = ? AND (workflow_run_id IS NULL OR workflow_run_id = ?)", id, runID).
		Update("workflow_run_id", runID)
	if res.Error != nil {
		return false, fmt.Errorf("process: set workflow run %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AppendArtifacts merges keys into the process artifacts JSON object.
// Existing keys not named in the update are preserved.
func AppendArtifacts(db *gorm.DB, id uint, updates map[string]interface{}) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var proc models.Process
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&proc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("process: get %d for artifacts: %w", id, err)
		}
		merged := map[string]interface{}{}
		if proc.Artifacts != "" {
			if err := json.Unmarshal([]byte(proc.Artifacts), &merged); err != nil {
				merged = map[string]interface{}{}
			}
		}
		for k, v := range updates {
			merged[k] = v
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("process: marshal artifacts %d: %w", id, err)
		}
		if err := tx.Model(&models.Process{}).Where("id = ?", id).Update("artifacts", string(data)).Error; err != nil {
			return fmt.Errorf("process: update artifacts %d: %w", id, err)
		}
		return nil
	})
}

// ReplaceTestCases swaps the process's test cases for a fresh set. Replacing
// instead of appending keeps a retried generation stage idempotent.
func ReplaceTestCases(db *gorm.DB, processID uint, cases []models.TestCase) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("process_id = ?", processID).Delete(&models.TestCase{}).Error; err != nil {
			return fmt.Errorf("process: clear test cases %d: %w", processID, err)
		}
		for i := range cases {
			cases[i].ProcessID = processID
			if cases[i].Status == "" {
				cases[i].Status = models.CaseStatusGenerated
			}
		}
		if len(cases) == 0 {
			return nil
		}
		if err := tx.Create(&cases).Error; err != nil {
			return fmt.Errorf("process: create test cases %d: %w", processID, err)
		}
		return nil
	})
}

// SetGeneratedFile records the spec file path on every test case of a process.
func SetGeneratedFile(db *gorm.DB, processID uint, path string) error {
	err := db.Model(&models.TestCase{}).Where("process_id = ?", processID).
		Update("generated_file_path", path).Error
	if err != nil {
		return fmt.Errorf("process: set generated file %d: %w", processID, err)
	}
	return nil
}

// CaseResult is the outcome applied to a single test case after analysis.
type CaseResult struct {
	Status          string // "passed" or "failed"
	ExecutionResult string
}

// ApplyCaseResults updates test case statuses from analysis output. Results
// are keyed by case title; cases the analysis names are updated individually,
// all remaining non-failed cases get the fallback status.
func ApplyCaseResults(db *gorm.DB, processID uint, results map[string]CaseResult, fallback string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var cases []models.TestCase
		if err := tx.Where("process_id = ?", processID).Find(&cases).Error; err != nil {
			return fmt.Errorf("process: load test cases %d: %w", processID, err)
		}
		for _, tc := range cases {
			update := CaseResult{Status: fallback}
			if r, ok := results[tc.Title]; ok {
				update = r
			}
			err := tx.Model(&models.TestCase{}).Where("id = ?", tc.ID).Updates(map[string]interface{}{
				"status":           update.Status,
				"execution_result": update.ExecutionResult,
			}).Error
			if err != nil {
				return fmt.Errorf("process: update test case %d: %w", tc.ID, err)
			}
		}
		return nil
	})
}

// FindByRunOrBranch locates the process a completed workflow run belongs to:
// first by the bound run ID, then by the QA branch the run executed on.
func FindByRunOrBranch(db *gorm.DB, runID int64, headBranch string) (*models.Process, error) {
	var proc models.Process
	err := db.Where("workflow_run_id = ?", runID).First(&proc).Error
	if err == nil {
		return &proc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("process: find by run %d: %w", runID, err)
	}
	if headBranch == "" {
		return nil, ErrNotFound
	}
	err = db.Where("repo_branch = ?", headBranch).First(&proc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("process: find by branch %s: %w", headBranch, err)
	}
	return &proc, nil
}

// ResetForRetry returns a failed process to pending so the pipeline can run
// it again from the start. The bound workflow run is released; the ticket
// snapshot and any PR are kept.
func ResetForRetry(db *gorm.DB, id uint) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var proc models.Process
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&proc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("process: get %d for retry: %w", id, err)
		}
		if proc.Status != models.StatusFailed {
			return fmt.Errorf("process: %d is %q, only failed processes can be retried", id, proc.Status)
		}
		err := tx.Model(&models.Process{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":          models.StatusPending,
			"error_message":   "",
			"workflow_run_id": nil,
		}).Error
		if err != nil {
			return fmt.Errorf("process: reset %d: %w", id, err)
		}
		return nil
	})
}

// ListStale returns non-terminal processes untouched for longer than maxAge.
func ListStale(db *gorm.DB, maxAge time.Duration) ([]models.Process, error) {
	cutoff := time.Now().Add(-maxAge)
	var procs []models.Process
	err := db.Where("status NOT IN ? AND updated_at < ?",
		[]string{models.StatusCompleted, models.StatusFailed}, cutoff).
		Find(&procs).Error
	if err != nil {
		return nil, fmt.Errorf("process: list stale: %w", err)
	}
	return procs, nil
}
