// Package pipeline drives a QA process from ticket admission through test
// generation, pull request creation, and result analysis. Each stage runs as
// a queued task; a stage hands off to the next by enqueuing it.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/maloun/qaorch/internal/config"
	"github.com/maloun/qaorch/internal/github"
	"github.com/maloun/qaorch/internal/jira"
	"github.com/maloun/qaorch/internal/notify"
	"github.com/maloun/qaorch/internal/queue"
	"gorm.io/gorm"
)

// Task kinds, one per pipeline stage.
const (
	TaskIntake            = "intake"
	TaskGenerateTestCases = "generate_test_cases"
	TaskGenerateCode      = "generate_code"
	TaskAnalyzeResults    = "analyze_results"
)

// TicketService is the Jira surface the pipeline needs.
type TicketService interface {
	GetTicket(ctx context.Context, key string) (*jira.Ticket, error)
	AddComment(ctx context.Context, key, text string) error
	CreateIssue(ctx context.Context, projectKey, issueType, summary, description, parentKey string) (string, error)
	LinkIssues(ctx context.Context, inwardKey, outwardKey, linkType string) error
}

// Generator produces model completions for prompts.
type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Repo is the GitHub surface the pipeline needs.
type Repo interface {
	DefaultBranch() string
	GetRefSHA(ctx context.Context, branch string) (string, error)
	CreateBranch(ctx context.Context, name, fromSHA string) error
	CreateOrUpdateFile(ctx context.Context, branch, path, content, message string) error
	CreatePullRequest(ctx context.Context, title, body, head, base string) (*github.PullRequest, error)
	ListOpenPullRequests(ctx context.Context) ([]github.PullRequest, error)
	ListBranches(ctx context.Context) ([]string, error)
	TriggerDispatch(ctx context.Context, eventType string, payload interface{}) error
	GetRunDetail(ctx context.Context, runID int64) ([]github.RunJob, error)
	AddPRComment(ctx context.Context, number int, body string) error
}

// IntakePayload is carried by intake tasks; it holds the webhook's snapshot
// of the ticket. The payload, not the task row, identifies the ticket because
// no process exists yet at enqueue time.
type IntakePayload struct {
	TicketKey          string `json:"ticket_key"`
	TicketURL          string `json:"ticket_url"`
	ProjectKey         string `json:"project_key"`
	Summary            string `json:"summary"`
	Description        string `json:"description"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
}

// AnalyzePayload is carried by analyze_results tasks.
type AnalyzePayload struct {
	RunID      int64  `json:"run_id"`
	Conclusion string `json:"conclusion"`
}

// StageError wraps a stage failure with the process it belongs to.
type StageError struct {
	Stage     string
	ProcessID uint
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s for process %d: %v", e.Stage, e.ProcessID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline wires the stage handlers to their collaborators.
type Pipeline struct {
	db       *gorm.DB
	cfg      *config.Config
	tickets  TicketService
	gen      Generator
	repo     Repo
	notifier notify.Notifier
	pool     *queue.Pool

	// now is swapped out in tests for deterministic branch names.
	now func() time.Time
}

// Deps holds the collaborators for New.
type Deps struct {
	Tickets  TicketService
	Gen      Generator
	Repo     Repo
	Notifier notify.Notifier
}

// New creates a Pipeline.
func New(db *gorm.DB, cfg *config.Config, deps Deps) *Pipeline {
	return &Pipeline{
		db:       db,
		cfg:      cfg,
		tickets:  deps.Tickets,
		gen:      deps.Gen,
		repo:     deps.Repo,
		notifier: deps.Notifier,
		now:      time.Now,
	}
}

// Register binds the stage handlers and failure handlers to the pool. The
// pipeline enqueues successor stages through the same pool.
func (p *Pipeline) Register(pool *queue.Pool) {
	p.pool = pool

	pool.Handle(TaskIntake, p.handleIntake)
	pool.Handle(TaskGenerateTestCases, p.handleGenerateTestCases)
	pool.Handle(TaskGenerateCode, p.handleGenerateCode)
	pool.Handle(TaskAnalyzeResults, p.handleAnalyzeResults)

	pool.HandleFailure(TaskIntake, p.intakeFailed)
	pool.HandleFailure(TaskGenerateTestCases, p.stageFailed("Test Case Generation", "Test case generation failed"))
	pool.HandleFailure(TaskGenerateCode, p.stageFailed("Playwright Code Generation", "Playwright generation failed"))
	pool.HandleFailure(TaskAnalyzeResults, p.stageFailed("Result Analysis", "Result analysis failed"))
}
