package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/maloun/qaorch/internal/models"
	"github.com/maloun/qaorch/internal/notify"
	"github.com/maloun/qaorch/internal/parse"
	"github.com/maloun/qaorch/internal/process"
)

// Failure is one failed test in the analysis output.
type Failure struct {
	Test          string `json:"test"`
	Reason        string `json:"reason"`
	PossibleCause string `json:"possibleCause"`
	SuggestedFix  string `json:"suggestedFix"`
}

// Analysis is the structured verdict the model returns for a test run.
type Analysis struct {
	Summary         string    `json:"summary"`
	Passed          bool      `json:"passed"`
	TotalTests      int       `json:"totalTests"`
	PassedTests     int       `json:"passedTests"`
	FailedTests     int       `json:"failedTests"`
	Failures        []Failure `json:"failures"`
	Recommendations []string  `json:"recommendations"`
	Severity        string    `json:"severity"`
	CanRelease      bool      `json:"canRelease"`
}

// handleAnalyzeResults runs stage three: fetch the workflow run detail, have
// the model interpret it, push the verdict to Jira, and complete the process.
func (p *Pipeline) handleAnalyzeResults(ctx context.Context, task *models.Task) error {
	fail := func(err error) error {
		return &StageError{Stage: "analyze results", ProcessID: task.ProcessID, Err: err}
	}

	var payload AnalyzePayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fail(fmt.Errorf("decode payload: %w", err))
	}

	proc, err := process.Get(p.db, task.ProcessID)
	if err != nil {
		return fail(err)
	}
	switch proc.Status {
	case models.StatusRunningTests, models.StatusAnalyzingResults:
	default:
		log.Printf("pipeline: process %d is %s, skipping duplicate analysis", proc.ID, proc.Status)
		return nil
	}
	if proc.Status == models.StatusRunningTests {
		if err := process.Transition(p.db, proc.ID, models.StatusAnalyzingResults); err != nil {
			return fail(err)
		}
	}

	jobs, err := p.repo.GetRunDetail(ctx, payload.RunID)
	if err != nil {
		return fail(err)
	}

	prompt, err := analyzePrompt(proc, jobs)
	if err != nil {
		return fail(err)
	}
	raw, err := p.gen.Complete(ctx, prompt)
	if err != nil {
		return fail(err)
	}
	data, err := parse.Payload(raw)
	if err != nil {
		return fail(err)
	}
	var analysis Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return fail(fmt.Errorf("decode analysis: %w", err))
	}

	results := make(map[string]process.CaseResult, len(analysis.Failures))
	for _, f := range analysis.Failures {
		detail, _ := json.Marshal(f)
		results[f.Test] = process.CaseResult{
			Status:          models.CaseStatusFailed,
			ExecutionResult: string(detail),
		}
	}
	if err := process.ApplyCaseResults(p.db, proc.ID, results, models.CaseStatusPassed); err != nil {
		return fail(err)
	}

	analysisJSON, _ := json.Marshal(analysis)
	err = process.AppendArtifacts(p.db, proc.ID, map[string]interface{}{
		"conclusion": payload.Conclusion,
		"analysis":   json.RawMessage(analysisJSON),
	})
	if err != nil {
		return fail(err)
	}

	// Jira reporting is best effort: a comment failure must not undo a
	// finished analysis.
	comment := p.resultsComment(proc, analysis, payload.Conclusion)
	if err := p.tickets.AddComment(ctx, proc.TicketKey, comment); err != nil {
		log.Printf("pipeline: add results comment for %s: %v", proc.TicketKey, err)
	}
	p.fileDefects(ctx, proc, analysis)

	if err := process.Transition(p.db, proc.ID, models.StatusCompleted); err != nil {
		return fail(err)
	}

	ev := notify.Event{
		TicketKey: proc.TicketKey,
		TicketURL: proc.TicketURL,
		Summary:   proc.TicketSummary,
		PRUrl:     proc.PRUrl,
		Detail:    analysis.Summary,
	}
	if analysis.Passed {
		p.notifier.NotifySuccess(ctx, ev)
	} else {
		ev.Stage = "Test Execution"
		ev.Err = analysis.Summary
		p.notifier.NotifyFailure(ctx, ev)
	}
	return nil
}

// resultsComment renders the Jira comment for a finished run.
func (p *Pipeline) resultsComment(proc *models.Process, analysis Analysis, conclusion string) string {
	emoji := "❌"
	if conclusion == "success" {
		emoji = "✅"
	}

	passed, failed := 0, 0
	for _, tc := range proc.TestCases {
		switch {
		case resultStatus(analysis, tc.Title) == models.CaseStatusFailed:
			failed++
		default:
			passed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *QA Automation Results*\n\n", emoji)
	fmt.Fprintf(&b, "*Summary:* %s\n\n", analysis.Summary)
	if proc.PRUrl != "" {
		fmt.Fprintf(&b, "*PR:* %s\n", proc.PRUrl)
	}
	fmt.Fprintf(&b, "\n*Results:* %d passed, %d failed\n", passed, failed)
	if len(analysis.Failures) > 0 {
		b.WriteString("\n*Failures:*\n")
		for _, f := range analysis.Failures {
			fmt.Fprintf(&b, "- %s: %s\n", f.Test, f.Reason)
		}
	}
	if len(analysis.Recommendations) > 0 {
		b.WriteString("\n*Recommendations:*\n")
		for _, rec := range analysis.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	return b.String()
}

func resultStatus(analysis Analysis, title string) string {
	for _, f := range analysis.Failures {
		if f.Test == title {
			return models.CaseStatusFailed
		}
	}
	return models.CaseStatusPassed
}

// fileDefects opens one Bug per failure, linked to the ticket, when defect
// auto-creation is on. Each defect is best effort.
func (p *Pipeline) fileDefects(ctx context.Context, proc *models.Process, analysis Analysis) {
	if !p.cfg.Jira.AutoCreateDefects || len(analysis.Failures) == 0 {
		return
	}

	issueType := p.cfg.Jira.DefectIssueType
	if issueType == "" {
		issueType = "Bug"
	}
	for _, f := range analysis.Failures {
		summary := fmt.Sprintf("[Auto] %s - Test Failure", f.Test)
		description := fmt.Sprintf(
			"Automated test failure detected.\n\n*Test:* %s\n*Reason:* %s\n\nRelated to: %s",
			f.Test, f.Reason, proc.TicketKey)

		key, err := p.tickets.CreateIssue(ctx, proc.ProjectKey, issueType, summary, description, "")
		if err != nil {
			log.Printf("pipeline: create defect for %s: %v", proc.TicketKey, err)
			continue
		}
		if err := p.tickets.LinkIssues(ctx, key, proc.TicketKey, "Relates"); err != nil {
			log.Printf("pipeline: link defect %s to %s: %v", key, proc.TicketKey, err)
		}
	}
}
