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

// generatedCase mirrors the JSON shape the model is asked to return.
type generatedCase struct {
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Preconditions  string            `json:"preconditions"`
	Steps          []models.TestStep `json:"steps"`
	ExpectedResult string            `json:"expectedResult"`
	Tags           []string          `json:"tags"`
}

type generatedCases struct {
	TestCases []generatedCase `json:"testCases"`
}

// handleGenerateTestCases runs stage one: prompt the model for test cases and
// persist them. Replacing the case set makes a retried attempt idempotent.
func (p *Pipeline) handleGenerateTestCases(ctx context.Context, task *models.Task) error {
	proc, err := process.Get(p.db, task.ProcessID)
	if err != nil {
		return &StageError{Stage: "generate test cases", ProcessID: task.ProcessID, Err: err}
	}
	if proc.Status != models.StatusPending && proc.Status != models.StatusGeneratingTestCases {
		log.Printf("pipeline: process %d is %s, skipping duplicate test case generation", proc.ID, proc.Status)
		return nil
	}
	if proc.Status == models.StatusPending {
		if err := process.Transition(p.db, proc.ID, models.StatusGeneratingTestCases); err != nil {
			return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: err}
		}
	}

	prompt, err := testCasesPrompt(proc)
	if err != nil {
		return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: err}
	}
	raw, err := p.gen.Complete(ctx, prompt)
	if err != nil {
		return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: err}
	}

	payload, err := parse.Payload(raw)
	if err != nil {
		return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: err}
	}
	var parsed generatedCases
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: fmt.Errorf("decode test cases: %w", err)}
	}
	if len(parsed.TestCases) == 0 {
		return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: fmt.Errorf("model returned no test cases")}
	}

	cases := make([]models.TestCase, 0, len(parsed.TestCases))
	for _, gc := range parsed.TestCases {
		steps, err := json.Marshal(gc.Steps)
		if err != nil {
			return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: fmt.Errorf("marshal steps: %w", err)}
		}
		cases = append(cases, models.TestCase{
			Title:          gc.Title,
			Description:    gc.Description,
			Steps:          string(steps),
			ExpectedResult: gc.ExpectedResult,
			Status:         models.CaseStatusGenerated,
		})
	}
	if err := process.ReplaceTestCases(p.db, proc.ID, cases); err != nil {
		return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: err}
	}

	if _, err := p.pool.Enqueue(TaskGenerateCode, proc.ID, nil); err != nil {
		return &StageError{Stage: "generate test cases", ProcessID: proc.ID, Err: err}
	}
	return nil
}

// handleGenerateCode runs stage two: prompt the model for Playwright code,
// push it on a fresh QA branch, open the PR, and trigger the test workflow.
func (p *Pipeline) handleGenerateCode(ctx context.Context, task *models.Task) error {
	fail := func(err error) error {
		return &StageError{Stage: "generate code", ProcessID: task.ProcessID, Err: err}
	}

	proc, err := process.Get(p.db, task.ProcessID)
	if err != nil {
		return fail(err)
	}
	switch proc.Status {
	case models.StatusGeneratingTestCases, models.StatusGeneratingCode, models.StatusCreatingPR:
	default:
		log.Printf("pipeline: process %d is %s, skipping duplicate code generation", proc.ID, proc.Status)
		return nil
	}
	if proc.Status == models.StatusGeneratingTestCases {
		if err := process.Transition(p.db, proc.ID, models.StatusGeneratingCode); err != nil {
			return fail(err)
		}
	}

	promptCases := make([]codePromptCase, 0, len(proc.TestCases))
	for _, tc := range proc.TestCases {
		var steps []models.TestStep
		if tc.Steps != "" {
			if err := json.Unmarshal([]byte(tc.Steps), &steps); err != nil {
				return fail(fmt.Errorf("decode steps for case %d: %w", tc.ID, err))
			}
		}
		promptCases = append(promptCases, codePromptCase{
			Title:          tc.Title,
			Description:    tc.Description,
			ExpectedResult: tc.ExpectedResult,
			Steps:          steps,
		})
	}
	if len(promptCases) == 0 {
		return fail(fmt.Errorf("process has no test cases"))
	}

	prompt, err := codePrompt(proc, promptCases)
	if err != nil {
		return fail(err)
	}
	raw, err := p.gen.Complete(ctx, prompt)
	if err != nil {
		return fail(err)
	}
	code := parse.CodeBlock(raw)
	if code == "" {
		return fail(fmt.Errorf("model returned no code"))
	}

	specFile := p.specFileName(proc)
	err = process.AppendArtifacts(p.db, proc.ID, map[string]interface{}{
		"playwright_code": code,
		"playwright_file": specFile,
	})
	if err != nil {
		return fail(err)
	}
	if err := process.SetGeneratedFile(p.db, proc.ID, specFile); err != nil {
		return fail(err)
	}

	if proc.Status != models.StatusCreatingPR {
		if err := process.Transition(p.db, proc.ID, models.StatusCreatingPR); err != nil {
			return fail(err)
		}
	}
	if err := p.createPullRequest(ctx, proc, code, specFile); err != nil {
		return fail(err)
	}
	if err := process.Transition(p.db, proc.ID, models.StatusRunningTests); err != nil {
		return fail(err)
	}
	return nil
}

// createPullRequest pushes the generated files on a new QA branch, opens the
// PR against the resolved base, and fires the test workflow dispatch.
func (p *Pipeline) createPullRequest(ctx context.Context, proc *models.Process, code, specFile string) error {
	feature, err := p.ResolveBaseBranch(ctx, proc.TicketKey)
	if err != nil {
		return err
	}
	base := feature
	if base == "" {
		base = p.repo.DefaultBranch()
	}

	sha, err := p.repo.GetRefSHA(ctx, base)
	if err != nil {
		return err
	}
	qaBranch := p.qaBranchName(proc.TicketKey)
	if err := p.repo.CreateBranch(ctx, qaBranch, sha); err != nil {
		return err
	}

	for _, f := range parse.SplitFiles(code, specFile) {
		msg := fmt.Sprintf("test(e2e): add %s for %s", f.Name, proc.TicketKey)
		if err := p.repo.CreateOrUpdateFile(ctx, qaBranch, f.Path, f.Content, msg); err != nil {
			return err
		}
	}

	title := fmt.Sprintf("test(e2e): %s - %s", proc.TicketKey, proc.TicketSummary)
	pr, err := p.repo.CreatePullRequest(ctx, title, p.prBody(proc, base), qaBranch, base)
	if err != nil {
		return err
	}
	if err := process.SetPullRequest(p.db, proc.ID, pr.URL, pr.Number, qaBranch, base); err != nil {
		return err
	}
	proc.PRUrl = pr.URL
	proc.RepoBranch = qaBranch
	proc.TargetBranch = base

	// Best effort: a missing workflow must not fail the pipeline; the stale
	// sweep catches processes whose tests never report back.
	dispatch := map[string]interface{}{
		"qa_process_id": proc.ID,
		"branch":        qaBranch,
		"jira_key":      proc.TicketKey,
	}
	if err := p.repo.TriggerDispatch(ctx, p.cfg.GitHub.DispatchEvent, dispatch); err != nil {
		log.Printf("pipeline: trigger tests for process %d: %v", proc.ID, err)
	}

	msg := fmt.Sprintf("PR created targeting `%s` (no existing feature branch found)", base)
	if feature != "" {
		msg = fmt.Sprintf("PR created targeting existing branch `%s`", feature)
	}
	p.notifier.NotifySuccess(ctx, notify.Event{
		TicketKey: proc.TicketKey,
		TicketURL: proc.TicketURL,
		Summary:   proc.TicketSummary,
		PRUrl:     pr.URL,
		Branch:    base,
		Detail:    msg,
	})
	return nil
}

// ResolveBaseBranch finds the feature branch a ticket's work lives on: first
// an open PR whose head branch or title mentions the ticket key, then a
// branch whose name mentions it. QA branches are never candidates. Empty
// means no feature branch exists and the default branch should be used.
func (p *Pipeline) ResolveBaseBranch(ctx context.Context, ticketKey string) (string, error) {
	key := strings.ToLower(ticketKey)
	qaPrefix := p.cfg.GitHub.QABranchPrefix

	prs, err := p.repo.ListOpenPullRequests(ctx)
	if err != nil {
		return "", err
	}
	for _, pr := range prs {
		head := strings.ToLower(pr.HeadBranch)
		if strings.HasPrefix(head, qaPrefix) {
			continue
		}
		if strings.Contains(head, key) || strings.Contains(strings.ToLower(pr.Title), key) {
			return pr.HeadBranch, nil
		}
	}

	branches, err := p.repo.ListBranches(ctx)
	if err != nil {
		return "", err
	}
	for _, b := range branches {
		lower := strings.ToLower(b)
		if strings.HasPrefix(lower, qaPrefix) {
			continue
		}
		if strings.Contains(lower, key) {
			return b, nil
		}
	}
	return "", nil
}

// qaBranchName builds the branch the generated tests are pushed on. The
// timestamp keeps re-runs for the same ticket from colliding.
func (p *Pipeline) qaBranchName(ticketKey string) string {
	return fmt.Sprintf("%s%s-%s",
		p.cfg.GitHub.QABranchPrefix,
		strings.ToLower(ticketKey),
		p.now().Format("20060102-150405"))
}

// specFileName builds the deterministic spec file path for a process.
func (p *Pipeline) specFileName(proc *models.Process) string {
	return fmt.Sprintf("%s/%s-%s.spec.ts",
		p.cfg.GitHub.TestPath,
		strings.ToLower(proc.TicketKey),
		slug(proc.TicketSummary, 30))
}

// slug lowercases s, truncates it to limit bytes, and squashes everything
// that is not alphanumeric into single hyphens.
func slug(s string, limit int) string {
	if s == "" {
		s = "test"
	}
	if len(s) > limit {
		s = s[:limit]
	}
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "test"
	}
	return out
}

// prBody renders the PR description: ticket link, target branch, and a
// checklist of the generated test cases.
func (p *Pipeline) prBody(proc *models.Process, targetBranch string) string {
	var b strings.Builder
	b.WriteString("## AI-Generated E2E Tests\n\n")
	fmt.Fprintf(&b, "**Jira Ticket:** [%s](%s)\n", proc.TicketKey, proc.TicketURL)
	fmt.Fprintf(&b, "**Target Branch:** `%s`\n\n", targetBranch)
	b.WriteString("### Test Cases\n\n")
	for _, tc := range proc.TestCases {
		fmt.Fprintf(&b, "- [ ] %s\n", tc.Title)
	}
	b.WriteString("\n### Summary\n\n")
	b.WriteString(proc.TicketSummary + "\n\n")
	b.WriteString("---\n")
	b.WriteString("_This PR was automatically generated by the QA orchestrator._\n")
	return b.String()
}
