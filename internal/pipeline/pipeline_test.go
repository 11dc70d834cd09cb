package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maloun/qaorch/internal/config"
	"github.com/maloun/qaorch/internal/db"
	"github.com/maloun/qaorch/internal/github"
	"github.com/maloun/qaorch/internal/jira"
	"github.com/maloun/qaorch/internal/models"
	"github.com/maloun/qaorch/internal/notify"
	"github.com/maloun/qaorch/internal/process"
	"github.com/maloun/qaorch/internal/queue"
	"gorm.io/gorm"
)

type fakeTickets struct {
	ticket   *jira.Ticket
	getErr   error
	comments []string
	issues   []string // "project/type/summary"
	links    []string // "inward->outward (type)"
}

func (f *fakeTickets) GetTicket(_ context.Context, key string) (*jira.Ticket, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.ticket != nil {
		return f.ticket, nil
	}
	return &jira.Ticket{Key: key, Summary: "Login page", Description: "Users sign in"}, nil
}

func (f *fakeTickets) AddComment(_ context.Context, key, text string) error {
	f.comments = append(f.comments, text)
	return nil
}

func (f *fakeTickets) CreateIssue(_ context.Context, projectKey, issueType, summary, _, _ string) (string, error) {
	f.issues = append(f.issues, projectKey+"/"+issueType+"/"+summary)
	return fmt.Sprintf("PROJ-%d", 100+len(f.issues)), nil
}

func (f *fakeTickets) LinkIssues(_ context.Context, inwardKey, outwardKey, linkType string) error {
	f.links = append(f.links, fmt.Sprintf("%s->%s (%s)", inwardKey, outwardKey, linkType))
	return nil
}

type fakeGen struct {
	responses []string
	prompts   []string
	err       error
}

func (f *fakeGen) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("fake: no responses left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type committedFile struct {
	Branch  string
	Path    string
	Content string
	Message string
}

type fakeRepo struct {
	defaultBranch string
	prs           []github.PullRequest
	branches      []string
	jobs          []github.RunJob

	createdBranches []string
	branchBase      map[string]string // branch name -> source SHA
	files           []committedFile
	prTitle         string
	prBody          string
	prHead          string
	prBase          string
	dispatches      []map[string]interface{}
	prComments      []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{defaultBranch: "main", branchBase: map[string]string{}}
}

func (f *fakeRepo) DefaultBranch() string { return f.defaultBranch }

func (f *fakeRepo) GetRefSHA(_ context.Context, branch string) (string, error) {
	return "sha-" + branch, nil
}

func (f *fakeRepo) CreateBranch(_ context.Context, name, fromSHA string) error {
	f.createdBranches = append(f.createdBranches, name)
	f.branchBase[name] = fromSHA
	return nil
}

func (f *fakeRepo) CreateOrUpdateFile(_ context.Context, branch, path, content, message string) error {
	f.files = append(f.files, committedFile{Branch: branch, Path: path, Content: content, Message: message})
	return nil
}

func (f *fakeRepo) CreatePullRequest(_ context.Context, title, body, head, base string) (*github.PullRequest, error) {
	f.prTitle, f.prBody, f.prHead, f.prBase = title, body, head, base
	return &github.PullRequest{Number: 42, Title: title, HeadBranch: head, URL: "https://github.com/acme/webapp/pull/42"}, nil
}

func (f *fakeRepo) ListOpenPullRequests(_ context.Context) ([]github.PullRequest, error) {
	return f.prs, nil
}

func (f *fakeRepo) ListBranches(_ context.Context) ([]string, error) {
	return f.branches, nil
}

func (f *fakeRepo) TriggerDispatch(_ context.Context, eventType string, payload interface{}) error {
	m, _ := payload.(map[string]interface{})
	f.dispatches = append(f.dispatches, m)
	return nil
}

func (f *fakeRepo) GetRunDetail(_ context.Context, _ int64) ([]github.RunJob, error) {
	return f.jobs, nil
}

func (f *fakeRepo) AddPRComment(_ context.Context, _ int, body string) error {
	f.prComments = append(f.prComments, body)
	return nil
}

type fakeNotifier struct {
	successes []notify.Event
	failures  []notify.Event
}

func (f *fakeNotifier) NotifySuccess(_ context.Context, ev notify.Event) error {
	f.successes = append(f.successes, ev)
	return nil
}

func (f *fakeNotifier) NotifyFailure(_ context.Context, ev notify.Event) error {
	f.failures = append(f.failures, ev)
	return nil
}

type fixture struct {
	db       *gorm.DB
	pipeline *Pipeline
	pool     *queue.Pool
	tickets  *fakeTickets
	gen      *fakeGen
	repo     *fakeRepo
	notifier *fakeNotifier
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Jira.BaseURL = "https://acme.atlassian.net"
	cfg.Jira.QAStatus = "Ready for QA"
	cfg.GitHub.Owner = "acme"
	cfg.GitHub.Repo = "webapp"
	cfg.GitHub.DefaultBranch = "main"
	cfg.GitHub.TestPath = "e2e/generated"
	cfg.GitHub.QABranchPrefix = "qa/"
	cfg.GitHub.DispatchEvent = "qa-e2e-tests"
	cfg.Queue.Workers = 1
	cfg.Queue.PollIntervalSeconds = 1
	cfg.Queue.MaxAttempts = 2
	cfg.Queue.StageTimeoutSeconds = 30
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Connect(config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := testConfig()
	f := &fixture{
		db:       gdb,
		tickets:  &fakeTickets{},
		gen:      &fakeGen{},
		repo:     newFakeRepo(),
		notifier: &fakeNotifier{},
	}
	f.pipeline = New(gdb, cfg, Deps{Tickets: f.tickets, Gen: f.gen, Repo: f.repo, Notifier: f.notifier})
	f.pipeline.now = func() time.Time {
		return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	}
	f.pool = queue.NewPool(gdb, cfg.Queue)
	f.pipeline.Register(f.pool)
	return f
}

func (f *fixture) admit(t *testing.T, key string) *models.Process {
	t.Helper()
	proc, _, err := process.Admit(f.db, process.AdmitOpts{
		TicketKey:     key,
		TicketURL:     "https://acme.atlassian.net/browse/" + key,
		ProjectKey:    "PROJ",
		TicketSummary: "Login page",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return proc
}

func (f *fixture) taskFor(kind string, processID uint, payload interface{}) *models.Task {
	data := ""
	if payload != nil {
		b, _ := json.Marshal(payload)
		data = string(b)
	}
	return &models.Task{Kind: kind, ProcessID: processID, Payload: data, Attempts: 1, MaxAttempts: 2}
}

func (f *fixture) pendingTasks(t *testing.T, kind string) []models.Task {
	t.Helper()
	var tasks []models.Task
	if err := f.db.Where("kind = ? AND status = ?", kind, models.TaskPending).Find(&tasks).Error; err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

const testCasesJSON = "```json\n" + `{
  "testCases": [
    {
      "title": "successful login",
      "description": "valid credentials reach the dashboard",
      "steps": [
        {"action": "open /login", "expectedResult": "form shown"},
        {"action": "submit credentials", "data": "user@acme.test", "expectedResult": "dashboard shown"}
      ],
      "expectedResult": "user is signed in"
    },
    {
      "title": "wrong password rejected",
      "description": "invalid credentials show an error",
      "steps": [{"action": "submit bad password", "expectedResult": "error shown"}],
      "expectedResult": "user stays on login"
    }
  ]
}` + "\n```"

func TestIntakeCreatesProcessAndChains(t *testing.T) {
	f := newFixture(t)
	f.tickets.ticket = &jira.Ticket{
		Key: "PROJ-1", Summary: "Login page (fresh)", Description: "fresh description",
		AcceptanceCriteria: "user can sign in",
	}

	task := f.taskFor(TaskIntake, 0, IntakePayload{
		TicketKey: "PROJ-1", TicketURL: "https://acme.atlassian.net/browse/PROJ-1",
		ProjectKey: "PROJ", Summary: "Login page (webhook)",
	})
	if err := f.pipeline.handleIntake(context.Background(), task); err != nil {
		t.Fatalf("handleIntake(): %v", err)
	}

	proc, err := process.GetByTicketKey(f.db, "PROJ-1")
	if err != nil {
		t.Fatalf("process not admitted: %v", err)
	}
	if proc.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", proc.Status)
	}
	// Snapshot refreshed from Jira, not the webhook payload.
	if proc.TicketSummary != "Login page (fresh)" {
		t.Errorf("summary = %q, want refreshed value", proc.TicketSummary)
	}
	if proc.AcceptanceCriteria != "user can sign in" {
		t.Errorf("acceptance criteria = %q", proc.AcceptanceCriteria)
	}

	tasks := f.pendingTasks(t, TaskGenerateTestCases)
	if len(tasks) != 1 || tasks[0].ProcessID != proc.ID {
		t.Fatalf("stage 1 tasks = %+v, want one for process %d", tasks, proc.ID)
	}
}

func TestIntakeSkipsInProgressProcess(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	if err := process.Transition(f.db, proc.ID, models.StatusGeneratingTestCases); err != nil {
		t.Fatalf("transition: %v", err)
	}

	task := f.taskFor(TaskIntake, 0, IntakePayload{TicketKey: "PROJ-1"})
	if err := f.pipeline.handleIntake(context.Background(), task); err != nil {
		t.Fatalf("handleIntake(): %v", err)
	}

	if tasks := f.pendingTasks(t, TaskGenerateTestCases); len(tasks) != 0 {
		t.Errorf("re-delivery enqueued %d stage 1 tasks, want 0", len(tasks))
	}
	var count int64
	f.db.Model(&models.Process{}).Count(&count)
	if count != 1 {
		t.Errorf("process count = %d, want 1", count)
	}
}

func TestGenerateTestCasesPersistsAndChains(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	f.gen.responses = []string{testCasesJSON}

	task := f.taskFor(TaskGenerateTestCases, proc.ID, nil)
	if err := f.pipeline.handleGenerateTestCases(context.Background(), task); err != nil {
		t.Fatalf("handleGenerateTestCases(): %v", err)
	}

	got, _ := process.Get(f.db, proc.ID)
	if got.Status != models.StatusGeneratingTestCases {
		t.Errorf("status = %q, want generating_test_cases", got.Status)
	}
	if len(got.TestCases) != 2 {
		t.Fatalf("cases = %d, want 2", len(got.TestCases))
	}
	tc := got.TestCases[0]
	if tc.Title != "successful login" {
		t.Errorf("title = %q", tc.Title)
	}
	if tc.Status != models.CaseStatusGenerated {
		t.Errorf("case status = %q, want generated", tc.Status)
	}
	var steps []models.TestStep
	if err := json.Unmarshal([]byte(tc.Steps), &steps); err != nil {
		t.Fatalf("steps json: %v", err)
	}
	if len(steps) != 2 || steps[1].Data != "user@acme.test" {
		t.Errorf("steps = %+v", steps)
	}

	if !strings.Contains(f.gen.prompts[0], "**Summary:** Login page") {
		t.Errorf("prompt missing ticket summary:\n%s", f.gen.prompts[0])
	}

	if tasks := f.pendingTasks(t, TaskGenerateCode); len(tasks) != 1 {
		t.Fatalf("stage 2 tasks = %d, want 1", len(tasks))
	}
}

func TestGenerateTestCasesRejectsEmptySet(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	f.gen.responses = []string{"```json\n{\"testCases\": []}\n```"}

	task := f.taskFor(TaskGenerateTestCases, proc.ID, nil)
	if err := f.pipeline.handleGenerateTestCases(context.Background(), task); err == nil {
		t.Fatal("handleGenerateTestCases() accepted an empty case set")
	}
}

func TestGenerateTestCasesSkipsAdvancedProcess(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	for _, s := range []string{models.StatusGeneratingTestCases, models.StatusGeneratingCode} {
		if err := process.Transition(f.db, proc.ID, s); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	task := f.taskFor(TaskGenerateTestCases, proc.ID, nil)
	if err := f.pipeline.handleGenerateTestCases(context.Background(), task); err != nil {
		t.Fatalf("duplicate stage 1 task errored: %v", err)
	}
	if len(f.gen.prompts) != 0 {
		t.Error("duplicate stage 1 task reached the model")
	}
}

func stageOne(t *testing.T, f *fixture, proc *models.Process) {
	t.Helper()
	f.gen.responses = append([]string{testCasesJSON}, f.gen.responses...)
	if err := f.pipeline.handleGenerateTestCases(context.Background(), f.taskFor(TaskGenerateTestCases, proc.ID, nil)); err != nil {
		t.Fatalf("stage 1: %v", err)
	}
}

const playwrightResponse = "Here is the test file:\n\n```typescript\nimport { test, expect } from '@playwright/test';\n\ntest('successful login', async ({ page }) => {\n  await page.goto('/login');\n});\n```"

func TestGenerateCodeCreatesPRAgainstDefaultBranch(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	stageOne(t, f, proc)
	f.gen.responses = []string{playwrightResponse}

	task := f.taskFor(TaskGenerateCode, proc.ID, nil)
	if err := f.pipeline.handleGenerateCode(context.Background(), task); err != nil {
		t.Fatalf("handleGenerateCode(): %v", err)
	}

	wantBranch := "qa/proj-1-20250101-120000"
	if len(f.repo.createdBranches) != 1 || f.repo.createdBranches[0] != wantBranch {
		t.Errorf("created branches = %v, want [%s]", f.repo.createdBranches, wantBranch)
	}
	if f.repo.branchBase[wantBranch] != "sha-main" {
		t.Errorf("branch cut from %q, want tip of main", f.repo.branchBase[wantBranch])
	}

	if len(f.repo.files) != 1 {
		t.Fatalf("committed files = %d, want 1", len(f.repo.files))
	}
	file := f.repo.files[0]
	if file.Path != "e2e/generated/proj-1-login-page.spec.ts" {
		t.Errorf("file path = %q", file.Path)
	}
	if !strings.HasPrefix(file.Content, "import { test, expect }") {
		t.Errorf("content not unfenced: %q", file.Content[:40])
	}
	if file.Message != "test(e2e): add proj-1-login-page.spec.ts for PROJ-1" {
		t.Errorf("commit message = %q", file.Message)
	}

	if f.repo.prTitle != "test(e2e): PROJ-1 - Login page" {
		t.Errorf("PR title = %q", f.repo.prTitle)
	}
	if f.repo.prBase != "main" {
		t.Errorf("PR base = %q, want main", f.repo.prBase)
	}
	for _, want := range []string{"[PROJ-1](https://acme.atlassian.net/browse/PROJ-1)", "`main`", "- [ ] successful login"} {
		if !strings.Contains(f.repo.prBody, want) {
			t.Errorf("PR body missing %q", want)
		}
	}

	if len(f.repo.dispatches) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(f.repo.dispatches))
	}
	if f.repo.dispatches[0]["branch"] != wantBranch || f.repo.dispatches[0]["jira_key"] != "PROJ-1" {
		t.Errorf("dispatch payload = %v", f.repo.dispatches[0])
	}

	got, _ := process.Get(f.db, proc.ID)
	if got.Status != models.StatusRunningTests {
		t.Errorf("status = %q, want running_tests", got.Status)
	}
	if got.PRUrl != "https://github.com/acme/webapp/pull/42" || got.PRNumber != 42 {
		t.Errorf("pr fields = %q #%d", got.PRUrl, got.PRNumber)
	}
	if got.RepoBranch != wantBranch || got.TargetBranch != "main" {
		t.Errorf("branches = %q -> %q", got.RepoBranch, got.TargetBranch)
	}
	for _, tc := range got.TestCases {
		if tc.GeneratedFilePath != "e2e/generated/proj-1-login-page.spec.ts" {
			t.Errorf("case file path = %q", tc.GeneratedFilePath)
		}
	}

	if len(f.notifier.successes) != 1 {
		t.Fatalf("success notifications = %d, want 1", len(f.notifier.successes))
	}
	if !strings.Contains(f.notifier.successes[0].Detail, "no existing feature branch found") {
		t.Errorf("notification detail = %q", f.notifier.successes[0].Detail)
	}
}

func TestGenerateCodeTargetsFeatureBranch(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-9")
	stageOne(t, f, proc)
	f.gen.responses = []string{playwrightResponse}
	f.repo.branches = []string{"main", "feature/PROJ-9-login"}

	task := f.taskFor(TaskGenerateCode, proc.ID, nil)
	if err := f.pipeline.handleGenerateCode(context.Background(), task); err != nil {
		t.Fatalf("handleGenerateCode(): %v", err)
	}
	if f.repo.prBase != "feature/PROJ-9-login" {
		t.Errorf("PR base = %q, want feature branch", f.repo.prBase)
	}
	if !strings.Contains(f.notifier.successes[0].Detail, "existing branch `feature/PROJ-9-login`") {
		t.Errorf("notification detail = %q", f.notifier.successes[0].Detail)
	}
}

func TestGenerateCodeSplitsMultipleFiles(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	stageOne(t, f, proc)
	multi := "```typescript\n" +
		"// === FILE: login.page.ts ===\n" +
		"export class LoginPage {}\n" +
		"// === FILE: proj-1-login.spec.ts ===\n" +
		"import { LoginPage } from './login.page';\n" +
		"```"
	f.gen.responses = []string{multi}

	task := f.taskFor(TaskGenerateCode, proc.ID, nil)
	if err := f.pipeline.handleGenerateCode(context.Background(), task); err != nil {
		t.Fatalf("handleGenerateCode(): %v", err)
	}

	if len(f.repo.files) != 2 {
		t.Fatalf("committed files = %d, want 2", len(f.repo.files))
	}
	if f.repo.files[0].Path != "e2e/generated/login.page.ts" {
		t.Errorf("first path = %q", f.repo.files[0].Path)
	}
	if f.repo.files[1].Path != "e2e/generated/proj-1-login.spec.ts" {
		t.Errorf("second path = %q", f.repo.files[1].Path)
	}
	if strings.Contains(f.repo.files[0].Content, "=== FILE:") {
		t.Error("marker leaked into file content")
	}
}

const analysisPassedJSON = "```json\n" + `{
  "summary": "All tests passed.",
  "passed": true,
  "totalTests": 2,
  "passedTests": 2,
  "failedTests": 0,
  "failures": [],
  "recommendations": [],
  "severity": "low",
  "canRelease": true
}` + "\n```"

const analysisFailedJSON = "```json\n" + `{
  "summary": "One login test failed.",
  "passed": false,
  "totalTests": 2,
  "passedTests": 1,
  "failedTests": 1,
  "failures": [
    {
      "test": "wrong password rejected",
      "reason": "error banner never appeared",
      "possibleCause": "missing error state on the form",
      "suggestedFix": "render validation errors on submit"
    }
  ],
  "recommendations": ["Check form validation wiring"],
  "severity": "high",
  "canRelease": false
}` + "\n```"

func runToRunningTests(t *testing.T, f *fixture, proc *models.Process) {
	t.Helper()
	stageOne(t, f, proc)
	f.gen.responses = append(f.gen.responses, playwrightResponse)
	if err := f.pipeline.handleGenerateCode(context.Background(), f.taskFor(TaskGenerateCode, proc.ID, nil)); err != nil {
		t.Fatalf("stage 2: %v", err)
	}
}

func TestAnalyzeResultsCompletesOnSuccess(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	runToRunningTests(t, f, proc)
	f.gen.responses = []string{analysisPassedJSON}
	f.repo.jobs = []github.RunJob{{Name: "e2e", Status: "completed", Conclusion: "success",
		Steps: []github.RunStep{{Name: "Run tests", Status: "completed", Conclusion: "success"}}}}

	task := f.taskFor(TaskAnalyzeResults, proc.ID, AnalyzePayload{RunID: 555, Conclusion: "success"})
	if err := f.pipeline.handleAnalyzeResults(context.Background(), task); err != nil {
		t.Fatalf("handleAnalyzeResults(): %v", err)
	}

	got, _ := process.Get(f.db, proc.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	for _, tc := range got.TestCases {
		if tc.Status != models.CaseStatusPassed {
			t.Errorf("case %q status = %q, want passed", tc.Title, tc.Status)
		}
	}

	var arts map[string]interface{}
	json.Unmarshal([]byte(got.Artifacts), &arts)
	if arts["conclusion"] != "success" {
		t.Errorf("conclusion artifact = %v", arts["conclusion"])
	}

	if len(f.tickets.comments) != 1 {
		t.Fatalf("jira comments = %d, want 1", len(f.tickets.comments))
	}
	comment := f.tickets.comments[0]
	for _, want := range []string{"✅ *QA Automation Results*", "All tests passed.", "*Results:* 2 passed, 0 failed"} {
		if !strings.Contains(comment, want) {
			t.Errorf("comment missing %q:\n%s", want, comment)
		}
	}
	if len(f.tickets.issues) != 0 {
		t.Errorf("defects filed on a passing run: %v", f.tickets.issues)
	}

	// One success notification from the PR stage, one from completion.
	if len(f.notifier.successes) != 2 {
		t.Errorf("success notifications = %d, want 2", len(f.notifier.successes))
	}
}

func TestAnalyzeResultsFilesDefectsOnFailure(t *testing.T) {
	f := newFixture(t)
	f.pipeline.cfg.Jira.AutoCreateDefects = true
	proc := f.admit(t, "PROJ-1")
	runToRunningTests(t, f, proc)
	f.gen.responses = []string{analysisFailedJSON}
	f.repo.jobs = []github.RunJob{{Name: "e2e", Status: "completed", Conclusion: "failure"}}

	task := f.taskFor(TaskAnalyzeResults, proc.ID, AnalyzePayload{RunID: 555, Conclusion: "failure"})
	if err := f.pipeline.handleAnalyzeResults(context.Background(), task); err != nil {
		t.Fatalf("handleAnalyzeResults(): %v", err)
	}

	got, _ := process.Get(f.db, proc.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %q, failed tests still complete the process", got.Status)
	}
	byTitle := map[string]models.TestCase{}
	for _, tc := range got.TestCases {
		byTitle[tc.Title] = tc
	}
	if byTitle["wrong password rejected"].Status != models.CaseStatusFailed {
		t.Errorf("failed case status = %q", byTitle["wrong password rejected"].Status)
	}
	if byTitle["successful login"].Status != models.CaseStatusPassed {
		t.Errorf("passing case status = %q", byTitle["successful login"].Status)
	}

	if len(f.tickets.issues) != 1 {
		t.Fatalf("defects = %v, want 1", f.tickets.issues)
	}
	if f.tickets.issues[0] != "PROJ/Bug/[Auto] wrong password rejected - Test Failure" {
		t.Errorf("defect = %q", f.tickets.issues[0])
	}
	if len(f.tickets.links) != 1 || !strings.Contains(f.tickets.links[0], "->PROJ-1 (Relates)") {
		t.Errorf("links = %v", f.tickets.links)
	}

	comment := f.tickets.comments[0]
	for _, want := range []string{"❌", "wrong password rejected: error banner never appeared", "Check form validation wiring"} {
		if !strings.Contains(comment, want) {
			t.Errorf("comment missing %q", want)
		}
	}

	if len(f.notifier.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.notifier.failures))
	}
}

func TestAnalyzeResultsSkipsCompletedProcess(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	runToRunningTests(t, f, proc)
	f.gen.responses = []string{analysisPassedJSON}
	task := f.taskFor(TaskAnalyzeResults, proc.ID, AnalyzePayload{RunID: 555, Conclusion: "success"})
	if err := f.pipeline.handleAnalyzeResults(context.Background(), task); err != nil {
		t.Fatalf("first analysis: %v", err)
	}

	// Webhook re-delivery after completion must be a no-op.
	before := len(f.gen.prompts)
	if err := f.pipeline.handleAnalyzeResults(context.Background(), task); err != nil {
		t.Fatalf("duplicate analysis errored: %v", err)
	}
	if len(f.gen.prompts) != before {
		t.Error("duplicate analysis reached the model")
	}
}

func TestStageFailureMarksProcess(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	if err := process.Transition(f.db, proc.ID, models.StatusGeneratingTestCases); err != nil {
		t.Fatalf("transition: %v", err)
	}

	handler := f.pipeline.stageFailed("Test Case Generation", "Test case generation failed")
	handler(context.Background(), f.taskFor(TaskGenerateTestCases, proc.ID, nil), "model timeout")

	got, _ := process.Get(f.db, proc.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "Test case generation failed: model timeout" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
	if len(f.notifier.failures) != 1 || f.notifier.failures[0].Stage != "Test Case Generation" {
		t.Errorf("failure notifications = %+v", f.notifier.failures)
	}
}

func TestSweepStaleFailsStuckProcesses(t *testing.T) {
	f := newFixture(t)
	proc := f.admit(t, "PROJ-1")
	runToRunningTests(t, f, proc)

	old := time.Now().Add(-2 * time.Hour)
	f.db.Model(&models.Process{}).Where("id = ?", proc.ID).Update("updated_at", old)

	f.pipeline.SweepStale(30 * time.Minute)

	got, _ := process.Get(f.db, proc.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "Timed out in status running_tests") {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestResolveBaseBranchPrecedence(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		prs      []github.PullRequest
		branches []string
		want     string
	}{
		{
			name: "open PR head wins over branch",
			prs: []github.PullRequest{
				{Number: 1, Title: "add login", HeadBranch: "feature/PROJ-9-login"},
			},
			branches: []string{"other/proj-9-alt"},
			want:     "feature/PROJ-9-login",
		},
		{
			name: "PR title match counts",
			prs: []github.PullRequest{
				{Number: 1, Title: "PROJ-9: new login flow", HeadBranch: "feature/login-rework"},
			},
			want: "feature/login-rework",
		},
		{
			name: "qa branches are never candidates",
			prs: []github.PullRequest{
				{Number: 1, Title: "test(e2e): PROJ-9 - Login", HeadBranch: "qa/proj-9-20240101-000000"},
			},
			branches: []string{"qa/proj-9-20240102-000000", "feature/proj-9-login"},
			want:     "feature/proj-9-login",
		},
		{
			name:     "branch fallback is case-insensitive",
			branches: []string{"main", "Feature/Proj-9-Login"},
			want:     "Feature/Proj-9-Login",
		},
		{
			name: "no match means default",
			prs: []github.PullRequest{
				{Number: 1, Title: "unrelated", HeadBranch: "feature/other"},
			},
			branches: []string{"main", "develop"},
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.repo.prs = tt.prs
			f.repo.branches = tt.branches
			got, err := f.pipeline.ResolveBaseBranch(context.Background(), "PROJ-9")
			if err != nil {
				t.Fatalf("ResolveBaseBranch(): %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveBaseBranch() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"Login page", 30, "login-page"},
		{"Add OAuth2 support for the mobile app", 30, "add-oauth2-support-for-the-mob"},
		{"  --weird -- input--  ", 30, "weird-input"},
		{"", 30, "test"},
		{"!!!", 30, "test"},
	}
	for _, tt := range tests {
		if got := slug(tt.in, tt.limit); got != tt.want {
			t.Errorf("slug(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}

// drainTasks executes pending tasks through the stage handlers until the
// queue is empty, simulating the worker pool without its polling loop.
func (f *fixture) drainTasks(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 10; round++ {
		var tasks []models.Task
		if err := f.db.Where("status = ?", models.TaskPending).Order("id ASC").Find(&tasks).Error; err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		if len(tasks) == 0 {
			return
		}
		for i := range tasks {
			task := tasks[i]
			var err error
			switch task.Kind {
			case TaskIntake:
				err = f.pipeline.handleIntake(ctx, &task)
			case TaskGenerateTestCases:
				err = f.pipeline.handleGenerateTestCases(ctx, &task)
			case TaskGenerateCode:
				err = f.pipeline.handleGenerateCode(ctx, &task)
			case TaskAnalyzeResults:
				err = f.pipeline.handleAnalyzeResults(ctx, &task)
			default:
				t.Fatalf("unexpected task kind %q", task.Kind)
			}
			if err != nil {
				t.Fatalf("task %s: %v", task.Kind, err)
			}
			if err := f.db.Model(&models.Task{}).Where("id = ?", task.ID).Update("status", models.TaskDone).Error; err != nil {
				t.Fatalf("complete task: %v", err)
			}
		}
	}
	t.Fatal("task queue did not drain")
}

// Full pipeline run: readiness intake through PR creation, then a CI
// completion event correlated by branch, through analysis to completion.
func TestPipelineRunsReadinessToCompletion(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{testCasesJSON, playwrightResponse, analysisPassedJSON}

	_, err := f.pool.Enqueue(TaskIntake, 0, IntakePayload{
		TicketKey:  "PROJ-1",
		TicketURL:  "https://acme.atlassian.net/browse/PROJ-1",
		ProjectKey: "PROJ",
		Summary:    "Login page",
	})
	if err != nil {
		t.Fatalf("enqueue intake: %v", err)
	}
	f.drainTasks(t)

	proc, err := process.GetByTicketKey(f.db, "PROJ-1")
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if proc.Status != models.StatusRunningTests {
		t.Fatalf("status after PR stage = %q, want running_tests", proc.Status)
	}
	if proc.PRNumber != 42 {
		t.Errorf("pr number = %d, want 42", proc.PRNumber)
	}

	// CI finishes: correlate by head branch, bind the run, enqueue analysis.
	matched, err := process.FindByRunOrBranch(f.db, 555, proc.RepoBranch)
	if err != nil {
		t.Fatalf("correlate run: %v", err)
	}
	won, err := process.SetWorkflowRun(f.db, matched.ID, 555)
	if err != nil || !won {
		t.Fatalf("bind run: won=%v err=%v", won, err)
	}
	if _, err := f.pool.Enqueue(TaskAnalyzeResults, matched.ID, AnalyzePayload{RunID: 555, Conclusion: "success"}); err != nil {
		t.Fatalf("enqueue analysis: %v", err)
	}
	f.drainTasks(t)

	proc, err = process.Get(f.db, matched.ID)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if proc.Status != models.StatusCompleted {
		t.Errorf("final status = %q, want completed", proc.Status)
	}
	for _, tc := range proc.TestCases {
		if tc.Status != models.CaseStatusPassed {
			t.Errorf("case %q status = %q, want passed", tc.Title, tc.Status)
		}
	}
	if len(f.tickets.comments) != 1 {
		t.Errorf("jira comments = %d, want 1", len(f.tickets.comments))
	}
	if len(f.notifier.failures) != 0 {
		t.Errorf("failure notifications = %d, want 0", len(f.notifier.failures))
	}
}
