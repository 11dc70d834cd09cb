// Package webhook exposes the HTTP endpoints Jira and GitHub call into. The
// handlers only filter and enqueue; all real work happens in pipeline stages
// so a slow model call can never block a webhook response.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/maloun/qaorch/internal/config"
	"github.com/maloun/qaorch/internal/jira"
	"github.com/maloun/qaorch/internal/pipeline"
	"github.com/maloun/qaorch/internal/process"
	"github.com/maloun/qaorch/internal/queue"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the webhook server.
type StartOpts struct {
	DB     *gorm.DB
	Config *config.Config
}

// Start launches the webhook HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("webhook: db is required")
	}

	router := NewRouter(opts.DB, opts.Config)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Config.Server.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with all webhook routes registered.
func NewRouter(db *gorm.DB, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handlers{db: db, cfg: cfg}
	router.POST("/api/qa/jira-webhook", h.jiraWebhook)
	router.POST("/api/qa/github-webhook", h.githubWebhook)
	router.GET("/healthz", h.healthz)
	return router
}

type handlers struct {
	db  *gorm.DB
	cfg *config.Config
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// jiraPayload is the subset of a Jira issue webhook the gate inspects.
// Fields stays raw because description and the acceptance criteria custom
// field may arrive as ADF documents.
type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key    string                     `json:"key"`
		Fields map[string]json.RawMessage `json:"fields"`
	} `json:"issue"`
}

func (p *jiraPayload) stringField(name string) string {
	raw, ok := p.Issue.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (p *jiraPayload) nestedName(field, key string) string {
	raw, ok := p.Issue.Fields[field]
	if !ok {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// jiraWebhook is the ingestion gate: an issue event passes only when it is an
// issue create/update, names an issue, and the issue sits in the configured
// QA status. Everything that passes is handed to the intake stage. The gate
// always answers 200 so Jira never retries a decision already made.
func (h *handlers) jiraWebhook(c *gin.Context) {
	var payload jiraPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "skipped"})
		return
	}

	if !h.shouldProcess(&payload) {
		c.JSON(http.StatusOK, gin.H{"status": "skipped"})
		return
	}

	key := payload.Issue.Key
	intake := pipeline.IntakePayload{
		TicketKey:          key,
		TicketURL:          fmt.Sprintf("%s/browse/%s", h.cfg.Jira.BaseURL, key),
		ProjectKey:         payload.nestedName("project", "key"),
		Summary:            payload.stringField("summary"),
		Description:        jira.FlattenDoc(payload.Issue.Fields["description"]),
		AcceptanceCriteria: jira.FlattenDoc(payload.Issue.Fields[h.cfg.Jira.AcceptanceCriteriaField]),
	}
	_, err := queue.Enqueue(h.db, queue.EnqueueOpts{
		Kind:        pipeline.TaskIntake,
		Payload:     intake,
		MaxAttempts: h.cfg.Queue.MaxAttempts,
	})
	if err != nil {
		log.Printf("webhook: enqueue intake for %s: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *handlers) shouldProcess(payload *jiraPayload) bool {
	if payload.Issue.Key == "" {
		return false
	}
	switch payload.WebhookEvent {
	case "jira:issue_updated", "jira:issue_created":
	default:
		return false
	}
	return payload.nestedName("status", "name") == h.cfg.Jira.QAStatus
}

// githubPayload is the subset of a workflow_run webhook the gate inspects.
type githubPayload struct {
	Action      string `json:"action"`
	WorkflowRun *struct {
		ID         int64  `json:"id"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
	} `json:"workflow_run"`
}

// githubWebhook matches a completed workflow run to its process, by run ID
// first and QA branch second, binds the run at most once, and enqueues the
// analysis stage.
func (h *handlers) githubWebhook(c *gin.Context) {
	var payload githubPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "skipped"})
		return
	}
	if payload.Action != "completed" || payload.WorkflowRun == nil {
		c.JSON(http.StatusOK, gin.H{"status": "skipped"})
		return
	}
	run := payload.WorkflowRun

	proc, err := process.FindByRunOrBranch(h.db, run.ID, run.HeadBranch)
	if err != nil {
		if err == process.ErrNotFound {
			log.Printf("webhook: no process for run %d (branch %s)", run.ID, run.HeadBranch)
			c.JSON(http.StatusOK, gin.H{"status": "no_process_found"})
			return
		}
		log.Printf("webhook: match run %d: %v", run.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	won, err := process.SetWorkflowRun(h.db, proc.ID, run.ID)
	if err != nil {
		log.Printf("webhook: bind run %d: %v", run.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}
	if !won {
		// A different run is already bound to this process.
		c.JSON(http.StatusOK, gin.H{"status": "skipped"})
		return
	}

	_, err = queue.Enqueue(h.db, queue.EnqueueOpts{
		Kind:        pipeline.TaskAnalyzeResults,
		ProcessID:   proc.ID,
		Payload:     pipeline.AnalyzePayload{RunID: run.ID, Conclusion: run.Conclusion},
		MaxAttempts: h.cfg.Queue.MaxAttempts,
	})
	if err != nil {
		log.Printf("webhook: enqueue analysis for process %d: %v", proc.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
