package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/maloun/qaorch/internal/models"
	"github.com/maloun/qaorch/internal/notify"
	"github.com/maloun/qaorch/internal/process"
)

// handleIntake admits a ticket into the pipeline. Re-deliveries of the same
// ticket find the existing process and stop unless it is still pending. The
// ticket is re-fetched from Jira so generation works from the freshest text,
// not the webhook's possibly stale snapshot.
func (p *Pipeline) handleIntake(ctx context.Context, task *models.Task) error {
	var payload IntakePayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return &StageError{Stage: "intake", Err: fmt.Errorf("decode payload: %w", err)}
	}

	proc, created, err := process.Admit(p.db, process.AdmitOpts{
		TicketKey:          payload.TicketKey,
		TicketURL:          payload.TicketURL,
		ProjectKey:         payload.ProjectKey,
		TicketSummary:      payload.Summary,
		TicketDescription:  payload.Description,
		AcceptanceCriteria: payload.AcceptanceCriteria,
	})
	if err != nil {
		return &StageError{Stage: "intake", Err: err}
	}
	if !created && proc.Status != models.StatusPending {
		log.Printf("pipeline: process %d for %s already %s, skipping re-delivery",
			proc.ID, proc.TicketKey, proc.Status)
		return nil
	}

	ticket, err := p.tickets.GetTicket(ctx, payload.TicketKey)
	if err != nil {
		return &StageError{Stage: "intake", ProcessID: proc.ID, Err: err}
	}
	err = process.RefreshSnapshot(p.db, proc.ID, process.Snapshot{
		Summary:            ticket.Summary,
		Description:        ticket.Description,
		AcceptanceCriteria: ticket.AcceptanceCriteria,
	})
	if err != nil {
		return &StageError{Stage: "intake", ProcessID: proc.ID, Err: err}
	}

	if _, err := p.pool.Enqueue(TaskGenerateTestCases, proc.ID, nil); err != nil {
		return &StageError{Stage: "intake", ProcessID: proc.ID, Err: err}
	}
	return nil
}

// intakeFailed runs when an intake task exhausts its attempts. The process
// may or may not exist yet; if it does, it is failed so an operator can retry.
func (p *Pipeline) intakeFailed(ctx context.Context, task *models.Task, cause string) {
	var payload IntakePayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		log.Printf("pipeline: intake failure for task %d: undecodable payload", task.ID)
		return
	}

	ev := notify.Event{
		TicketKey: payload.TicketKey,
		TicketURL: payload.TicketURL,
		Summary:   payload.Summary,
		Stage:     "Jira Webhook Processing",
		Err:       fmt.Sprintf("Issue: %s\n%s", payload.TicketKey, cause),
	}
	if proc, err := process.GetByTicketKey(p.db, payload.TicketKey); err == nil {
		if err := process.MarkFailed(p.db, proc.ID, "Webhook processing failed: "+cause); err != nil {
			log.Printf("pipeline: %v", err)
		}
	}
	p.notifier.NotifyFailure(ctx, ev)
}

// stageFailed builds the exhaustion callback for a pipeline stage: the
// process is failed with the stage's message prefix and an error notification
// goes out.
func (p *Pipeline) stageFailed(stage, prefix string) func(ctx context.Context, task *models.Task, cause string) {
	return func(ctx context.Context, task *models.Task, cause string) {
		if err := process.MarkFailed(p.db, task.ProcessID, prefix+": "+cause); err != nil {
			log.Printf("pipeline: %v", err)
		}

		ev := notify.Event{Stage: stage, Err: cause}
		if proc, err := process.Get(p.db, task.ProcessID); err == nil {
			ev.TicketKey = proc.TicketKey
			ev.TicketURL = proc.TicketURL
			ev.Summary = proc.TicketSummary
			ev.PRUrl = proc.PRUrl
		}
		p.notifier.NotifyFailure(ctx, ev)
	}
}
