package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts Block Kit messages to an incoming webhook.
type Slack struct {
	webhookURL string
	// post is swapped out in tests to capture the message.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack creates a Slack backend for the given incoming webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		post:       slack.PostWebhookContext,
	}
}

func (s *Slack) NotifySuccess(ctx context.Context, ev Event) error {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, ":white_check_mark: QA Tests Passed", true, false)),
		slack.NewSectionBlock(nil, successFields(ev), nil),
	}
	if ev.Detail != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, ev.Detail, false, false), nil, nil))
	}
	if err := s.post(ctx, s.webhookURL, &slack.WebhookMessage{Blocks: &slack.Blocks{BlockSet: blocks}}); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}

func (s *Slack) NotifyFailure(ctx context.Context, ev Event) error {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, ":x: QA Pipeline Failed", true, false)),
		slack.NewSectionBlock(nil, failureFields(ev), nil),
	}
	if ev.Err != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "```"+truncate(ev.Err, maxErrLen)+"```", false, false), nil, nil))
	}
	if err := s.post(ctx, s.webhookURL, &slack.WebhookMessage{Blocks: &slack.Blocks{BlockSet: blocks}}); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}

func successFields(ev Event) []*slack.TextBlockObject {
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Ticket:*\n"+ticketLine(ev), false, false),
	}
	if ev.Summary != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Summary:*\n"+ev.Summary, false, false))
	}
	if ev.PRUrl != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Pull Request:*\n"+ev.PRUrl, false, false))
	}
	if ev.Branch != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Base Branch:*\n`"+ev.Branch+"`", false, false))
	}
	return fields
}

func failureFields(ev Event) []*slack.TextBlockObject {
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Ticket:*\n"+ticketLine(ev), false, false),
	}
	if ev.Stage != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Stage:*\n"+ev.Stage, false, false))
	}
	if ev.PRUrl != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Pull Request:*\n"+ev.PRUrl, false, false))
	}
	return fields
}

func ticketLine(ev Event) string {
	if ev.TicketURL != "" {
		return fmt.Sprintf("<%s|%s>", ev.TicketURL, ev.TicketKey)
	}
	return ev.TicketKey
}
