// Package notify fans pipeline outcomes out to chat backends (Slack, Discord).
// Delivery is best effort: a backend failure is logged, never propagated, so a
// broken webhook can not fail a pipeline run.
package notify

import (
	"context"
	"log"

	"github.com/maloun/qaorch/internal/config"
)

// Event carries everything a backend needs to render a pipeline notification.
type Event struct {
	TicketKey string
	TicketURL string
	Summary   string // ticket summary
	PRUrl     string
	Branch    string // base branch the PR targets
	Stage     string // pipeline stage, set on failures
	Detail    string // analysis summary or extra context
	Err       string // failure detail, set on failures
}

// Notifier delivers pipeline outcome notifications.
type Notifier interface {
	NotifySuccess(ctx context.Context, ev Event) error
	NotifyFailure(ctx context.Context, ev Event) error
}

// Multi fans an event out to every configured backend, honoring the
// on_success / on_failure toggles. It never returns an error.
type Multi struct {
	backends  []Notifier
	onSuccess bool
	onFailure bool
}

// NewFromConfig builds a Multi with one backend per configured platform. With
// nothing configured the Multi is an inert no-op.
func NewFromConfig(cfg config.NotifyConfig) (*Multi, error) {
	m := &Multi{
		onSuccess: cfg.OnSuccess == nil || *cfg.OnSuccess,
		onFailure: cfg.OnFailure == nil || *cfg.OnFailure,
	}
	if cfg.SlackWebhookURL != "" {
		m.backends = append(m.backends, NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.DiscordBotToken != "" && cfg.DiscordChannelID != "" {
		d, err := NewDiscord(DiscordOpts{BotToken: cfg.DiscordBotToken, ChannelID: cfg.DiscordChannelID})
		if err != nil {
			return nil, err
		}
		m.backends = append(m.backends, d)
	}
	return m, nil
}

// NewMulti builds a Multi over explicit backends with both toggles on.
func NewMulti(backends ...Notifier) *Multi {
	return &Multi{backends: backends, onSuccess: true, onFailure: true}
}

func (m *Multi) NotifySuccess(ctx context.Context, ev Event) error {
	if !m.onSuccess {
		return nil
	}
	for _, b := range m.backends {
		if err := b.NotifySuccess(ctx, ev); err != nil {
			log.Printf("notify: success notification for %s: %v", ev.TicketKey, err)
		}
	}
	return nil
}

func (m *Multi) NotifyFailure(ctx context.Context, ev Event) error {
	if !m.onFailure {
		return nil
	}
	for _, b := range m.backends {
		if err := b.NotifyFailure(ctx, ev); err != nil {
			log.Printf("notify: failure notification for %s: %v", ev.TicketKey, err)
		}
	}
	return nil
}

// maxErrLen caps how much of an error message is shown in a notification.
const maxErrLen = 500

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
