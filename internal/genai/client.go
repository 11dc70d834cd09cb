// Package genai wraps the Anthropic Messages API as the pipeline's
// generation service. It owns its own retry policy: exponential backoff
// with a per-attempt timeout, up to a configured attempt ceiling.
package genai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/maloun/qaorch/internal/config"
)

const initialBackoff = 2 * time.Second

// APIError wraps a generation failure after retries are exhausted.
type APIError struct {
	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("genai: failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// messageAPI abstracts the single SDK call we make, enabling test fakes.
type messageAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type sdkMessages struct {
	client anthropic.Client
}

func (s sdkMessages) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return s.client.Messages.New(ctx, params)
}

// Client is the generation service used by all pipeline stages.
type Client struct {
	messages   messageAPI
	model      string
	maxTokens  int
	maxRetries int
	timeout    time.Duration
	backoff    time.Duration // initial backoff, doubles per retry
}

// NewClient builds a Client from the anthropic config section.
func NewClient(cfg config.AnthropicConfig) *Client {
	sdk := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		messages:   sdkMessages{client: sdk},
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout(),
		backoff:    initialBackoff,
	}
}

// Complete sends a prompt and returns the model's text output, joining all
// text blocks of the response. Retries transport failures with doubling
// backoff; the returned error after exhaustion is an *APIError.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	backoff := c.backoff

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: int64(c.maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		cancel()

		if err == nil {
			var b strings.Builder
			for _, block := range resp.Content {
				if block.Type == "text" {
					b.WriteString(block.Text)
				}
			}
			return b.String(), nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < c.maxRetries {
			log.Printf("genai: attempt %d/%d failed: %v (retrying in %s)", attempt, c.maxRetries, err, backoff)
			select {
			case <-ctx.Done():
				return "", &APIError{Attempts: attempt, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return "", &APIError{Attempts: c.maxRetries, Err: lastErr}
}
