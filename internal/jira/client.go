// Package jira is a minimal Jira Cloud REST client covering the operations
// the QA pipeline needs: ticket fetch, comments, and defect filing.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maloun/qaorch/internal/config"
)

// APIError wraps a failed Jira call with enough context for logs.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("jira: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("jira: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Ticket is the snapshot of a Jira issue the pipeline works from.
type Ticket struct {
	Key                string
	Summary            string
	Description        string
	AcceptanceCriteria string
	Status             string
	Assignee           string
	Labels             []string
	Components         []string
	IssueType          string
	Priority           string
}

// Client calls the Jira Cloud REST API v3. Calls are single-attempt; the
// pipeline's stage retry re-runs the whole stage on failure.
type Client struct {
	baseURL  string
	email    string
	apiToken string
	acField  string
	httpc    *http.Client
}

// NewClient builds a Client from the jira config section.
func NewClient(cfg config.JiraConfig) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		email:    cfg.Email,
		apiToken: cfg.APIToken,
		acField:  cfg.AcceptanceCriteriaField,
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetTicket fetches an issue and flattens its rich-text fields.
func (c *Client) GetTicket(ctx context.Context, key string) (*Ticket, error) {
	fields := fmt.Sprintf("summary,description,status,assignee,labels,components,issuetype,priority,%s", c.acField)
	endpoint := fmt.Sprintf("/rest/api/3/issue/%s?fields=%s", url.PathEscape(key), url.QueryEscape(fields))

	var resp struct {
		Key    string                     `json:"key"`
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	t := &Ticket{
		Key:                resp.Key,
		Summary:            stringField(resp.Fields, "summary"),
		Description:        FlattenDoc(resp.Fields["description"]),
		AcceptanceCriteria: FlattenDoc(resp.Fields[c.acField]),
		Status:             namedField(resp.Fields, "status", "name"),
		Assignee:           namedField(resp.Fields, "assignee", "displayName"),
		IssueType:          namedField(resp.Fields, "issuetype", "name"),
		Priority:           namedField(resp.Fields, "priority", "name"),
	}
	json.Unmarshal(resp.Fields["labels"], &t.Labels)

	var components []struct {
		Name string `json:"name"`
	}
	json.Unmarshal(resp.Fields["components"], &components)
	for _, comp := range components {
		t.Components = append(t.Components, comp.Name)
	}
	return t, nil
}

// AddComment posts a plain-text comment, wrapped in a one-paragraph ADF doc.
func (c *Client) AddComment(ctx context.Context, key, text string) error {
	body := map[string]interface{}{
		"body": adfParagraphDoc(text),
	}
	endpoint := fmt.Sprintf("/rest/api/3/issue/%s/comment", url.PathEscape(key))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// CreateIssue files a new issue and returns its key.
func (c *Client) CreateIssue(ctx context.Context, projectKey, issueType, summary, description, parentKey string) (string, error) {
	fields := map[string]interface{}{
		"project":     map[string]string{"key": projectKey},
		"issuetype":   map[string]string{"name": issueType},
		"summary":     summary,
		"description": adfParagraphDoc(description),
	}
	if parentKey != "" {
		fields["parent"] = map[string]string{"key": parentKey}
	}

	var resp struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue", map[string]interface{}{"fields": fields}, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

// LinkIssues creates an issue link of the given type between two issues.
func (c *Client) LinkIssues(ctx context.Context, inwardKey, outwardKey, linkType string) error {
	body := map[string]interface{}{
		"type":         map[string]string{"name": linkType},
		"inwardIssue":  map[string]string{"key": inwardKey},
		"outwardIssue": map[string]string{"key": outwardKey},
	}
	return c.do(ctx, http.MethodPost, "/rest/api/3/issueLink", body, nil)
}

// do performs one authenticated request, decoding a JSON response into out
// when out is non-nil. Transport and status failures become *APIError.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	op := method + " " + endpoint

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &APIError{Op: op, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, StatusCode: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Op: op, Err: err}
		}
	}
	return nil
}

// adfParagraphDoc wraps plain text in the minimal ADF document Jira accepts
// for comment and description bodies.
func adfParagraphDoc(text string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "doc",
		"version": 1,
		"content": []interface{}{
			map[string]interface{}{
				"type": "paragraph",
				"content": []interface{}{
					map[string]string{"type": "text", "text": text},
				},
			},
		},
	}
}

func stringField(fields map[string]json.RawMessage, name string) string {
	var s string
	json.Unmarshal(fields[name], &s)
	return s
}

func namedField(fields map[string]json.RawMessage, field, attr string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields[field], &m); err != nil {
		return ""
	}
	var s string
	json.Unmarshal(m[attr], &s)
	return s
}
