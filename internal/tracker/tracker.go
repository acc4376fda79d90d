// Package tracker is Orca's client for the external issue tracker: fetching
// issues and workflow states for fullSync, pushing state writes back, and
// verifying inbound webhook signatures. The HTTP client wraps every call in
// a circuit breaker so a flapping or down tracker degrades to fast failures
// instead of piling up blocked goroutines in the sync worker pool, grounded
// on jordigilh-kubernaut's `circuitbreaker.NewManager(gobreaker.Settings{...})`
// per-channel isolation pattern (see DESIGN.md).
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Issue is the tracker's representation of a single work item.
type Issue struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	ProjectName      string    `json:"projectName"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Priority         int       `json:"priority"`
	StateID          string    `json:"stateId"`
	ParentIdentifier string    `json:"parentIdentifier"`
	BlockedBy        []string  `json:"blockedBy"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// WorkflowState is one entry of a project's workflow state catalog.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // e.g. "backlog", "unstarted", "started", "completed", "canceled"
}

// Client talks to the tracker's REST API.
type Client struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a Client with a circuit breaker tuned per spec.md §4.5's
// resilience requirement: trip after 3 consecutive failures, half-open
// after 30s.
func New(baseURL, apiToken string) *Client {
	settings := gobreaker.Settings{
		Name:        "tracker",
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		BaseURL:    baseURL,
		APIToken:   apiToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("tracker %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// FetchIssues returns every issue in scope for projectID.
func (c *Client) FetchIssues(ctx context.Context, projectID string) ([]Issue, error) {
	data, err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/issues", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch issues: %w", err)
	}
	var issues []Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("decode issues: %w", err)
	}
	return issues, nil
}

// FetchWorkflowStates returns projectID's workflow state catalog.
func (c *Client) FetchWorkflowStates(ctx context.Context, projectID string) ([]WorkflowState, error) {
	data, err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/states", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch workflow states: %w", err)
	}
	var states []WorkflowState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("decode workflow states: %w", err)
	}
	return states, nil
}

// UpdateIssueState pushes a state change for issueID, the primitive behind
// writeBack.
func (c *Client) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	_, err := c.do(ctx, http.MethodPatch, "/issues/"+issueID, map[string]string{"stateId": stateID})
	if err != nil {
		return fmt.Errorf("update issue %s state: %w", issueID, err)
	}
	return nil
}
