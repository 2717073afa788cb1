package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client for the daemon at the given bind address. The
// address may be a bare host:port or a full http URL.
func NewClient(address, token string) *Client {
	base := strings.TrimSpace(address)
	if base == "" {
		base = "127.0.0.1:7491"
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ErrorFromStatus carries a non-2xx daemon response.
type ErrorFromStatus struct {
	StatusCode int
	Message    string
}

func (e *ErrorFromStatus) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned status %d", e.StatusCode)
}

// IsNotFound reports whether err is a daemon 404 response.
func IsNotFound(err error) bool {
	se, ok := err.(*ErrorFromStatus)
	return ok && se.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &envelope) != nil || envelope.Error == "" {
			envelope.Error = strings.TrimSpace(string(data))
		}
		return &ErrorFromStatus{StatusCode: resp.StatusCode, Message: envelope.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateSession starts a new session and returns its detail view.
func (c *Client) CreateSession(ctx context.Context, topic, graph string) (*SessionDetail, error) {
	var detail SessionDetail
	req := CreateSessionRequest{Topic: topic, Graph: graph}
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListSessions returns all sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, statuses ...string) ([]SessionSummary, error) {
	path := "/api/sessions"
	if len(statuses) > 0 {
		values := url.Values{}
		for _, status := range statuses {
			values.Add("status", status)
		}
		path += "?" + values.Encode()
	}
	var resp SessionListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession returns one session with its stage state.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var detail SessionDetail
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// DeleteSession removes a session, cancelling it first when still active.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// Confirm approves a stage awaiting confirmation.
func (c *Client) Confirm(ctx context.Context, sessionID, stageID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/stages/" + url.PathEscape(stageID) + "/confirm"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Reject sends a stage awaiting confirmation back for revision.
func (c *Client) Reject(ctx context.Context, sessionID, stageID, reason string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/stages/" + url.PathEscape(stageID) + "/reject"
	return c.do(ctx, http.MethodPost, path, RejectRequest{Reason: reason}, nil)
}

// Rollback discards the target stage's result and everything downstream of it.
func (c *Client) Rollback(ctx context.Context, sessionID, stageID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/rollback"
	return c.do(ctx, http.MethodPost, path, RollbackRequest{Stage: stageID}, nil)
}

// Cancel stops a session.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/cancel"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Events fetches a session's event stream after the given cursor. With follow
// set the daemon holds the request until new events arrive.
func (c *Client) Events(ctx context.Context, sessionID string, since uint64, limit int, follow bool) (*EventStreamResponse, error) {
	values := url.Values{}
	if since > 0 {
		values.Set("since", strconv.FormatUint(since, 10))
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if follow {
		values.Set("follow", "1")
	}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/events"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}

	// Long polls outlive the default client timeout.
	client := c.httpClient
	if follow {
		client = &http.Client{Timeout: 0}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope ErrorResponse
		if json.Unmarshal(data, &envelope) != nil || envelope.Error == "" {
			envelope.Error = strings.TrimSpace(string(data))
		}
		return nil, &ErrorFromStatus{StatusCode: resp.StatusCode, Message: envelope.Error}
	}
	var stream EventStreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&stream); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &stream, nil
}

// Checkpoints returns the checkpoint log for a session, oldest first.
func (c *Client) Checkpoints(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	var resp CheckpointListResponse
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/checkpoints"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// Status returns daemon runtime information.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
