// Package client talks to a taskflow server over HTTP and keeps a local task
// list in sync with the server's realtime events.
package client

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

	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/auth"
)

// APIPrefix is the path prefix of every REST endpoint.
const APIPrefix = "/api/v1"

// Client is a typed client for the REST API. Set Token before calling any
// authenticated endpoint, or let Register and Login set it. A Client must not
// have its fields changed while requests are in flight.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a Client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// errorBody is the JSON error document every endpoint returns.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// Register creates an account and keeps the returned token.
func (c *Client) Register(ctx context.Context, email, password, name string) (*auth.Session, error) {
	body := map[string]string{"email": email, "password": password, "name": name}
	var s auth.Session
	if err := c.do(ctx, http.MethodPost, "/auth/register", body, &s); err != nil {
		return nil, err
	}
	c.Token = s.Token
	return &s, nil
}

// Login exchanges credentials for a token and keeps it.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var s auth.Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &s); err != nil {
		return nil, err
	}
	c.Token = s.Token
	return &s, nil
}

// Profile returns the authenticated user.
func (c *Client) Profile(ctx context.Context) (*app.User, error) {
	var u app.User
	if err := c.do(ctx, http.MethodGet, "/auth/profile", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListTasks returns the caller's tasks, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]app.Task, error) {
	var tasks []app.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (app.Task, error) {
	var t app.Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

// CreateTask creates a task owned by the caller.
func (c *Client) CreateTask(ctx context.Context, in app.TaskInput) (app.Task, error) {
	var t app.Task
	err := c.do(ctx, http.MethodPost, "/tasks", in, &t)
	return t, err
}

// UpdateTask applies a partial update.
func (c *Client) UpdateTask(ctx context.Context, id string, patch app.TaskPatch) (app.Task, error) {
	var t app.Task
	err := c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id), patch, &t)
	return t, err
}

// ToggleComplete flips a task's completed flag.
func (c *Client) ToggleComplete(ctx context.Context, id string) (app.Task, error) {
	var t app.Task
	err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id)+"/complete", nil, &t)
	return t, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

// Stats returns the caller's task counts.
func (c *Client) Stats(ctx context.Context) (app.Stats, error) {
	var s app.Stats
	err := c.do(ctx, http.MethodGet, "/analytics/stats", nil, &s)
	return s, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+APIPrefix+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var eb errorBody
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(b, &eb); err != nil || eb.Message == "" {
		eb.Message = strings.TrimSpace(string(b))
		if eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
	}
	return &app.Error{Code: codeForStatus(resp.StatusCode), Message: eb.Message}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return app.EINVALID
	case http.StatusUnauthorized, http.StatusForbidden:
		return app.EUNAUTHORIZED
	case http.StatusNotFound:
		return app.ENOTFOUND
	case http.StatusConflict:
		return app.ECONFLICT
	case http.StatusTooManyRequests:
		return app.ERATELIMITED
	}
	return app.EINTERNAL
}
