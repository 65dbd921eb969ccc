package sipstatesdk

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
)

// Client is a minimal sipstate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Package is the state record of one SIP.
type Package struct {
	PackageID     string `json:"package_id"`
	CurrentState  string `json:"current_state"`
	Version       int64  `json:"version"`
	LastEventID   string `json:"last_event_id,omitempty"`
	PID           string `json:"pid,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	CreatedAt     string `json:"created_at"`
	LastUpdatedAt string `json:"last_updated_at"`
	Terminal      bool   `json:"terminal"`
}

// HistoryEntry is one committed transition.
type HistoryEntry struct {
	Version    int64  `json:"version"`
	State      string `json:"state"`
	EventID    string `json:"event_id"`
	Source     string `json:"source,omitempty"`
	OccurredAt string `json:"occurred_at"`
	RecordedAt string `json:"recorded_at"`
}

// Notification is an outbound message recorded for a package.
type Notification struct {
	MessageID     string `json:"message_id"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	PreviousState string `json:"previous_state,omitempty"`
	Version       int64  `json:"version"`
	EventID       string `json:"event_id"`
	Reason        string `json:"reason,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	CreatedAt     string `json:"created_at"`
	DeliveredAt   string `json:"delivered_at,omitempty"`
}

// Outcome reports how a submitted event was applied.
type Outcome struct {
	Status      string   `json:"status"`
	Disposition string   `json:"disposition"`
	Reason      string   `json:"reason,omitempty"`
	EventID     string   `json:"event_id,omitempty"`
	Package     *Package `json:"package,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
}

// PackagePage wraps list responses with cursors.
type PackagePage struct {
	Items      []Package `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// Counts is the number of packages per state.
type Counts struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitEvent posts a raw event payload, flat JSON or a structured CloudEvent.
// Rejected and malformed events come back as *APIError.
func (c *Client) SubmitEvent(ctx context.Context, payload []byte) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "events", json.RawMessage(payload), &resp)
	return resp, err
}

// Package fetches the state record of a package.
func (c *Client) Package(ctx context.Context, packageID string) (Package, error) {
	var resp Package
	err := c.do(ctx, http.MethodGet, "packages/"+url.PathEscape(packageID), nil, &resp)
	return resp, err
}

// Packages returns one page of packages, optionally filtered by state.
func (c *Client) Packages(ctx context.Context, state string, limit int, cursor string) (PackagePage, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "packages"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PackagePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the committed transitions of a package.
func (c *Client) History(ctx context.Context, packageID string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "packages/"+url.PathEscape(packageID)+"/history", nil, &resp)
	return resp.Items, err
}

// Notifications returns the outbound messages of a package.
func (c *Client) Notifications(ctx context.Context, packageID string, pendingOnly bool) ([]Notification, error) {
	var resp struct {
		Items []Notification `json:"items"`
	}
	endpoint := "packages/" + url.PathEscape(packageID) + "/notifications"
	if pendingOnly {
		endpoint += "?pending=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Counts returns the number of packages per state.
func (c *Client) Counts(ctx context.Context) (Counts, error) {
	var resp Counts
	err := c.do(ctx, http.MethodGet, "packages/counts", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
