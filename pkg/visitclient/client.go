// Package visitclient is a Go client for the visitflow HTTP API.
package visitclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Error codes returned by the server.
const (
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeInvalidTransition = "invalid_transition"
	CodeVisitClosed       = "visit_closed"
	CodeStaleVersion      = "stale_version"
	CodeInvalidRequest    = "invalid_request"
)

var ErrStaleVersion = errors.New("stale version")

// APIError is a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("visitflow: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("visitflow: %s: %s", e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrStaleVersion && e.Code == CodeStaleVersion
}

type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// Header is added to every request, e.g. the X-Dev-* identity headers
	// of a development server.
	Header http.Header
}

type Client struct {
	baseURL    string
	token      string
	header     http.Header
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		header:  cfg.Header.Clone(),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	var v Visit
	if err := c.do(ctx, http.MethodGet, "/api/v1/visits/"+id.String(), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

type CheckInRequest struct {
	PatientID     uuid.UUID  `json:"patientId"`
	BranchID      uuid.UUID  `json:"branchId,omitempty"`
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
}

func (c *Client) CheckIn(ctx context.Context, req CheckInRequest) (*Visit, error) {
	var v Visit
	if err := c.do(ctx, http.MethodPost, "/api/v1/visits", req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

type HandoffRequest struct {
	VisitID         uuid.UUID `json:"-"`
	TargetStage     Stage     `json:"targetStage"`
	ExpectedVersion int       `json:"expectedVersion"`
	Note            string    `json:"note,omitempty"`
	// From is the stage the caller saw. When set, a stale-version rejection
	// is retried once if the visit is still at From.
	From Stage `json:"-"`
}

// Handoff moves a visit to req.TargetStage.
func (c *Client) Handoff(ctx context.Context, req HandoffRequest) (*Visit, error) {
	v, err := c.handoff(ctx, req)
	if err == nil || req.From == "" || !errors.Is(err, ErrStaleVersion) {
		return v, err
	}

	fresh, gerr := c.GetVisit(ctx, req.VisitID)
	if gerr != nil || fresh.CurrentStage != req.From {
		return nil, err
	}
	req.ExpectedVersion = fresh.Version
	return c.handoff(ctx, req)
}

func (c *Client) handoff(ctx context.Context, req HandoffRequest) (*Visit, error) {
	var v Visit
	if err := c.do(ctx, http.MethodPost, "/api/v1/visits/"+req.VisitID.String()+"/handoff", req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int, reason string) (*Visit, error) {
	body := struct {
		ExpectedVersion int    `json:"expectedVersion"`
		Reason          string `json:"reason"`
	}{expectedVersion, reason}
	var v Visit
	if err := c.do(ctx, http.MethodPost, "/api/v1/visits/"+id.String()+"/cancel", body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Queue lists the open visits waiting at stage, oldest arrival first.
func (c *Client) Queue(ctx context.Context, stage Stage, branchID uuid.UUID) ([]QueueEntry, error) {
	q := url.Values{}
	if branchID != uuid.Nil {
		q.Set("branch_id", branchID.String())
	}
	var entries []QueueEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues/"+url.PathEscape(string(stage))+query(q), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Stats fetches the dashboard. Empty role and period use the server defaults.
func (c *Client) Stats(ctx context.Context, branchID uuid.UUID, role, period string) (*Stats, error) {
	q := url.Values{}
	if branchID != uuid.Nil {
		q.Set("branch_id", branchID.String())
	}
	if role != "" {
		q.Set("role", role)
	}
	if period != "" {
		q.Set("period", period)
	}
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/dashboard/stats"+query(q), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WatchURL is the websocket URL for branch push notifications.
func (c *Client) WatchURL(branchID uuid.UUID) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?branch_id=" + branchID.String()
}

func (c *Client) requestHeader() http.Header {
	h := c.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header = c.requestHeader()
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func query(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
