package firelinesdk

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

// Client is a minimal client for the Fireline runner API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Health is the runner liveness response.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// SchedulerStatus mirrors the runner's alarm host counters.
type SchedulerStatus struct {
	Scheduled int        `json:"scheduled"`
	Running   int        `json:"running"`
	NextAt    *time.Time `json:"nextAt,omitempty"`
	Fired     int64      `json:"fired"`
	Failed    int64      `json:"failed"`
	Sweeps    int64      `json:"sweeps"`
	Workers   int        `json:"workers"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks that the runner is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v1/health", nil, &resp)
	return resp, err
}

// Scheduler returns the alarm host status.
func (c *Client) Scheduler(ctx context.Context) (SchedulerStatus, error) {
	var resp SchedulerStatus
	err := c.do(ctx, http.MethodGet, "v1/scheduler", nil, &resp)
	return resp, err
}

// Sweep asks the runner to enqueue every alarm that is already due.
func (c *Client) Sweep(ctx context.Context) (SchedulerStatus, error) {
	var resp SchedulerStatus
	err := c.do(ctx, http.MethodPost, "v1/scheduler/sweep", nil, &resp)
	return resp, err
}

// ListIncidents returns every incident the runner knows about.
func (c *Client) ListIncidents(ctx context.Context) ([]IncidentSummary, error) {
	var resp []IncidentSummary
	err := c.do(ctx, http.MethodGet, "v1/incidents", nil, &resp)
	return resp, err
}

// StartIncident creates the incident once and returns its state. Starting an
// existing id returns the stored state unchanged.
func (c *Client) StartIncident(ctx context.Context, id string, req StartRequest) (IncidentState, error) {
	var resp IncidentState
	err := c.do(ctx, http.MethodPut, incidentPath(id, ""), req, &resp)
	return resp, err
}

func (c *Client) GetIncident(ctx context.Context, id string) (IncidentState, error) {
	var resp IncidentState
	err := c.do(ctx, http.MethodGet, incidentPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) SetSeverity(ctx context.Context, id, severity, adapter string) error {
	body := map[string]string{"severity": severity}
	if adapter != "" {
		body["adapter"] = adapter
	}
	return c.do(ctx, http.MethodPut, incidentPath(id, "severity"), body, nil)
}

func (c *Client) SetAssignee(ctx context.Context, id, assignee, adapter string) error {
	body := map[string]string{"assignee": assignee}
	if adapter != "" {
		body["adapter"] = adapter
	}
	return c.do(ctx, http.MethodPut, incidentPath(id, "assignee"), body, nil)
}

func (c *Client) UpdateStatus(ctx context.Context, id, status, message, adapter string) error {
	body := map[string]string{"status": status}
	if message != "" {
		body["message"] = message
	}
	if adapter != "" {
		body["adapter"] = adapter
	}
	return c.do(ctx, http.MethodPut, incidentPath(id, "status"), body, nil)
}

func (c *Client) AddMessage(ctx context.Context, id string, req MessageRequest) error {
	return c.do(ctx, http.MethodPost, incidentPath(id, "messages"), req, nil)
}

// AddMetadata merges the given keys into the incident metadata.
func (c *Client) AddMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return c.do(ctx, http.MethodPatch, incidentPath(id, "metadata"), metadata, nil)
}

func (c *Client) UpdateAffection(ctx context.Context, id string, req AffectionRequest) error {
	return c.do(ctx, http.MethodPut, incidentPath(id, "affection"), req, nil)
}

// AddSuggestions records agent suggestions and returns the event ids in
// input order. Suggestions already recorded are skipped.
func (c *Client) AddSuggestions(ctx context.Context, id string, suggestions []Suggestion) ([]int64, error) {
	var resp struct {
		IDs []int64 `json:"ids"`
	}
	err := c.do(ctx, http.MethodPost, incidentPath(id, "suggestions"), map[string]any{"suggestions": suggestions}, &resp)
	return resp.IDs, err
}

func (c *Client) RecordSimilarIncidentsDiscovered(ctx context.Context, id string, req SimilarIncidentsDiscovered) (int64, error) {
	return c.recorded(ctx, incidentPath(id, "similar-incidents/discoveries"), req)
}

func (c *Client) RecordSimilarIncident(ctx context.Context, id string, req SimilarIncident) (int64, error) {
	return c.recorded(ctx, incidentPath(id, "similar-incidents"), req)
}

func (c *Client) RecordAgentContextEvent(ctx context.Context, id string, req RecordedEvent) (int64, error) {
	return c.recorded(ctx, incidentPath(id, "agent-events/context"), req)
}

func (c *Client) RecordAgentInsightEvent(ctx context.Context, id string, req RecordedEvent) (int64, error) {
	return c.recorded(ctx, incidentPath(id, "agent-events/insights"), req)
}

// AgentContext returns the agent projection with the events in r.
func (c *Client) AgentContext(ctx context.Context, id string, r ContextRange) (AgentContext, error) {
	q := url.Values{}
	if r.From > 0 {
		q.Set("from", strconv.FormatInt(r.From, 10))
	}
	if r.To != nil {
		q.Set("to", strconv.FormatInt(*r.To, 10))
	}
	var resp AgentContext
	err := c.do(ctx, http.MethodGet, withQuery(incidentPath(id, "context"), q), nil, &resp)
	return resp, err
}

// Events returns the newest events of an incident, oldest first.
func (c *Client) Events(ctx context.Context, id string, f EventQuery) ([]Event, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Outbox != "" {
		q.Set("outbox", f.Outbox)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery(incidentPath(id, "events"), q), nil, &resp)
	return resp, err
}

// RunAlarm runs the incident alarm in the runner and reports what remains
// queued.
func (c *Client) RunAlarm(ctx context.Context, id string) (AlarmResult, error) {
	var resp AlarmResult
	err := c.do(ctx, http.MethodPost, incidentPath(id, "alarm"), nil, &resp)
	return resp, err
}

func (c *Client) recorded(ctx context.Context, endpoint string, body any) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.ID, err
}

func incidentPath(id, sub string) string {
	p := "v1/incidents/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
