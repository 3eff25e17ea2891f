// Package llm talks to the model-serving backend that classifies incidents,
// writes postmortems and runs background agent passes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fireline/internal/config"
	"fireline/internal/engine"
	"fireline/internal/logger"
)

// Client is a minimal HTTP client for the model backend.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// New returns nil when no base URL is configured so the engine falls back to
// its built-in classification and skips agent passes.
func New(cfg *config.Config, log *zap.Logger) *Client {
	if strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		return nil
	}
	timeout := cfg.LLM.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: timeout,
		Logger:  logger.OrNop(log),
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm error: status=%d body=%s", e.StatusCode, e.Body)
}

// Classify implements engine.Classifier.
func (c *Client) Classify(ctx context.Context, req engine.ClassifyRequest) (engine.Classification, error) {
	var resp engine.Classification
	err := c.do(ctx, "v1/classify", req, &resp)
	return resp, err
}

// Summarize implements engine.Summarizer.
func (c *Client) Summarize(ctx context.Context, req engine.SummaryRequest) (engine.Postmortem, error) {
	var resp engine.Postmortem
	err := c.do(ctx, "v1/postmortem", req, &resp)
	return resp, err
}

// RunTurn implements engine.AgentRunner.
func (c *Client) RunTurn(ctx context.Context, turn engine.AgentTurn) (engine.AgentOutput, error) {
	var resp engine.AgentOutput
	start := time.Now()
	err := c.do(ctx, "v1/agent/turns", turn, &resp)
	logger.Incident(c.Logger, turn.IncidentID).Debug("agent turn",
		zap.Int64("from_event_id", turn.FromEventID),
		zap.Int64("to_event_id", turn.ToEventID),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	return resp, err
}

func (c *Client) do(ctx context.Context, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
