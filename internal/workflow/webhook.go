package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fireline/internal/config"
	"fireline/internal/engine"
	"fireline/internal/logger"
)

const defaultWebhookTimeout = 10 * time.Second

var deliveryNamespace = uuid.MustParse("3b8f4a9e-0d2c-4e71-b6a5-91c2e7f04d18")

// DeliveryID identifies one event across every attempt to deliver it.
func DeliveryID(incidentID string, eventID int64) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(incidentID+":"+strconv.FormatInt(eventID, 10))).String()
}

// Webhook posts outbox deliveries to the workflow backend.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Logger *zap.Logger
}

// NewWebhook builds a Webhook from the dispatch config.
func NewWebhook(cfg *config.Config, log *zap.Logger) *Webhook {
	timeout := cfg.Dispatch.Webhook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		URL:    cfg.Dispatch.Webhook.URL,
		Secret: cfg.Dispatch.Webhook.Secret,
		Client: &http.Client{Timeout: timeout},
		Logger: logger.OrNop(log),
	}
}

// New returns the webhook dispatcher, or a LogSink when no URL is configured.
func New(cfg *config.Config, log *zap.Logger) engine.Dispatcher {
	if strings.TrimSpace(cfg.Dispatch.Webhook.URL) == "" {
		return LogSink{Logger: logger.OrNop(log)}
	}
	return NewWebhook(cfg, log)
}

// Dispatch implements engine.Dispatcher. Any non-2xx response is a failure.
func (w *Webhook) Dispatch(ctx context.Context, d engine.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	delivery := DeliveryID(d.Event.IncidentID, d.Event.ID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fireline-Event", d.Event.Type)
	req.Header.Set("X-Fireline-Delivery", delivery)
	req.Header.Set("X-Fireline-Incident", d.Event.IncidentID)
	req.Header.Set("X-Fireline-Attempt", strconv.Itoa(d.Event.Attempts+1))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Fireline-Secret", w.Secret)
	}
	if err := post(w.Client, req); err != nil {
		return err
	}
	logger.OrNop(w.Logger).Debug("webhook delivered",
		zap.String("incident_id", d.Event.IncidentID),
		zap.Int64("event_id", d.Event.ID),
		zap.String("delivery", delivery),
	)
	return nil
}

// LogSink accepts every delivery and logs it. Used when no workflow backend
// is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Dispatch(_ context.Context, d engine.Delivery) error {
	logger.OrNop(s.Logger).Info("workflow event",
		zap.String("incident_id", d.Event.IncidentID),
		zap.Int64("event_id", d.Event.ID),
		zap.String("event_type", d.Event.Type),
		zap.String("adapter", d.Event.Adapter),
	)
	return nil
}

func post(client *http.Client, req *http.Request) error {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s status %d: %s", req.URL.Host, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
