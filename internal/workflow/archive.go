package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fireline/internal/config"
	"fireline/internal/engine"
	"fireline/internal/logger"
)

// Archive hands the final incident record to the analytics store before the
// actor destroys itself.
type Archive struct {
	URL    string
	Client *http.Client
	Logger *zap.Logger
}

// NewArchive returns nil when no archive URL is configured, which leaves
// cleanup without an archive step.
func NewArchive(cfg *config.Config, log *zap.Logger) *Archive {
	if strings.TrimSpace(cfg.Archive.URL) == "" {
		return nil
	}
	timeout := cfg.Dispatch.Webhook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Archive{
		URL:    cfg.Archive.URL,
		Client: &http.Client{Timeout: timeout},
		Logger: logger.OrNop(log),
	}
}

func (a *Archive) Archive(ctx context.Context, rec engine.ArchiveRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fireline-Incident", rec.Incident.ID)
	if err := post(a.Client, req); err != nil {
		return err
	}
	logger.Incident(a.Logger, rec.Incident.ID).Info("incident archived", zap.Int("events", len(rec.Events)))
	return nil
}
