// Package alert tells operators about payment events that need a human.
package alert

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
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Severity          Severity          `json:"severity"`
	Title             string            `json:"title"`
	ExternalReference string            `json:"external_reference,omitempty"`
	UserID            uint              `json:"user_id,omitempty"`
	Detail            string            `json:"detail,omitempty"`
	Fields            map[string]string `json:"fields,omitempty"`
	At                time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	log := n.Log
	if log == nil {
		log = zap.L()
	}
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("external_reference", a.ExternalReference),
		zap.Uint("user_id", a.UserID),
		zap.String("detail", a.Detail),
		zap.Any("fields", a.Fields),
	}
	if a.Severity == SeverityCritical {
		log.Error("operator alert: "+a.Title, fields...)
	} else {
		log.Warn("operator alert: "+a.Title, fields...)
	}
	return nil
}

// WebhookNotifier posts alerts as JSON to an operator chat or paging hook.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alert hook error: status=%d body=%s", resp.StatusCode, string(raw))
	}
	return nil
}

// Multi fans an alert out to every notifier and returns the first error.
// A failing notifier does not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps alerts in memory. Tests use it to assert on operator
// alerts.
type Recorder struct {
	Alerts []Alert
}

func (r *Recorder) Notify(_ context.Context, a Alert) error {
	r.Alerts = append(r.Alerts, a)
	return nil
}
