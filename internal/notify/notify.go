// Package notify delivers pipeline and review events to external listeners.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/config"
	"github.com/sells-group/diligence-cli/internal/resilience"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"
	EventRunPaused        EventType = "run.paused"
	EventRiskDetailEdited EventType = "risk.detail_edited"
)

// Event is a fire-and-forget notification with a subject and payload.
type Event struct {
	Type      EventType      `json:"type"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, subject string, payload map[string]any) Event {
	return Event{Type: typ, Subject: subject, Payload: payload, Timestamp: time.Now().UTC()}
}

// Dispatcher delivers events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// New builds the dispatcher described by cfg: a webhook when a URL is
// configured, a log sink otherwise, wrapped so callers never block.
func New(cfg config.NotifyConfig) *Async {
	if cfg.WebhookURL == "" {
		return NewAsync(Log{})
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	return NewAsync(NewWebhook(cfg.WebhookURL, timeout))
}

// Webhook posts events as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// NewWebhook creates a Webhook. A non-positive timeout defaults to 10s.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc := resilience.DefaultRetryConfig()
	rc.OnRetry = resilience.RetryLogger("notify", "webhook")
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  rc,
	}
}

// Dispatch posts ev, retrying transient failures.
func (w *Webhook) Dispatch(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	return resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, payload)
	})
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}

// Log writes events to the global logger.
type Log struct{}

// Dispatch logs ev.
func (Log) Dispatch(_ context.Context, ev Event) error {
	zap.L().Info("notify: event",
		zap.String("type", string(ev.Type)),
		zap.String("subject", ev.Subject),
		zap.Any("payload", ev.Payload),
	)
	return nil
}

// Async hands events to a wrapped dispatcher on a background goroutine.
// Delivery errors are logged, never returned.
type Async struct {
	next Dispatcher
	wg   sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Dispatcher) *Async {
	return &Async{next: next}
}

// Dispatch schedules delivery and returns immediately. Delivery is detached
// from ctx cancellation so that a finished request does not abort it.
func (a *Async) Dispatch(ctx context.Context, ev Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.next.Dispatch(context.WithoutCancel(ctx), ev); err != nil {
			zap.L().Error("notify: delivery failed",
				zap.String("type", string(ev.Type)),
				zap.String("subject", ev.Subject),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until all scheduled deliveries have finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
