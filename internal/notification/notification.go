// Package notification fires a best-effort webhook on task lifecycle events.
// Reinterpreted from notification.py's platform sound player (afplay/paplay/
// powershell) into a single cross-platform side-effect: sound output has no
// meaning for a headless, fire-and-forget daemon, but the "non-blocking,
// never fails the task" shape of the original is kept verbatim.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Event names one lifecycle moment a webhook may be notified about.
type Event string

const (
	EventTaskStarted   Event = "task_started"
	EventTaskCompleted Event = "task_completed"
	EventTaskFailed    Event = "task_failed"
)

// Payload is the JSON body posted to the configured webhook.
type Payload struct {
	Event  Event  `json:"event"`
	TaskID int64  `json:"task_id"`
	Detail string `json:"detail,omitempty"`
}

// Notifier posts lifecycle events to a configured webhook URL, entirely best
// effort: a failed delivery is logged and otherwise ignored, never surfaced to
// the task that triggered it.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// New constructs a Notifier. An empty webhookURL disables delivery entirely.
func New(webhookURL string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// NotifyTaskStarted fires EventTaskStarted without blocking the caller.
func (n *Notifier) NotifyTaskStarted(taskID int64) {
	n.dispatch(Payload{Event: EventTaskStarted, TaskID: taskID})
}

// NotifyTaskCompleted fires EventTaskCompleted or EventTaskFailed depending on
// outcome, without blocking the caller.
func (n *Notifier) NotifyTaskCompleted(taskID int64, success bool, detail string) {
	event := EventTaskCompleted
	if !success {
		event = EventTaskFailed
	}
	n.dispatch(Payload{Event: event, TaskID: taskID, Detail: detail})
}

// dispatch sends the payload on its own goroutine, mirroring the original's
// offload-to-a-worker-pool pattern for non-blocking delivery.
func (n *Notifier) dispatch(p Payload) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
		defer cancel()
		if err := n.post(ctx, p); err != nil {
			n.logger.Warn("webhook notification failed", "event", p.Event, "task_id", p.TaskID, "error", err)
		}
	}()
}

func (n *Notifier) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	n.logger.Debug("webhook notification delivered", "event", p.Event, "task_id", p.TaskID, "status", resp.StatusCode)
	return nil
}

// Status reports the notifier's current configuration for a diagnostics endpoint.
type Status struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (n *Notifier) GetStatus() Status {
	return Status{Enabled: n.Enabled(), WebhookURL: n.webhookURL}
}
