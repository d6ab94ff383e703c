// Package notify posts escalations to the configured issue-tracking
// surface. Exactly one notification is created per sync job; the
// idempotence guarantee lives in the escalator, not here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Notification carries everything a human needs to act without
// consulting internal logs.
type Notification struct {
	Ref            string    `json:"ref"`
	JobID          string    `json:"job_id"`
	Direction      string    `json:"direction"`
	Classification string    `json:"classification"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	Commits        []string  `json:"commits,omitempty"`
	Paths          []string  `json:"paths,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notifier delivers a notification and returns its external reference.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (ref string, err error)
}

// LogNotifier writes notifications to the log only. Used when no target
// is configured and in dry runs.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notification and returns a locally generated reference.
func (l *LogNotifier) Notify(_ context.Context, n Notification) (string, error) {
	ref := newRef(n.Ref)
	l.Logger.Warn("escalation",
		"ref", ref,
		"job", n.JobID,
		"direction", n.Direction,
		"classification", n.Classification,
		"subject", n.Subject,
		"paths", n.Paths)
	return ref, nil
}

// HTTPNotifier posts notifications as JSON to an issue-tracker inbox URL.
type HTTPNotifier struct {
	Target string
	Client *http.Client
	Logger *slog.Logger
}

// NewHTTPNotifier creates a notifier against the given target URL.
func NewHTTPNotifier(target string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		Target: target,
		Client: &http.Client{Timeout: 30 * time.Second},
		Logger: logger,
	}
}

// Notify posts the notification. The reference is generated locally and
// included in the payload so the receiving tracker can correlate.
func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) (string, error) {
	n.Ref = newRef(n.Ref)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Target, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to post notification: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("notification target returned %s", resp.Status)
	}

	h.Logger.Info("notification posted", "ref", n.Ref, "job", n.JobID, "target", h.Target)
	return n.Ref, nil
}

func newRef(existing string) string {
	if existing != "" {
		return existing
	}
	return uuid.NewString()
}
