// Package notify forwards applied status changes to an HTTP callback so other
// platform services can react without polling the stores.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/service/reconcile"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	queueSize        = 256
	callbackPath     = "/task-events"
)

// ErrUnauthorized indicates the callback rejected the notifier's credentials.
var ErrUnauthorized = errors.New("notify: unauthorized")

// ErrRejected indicates the callback refused the payload.
var ErrRejected = errors.New("notify: payload rejected")

// StatusChange is the callback payload for one applied update.
type StatusChange struct {
	EventID    string    `json:"event_id"`
	Target     string    `json:"target"`
	RecordID   string    `json:"record_id"`
	Status     string    `json:"status"`
	TaskArn    string    `json:"task_arn"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier posts status changes to baseURL + /task-events.
type Notifier struct {
	baseURL string
	token   string
	client  *http.Client
	queue   chan StatusChange
	logger  *slog.Logger
}

// New creates a notifier. It returns an error when baseURL is empty.
func New(baseURL, token string, client *http.Client, logger *slog.Logger) (*Notifier, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("notify: base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		queue:   make(chan StatusChange, queueSize),
		logger:  logger.With("component", "notify"),
	}, nil
}

// Observe queues applied outcomes for delivery. Dropped and failed outcomes
// change nothing and are not forwarded.
func (n *Notifier) Observe(event domain.TaskStateChangeEvent, out reconcile.Outcome, _ time.Duration) {
	if out.Kind != reconcile.KindApplied {
		return
	}
	change := StatusChange{
		EventID:    event.ID,
		Target:     out.Target,
		RecordID:   out.RecordID,
		Status:     out.Status,
		TaskArn:    event.Detail.TaskArn,
		OccurredAt: event.Timestamp.UTC(),
	}
	select {
	case n.queue <- change:
	default:
		n.logger.Warn("notification queue full, dropping status change", "record_id", out.RecordID, "status", out.Status)
	}
}

// Run delivers queued changes until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-n.queue:
			if err := n.Send(ctx, change); err != nil {
				n.logger.Warn("failed to deliver status change", "record_id", change.RecordID, "target", change.Target, "error", err)
			}
		}
	}
}

// Send posts a single change.
func (n *Notifier) Send(ctx context.Context, change StatusChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+callbackPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	default:
		return fmt.Errorf("notification failed: %s", summary)
	}
}
