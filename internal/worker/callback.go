package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/signing"
)

// callbackDelays separate the three callback attempts. Package variable
// so tests can shrink them.
var callbackDelays = []time.Duration{5 * time.Second, 20 * time.Second}

type callbackPayload struct {
	TaskID       string    `json:"task_id"`
	TaskName     string    `json:"task_name"`
	ExecutionID  string    `json:"execution_id"`
	Attempt      int       `json:"attempt"`
	Status       string    `json:"status"`
	StatusCode   *int      `json:"status_code,omitempty"`
	Error        *string   `json:"error,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// sendCallback POSTs a signed delivery summary to the task's callback
// URL. Best effort with bounded retries; a failing callback never touches
// the execution's outcome.
func (w *Worker) sendCallback(ctx context.Context, del *domain.Delivery, status domain.ExecutionStatus, out domain.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	payload, err := json.Marshal(callbackPayload{
		TaskID:       del.Task.ID,
		TaskName:     del.Task.Name,
		ExecutionID:  del.Execution.ID,
		Attempt:      del.Execution.Attempt,
		Status:       string(status),
		StatusCode:   out.StatusCode,
		Error:        out.ErrorMessage,
		ScheduledFor: del.Execution.ScheduledFor,
		FinishedAt:   w.now().UTC(),
		DurationMS:   out.Duration.Milliseconds(),
	})
	if err != nil {
		w.logger.Error("marshal callback payload", "task_id", del.Task.ID, "error", err)
		return
	}

	url := *del.Task.CallbackURL
	for i := 0; ; i++ {
		err := w.postCallback(ctx, url, payload, del.Org.WebhookSecret)
		if err == nil {
			w.logger.Debug("callback delivered", "task_id", del.Task.ID, "attempts", i+1)
			return
		}
		if i >= len(callbackDelays) {
			w.logger.Warn("callback delivery gave up",
				"task_id", del.Task.ID,
				"url", url,
				"attempts", i+1,
				"error", err,
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(callbackDelays[i]):
		}
	}
}

func (w *Worker) postCallback(ctx context.Context, url string, payload, secret []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderSignature, signing.Sign(payload, secret))

	resp, err := w.deliverer.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
