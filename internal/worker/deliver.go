package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/httpx"
	"github.com/gautema/runlater/internal/signing"
)

// Deliverer performs the outbound HTTP request for one claimed execution.
type Deliverer struct {
	client *http.Client
}

func NewDeliverer() *Deliverer {
	return &Deliverer{
		client: &http.Client{}, // no global timeout, each task sets its own
	}
}

// Result is the raw outcome of one delivery attempt.
type Result struct {
	StatusCode int
	Body       string // capped at domain.ResponseBodyCap
	Err        error
	TimedOut   bool
	Duration   time.Duration
	RetryAfter time.Duration // populated on 429 responses
}

func (d *Deliverer) Run(ctx context.Context, del *domain.Delivery) Result {
	task, exec, org := del.Task, del.Execution, del.Org
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
	defer cancel()

	var payload []byte
	var bodyReader io.Reader
	if task.Body != nil {
		payload = []byte(*task.Body)
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, task.Method, task.URL, bodyReader)
	if err != nil {
		return Result{Err: fmt.Errorf("build request: %w", err), Duration: time.Since(start)}
	}

	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(signing.HeaderTaskID, task.ID)
	req.Header.Set(signing.HeaderExecutionID, exec.ID)
	req.Header.Set(signing.HeaderSignature, signing.Sign(payload, org.WebhookSecret))

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{
			Err:      fmt.Errorf("do request: %w", err),
			TimedOut: isTimeout(err),
			Duration: time.Since(start),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.ResponseBodyCap))
	_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection can be reused by the pool

	res := Result{StatusCode: resp.StatusCode, Body: string(body), Duration: time.Since(start)}
	if resp.StatusCode == http.StatusTooManyRequests {
		res.RetryAfter = httpx.RetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return res
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
