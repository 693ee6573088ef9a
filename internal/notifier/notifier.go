// Package notifier turns scheduler, worker and monitor events into tenant
// notifications: email via the configured sender, and a signed webhook
// when the organization has one set.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/email"
	"github.com/gautema/runlater/internal/repository"
	"github.com/gautema/runlater/internal/signing"
)

const (
	KindTaskFailed       = "task.failed"
	KindQuotaWarning     = "quota.warning"
	KindQuotaExhausted   = "quota.exhausted"
	KindMonitorDown      = "monitor.down"
	KindMonitorRecovered = "monitor.recovered"
)

// quotaEmailCooldown keeps a tenant stuck at its limit from getting an
// email every scheduler tick.
const quotaEmailCooldown = 24 * time.Hour

type Event struct {
	Kind string
	Org  *domain.Organization

	Task      *domain.Task      // task.failed
	Execution *domain.Execution // task.failed
	Monitor   *domain.Monitor   // monitor.down, monitor.recovered
	Threshold int               // quota.*: percent of the monthly limit
}

type Notifier struct {
	sender    email.Sender
	emailLogs repository.EmailLogRepository
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

func New(sender email.Sender, emailLogs repository.EmailLogRepository, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender:    sender,
		emailLogs: emailLogs,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With("component", "notifier"),
		now:       time.Now,
	}
}

// Publish delivers the event off the caller's critical path. The worker
// and scheduler loops never block on a mail provider.
func (n *Notifier) Publish(ctx context.Context, e Event) {
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		n.deliver(sendCtx, e)
	}()
}

func (n *Notifier) deliver(ctx context.Context, e Event) {
	if e.Org == nil {
		return
	}

	if e.Org.NotifyEmail != nil && n.shouldEmail(ctx, e) {
		n.sendEmail(ctx, e)
	}
	if e.Org.NotifyWebhookURL != nil {
		n.sendWebhook(ctx, e)
	}
}

func (n *Notifier) shouldEmail(ctx context.Context, e Event) bool {
	if e.Kind != KindQuotaWarning && e.Kind != KindQuotaExhausted {
		return true
	}
	last, err := n.emailLogs.LastOfKind(ctx, e.Org.ID, e.Kind)
	if err != nil {
		n.logger.Error("email dedup lookup failed", "organization_id", e.Org.ID, "error", err)
		return false
	}
	return last == nil || n.now().Sub(*last) >= quotaEmailCooldown
}

func (n *Notifier) sendEmail(ctx context.Context, e Event) {
	subject, body := render(e)

	providerID, err := n.sender.Send(ctx, *e.Org.NotifyEmail, subject, body)
	if err != nil {
		n.logger.Error("notification email failed",
			"organization_id", e.Org.ID,
			"kind", e.Kind,
			"error", err,
		)
		return
	}

	entry := &domain.EmailLog{
		ID:             domain.NewID(),
		OrganizationID: e.Org.ID,
		Recipient:      *e.Org.NotifyEmail,
		Subject:        subject,
		Kind:           e.Kind,
	}
	if providerID != "" {
		entry.ProviderID = &providerID
	}
	if err := n.emailLogs.Record(ctx, entry); err != nil {
		n.logger.Error("email log write failed", "organization_id", e.Org.ID, "error", err)
	}
}

type webhookPayload struct {
	Kind           string `json:"kind"`
	OrganizationID string `json:"organization_id"`
	TaskID         string `json:"task_id,omitempty"`
	TaskName       string `json:"task_name,omitempty"`
	ExecutionID    string `json:"execution_id,omitempty"`
	MonitorID      string `json:"monitor_id,omitempty"`
	MonitorName    string `json:"monitor_name,omitempty"`
	Threshold      int    `json:"threshold,omitempty"`
	At             string `json:"at"`
}

func (n *Notifier) sendWebhook(ctx context.Context, e Event) {
	p := webhookPayload{
		Kind:           e.Kind,
		OrganizationID: e.Org.ID,
		Threshold:      e.Threshold,
		At:             n.now().UTC().Format(time.RFC3339),
	}
	if e.Task != nil {
		p.TaskID = e.Task.ID
		p.TaskName = e.Task.Name
	}
	if e.Execution != nil {
		p.ExecutionID = e.Execution.ID
	}
	if e.Monitor != nil {
		p.MonitorID = e.Monitor.ID
		p.MonitorName = e.Monitor.Name
	}

	body, err := json.Marshal(p)
	if err != nil {
		n.logger.Error("marshal webhook payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *e.Org.NotifyWebhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("build notification webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderSignature, signing.Sign(body, e.Org.WebhookSecret))

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification webhook failed",
			"organization_id", e.Org.ID,
			"kind", e.Kind,
			"error", err,
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("notification webhook rejected",
			"organization_id", e.Org.ID,
			"kind", e.Kind,
			"status", resp.StatusCode,
		)
	}
}

func render(e Event) (subject, body string) {
	switch e.Kind {
	case KindTaskFailed:
		subject = fmt.Sprintf("Task %q is failing", e.Task.Name)
		detail := ""
		if e.Execution != nil && e.Execution.ErrorMessage != nil {
			detail = fmt.Sprintf("<p>Last error: %s</p>", *e.Execution.ErrorMessage)
		} else if e.Execution != nil && e.Execution.StatusCode != nil {
			detail = fmt.Sprintf("<p>Last response status: %d</p>", *e.Execution.StatusCode)
		}
		body = fmt.Sprintf("<p>Your task %q stopped succeeding.</p>%s", e.Task.Name, detail)
	case KindQuotaWarning:
		subject = fmt.Sprintf("%d%% of your monthly executions used", e.Threshold)
		body = fmt.Sprintf("<p>Your organization has used %d%% of its %d monthly executions.</p>",
			e.Threshold, e.Org.Tier.MonthlyExecutionLimit())
	case KindQuotaExhausted:
		subject = "Monthly execution limit reached"
		body = fmt.Sprintf("<p>Your organization reached its %d monthly executions. Scheduled runs are being skipped until the limit resets.</p>",
			e.Org.Tier.MonthlyExecutionLimit())
	case KindMonitorDown:
		subject = fmt.Sprintf("Monitor %q is down", e.Monitor.Name)
		body = fmt.Sprintf("<p>No ping arrived for %q within its expected interval plus grace period.</p>", e.Monitor.Name)
	case KindMonitorRecovered:
		subject = fmt.Sprintf("Monitor %q recovered", e.Monitor.Name)
		body = fmt.Sprintf("<p>%q is reporting again.</p>", e.Monitor.Name)
	default:
		subject = "Runlater notification"
		body = "<p>Something happened that we could not classify.</p>"
	}
	return subject, body
}
