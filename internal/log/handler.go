package log

import (
	"context"
	"log/slog"

	"github.com/gautema/runlater/internal/requestid"
)

type orgKey struct{}

// WithOrg returns a copy of ctx carrying the organization ID for log
// enrichment. Set once by the auth middleware; every log line written
// under that request then identifies the tenant.
func WithOrg(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgKey{}, orgID)
}

func orgFromContext(ctx context.Context) string {
	id, _ := ctx.Value(orgKey{}).(string)
	return id
}

// ContextHandler wraps an slog.Handler and stamps each record with the
// request_id and org_id found in its context.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := requestid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if org := orgFromContext(ctx); org != "" {
		r.AddAttrs(slog.String("org_id", org))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
