package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/requestid"
	"github.com/gautema/runlater/internal/transport/http/middleware"
)

func requestIDEngine() *gin.Engine {
	r := gin.New()
	r.GET("/x", middleware.RequestID(), func(c *gin.Context) {
		c.String(http.StatusOK, requestid.FromContext(c.Request.Context()))
	})
	return r
}

func TestRequestID_PreservesCallerValue(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "caller-id-123")
	requestIDEngine().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "caller-id-123" {
		t.Fatalf("response header = %q, want caller value", got)
	}
	if w.Body.String() != "caller-id-123" {
		t.Fatalf("context id = %q, want caller value", w.Body.String())
	}
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	requestIDEngine().ServeHTTP(w, req)

	id := w.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("no request id generated")
	}
	if w.Body.String() != id {
		t.Fatalf("context id %q != header id %q", w.Body.String(), id)
	}
}

func TestRequestID_ReplacesHostileValue(t *testing.T) {
	cases := []string{
		"bad\nid",
		"x y",
		`"><script>`,
		strings.Repeat("a", 65),
	}
	for _, hostile := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Request-ID", hostile)
		requestIDEngine().ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got == hostile || got == "" {
			t.Errorf("hostile header %q survived as %q", hostile, got)
		}
	}
}
