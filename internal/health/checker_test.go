package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gautema/runlater/internal/health"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

func newTestChecker(deps map[string]health.Pinger) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return health.NewChecker(slog.Default(), reg, deps), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(map[string]health.Pinger{
		"postgres": &fakePinger{err: errors.New("db down")},
	})

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("status = %s, want up", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("liveness ran checks: %v", result.Checks)
	}
}

func TestReadiness_AllDependenciesUp(t *testing.T) {
	c, reg := newTestChecker(map[string]health.Pinger{
		"postgres": &fakePinger{},
	})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("status = %s, want up", result.Status)
	}
	if got := result.Checks["postgres"].Status; got != "up" {
		t.Fatalf("postgres check = %s, want up", got)
	}
	if g := gaugeValue(t, reg, "postgres"); g != 1 {
		t.Fatalf("gauge = %f, want 1", g)
	}
}

func TestReadiness_OneDownDependencyMarksResultDown(t *testing.T) {
	c, reg := newTestChecker(map[string]health.Pinger{
		"postgres": &fakePinger{err: errors.New("connection refused")},
		"replica":  &fakePinger{},
	})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("status = %s, want down", result.Status)
	}
	pg := result.Checks["postgres"]
	if pg.Status != "down" || pg.Error == "" {
		t.Fatalf("postgres check = %+v, want down with error", pg)
	}
	if got := result.Checks["replica"].Status; got != "up" {
		t.Fatalf("replica check = %s, want up despite postgres down", got)
	}
	if g := gaugeValue(t, reg, "postgres"); g != 0 {
		t.Fatalf("postgres gauge = %f, want 0", g)
	}
	if g := gaugeValue(t, reg, "replica"); g != 1 {
		t.Fatalf("replica gauge = %f, want 1", g)
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, dep string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "runlater_health_check_up" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == dep {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("health_check_up{dependency=%q} not found", dep)
	return 0
}
