// seed inserts a demo organization, a handful of tasks, an inbound endpoint
// and a monitor into the local dev database, then prints a signed API token
// and a curl walkthrough. Run: go run ./cmd/seed
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"

	"github.com/gautema/runlater/internal/cronx"
	"github.com/gautema/runlater/internal/infrastructure/postgres"
)

// Fixed IDs so re-runs are idempotent: existing rows are skipped, not duplicated.
const (
	seedOrgID     = "11111111-1111-1111-1111-111111111111"
	seedOrgName   = "Seed Org"
	seedSlug      = "seed-inbox"
	seedMonitorID = "7c000000-0000-4000-8000-000000000001"
	seedToken     = "seed-monitor-demo"
)

type taskSpec struct {
	id      string
	name    string
	url     string
	method  string
	cron    string // empty means a one-shot scheduled ~1 minute out
	retries int
}

var tasks = []taskSpec{
	// Recurring happy path, httpbin answers 2xx
	{"7a000000-0000-4000-8000-000000000001", "heartbeat-post", "https://httpbin.org/post", "POST", "*/5 * * * *", 2},
	{"7a000000-0000-4000-8000-000000000002", "heartbeat-get", "https://httpbin.org/get", "GET", "*/5 * * * *", 2},
	{"7a000000-0000-4000-8000-000000000003", "hourly-report", "https://httpbin.org/post", "POST", "0 * * * *", 3},

	// Fails every run, 5xx from httpbin, exercises the retry backoff
	{"7a000000-0000-4000-8000-000000000004", "always-500", "https://httpbin.org/status/500", "POST", "*/10 * * * *", 2},
	{"7a000000-0000-4000-8000-000000000005", "always-503", "https://httpbin.org/status/503", "GET", "*/10 * * * *", 3},

	// Times out, httpbin delays the response longer than the 30s default timeout
	{"7a000000-0000-4000-8000-000000000006", "slow-timeout", "https://httpbin.org/delay/35", "GET", "*/15 * * * *", 1},

	// One-shot, fires about a minute after seeding
	{"7a000000-0000-4000-8000-000000000007", "one-shot-demo", "https://httpbin.org/post", "POST", "", 0},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set — run: direnv allow")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is not set — use the same value the server runs with")
	}

	pool, err := postgres.NewPool(ctx, dbURL, "runlater-seed")
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// Upsert the demo org. Pro tier so the tight cron cadences above are
	// legal and the monthly quota stays out of the way. The webhook secret
	// is only set on first insert; re-runs keep the existing one.
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatalf("webhook secret: %v", err)
	}
	var orgID string
	err = pool.QueryRow(ctx, `
		INSERT INTO organizations (id, name, tier, webhook_secret)
		VALUES ($1, $2, 'pro', $3)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		seedOrgID, seedOrgName, secret,
	).Scan(&orgID)
	if err != nil {
		log.Fatalf("upsert organization: %v", err)
	}

	now := time.Now().UTC()
	onceAt := now.Add(time.Minute)

	// Insert tasks, skip any that already exist (idempotent re-runs).
	var inserted, skipped int
	for _, spec := range tasks {
		var (
			scheduleType    = "once"
			cronExpr        *string
			intervalMinutes *int
			scheduledAt     *time.Time
			nextRunAt       time.Time
		)
		if spec.cron != "" {
			sched, err := cronx.Parse(spec.cron)
			if err != nil {
				log.Fatalf("task %s: bad cron %q", spec.name, spec.cron)
			}
			scheduleType = "cron"
			cronExpr = &spec.cron
			mins := cronx.DeriveIntervalMinutes(sched, now)
			intervalMinutes = &mins
			nextRunAt = sched.Next(now)
		} else {
			scheduledAt = &onceAt
			nextRunAt = onceAt
		}

		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO tasks (
				id, organization_id, name, url, method, headers,
				timeout_seconds, retry_attempts, schedule_type, cron_expr,
				interval_minutes, scheduled_at, next_run_at, enabled
			) VALUES ($1, $2, $3, $4, $5, '{}', 30, $6, $7, $8, $9, $10, $11, TRUE)
			ON CONFLICT (id) DO NOTHING
			RETURNING id`,
			spec.id, orgID, spec.name, spec.url, spec.method,
			spec.retries, scheduleType, cronExpr,
			intervalMinutes, scheduledAt, nextRunAt,
		).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			skipped++
		case err != nil:
			log.Fatalf("insert task %s: %v", spec.name, err)
		default:
			inserted++
		}
	}

	// Inbound endpoint: webhooks POSTed to /in/seed-inbox fan out to two URLs.
	err = pool.QueryRow(ctx, `
		INSERT INTO endpoints (id, organization_id, name, slug, forward_urls, retry_attempts)
		VALUES ($1, $2, 'Seed inbox', $3, $4, 1)
		ON CONFLICT (slug) DO NOTHING
		RETURNING id`,
		"7e000000-0000-4000-8000-000000000001", orgID, seedSlug,
		[]string{"https://httpbin.org/post", "https://httpbin.org/anything"},
	).Scan(new(string))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		log.Fatalf("insert endpoint: %v", err)
	}

	// Monitor: expects a ping every 60s, default 300s grace before alerting.
	err = pool.QueryRow(ctx, `
		INSERT INTO monitors (id, organization_id, name, token, interval_seconds)
		VALUES ($1, $2, 'seed-heartbeat', $3, 60)
		ON CONFLICT (token) DO NOTHING
		RETURNING id`,
		seedMonitorID, orgID, seedToken,
	).Scan(new(string))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		log.Fatalf("insert monitor: %v", err)
	}

	// Mint an API token for the org, same signing key the server verifies with.
	claims := jwt.RegisteredClaims{
		Subject:   orgID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * 24 * time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Organization:  %s (pro tier)\n", seedOrgName)
	fmt.Printf("  Org ID:        %s\n", orgID)
	fmt.Printf("  Tasks:         %d inserted (%d already present)\n", inserted, skipped)
	fmt.Printf("  Inbox:         /in/%s (forwards to 2 URLs)\n", seedSlug)
	fmt.Printf("  Monitor:       /ping/%s (expects a ping every 60s)\n", seedToken)
	fmt.Println()
	fmt.Println("  API token, valid 30 days:")
	fmt.Println()
	fmt.Printf("    export JWT=%s\n", token)
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  Step 1 — list the seeded tasks:")
	fmt.Println()
	fmt.Println("    curl -s http://localhost:8080/tasks -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  Step 2 — fire one immediately (any id from the list):")
	fmt.Println()
	fmt.Println("    curl -s -X POST http://localhost:8080/tasks/TASK_ID/run -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  Step 3 — send a webhook through the inbound endpoint (no auth):")
	fmt.Println()
	fmt.Printf("    curl -s -X POST http://localhost:8080/in/%s -d '{\"hello\":\"runlater\"}'\n", seedSlug)
	fmt.Println()
	fmt.Println("  Step 4 — heartbeat the monitor (stop for ~6 minutes to see it go down):")
	fmt.Println()
	fmt.Printf("    curl -s http://localhost:8080/ping/%s\n", seedToken)
	fmt.Println()
	fmt.Println("  Step 5 — watch executions accumulate:")
	fmt.Println()
	fmt.Println("    curl -s http://localhost:8080/executions -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  What to expect:")
	fmt.Println("    heartbeat-*, hourly-report  →  success (2xx from httpbin)")
	fmt.Println("    always-500, always-503     →  failed after retries")
	fmt.Println("    slow-timeout               →  timeout (35s delay > 30s limit)")
	fmt.Println("    one-shot-demo              →  runs once, ~1 minute from now")
}
