package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NOTIFY channels used as wake signals. Wakes are a latency optimization:
// every consumer also runs on a timer, so a lost notification only costs
// one tick of delay.
const (
	ChannelSchedulerWake = "runlater_scheduler_wake"
	ChannelWorkerWake    = "runlater_worker_wake"
)

const busReconnectDelay = 5 * time.Second

// Bus broadcasts and receives wake signals over Postgres LISTEN/NOTIFY,
// so the scheduler and workers need no extra broker.
type Bus struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewBus(pool *pgxpool.Pool, logger *slog.Logger) *Bus {
	return &Bus{pool: pool, logger: logger.With("component", "bus")}
}

// Notify broadcasts on channel. Errors are logged, not returned: senders
// never fail an operation because a wake could not be delivered.
func (b *Bus) Notify(ctx context.Context, channel string) {
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, '')`, channel); err != nil {
		b.logger.Warn("notify failed", "channel", channel, "error", err)
	}
}

// Subscribe returns a coalesced signal channel for channel. A dedicated
// connection stays in LISTEN; bursts collapse into a single pending
// signal. The returned channel closes when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go b.listen(ctx, channel, wake)
	return wake
}

func (b *Bus) listen(ctx context.Context, channel string, wake chan<- struct{}) {
	defer close(wake)

	for ctx.Err() == nil {
		if err := b.listenOnce(ctx, channel, wake); err != nil && ctx.Err() == nil {
			b.logger.Warn("listen connection lost, reconnecting",
				"channel", channel,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(busReconnectDelay):
			}
		}
	}
}

func (b *Bus) listenOnce(ctx context.Context, channel string, wake chan<- struct{}) error {
	// LISTEN needs a session of its own; pooled connections get reset
	// between uses.
	conn, err := pgx.ConnectConfig(ctx, b.pool.Config().ConnConfig)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Close(closeCtx)
		cancel()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case wake <- struct{}{}:
		default: // a signal is already pending
		}
	}
}
