package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Advisory lock IDs for per-tick leader election. Transaction-scoped
// locks release on commit, so a crashed leader never wedges the system.
const (
	lockScheduler      int64 = 1134979907
	lockMonitorChecker int64 = 1134979908
	lockCleanup        int64 = 1134979909
)

// tryAdvisoryLock attempts the transaction-scoped advisory lock inside tx.
// false means another node holds it for the duration of its transaction.
func tryAdvisoryLock(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, id).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock %d: %w", id, err)
	}
	return acquired, nil
}
