package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Quarantine keeps halted showtimes in showtime_halts, next to the claims they
// protect.
type Quarantine struct {
	pool *pgxpool.Pool
}

func NewQuarantine(pool *pgxpool.Pool) *Quarantine {
	return &Quarantine{pool: pool}
}

func (q *Quarantine) Halt(ctx context.Context, showtimeID, reason string) (bool, error) {
	tag, err := q.pool.Exec(ctx,
		`INSERT INTO showtime_halts (showtime_id, reason) VALUES ($1, $2) ON CONFLICT (showtime_id) DO NOTHING`,
		showtimeID, reason)
	if err != nil {
		return false, errors.Wrapf(err, "halt showtime %s", showtimeID)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Quarantine) Reason(ctx context.Context, showtimeID string) (string, bool, error) {
	var reason string
	err := q.pool.QueryRow(ctx, `SELECT reason FROM showtime_halts WHERE showtime_id = $1`, showtimeID).Scan(&reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read quarantine of showtime %s", showtimeID)
	}
	return reason, true, nil
}

func (q *Quarantine) Lift(ctx context.Context, showtimeID string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM showtime_halts WHERE showtime_id = $1`, showtimeID)
	if err != nil {
		return false, errors.Wrapf(err, "lift quarantine of showtime %s", showtimeID)
	}
	return tag.RowsAffected() == 1, nil
}
