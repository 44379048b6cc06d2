package crdb

import "context"

// Schema creates the lock, claim, booking, outbox and quarantine tables. seat_claims is the
// single row per (showtime_id, seat_no) that makes overlapping claims impossible.
const Schema = `
CREATE TABLE IF NOT EXISTS seat_locks (
	id UUID PRIMARY KEY,
	showtime_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	seat_nos TEXT[] NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('ACTIVE', 'RELEASED', 'CONSUMED', 'EXPIRED'))
);
CREATE INDEX IF NOT EXISTS seat_locks_active_expiry ON seat_locks (expires_at) WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS seat_locks_active_showtime ON seat_locks (showtime_id) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS seat_claims (
	showtime_id TEXT NOT NULL,
	seat_no TEXT NOT NULL,
	lock_id UUID NOT NULL,
	booking_id UUID,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (showtime_id, seat_no)
);
CREATE INDEX IF NOT EXISTS seat_claims_lock ON seat_claims (lock_id);
CREATE INDEX IF NOT EXISTS seat_claims_booking ON seat_claims (booking_id);

CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	lock_id UUID NOT NULL UNIQUE,
	showtime_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	seats JSONB NOT NULL,
	combos JSONB NOT NULL,
	payment_method TEXT NOT NULL,
	total BIGINT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'confirmed', 'cancelled')),
	payment_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bookings_owner ON bookings (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS bookings_showtime_live ON bookings (showtime_id) WHERE status IN ('pending', 'confirmed');
CREATE INDEX IF NOT EXISTS bookings_pending ON bookings (created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status TEXT NOT NULL CHECK (status IN ('NEW', 'PUBLISHED')),
	dedupe_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_new ON outbox (created_at) WHERE status = 'NEW';

CREATE TABLE IF NOT EXISTS showtime_halts (
	showtime_id TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	halted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}
