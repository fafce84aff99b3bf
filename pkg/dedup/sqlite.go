package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is a durable ledger backed by a single table. The claim is an
// INSERT with ON CONFLICT DO NOTHING: the rows-affected count decides who won,
// which is atomic without any application-level locking.
type SQLiteLedger struct {
	db        *sql.DB
	retention time.Duration
	clock     func() time.Time
}

func NewSQLiteLedger(db *sql.DB, retention time.Duration) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, retention: retention, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLiteLedger) WithClock(clock func() time.Time) *SQLiteLedger {
	l.clock = clock
	return l
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dedup_ledger (
		source TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		first_seen_at INTEGER NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (source, tenant_id, event_id)
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLedger) Claim(ctx context.Context, key Key) (Result, error) {
	now := l.clock()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO dedup_ledger (source, tenant_id, event_id, first_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source, tenant_id, event_id) DO NOTHING`,
		key.Source, key.TenantID, key.EventID, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("dedup claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("dedup claim: %w", err)
	}
	if n > 0 {
		return Accepted, nil
	}

	// Existing entry. If it aged out of retention, revive it: the UPDATE's
	// WHERE clause makes this race-safe, only one reviver can match.
	cutoff := now.Add(-l.retention).UnixMilli()
	res, err = l.db.ExecContext(ctx, `
		UPDATE dedup_ledger
		SET first_seen_at = ?, outcome = ''
		WHERE source = ? AND tenant_id = ? AND event_id = ? AND first_seen_at <= ?`,
		now.UnixMilli(), key.Source, key.TenantID, key.EventID, cutoff)
	if err != nil {
		return "", fmt.Errorf("dedup revive: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return "", fmt.Errorf("dedup revive: %w", err)
	}
	if n > 0 {
		return Accepted, nil
	}
	return Duplicate, nil
}

func (l *SQLiteLedger) Release(ctx context.Context, key Key) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM dedup_ledger WHERE source = ? AND tenant_id = ? AND event_id = ?`,
		key.Source, key.TenantID, key.EventID)
	return err
}

func (l *SQLiteLedger) RecordOutcome(ctx context.Context, key Key, outcome string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE dedup_ledger SET outcome = ? WHERE source = ? AND tenant_id = ? AND event_id = ?`,
		outcome, key.Source, key.TenantID, key.EventID)
	return err
}

// Seen reports whether a live claim exists for the key.
func (l *SQLiteLedger) Seen(ctx context.Context, key Key) (bool, error) {
	cutoff := l.clock().Add(-l.retention).UnixMilli()
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM dedup_ledger
		WHERE source = ? AND tenant_id = ? AND event_id = ? AND first_seen_at > ?`,
		key.Source, key.TenantID, key.EventID, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup seen: %w", err)
	}
	return n > 0, nil
}

// Outcome returns the recorded terminal outcome for a key.
func (l *SQLiteLedger) Outcome(ctx context.Context, key Key) (string, error) {
	var outcome string
	err := l.db.QueryRowContext(ctx,
		`SELECT outcome FROM dedup_ledger WHERE source = ? AND tenant_id = ? AND event_id = ?`,
		key.Source, key.TenantID, key.EventID).Scan(&outcome)
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Sweep evicts entries past the retention window.
func (l *SQLiteLedger) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-l.retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM dedup_ledger WHERE first_seen_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dedup sweep: %w", err)
	}
	return res.RowsAffected()
}
