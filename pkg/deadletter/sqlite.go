package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable quarantine implementation.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL,
		replayed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_tenant_time
		ON dead_letters (tenant_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, item *Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, stage, tenant_id, payload, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Stage, item.TenantID, item.Payload, item.Reason,
		item.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dead-letter append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stage, tenant_id, payload, reason, created_at, replayed_at
		FROM dead_letters WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var createdAt string
	var replayedAt sql.NullString
	if err := row.Scan(&item.ID, &item.Stage, &item.TenantID, &item.Payload,
		&item.Reason, &createdAt, &replayedAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at in dead letter %s: %w", item.ID, err)
	}
	item.CreatedAt = ts
	if replayedAt.Valid {
		rt, err := time.Parse(time.RFC3339Nano, replayedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt replayed_at in dead letter %s: %w", item.ID, err)
		}
		item.ReplayedAt = &rt
	}
	return &item, nil
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*Item, error) {
	if to.IsZero() {
		to = maxListTime
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage, tenant_id, payload, reason, created_at, replayed_at
		FROM dead_letters
		WHERE tenant_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`,
		tenantID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET replayed_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
