package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded store implementation.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS metadata_records (
		tenant_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		asset_type TEXT NOT NULL DEFAULT '',
		attributes JSON NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		PRIMARY KEY (tenant_id, asset_id)
	);
	CREATE TABLE IF NOT EXISTS change_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		asset_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		previous_version INTEGER NOT NULL,
		new_version INTEGER NOT NULL,
		changed_attributes JSON NOT NULL DEFAULT '[]',
		emitted_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS stream_cursors (
		consumer TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, assetID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset_id, asset_type, tenant_id, attributes, version, updated_at, deleted_at
		FROM metadata_records
		WHERE tenant_id = ? AND asset_id = ?`,
		tenantID, assetID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Deleted() {
		return nil, ErrDeleted
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var attrsJSON string
	var updatedAt string
	var deletedAt sql.NullString
	if err := row.Scan(&rec.AssetID, &rec.AssetType, &rec.TenantID, &attrsJSON,
		&rec.Version, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrsJSON), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("corrupt attributes JSON for asset %s: %w", rec.AssetID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt updated_at for asset %s: %w", rec.AssetID, err)
	}
	rec.UpdatedAt = ts
	if deletedAt.Valid {
		dt, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt deleted_at for asset %s: %w", rec.AssetID, err)
		}
		rec.DeletedAt = &dt
	}
	return &rec, nil
}

func (s *SQLiteStore) Register(ctx context.Context, rec *Record) error {
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metadata_records (tenant_id, asset_id, asset_type, attributes, version, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (tenant_id, asset_id) DO NOTHING`,
		rec.TenantID, rec.AssetID, rec.AssetType, string(attrsJSON),
		s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("register asset %s: %w", rec.AssetID, err)
	}
	return nil
}

func (s *SQLiteStore) CompareAndPut(ctx context.Context, rec *Record, expectedVersion int64, changed []string) (int64, error) {
	attrsJSON, err := json.Marshal(rec.Attributes)
	if err != nil {
		return 0, fmt.Errorf("marshal attributes: %w", err)
	}
	changedJSON, err := json.Marshal(changed)
	if err != nil {
		return 0, fmt.Errorf("marshal changed attributes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE metadata_records
		SET attributes = ?, asset_type = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND asset_id = ? AND version = ? AND deleted_at IS NULL`,
		string(attrsJSON), rec.AssetType, now.Format(time.RFC3339Nano),
		rec.TenantID, rec.AssetID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, s.classifyPutFailure(ctx, tx, rec.TenantID, rec.AssetID)
	}

	newVersion := expectedVersion + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_records (asset_id, tenant_id, previous_version, new_version, changed_attributes, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.AssetID, rec.TenantID, expectedVersion, newVersion, string(changedJSON),
		now.Format(time.RFC3339Nano)); err != nil {
		return 0, fmt.Errorf("emit change record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newVersion, nil
}

// classifyPutFailure distinguishes conflict from missing from deleted after a
// zero-row conditional update, inside the same transaction.
func (s *SQLiteStore) classifyPutFailure(ctx context.Context, tx *sql.Tx, tenantID, assetID string) error {
	var deletedAt sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM metadata_records WHERE tenant_id = ? AND asset_id = ?`,
		tenantID, assetID).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if deletedAt.Valid {
		return ErrDeleted
	}
	return ErrVersionConflict
}

func (s *SQLiteStore) Delete(ctx context.Context, tenantID, assetID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	var deletedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT version, deleted_at FROM metadata_records WHERE tenant_id = ? AND asset_id = ?`,
		tenantID, assetID).Scan(&version, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if deletedAt.Valid {
		return nil
	}

	now := s.clock().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE metadata_records
		SET deleted_at = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND asset_id = ?`,
		now, now, tenantID, assetID); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_records (asset_id, tenant_id, previous_version, new_version, changed_attributes, emitted_at)
		VALUES (?, ?, ?, ?, '[]', ?)`,
		assetID, tenantID, version, version+1, now); err != nil {
		return fmt.Errorf("emit change record: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Changes(ctx context.Context, afterSeq int64, limit int) ([]ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, asset_id, tenant_id, previous_version, new_version, changed_attributes, emitted_at
		FROM change_records
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChangeRecord
	for rows.Next() {
		var cr ChangeRecord
		var changedJSON, emittedAt string
		if err := rows.Scan(&cr.Seq, &cr.AssetID, &cr.TenantID, &cr.PreviousVersion,
			&cr.NewVersion, &changedJSON, &emittedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(changedJSON), &cr.ChangedAttributes); err != nil {
			return nil, fmt.Errorf("corrupt changed_attributes in change %d: %w", cr.Seq, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, emittedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt emitted_at in change %d: %w", cr.Seq, err)
		}
		cr.EmittedAt = ts
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Cursor(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM stream_cursors WHERE consumer = ?`, consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, consumer string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_cursors (consumer, seq) VALUES (?, ?)
		ON CONFLICT (consumer) DO UPDATE SET seq = excluded.seq`,
		consumer, seq)
	return err
}
