package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the production store implementation. Schema is managed by
// migrations outside this package:
//
//	metadata_records(tenant_id, asset_id, asset_type, attributes jsonb,
//	                 version bigint, updated_at timestamptz, deleted_at timestamptz,
//	                 primary key (tenant_id, asset_id))
//	change_records(seq bigserial primary key, asset_id, tenant_id,
//	               previous_version bigint, new_version bigint,
//	               changed_attributes jsonb, emitted_at timestamptz)
//	stream_cursors(consumer text primary key, seq bigint)
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, assetID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset_id, asset_type, tenant_id, attributes, version, updated_at, deleted_at
		FROM metadata_records
		WHERE tenant_id = $1 AND asset_id = $2`,
		tenantID, assetID)

	var rec Record
	var attrsJSON []byte
	var deletedAt sql.NullTime
	err := row.Scan(&rec.AssetID, &rec.AssetType, &rec.TenantID, &attrsJSON,
		&rec.Version, &rec.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrsJSON, &rec.Attributes); err != nil {
		return nil, fmt.Errorf("corrupt attributes JSON for asset %s: %w", rec.AssetID, err)
	}
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
		return nil, ErrDeleted
	}
	return &rec, nil
}

func (s *PostgresStore) Register(ctx context.Context, rec *Record) error {
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
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (tenant_id, asset_id) DO NOTHING`,
		rec.TenantID, rec.AssetID, rec.AssetType, attrsJSON, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("register asset %s: %w", rec.AssetID, err)
	}
	return nil
}

func (s *PostgresStore) CompareAndPut(ctx context.Context, rec *Record, expectedVersion int64, changed []string) (int64, error) {
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
		SET attributes = $1, asset_type = $2, version = version + 1, updated_at = $3
		WHERE tenant_id = $4 AND asset_id = $5 AND version = $6 AND deleted_at IS NULL`,
		attrsJSON, rec.AssetType, now, rec.TenantID, rec.AssetID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var deletedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT deleted_at FROM metadata_records WHERE tenant_id = $1 AND asset_id = $2`,
			rec.TenantID, rec.AssetID).Scan(&deletedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		if deletedAt.Valid {
			return 0, ErrDeleted
		}
		return 0, ErrVersionConflict
	}

	newVersion := expectedVersion + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_records (asset_id, tenant_id, previous_version, new_version, changed_attributes, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.AssetID, rec.TenantID, expectedVersion, newVersion, changedJSON, now); err != nil {
		return 0, fmt.Errorf("emit change record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newVersion, nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID, assetID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	var deletedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT version, deleted_at FROM metadata_records WHERE tenant_id = $1 AND asset_id = $2 FOR UPDATE`,
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

	now := s.clock().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE metadata_records SET deleted_at = $1, version = version + 1, updated_at = $1
		WHERE tenant_id = $2 AND asset_id = $3`,
		now, tenantID, assetID); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_records (asset_id, tenant_id, previous_version, new_version, changed_attributes, emitted_at)
		VALUES ($1, $2, $3, $4, '[]', $5)`,
		assetID, tenantID, version, version+1, now); err != nil {
		return fmt.Errorf("emit change record: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Changes(ctx context.Context, afterSeq int64, limit int) ([]ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, asset_id, tenant_id, previous_version, new_version, changed_attributes, emitted_at
		FROM change_records
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChangeRecord
	for rows.Next() {
		var cr ChangeRecord
		var changedJSON []byte
		if err := rows.Scan(&cr.Seq, &cr.AssetID, &cr.TenantID, &cr.PreviousVersion,
			&cr.NewVersion, &changedJSON, &cr.EmittedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(changedJSON, &cr.ChangedAttributes); err != nil {
			return nil, fmt.Errorf("corrupt changed_attributes in change %d: %w", cr.Seq, err)
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Cursor(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM stream_cursors WHERE consumer = $1`, consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, consumer string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_cursors (consumer, seq) VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE SET seq = excluded.seq`,
		consumer, seq)
	return err
}
