package vault

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/offline-sync/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the vault tables when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate vault: %w", err)
	}
	return nil
}

// Postgres is a Vault backed by the sync_entities and sync_entity_history tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const selectRecord = `
SELECT tenant_id, entity_type, entity_id, version, fields, deleted, locked, updated_at
FROM sync_entities
WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`

func (p *Postgres) Get(ctx context.Context, key Key) (Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, selectRecord, key.TenantID, key.EntityType, key.EntityID))
	if err != nil {
		return Record{}, err
	}
	if rec.Deleted {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (p *Postgres) Insert(ctx context.Context, key Key, fields types.Fields, unique string) (Record, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return Record{}, fmt.Errorf("marshal fields: %w", err)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if value, ok := fields[unique]; unique != "" && ok {
		// Serialize inserts that share a natural key.
		lockKey := fmt.Sprintf("%s/%s/%s=%v", key.TenantID, key.EntityType, unique, value)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return Record{}, err
		}
		probe, err := json.Marshal(map[string]any{unique: value})
		if err != nil {
			return Record{}, fmt.Errorf("marshal unique probe: %w", err)
		}
		existing, err := scanRecord(tx.QueryRow(ctx, `
SELECT tenant_id, entity_type, entity_id, version, fields, deleted, locked, updated_at
FROM sync_entities
WHERE tenant_id = $1 AND entity_type = $2 AND NOT deleted AND fields @> $3::jsonb
LIMIT 1`, key.TenantID, key.EntityType, probe))
		switch {
		case err == nil:
			return Record{}, &DuplicateError{Field: unique, Existing: existing}
		case !errors.Is(err, ErrNotFound):
			return Record{}, err
		}
	}

	rec, err := scanRecord(tx.QueryRow(ctx, `
INSERT INTO sync_entities (tenant_id, entity_type, entity_id, version, fields)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (tenant_id, entity_type, entity_id) DO NOTHING
RETURNING tenant_id, entity_type, entity_id, version, fields, deleted, locked, updated_at`,
		key.TenantID, key.EntityType, key.EntityID, body))
	if errors.Is(err, ErrNotFound) {
		existing, getErr := scanRecord(tx.QueryRow(ctx, selectRecord, key.TenantID, key.EntityType, key.EntityID))
		if getErr != nil {
			return Record{}, getErr
		}
		return Record{}, &DuplicateError{Field: "entity_id", Existing: existing}
	}
	if err != nil {
		return Record{}, err
	}
	if err := appendHistory(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (p *Postgres) Update(ctx context.Context, key Key, expected types.Version, fields types.Fields) (Record, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return Record{}, fmt.Errorf("marshal fields: %w", err)
	}
	return p.mutate(ctx, key, expected, `
UPDATE sync_entities
SET version = version + 1, fields = $5, updated_at = now()
WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND version = $4
  AND NOT deleted AND NOT locked
RETURNING tenant_id, entity_type, entity_id, version, fields, deleted, locked, updated_at`, body)
}

func (p *Postgres) Delete(ctx context.Context, key Key, expected types.Version) (Record, error) {
	return p.mutate(ctx, key, expected, `
UPDATE sync_entities
SET version = version + 1, deleted = TRUE, updated_at = now()
WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND version = $4
  AND NOT deleted AND NOT locked
RETURNING tenant_id, entity_type, entity_id, version, fields, deleted, locked, updated_at`)
}

func (p *Postgres) mutate(ctx context.Context, key Key, expected types.Version, query string, extra ...any) (Record, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	args := append([]any{key.TenantID, key.EntityType, key.EntityID, expected}, extra...)
	rec, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return Record{}, explainMiss(ctx, tx, key)
	}
	if err != nil {
		return Record{}, err
	}
	if err := appendHistory(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// explainMiss works out why a guarded UPDATE matched no row.
func explainMiss(ctx context.Context, tx pgx.Tx, key Key) error {
	current, err := scanRecord(tx.QueryRow(ctx, selectRecord, key.TenantID, key.EntityType, key.EntityID))
	if err != nil {
		return err
	}
	switch {
	case current.Deleted:
		return ErrNotFound
	case current.Locked:
		return ErrLocked
	default:
		return &MismatchError{Current: current}
	}
}

func (p *Postgres) StateAt(ctx context.Context, key Key, version types.Version) (types.State, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `
SELECT fields FROM sync_entity_history
WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND version = $4`,
		key.TenantID, key.EntityType, key.EntityID, version).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.State{}, ErrNoHistory
	}
	if err != nil {
		return types.State{}, err
	}
	fields, err := types.DecodeFields(body)
	if err != nil {
		return types.State{}, err
	}
	return types.State{Version: version, Fields: fields}, nil
}

func (p *Postgres) Lock(ctx context.Context, key Key) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE sync_entities SET locked = TRUE, updated_at = now()
WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND NOT deleted`,
		key.TenantID, key.EntityType, key.EntityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func appendHistory(ctx context.Context, tx pgx.Tx, rec Record) error {
	body, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO sync_entity_history (tenant_id, entity_type, entity_id, version, fields, deleted)
VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TenantID, rec.EntityType, rec.EntityID, rec.Version, body, rec.Deleted)
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		tenant    string
		entity    string
		id        string
		version   int64
		body      []byte
		updatedAt time.Time
	)
	err := row.Scan(&tenant, &entity, &id, &version, &body, &rec.Deleted, &rec.Locked, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	fields, err := types.DecodeFields(body)
	if err != nil {
		return Record{}, err
	}
	rec.Key = Key{TenantID: types.TenantID(tenant), EntityType: types.EntityType(entity), EntityID: types.EntityID(id)}
	rec.Version = types.Version(version)
	rec.Fields = fields
	rec.UpdatedAt = updatedAt
	return rec, nil
}
