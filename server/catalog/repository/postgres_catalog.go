package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"photo_server/server/catalog/domain"
	"photo_server/server/common/vecmath"
)

const recordColumns = `image_id::text, s3_url, filename, content_type, location, timestamp, created_at, status,
	vector, coalesce(description, ''), coalesce(failure_reason, ''), attempts, coalesce(claim_token, ''),
	coalesce(claimed_at, 'epoch'::timestamptz), updated_at`

// DB is the part of *pgxpool.Pool the catalog needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type PostgresCatalog struct {
	pool DB
	dim  int
}

func NewPostgresCatalog(pool DB, dim int) *PostgresCatalog {
	return &PostgresCatalog{pool: pool, dim: dim}
}

func (r *PostgresCatalog) Dimension() int { return r.dim }

// EnsureSchema creates the image_data table for the configured dimension.
// An existing table with a different vector width is left alone; inserts
// will then fail loudly instead of silently mixing vector spaces.
func (r *PostgresCatalog) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS image_data (
			image_id       UUID PRIMARY KEY,
			s3_url         TEXT NOT NULL,
			filename       TEXT NOT NULL DEFAULT '',
			content_type   TEXT NOT NULL DEFAULT '',
			location       TEXT NOT NULL,
			timestamp      TIMESTAMPTZ NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			status         TEXT NOT NULL DEFAULT 'pending'
			               CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
			vector         vector(%d) NOT NULL,
			description    TEXT,
			failure_reason TEXT,
			attempts       INT NOT NULL DEFAULT 0,
			claim_token    TEXT,
			claimed_at     TIMESTAMPTZ,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, r.dim),
		`CREATE INDEX IF NOT EXISTS image_data_status_created_idx ON image_data (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS image_data_timestamp_idx ON image_data (timestamp DESC)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure image_data schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresCatalog) Insert(ctx context.Context, rec domain.ImageRecord) error {
	if err := vecmath.CheckDim(rec.Embedding, r.dim); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO image_data (image_id, s3_url, filename, content_type, location, timestamp, created_at, status, vector, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $7)
	`, rec.ID, rec.StorageRef, rec.Filename, rec.ContentType, rec.Location, rec.CapturedAt, rec.CreatedAt, pgvector.NewVector(rec.Embedding))
	if err != nil {
		return fmt.Errorf("%w: insert image_data: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (r *PostgresCatalog) Get(ctx context.Context, id string) (domain.ImageRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM image_data WHERE image_id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImageRecord{}, domain.ErrNotFound
		}
		return domain.ImageRecord{}, fmt.Errorf("%w: get image_data: %v", domain.ErrPersistence, err)
	}
	return rec, nil
}

// Claim is a single conditional UPDATE so concurrent indexers cannot both
// win the same record.
func (r *PostgresCatalog) Claim(ctx context.Context, id, token string, now, staleBefore time.Time) (domain.ImageRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE image_data
		SET status = 'processing', claim_token = $2, claimed_at = $3, attempts = attempts + 1, updated_at = $3
		WHERE image_id = $1
		  AND (status = 'pending' OR (status = 'processing' AND claimed_at < $4))
		RETURNING `+recordColumns, id, token, now, staleBefore)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ImageRecord{}, fmt.Errorf("%w: claim image_data: %v", domain.ErrPersistence, err)
	}
	return domain.ImageRecord{}, r.missOrNotClaimable(ctx, id)
}

func (r *PostgresCatalog) Complete(ctx context.Context, id, token string, embedding []float32, description string, now time.Time) error {
	if err := vecmath.CheckDim(embedding, r.dim); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE image_data
		SET status = 'completed', vector = $3, description = NULLIF($4, ''), failure_reason = NULL,
		    claim_token = NULL, updated_at = $5
		WHERE image_id = $1 AND status = 'processing' AND claim_token = $2
	`, id, token, pgvector.NewVector(embedding), description, now)
	if err != nil {
		return fmt.Errorf("%w: complete image_data: %v", domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrNotClaimable(ctx, id)
	}
	return nil
}

func (r *PostgresCatalog) Fail(ctx context.Context, id, token, reason string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE image_data
		SET status = 'failed', failure_reason = $3, claim_token = NULL, updated_at = $4
		WHERE image_id = $1 AND status = 'processing' AND claim_token = $2
	`, id, token, reason, now)
	if err != nil {
		return fmt.Errorf("%w: fail image_data: %v", domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrNotClaimable(ctx, id)
	}
	return nil
}

func (r *PostgresCatalog) ListStale(ctx context.Context, pendingBefore, processingBefore time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT image_id::text
		FROM image_data
		WHERE (status = 'pending' AND created_at < $1)
		   OR (status = 'processing' AND claimed_at < $2)
		ORDER BY created_at
		LIMIT $3
	`, pendingBefore, processingBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list stale image_data: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresCatalog) Nearest(ctx context.Context, query []float32, k int) ([]domain.ScoredRecord, error) {
	if err := vecmath.CheckDim(query, r.dim); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`, vector <-> $1 AS distance
		FROM image_data
		WHERE status = 'completed'
		ORDER BY distance, image_id
		LIMIT $2
	`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("%w: nearest image_data: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	items := make([]domain.ScoredRecord, 0, k)
	for rows.Next() {
		var item domain.ScoredRecord
		var distance float64
		rec, err := scanRecordWith(rows, &distance)
		if err != nil {
			return nil, err
		}
		item.Record = rec
		item.Distance = float32(distance)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresCatalog) ListRecent(ctx context.Context, limit int) ([]domain.ImageRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM image_data
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list image_data: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	items := make([]domain.ImageRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *PostgresCatalog) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresCatalog) Close() {
	r.pool.Close()
}

func (r *PostgresCatalog) missOrNotClaimable(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM image_data WHERE image_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%w: lookup image_data: %v", domain.ErrPersistence, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrNotClaimable
}

func scanRecord(row pgx.Row) (domain.ImageRecord, error) {
	return scanRecordWith(row)
}

func scanRecordWith(row pgx.Row, extra ...any) (domain.ImageRecord, error) {
	var rec domain.ImageRecord
	var status string
	var vec pgvector.Vector
	dest := []any{
		&rec.ID, &rec.StorageRef, &rec.Filename, &rec.ContentType, &rec.Location, &rec.CapturedAt, &rec.CreatedAt, &status,
		&vec, &rec.Description, &rec.FailureReason, &rec.Attempts, &rec.ClaimToken, &rec.ClaimedAt, &rec.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.ImageRecord{}, err
	}
	rec.Status = domain.Status(status)
	if !rec.Status.Valid() {
		return domain.ImageRecord{}, fmt.Errorf("image_data %s has unknown status %q", rec.ID, status)
	}
	rec.Embedding = vec.Slice()
	rec.CapturedAt = rec.CapturedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
