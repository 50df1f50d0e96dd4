package exports

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onboardx/backend/internal/models"
)

var ErrNotFound = errors.New("export not found")

// Store persists export jobs.
type Store interface {
	Create(ctx context.Context, e *models.AnalyticsExport) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AnalyticsExport, error)
	MarkReady(ctx context.Context, id uuid.UUID, s3Key string, rows int) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an export repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a pending export and fills its id and creation time.
func (r *Repository) Create(ctx context.Context, e *models.AnalyticsExport) error {
	const q = `INSERT INTO analytics_exports (tour_id, requested_by, status)
		VALUES ($1, $2, 'pending') RETURNING id, status, created_at`
	if err := r.pool.QueryRow(ctx, q, e.TourID, e.RequestedBy).Scan(&e.ID, &e.Status, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert export: %w", err)
	}
	return nil
}

// GetByID returns an export by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.AnalyticsExport, error) {
	const q = `SELECT id, tour_id, requested_by, status, s3_key, row_count, error, created_at, completed_at
		FROM analytics_exports WHERE id = $1`
	var e models.AnalyticsExport
	err := r.pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.TourID, &e.RequestedBy, &e.Status, &e.S3Key,
		&e.RowCount, &e.Error, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// MarkReady records a finished upload.
func (r *Repository) MarkReady(ctx context.Context, id uuid.UUID, s3Key string, rows int) error {
	const q = `UPDATE analytics_exports SET status = 'ready', s3_key = $2, row_count = $3, error = NULL, completed_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, s3Key, rows)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records why an export could not be produced.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	const q = `UPDATE analytics_exports SET status = 'failed', error = $2, completed_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
