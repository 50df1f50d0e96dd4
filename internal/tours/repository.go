package tours

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onboardx/backend/internal/models"
)

// ErrNotFound is returned when a tour does not exist.
var ErrNotFound = errors.New("tour not found")

// Store persists tours and their steps.
type Store interface {
	Create(ctx context.Context, t *models.Tour) error
	// GetByID returns the tour with its steps ordered by step order.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tour, error)
	// ListByOwner returns the owner's tours without steps.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Tour, error)
	// Update saves t. When replaceSteps is set the step list is replaced and
	// total_steps follows it; sessions keep their own snapshot.
	Update(ctx context.Context, t *models.Tour, replaceSteps bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Repository handles tour persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a tour repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const tourColumns = `id, owner_id, name, description, type, is_active, is_published, total_steps, created_at, updated_at`

func scanTour(row pgx.Row, t *models.Tour) error {
	return row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &t.Type, &t.IsActive, &t.IsPublished,
		&t.TotalSteps, &t.CreatedAt, &t.UpdatedAt)
}

// Create inserts a tour and its steps in one transaction.
func (r *Repository) Create(ctx context.Context, t *models.Tour) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t.TotalSteps = len(t.Steps)
	const q = `INSERT INTO tours (owner_id, name, description, type, is_active, is_published, total_steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	if err := tx.QueryRow(ctx, q, t.OwnerID, t.Name, t.Description, t.Type, t.IsActive, t.IsPublished, t.TotalSteps).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("insert tour: %w", err)
	}
	if err := insertSteps(ctx, tx, t.ID, t.Steps); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertSteps(ctx context.Context, tx pgx.Tx, tourID uuid.UUID, steps []models.Step) error {
	if len(steps) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(steps))
	for i, s := range steps {
		var target *string
		if s.TargetElement != "" {
			v := s.TargetElement
			target = &v
		}
		rows[i] = []interface{}{tourID, s.ID, s.Order, s.Title, s.Content, string(s.Position), target}
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"tour_steps"},
		[]string{"tour_id", "step_key", "step_order", "title", "content", "position", "target_element"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}
	return nil
}

// GetByID returns a tour with its steps.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tour, error) {
	var t models.Tour
	if err := scanTour(r.pool.QueryRow(ctx, `SELECT `+tourColumns+` FROM tours WHERE id = $1`, id), &t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT step_key, step_order, title, content, position, COALESCE(target_element, '')
		FROM tour_steps WHERE tour_id = $1 ORDER BY step_order`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	t.Steps = make([]models.Step, 0, t.TotalSteps)
	for rows.Next() {
		var s models.Step
		if err := rows.Scan(&s.ID, &s.Order, &s.Title, &s.Content, &s.Position, &s.TargetElement); err != nil {
			return nil, err
		}
		t.Steps = append(t.Steps, s)
	}
	return &t, rows.Err()
}

// ListByOwner returns the owner's tours, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Tour, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+tourColumns+` FROM tours WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.Tour, 0)
	for rows.Next() {
		var t models.Tour
		if err := scanTour(rows, &t); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Update saves tour fields and optionally replaces its steps.
func (r *Repository) Update(ctx context.Context, t *models.Tour, replaceSteps bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if replaceSteps {
		t.TotalSteps = len(t.Steps)
		if _, err := tx.Exec(ctx, `DELETE FROM tour_steps WHERE tour_id = $1`, t.ID); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		if err := insertSteps(ctx, tx, t.ID, t.Steps); err != nil {
			return err
		}
	}
	const q = `UPDATE tours SET name = $2, description = $3, type = $4, is_active = $5, is_published = $6,
		total_steps = $7, updated_at = NOW() WHERE id = $1 RETURNING updated_at`
	if err := tx.QueryRow(ctx, q, t.ID, t.Name, t.Description, t.Type, t.IsActive, t.IsPublished, t.TotalSteps).
		Scan(&t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update tour: %w", err)
	}
	return tx.Commit(ctx)
}

// Delete removes a tour; steps, sessions and events cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tours WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
