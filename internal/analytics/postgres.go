package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onboardx/backend/internal/models"
)

// PostgresStore persists sessions and step events in PostgreSQL. Session
// mutations run in a transaction holding the session row lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `id, tour_id, user_id, user_agent, page_url, referrer, screen_resolution, status,
	current_step, steps_completed, steps_skipped, total_steps, started_at, completed_at, abandoned_at, duration_ms`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.TourID, &s.UserID, &s.Context.UserAgent, &s.Context.PageURL, &s.Context.Referrer,
		&s.Context.ScreenResolution, &s.Status, &s.CurrentStep, &s.StepsCompleted, &s.StepsSkipped, &s.TotalSteps,
		&s.StartedAt, &s.CompletedAt, &s.AbandonedAt, &s.DurationMs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetTour implements Store.
func (p *PostgresStore) GetTour(ctx context.Context, tourID uuid.UUID) (*TourSnapshot, error) {
	const q = `SELECT id, owner_id, name, total_steps, is_active FROM tours WHERE id = $1`
	var t TourSnapshot
	err := p.pool.QueryRow(ctx, q, tourID).Scan(&t.ID, &t.OwnerID, &t.Name, &t.TotalSteps, &t.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTourNotFound
		}
		return nil, fmt.Errorf("get tour: %w", err)
	}
	return &t, nil
}

// CreateSession implements Store.
func (p *PostgresStore) CreateSession(ctx context.Context, s *models.Session) (bool, error) {
	const q = `INSERT INTO sessions (id, tour_id, user_id, user_agent, page_url, referrer, screen_resolution,
		status, current_step, steps_completed, steps_skipped, total_steps, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	tag, err := p.pool.Exec(ctx, q, s.ID, s.TourID, s.UserID, s.Context.UserAgent, s.Context.PageURL,
		s.Context.Referrer, s.Context.ScreenResolution, s.Status, s.CurrentStep, s.TotalSteps, s.StartedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	existing, err := p.GetSession(ctx, s.ID)
	if err != nil {
		return false, err
	}
	*s = *existing
	return false, nil
}

// GetSession implements Store.
func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// WithSession implements Store.
func (p *PostgresStore) WithSession(ctx context.Context, id string, fn func(tx SessionTx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("lock session: %w", err)
	}
	if err := fn(&pgSessionTx{tx: tx, session: s}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgSessionTx struct {
	tx      pgx.Tx
	session *models.Session
}

func (t *pgSessionTx) Session() *models.Session { return t.session }

func (t *pgSessionTx) Events(ctx context.Context) ([]models.StepEvent, error) {
	const q = `SELECT id, tour_id, session_id, step_id, step_order, event_type, occurred_at, time_on_step_ms
		FROM step_events WHERE session_id = $1 ORDER BY seq`
	rows, err := t.tx.Query(ctx, q, t.session.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.StepEvent
	for rows.Next() {
		var ev models.StepEvent
		if err := rows.Scan(&ev.ID, &ev.TourID, &ev.SessionID, &ev.StepID, &ev.StepOrder, &ev.Type,
			&ev.Timestamp, &ev.TimeOnStepMs); err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

func (t *pgSessionTx) AppendEvent(ctx context.Context, ev *models.StepEvent) (bool, error) {
	const q = `INSERT INTO step_events (id, tour_id, session_id, step_id, step_order, event_type, occurred_at, time_on_step_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	tag, err := t.tx.Exec(ctx, q, ev.ID, ev.TourID, ev.SessionID, ev.StepID, ev.StepOrder, ev.Type, ev.Timestamp, ev.TimeOnStepMs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgSessionTx) Save(ctx context.Context) error {
	s := t.session
	const q = `UPDATE sessions SET status = $2, current_step = $3, steps_completed = $4, steps_skipped = $5,
		completed_at = $6, abandoned_at = $7, duration_ms = $8 WHERE id = $1`
	_, err := t.tx.Exec(ctx, q, s.ID, s.Status, s.CurrentStep, s.StepsCompleted, s.StepsSkipped,
		s.CompletedAt, s.AbandonedAt, s.DurationMs)
	return err
}

// CountSessions implements Store.
func (p *PostgresStore) CountSessions(ctx context.Context, tourID uuid.UUID) (*SessionCounts, error) {
	const q = `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'completed' AND steps_completed = 0 AND steps_skipped > 0),
		COUNT(*) FILTER (WHERE status = 'abandoned')
		FROM sessions WHERE tour_id = $1`
	var c SessionCounts
	if err := p.pool.QueryRow(ctx, q, tourID).Scan(&c.Started, &c.Completed, &c.FullySkipped, &c.Abandoned); err != nil {
		return nil, err
	}
	return &c, nil
}

// CountStepEvents implements Store.
func (p *PostgresStore) CountStepEvents(ctx context.Context, tourID uuid.UUID) ([]StepCount, error) {
	const q = `SELECT step_id, MIN(step_order),
		COUNT(*) FILTER (WHERE event_type = 'step_viewed'),
		COUNT(*) FILTER (WHERE event_type = 'step_completed')
		FROM step_events WHERE tour_id = $1
		GROUP BY step_id ORDER BY MIN(step_order), step_id`
	rows, err := p.pool.Query(ctx, q, tourID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]StepCount, 0)
	for rows.Next() {
		var c StepCount
		if err := rows.Scan(&c.StepID, &c.StepOrder, &c.Viewed, &c.Completed); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// ListToursByOwner implements Store.
func (p *PostgresStore) ListToursByOwner(ctx context.Context, ownerID uuid.UUID) ([]TourSnapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, owner_id, name, total_steps, is_active FROM tours WHERE owner_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []TourSnapshot
	for rows.Next() {
		var t TourSnapshot
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.TotalSteps, &t.IsActive); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// DailyActivity implements Store.
func (p *PostgresStore) DailyActivity(ctx context.Context, ownerID uuid.UUID, since time.Time) ([]DayCount, error) {
	const q = `WITH owned AS (SELECT s.* FROM sessions s JOIN tours t ON t.id = s.tour_id WHERE t.owner_id = $1),
		started AS (SELECT to_char(started_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*) AS n
			FROM owned WHERE started_at >= $2 GROUP BY 1),
		completed AS (SELECT to_char(completed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*) AS n
			FROM owned WHERE completed_at >= $2 GROUP BY 1)
		SELECT COALESCE(s.day, c.day), COALESCE(s.n, 0), COALESCE(c.n, 0)
		FROM started s FULL OUTER JOIN completed c ON c.day = s.day
		ORDER BY 1`
	rows, err := p.pool.Query(ctx, q, ownerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []DayCount
	for rows.Next() {
		var d DayCount
		if err := rows.Scan(&d.Date, &d.Started, &d.Completed); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

// RecentActivity implements Store.
func (p *PostgresStore) RecentActivity(ctx context.Context, ownerID uuid.UUID, limit int) ([]Activity, error) {
	const q = `SELECT s.id, s.tour_id, t.name, COALESCE(NULLIF(s.user_id, ''), 'anonymous'), s.status,
		COALESCE(s.completed_at, s.abandoned_at, s.started_at) AS ts
		FROM sessions s JOIN tours t ON t.id = s.tour_id
		WHERE t.owner_id = $1
		ORDER BY ts DESC LIMIT $2`
	rows, err := p.pool.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]Activity, 0)
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.SessionID, &a.TourID, &a.TourName, &a.User, &a.Status, &a.Timestamp); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// StaleSessionIDs implements Store.
func (p *PostgresStore) StaleSessionIDs(ctx context.Context, startedBefore time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM sessions WHERE status = 'in_progress' AND started_at < $1 ORDER BY started_at`, startedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TourSessions returns every session of a tour, oldest first.
func (p *PostgresStore) TourSessions(ctx context.Context, tourID uuid.UUID) ([]models.Session, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE tour_id = $1 ORDER BY started_at`, tourID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// TourEvents returns every step event of a tour in arrival order.
func (p *PostgresStore) TourEvents(ctx context.Context, tourID uuid.UUID) ([]models.StepEvent, error) {
	const q = `SELECT id, tour_id, session_id, step_id, step_order, event_type, occurred_at, time_on_step_ms
		FROM step_events WHERE tour_id = $1 ORDER BY seq`
	rows, err := p.pool.Query(ctx, q, tourID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.StepEvent
	for rows.Next() {
		var ev models.StepEvent
		if err := rows.Scan(&ev.ID, &ev.TourID, &ev.SessionID, &ev.StepID, &ev.StepOrder, &ev.Type,
			&ev.Timestamp, &ev.TimeOnStepMs); err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}
