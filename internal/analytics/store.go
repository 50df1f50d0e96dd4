package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onboardx/backend/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTourNotFound    = errors.New("tour not found")
	ErrInvalidEvent    = errors.New("invalid step event")
)

// TourSnapshot is the part of a tour the aggregator needs.
type TourSnapshot struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Name       string
	TotalSteps int
	IsActive   bool
}

// SessionCounts aggregates session outcomes for one tour.
type SessionCounts struct {
	Started      int
	Completed    int
	FullySkipped int
	Abandoned    int
}

// StepCount aggregates step events for one step id.
type StepCount struct {
	StepID    string
	StepOrder int
	Viewed    int
	Completed int
}

// DayCount is session activity for one UTC day (YYYY-MM-DD).
type DayCount struct {
	Date      string `json:"date"`
	Started   int    `json:"started"`
	Completed int    `json:"completions"`
}

// Activity is one row of the recent activity feed.
type Activity struct {
	SessionID string               `json:"session_id"`
	TourID    uuid.UUID            `json:"tour_id"`
	TourName  string               `json:"tour_name"`
	User      string               `json:"user"`
	Status    models.SessionStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// SessionTx is a session row locked for the duration of Store.WithSession.
type SessionTx interface {
	// Session returns the locked row. Mutations are persisted by Save.
	Session() *models.Session
	// Events returns the session's step events in append order.
	Events(ctx context.Context) ([]models.StepEvent, error)
	// AppendEvent inserts ev and reports false if an event with the same id exists.
	AppendEvent(ctx context.Context, ev *models.StepEvent) (bool, error)
	Save(ctx context.Context) error
}

// Store persists sessions and step events.
type Store interface {
	GetTour(ctx context.Context, tourID uuid.UUID) (*TourSnapshot, error)
	// CreateSession inserts s. When a session with the same id exists it is
	// loaded into s and created is false.
	CreateSession(ctx context.Context, s *models.Session) (created bool, err error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// WithSession runs fn with the session row locked; fn's error rolls back.
	WithSession(ctx context.Context, id string, fn func(tx SessionTx) error) error

	CountSessions(ctx context.Context, tourID uuid.UUID) (*SessionCounts, error)
	CountStepEvents(ctx context.Context, tourID uuid.UUID) ([]StepCount, error)
	ListToursByOwner(ctx context.Context, ownerID uuid.UUID) ([]TourSnapshot, error)
	DailyActivity(ctx context.Context, ownerID uuid.UUID, since time.Time) ([]DayCount, error)
	RecentActivity(ctx context.Context, ownerID uuid.UUID, limit int) ([]Activity, error)
	StaleSessionIDs(ctx context.Context, startedBefore time.Time) ([]string, error)
}
