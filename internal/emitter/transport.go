package emitter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onboardx/backend/internal/models"
)

var (
	// ErrSessionNotFound means the backend does not know the session. Fatal for the playback.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTourNotFound means the backend refused to start a session for the tour. Fatal for the playback.
	ErrTourNotFound = errors.New("tour not found")
	// ErrRejected means the backend refused one event; it is dropped and delivery continues.
	ErrRejected = errors.New("event rejected")
)

// StartRequest opens a session.
type StartRequest struct {
	SessionID string
	TourID    uuid.UUID
	UserID    string
	Context   models.ClientContext
}

// StepEventRequest appends a step event to a session.
type StepEventRequest struct {
	EventID      string
	SessionID    string
	StepID       string
	StepOrder    int
	Type         models.StepEventType
	TimeOnStepMs *int64
	At           time.Time
}

// Transport delivers events to the analytics backend. Errors other than the
// package sentinels are treated as transient and retried.
type Transport interface {
	StartSession(ctx context.Context, req StartRequest) error
	RecordStepEvent(ctx context.Context, req StepEventRequest) error
	CompleteTour(ctx context.Context, sessionID string) error
	AbandonTour(ctx context.Context, sessionID string) error
}

func isProtocolError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrTourNotFound)
}
