package emitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/onboardx/backend/internal/analytics"
)

// LocalTransport delivers events to an in-process analytics service.
type LocalTransport struct {
	svc *analytics.Service
}

// NewLocalTransport creates a transport over svc.
func NewLocalTransport(svc *analytics.Service) *LocalTransport {
	return &LocalTransport{svc: svc}
}

// StartSession implements Transport.
func (t *LocalTransport) StartSession(ctx context.Context, req StartRequest) error {
	_, err := t.svc.StartSession(ctx, analytics.StartParams{
		SessionID: req.SessionID,
		TourID:    req.TourID,
		UserID:    req.UserID,
		Context:   req.Context,
	})
	return mapServiceError("start session", err)
}

// RecordStepEvent implements Transport.
func (t *LocalTransport) RecordStepEvent(ctx context.Context, req StepEventRequest) error {
	_, err := t.svc.RecordStepEvent(ctx, analytics.StepEventParams{
		EventID:      req.EventID,
		SessionID:    req.SessionID,
		StepID:       req.StepID,
		StepOrder:    req.StepOrder,
		Type:         req.Type,
		TimeOnStepMs: req.TimeOnStepMs,
		Timestamp:    req.At,
	})
	return mapServiceError("record step event", err)
}

// CompleteTour implements Transport.
func (t *LocalTransport) CompleteTour(ctx context.Context, sessionID string) error {
	_, err := t.svc.CompleteTour(ctx, sessionID)
	return mapServiceError("complete tour", err)
}

// AbandonTour implements Transport.
func (t *LocalTransport) AbandonTour(ctx context.Context, sessionID string) error {
	_, err := t.svc.AbandonTour(ctx, sessionID)
	return mapServiceError("abandon tour", err)
}

// mapServiceError names the failed operation and swaps the aggregator's
// sentinel for the transport one, keeping only rejection details.
func mapServiceError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, analytics.ErrSessionNotFound):
		return fmt.Errorf("%s: %w", op, ErrSessionNotFound)
	case errors.Is(err, analytics.ErrTourNotFound):
		return fmt.Errorf("%s: %w", op, ErrTourNotFound)
	case errors.Is(err, analytics.ErrInvalidEvent):
		return fmt.Errorf("%s: %w: %v", op, ErrRejected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
