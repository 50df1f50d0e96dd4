package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a playback session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether s is an absorbing state.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// ClientContext describes the page a session was played on.
type ClientContext struct {
	UserAgent        string `json:"user_agent,omitempty"`
	PageURL          string `json:"page_url,omitempty"`
	Referrer         string `json:"referrer,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
}

// Session is one visitor's playback attempt of a tour.
type Session struct {
	ID             string        `json:"id"`
	TourID         uuid.UUID     `json:"tour_id"`
	UserID         string        `json:"user_id,omitempty"`
	Context        ClientContext `json:"context"`
	Status         SessionStatus `json:"status"`
	CurrentStep    int           `json:"current_step"`
	StepsCompleted int           `json:"steps_completed"`
	StepsSkipped   int           `json:"steps_skipped"`
	TotalSteps     int           `json:"total_steps"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	AbandonedAt    *time.Time    `json:"abandoned_at,omitempty"`
	DurationMs     *int64        `json:"duration_ms,omitempty"`
}

// FullySkipped reports whether every step of a completed session was skipped.
func (s *Session) FullySkipped() bool {
	return s.Status == SessionCompleted && s.StepsCompleted == 0 && s.StepsSkipped > 0
}

// StepEventType is the kind of step-level transition recorded.
type StepEventType string

const (
	StepViewed    StepEventType = "step_viewed"
	StepCompleted StepEventType = "step_completed"
	StepSkipped   StepEventType = "step_skipped"
	StepResumed   StepEventType = "step_resumed"
)

// Valid reports whether t is a known step event type.
func (t StepEventType) Valid() bool {
	switch t {
	case StepViewed, StepCompleted, StepSkipped, StepResumed:
		return true
	}
	return false
}

// StepEvent is an immutable, append-only record of a step transition.
type StepEvent struct {
	ID           string        `json:"id"`
	TourID       uuid.UUID     `json:"tour_id"`
	SessionID    string        `json:"session_id"`
	StepID       string        `json:"step_id"`
	StepOrder    int           `json:"step_order"`
	Type         StepEventType `json:"event_type"`
	Timestamp    time.Time     `json:"timestamp"`
	TimeOnStepMs *int64        `json:"time_on_step_ms,omitempty"`
}
