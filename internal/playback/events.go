package playback

import (
	"time"

	"github.com/google/uuid"

	"github.com/onboardx/backend/internal/models"
)

// EventType is a playback lifecycle event kind.
type EventType string

const (
	EventStart         EventType = "start"
	EventStepViewed    EventType = EventType(models.StepViewed)
	EventStepCompleted EventType = EventType(models.StepCompleted)
	EventStepSkipped   EventType = EventType(models.StepSkipped)
	EventStepResumed   EventType = EventType(models.StepResumed)
	EventComplete      EventType = "complete"
	EventAbandon       EventType = "abandon"
)

// Terminal reports whether t ends a session.
func (t EventType) Terminal() bool { return t == EventComplete || t == EventAbandon }

// StepLevel reports whether t is recorded as a step event.
func (t EventType) StepLevel() bool { return models.StepEventType(t).Valid() }

// Event is one playback transition. ID is unique per event and lets the backend
// drop redelivered copies. SessionID is stamped by the recorder.
type Event struct {
	ID         string
	Type       EventType
	TourID     uuid.UUID
	SessionID  string
	StepID     string
	StepOrder  int
	TimeOnStep *time.Duration
	At         time.Time

	// Set on start only.
	UserID  string
	Context models.ClientContext
}

// Recorder receives every event the engine produces. Record must not block.
type Recorder interface {
	Record(Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Event)

func (f RecorderFunc) Record(e Event) { f(e) }

// DiagnosticKind classifies non-fatal playback problems.
type DiagnosticKind string

const (
	DiagTargetMissing DiagnosticKind = "target_missing"
	DiagRootDetached  DiagnosticKind = "root_detached"
	DiagRenderFailed  DiagnosticKind = "render_failed"
	DiagPanic         DiagnosticKind = "panic"
	DiagHalted        DiagnosticKind = "halted"
)

// Diagnostic is a soft warning surfaced to telemetry.
type Diagnostic struct {
	Kind     DiagnosticKind
	StepID   string
	Selector string
	Err      error
}
