package playback

import (
	"errors"

	"github.com/onboardx/backend/internal/models"
)

// ErrAlreadyStarted is returned by Start on a sequencer that left idle.
var ErrAlreadyStarted = errors.New("sequencer already started")

// Status is the sequencer state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether s absorbs every further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Outcome is what happened to the step being left.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
)

// Transition describes the effect of one sequencer operation. Changed is false
// for no-ops; Departed is set when a step was left with an outcome.
type Transition struct {
	Changed  bool
	From     int
	To       int
	Departed *models.Step
	Outcome  Outcome
	Status   Status
}

// Sequencer holds the ordered steps and the current position.
type Sequencer struct {
	steps  []models.Step
	index  int
	status Status
}

// NewSequencer creates an idle sequencer over steps, which must already be in
// play order.
func NewSequencer(steps []models.Step) *Sequencer {
	return &Sequencer{steps: steps, status: StatusIdle}
}

func (s *Sequencer) Status() Status { return s.status }
func (s *Sequencer) Index() int     { return s.index }
func (s *Sequencer) Len() int       { return len(s.steps) }

// Current returns the step at the current index.
func (s *Sequencer) Current() (models.Step, bool) {
	if s.index < 0 || s.index >= len(s.steps) {
		return models.Step{}, false
	}
	return s.steps[s.index], true
}

// IsLast reports whether the current step is the final one.
func (s *Sequencer) IsLast() bool { return s.index == len(s.steps)-1 }

// Start moves idle to active at the first step.
func (s *Sequencer) Start() error {
	if len(s.steps) == 0 {
		return ErrNoSteps
	}
	if s.status != StatusIdle {
		return ErrAlreadyStarted
	}
	s.index = 0
	s.status = StatusActive
	return nil
}

// Advance leaves the current step as completed.
func (s *Sequencer) Advance() Transition { return s.forward(OutcomeCompleted) }

// Skip leaves the current step as skipped. Skipping the last step still
// completes the sequence.
func (s *Sequencer) Skip() Transition { return s.forward(OutcomeSkipped) }

func (s *Sequencer) forward(outcome Outcome) Transition {
	if s.status != StatusActive {
		return s.noop()
	}
	departed := s.steps[s.index]
	t := Transition{Changed: true, From: s.index, Departed: &departed, Outcome: outcome}
	if s.IsLast() {
		s.status = StatusCompleted
	} else {
		s.index++
	}
	t.To = s.index
	t.Status = s.status
	return t
}

// Retreat moves back one step. It never changes status.
func (s *Sequencer) Retreat() Transition {
	if s.status != StatusActive || s.index == 0 {
		return s.noop()
	}
	from := s.index
	s.index--
	return Transition{Changed: true, From: from, To: s.index, Status: s.status}
}

// Close abandons an active sequence at any index.
func (s *Sequencer) Close() Transition {
	if s.status != StatusActive {
		return s.noop()
	}
	s.status = StatusAbandoned
	return Transition{Changed: true, From: s.index, To: s.index, Status: s.status}
}

func (s *Sequencer) noop() Transition {
	return Transition{From: s.index, To: s.index, Status: s.status}
}
