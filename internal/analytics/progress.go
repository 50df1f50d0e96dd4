package analytics

import (
	"github.com/onboardx/backend/internal/models"
)

// CounterMode selects how session counters follow step events.
type CounterMode string

const (
	// CounterIncrement bumps counters as each outcome event arrives.
	CounterIncrement CounterMode = "increment"
	// CounterDerive recomputes counters from the session's event log.
	CounterDerive CounterMode = "derive"
)

// ParseCounterMode maps a config value to a mode, defaulting to increment.
func ParseCounterMode(s string) CounterMode {
	if CounterMode(s) == CounterDerive {
		return CounterDerive
	}
	return CounterIncrement
}

func isOutcome(t models.StepEventType) bool {
	return t == models.StepCompleted || t == models.StepSkipped
}

// applyIncrement advances s for an outcome event on its current step. Events
// for any other step (retreats, redeliveries) leave the counters alone.
func applyIncrement(s *models.Session, ev models.StepEvent) bool {
	if !isOutcome(ev.Type) || ev.StepOrder != s.CurrentStep {
		return false
	}
	if s.StepsCompleted+s.StepsSkipped >= s.TotalSteps {
		return false
	}
	if ev.Type == models.StepCompleted {
		s.StepsCompleted++
	} else {
		s.StepsSkipped++
	}
	if s.CurrentStep < s.TotalSteps {
		s.CurrentStep++
	}
	return true
}

// deriveProgress recomputes counters from events: the first outcome recorded
// for each step order counts once.
func deriveProgress(s *models.Session, events []models.StepEvent) {
	seen := make(map[int]struct{}, len(events))
	completed, skipped := 0, 0
	for _, ev := range events {
		if !isOutcome(ev.Type) || ev.StepOrder < 1 || ev.StepOrder > s.TotalSteps {
			continue
		}
		if _, ok := seen[ev.StepOrder]; ok {
			continue
		}
		seen[ev.StepOrder] = struct{}{}
		if ev.Type == models.StepCompleted {
			completed++
		} else {
			skipped++
		}
	}
	s.StepsCompleted, s.StepsSkipped = completed, skipped
	current := completed + skipped + 1
	if current > s.TotalSteps {
		current = s.TotalSteps
	}
	if current > s.CurrentStep {
		s.CurrentStep = current
	}
}
