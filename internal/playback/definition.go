package playback

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/onboardx/backend/internal/models"
)

// ErrNoSteps is returned when a tour has nothing to play.
var ErrNoSteps = errors.New("tour has no steps")

// DefinitionError reports a tour that cannot be played. Step is the 0-based
// index of the offending step, or -1 when the problem is tour-wide.
type DefinitionError struct {
	Step   int
	Reason string
	err    error
}

func (e *DefinitionError) Error() string {
	if e.Step < 0 {
		return "invalid tour: " + e.Reason
	}
	return fmt.Sprintf("invalid tour: step %d: %s", e.Step+1, e.Reason)
}

func (e *DefinitionError) Unwrap() error { return e.err }

// NormalizeSteps validates steps and returns them in play order. Steps that all
// carry a zero Order are numbered by their position in the slice; otherwise
// every Order must be positive and unique. Gaps are closed so the result is
// numbered 1..len(steps).
func NormalizeSteps(steps []models.Step) ([]models.Step, error) {
	if len(steps) == 0 {
		return nil, &DefinitionError{Step: -1, Reason: "no steps", err: ErrNoSteps}
	}
	out := make([]models.Step, len(steps))
	copy(out, steps)

	unordered := true
	for _, s := range out {
		if s.Order != 0 {
			unordered = false
			break
		}
	}

	ids := make(map[string]struct{}, len(out))
	orders := make(map[int]struct{}, len(out))
	for i := range out {
		s := &out[i]
		if unordered {
			s.Order = i + 1
		}
		switch {
		case strings.TrimSpace(s.ID) == "":
			return nil, &DefinitionError{Step: i, Reason: "missing id"}
		case strings.TrimSpace(s.Title) == "":
			return nil, &DefinitionError{Step: i, Reason: "missing title"}
		case !s.Position.Valid():
			return nil, &DefinitionError{Step: i, Reason: fmt.Sprintf("invalid position %q", s.Position)}
		case s.Order < 1:
			return nil, &DefinitionError{Step: i, Reason: fmt.Sprintf("invalid order %d", s.Order)}
		}
		if _, dup := ids[s.ID]; dup {
			return nil, &DefinitionError{Step: i, Reason: fmt.Sprintf("duplicate id %q", s.ID)}
		}
		if _, dup := orders[s.Order]; dup {
			return nil, &DefinitionError{Step: i, Reason: fmt.Sprintf("duplicate order %d", s.Order)}
		}
		ids[s.ID] = struct{}{}
		orders[s.Order] = struct{}{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		out[i].Order = i + 1
	}
	return out, nil
}
