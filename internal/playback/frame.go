package playback

import "fmt"

// Frame is everything a renderer needs to draw the current step.
type Frame struct {
	TourName    string
	StepID      string
	Title       string
	Body        string
	Number      int
	Total       int
	HasPrev     bool
	HasNext     bool
	IsLast      bool
	Placement   Placement
	Highlight   *Rect
	TargetFound bool

	// Completion marks the optional screen shown after the last step.
	Completion bool
}

// Progress is the "N of total" label.
func (f Frame) Progress() string {
	return fmt.Sprintf("%d of %d", f.Number, f.Total)
}

// Renderer draws frames into the injected root.
type Renderer interface {
	Render(rootID string, f Frame) error
	Clear(rootID string)
}
