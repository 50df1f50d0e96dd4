// Package playback plays a tour inside a host document: it resolves step targets,
// sequences steps as a state machine, renders frames and records lifecycle events.
package playback

// Rect is a rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Top() float64    { return r.Y }
func (r Rect) Left() float64   { return r.X }
func (r Rect) Bottom() float64 { return r.Y + r.Height }
func (r Rect) Right() float64  { return r.X + r.Width }

// Element is a node of the host document a step can anchor to.
type Element interface {
	// BoundingClientRect returns the element's rectangle relative to the viewport.
	BoundingClientRect() Rect
}

// DOMEventKind is the kind of host event the engine listens for.
type DOMEventKind string

const (
	DOMClick   DOMEventKind = "click"
	DOMKeyDown DOMEventKind = "keydown"
)

// DOMEvent is a host event delivered to a listener. Action carries the
// data-action of the clicked control; Key carries the key name for keydown.
type DOMEvent struct {
	Kind   DOMEventKind
	Action string
	Key    string
}

// Document is the host page the widget does not control.
type Document interface {
	// QuerySelector returns the first element matching selector, or nil when
	// nothing matches. An error means the selector itself is unusable.
	QuerySelector(selector string) (Element, error)
	ScrollOffset() (x, y float64)

	InjectRoot(id string) error
	HasRoot(id string) bool
	RemoveRoot(id string)

	// AddListener registers fn and returns the function that removes it.
	AddListener(kind DOMEventKind, fn func(DOMEvent)) (remove func())
}
