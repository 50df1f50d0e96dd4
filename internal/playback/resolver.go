package playback

import (
	"go.uber.org/zap"
)

// Target is the outcome of resolving a step selector. Both fields are nil when
// there is no selector or nothing matched.
type Target struct {
	Element Element
	Rect    *Rect
}

// Found reports whether an element was matched.
func (t Target) Found() bool { return t.Element != nil && t.Rect != nil }

// Resolver locates step targets in the host document. It keeps no state between
// calls; the host page may change between steps.
type Resolver struct {
	doc       Document
	logger    *zap.Logger
	onMissing func(selector string, err error)
}

// NewResolver creates a resolver over doc. onMissing, if set, is told about
// selectors that matched nothing.
func NewResolver(doc Document, logger *zap.Logger, onMissing func(selector string, err error)) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{doc: doc, logger: logger, onMissing: onMissing}
}

// Resolve finds the element for selector and returns its rectangle relative to
// the scrolled document.
func (r *Resolver) Resolve(selector string) Target {
	if selector == "" {
		return Target{}
	}
	el, err := r.doc.QuerySelector(selector)
	if err != nil || el == nil {
		r.logger.Warn("tour target not found", zap.String("selector", selector), zap.Error(err))
		if r.onMissing != nil {
			r.onMissing(selector, err)
		}
		return Target{}
	}
	client := el.BoundingClientRect()
	sx, sy := r.doc.ScrollOffset()
	rect := Rect{
		X:      client.X + sx,
		Y:      client.Y + sy,
		Width:  client.Width,
		Height: client.Height,
	}
	return Target{Element: el, Rect: &rect}
}
