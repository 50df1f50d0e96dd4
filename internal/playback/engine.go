package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/models"
)

// DefaultRootID is the id of the element the engine injects into the host page.
const DefaultRootID = "onboardx-root"

// Control actions carried by rendered elements (data-action).
const (
	ActionNext    = "next"
	ActionPrev    = "prev"
	ActionSkip    = "skip"
	ActionClose   = "close"
	ActionOverlay = "overlay"
	ActionDone    = "done"
)

// ErrAlreadyMounted is returned by Mount on an engine that already played a tour.
var ErrAlreadyMounted = errors.New("engine already mounted")

// BackNavigationPolicy decides what, if anything, is recorded when the user
// goes back to a previous step.
type BackNavigationPolicy string

const (
	BackSilent BackNavigationPolicy = "silent"
	BackViewed BackNavigationPolicy = "viewed"
	BackResume BackNavigationPolicy = "resume"
)

// ParseBackNavigationPolicy maps a config value to a policy, defaulting to resume.
func ParseBackNavigationPolicy(s string) BackNavigationPolicy {
	switch BackNavigationPolicy(s) {
	case BackSilent, BackViewed:
		return BackNavigationPolicy(s)
	}
	return BackResume
}

// Options configures an Engine.
type Options struct {
	RootID           string
	BackNavigation   BackNavigationPolicy
	CompletionScreen bool
	CompletionTitle  string
	CompletionBody   string

	UserID  string
	Context models.ClientContext

	OnEvent      func(Event)
	OnDiagnostic func(Diagnostic)

	Logger *zap.Logger
	Clock  func() time.Time
}

// Engine plays one tour in one document. Create a new engine per mount.
type Engine struct {
	mu       sync.Mutex
	doc      Document
	renderer Renderer
	recorder Recorder
	resolver *Resolver
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	tour            *models.Tour
	seq             *Sequencer
	mounted         bool
	halted          bool
	awaitingDismiss bool
	listeners       []func()
	shownAt         time.Time

	hooks []Event
	diags []Diagnostic
}

// New creates an engine bound to doc. recorder receives every event in order.
func New(doc Document, renderer Renderer, recorder Recorder, opts Options) *Engine {
	if opts.RootID == "" {
		opts.RootID = DefaultRootID
	}
	if opts.BackNavigation == "" {
		opts.BackNavigation = BackResume
	}
	if opts.CompletionTitle == "" {
		opts.CompletionTitle = "You're all set!"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		doc:      doc,
		renderer: renderer,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		now:      now,
	}
	e.resolver = NewResolver(doc, logger, func(selector string, err error) {
		d := Diagnostic{Kind: DiagTargetMissing, Selector: selector, Err: err}
		if step, ok := e.seq.Current(); ok {
			d.StepID = step.ID
		}
		e.diags = append(e.diags, d)
	})
	return e
}

// Mount validates tour, injects the root, starts the sequence and renders the
// first step. A definition error leaves the document untouched.
func (e *Engine) Mount(tour *models.Tour) (err error) {
	e.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tour mount panicked", zap.Any("panic", r))
			err = fmt.Errorf("mount: %v", r)
			e.teardown()
		}
		hooks, diags := e.takePending()
		e.mu.Unlock()
		e.notify(hooks, diags)
	}()

	if e.seq != nil {
		return ErrAlreadyMounted
	}
	if tour == nil {
		return &DefinitionError{Step: -1, Reason: "no tour", err: ErrNoSteps}
	}
	steps, err := NormalizeSteps(tour.Steps)
	if err != nil {
		e.logger.Warn("refusing to mount tour", zap.String("tour_id", tour.ID.String()), zap.Error(err))
		return err
	}
	def := *tour
	def.Steps = steps
	def.TotalSteps = len(steps)

	if err := e.doc.InjectRoot(e.opts.RootID); err != nil {
		return fmt.Errorf("inject root: %w", err)
	}
	e.tour = &def
	e.seq = NewSequencer(steps)
	if err := e.seq.Start(); err != nil {
		e.doc.RemoveRoot(e.opts.RootID)
		return err
	}
	e.mounted = true
	e.listeners = append(e.listeners,
		e.doc.AddListener(DOMClick, e.handleClick),
		e.doc.AddListener(DOMKeyDown, e.handleKey),
	)

	e.emit(Event{Type: EventStart, UserID: e.opts.UserID, Context: e.opts.Context})
	e.enterStep(EventStepViewed)
	e.render()
	e.logger.Debug("tour mounted", zap.String("tour_id", def.ID.String()), zap.Int("steps", len(steps)))
	return nil
}

// Next completes the current step.
func (e *Engine) Next() { e.do("next", func() { e.forward(false) }) }

// SkipStep skips the current step.
func (e *Engine) SkipStep() { e.do("skip", func() { e.forward(true) }) }

// Previous returns to the prior step.
func (e *Engine) Previous() {
	e.do("previous", func() {
		if !e.mounted || e.awaitingDismiss || !e.ensureRoot() {
			return
		}
		if !e.seq.Retreat().Changed {
			return
		}
		switch e.opts.BackNavigation {
		case BackViewed:
			e.enterStep(EventStepViewed)
		case BackResume:
			e.enterStep(EventStepResumed)
		default:
			e.shownAt = e.now()
		}
		e.render()
	})
}

// Close abandons the tour and unmounts. On the completion screen it only
// dismisses.
func (e *Engine) Close() {
	e.do("close", func() {
		if e.awaitingDismiss {
			e.teardown()
			return
		}
		if !e.mounted {
			return
		}
		e.abandon()
		e.teardown()
	})
}

// Dismiss removes the completion screen.
func (e *Engine) Dismiss() {
	e.do("dismiss", func() {
		if e.awaitingDismiss {
			e.teardown()
		}
	})
}

// Render redraws the current step, re-resolving its target. Hosts call it after
// layout changes; a root removed by the host abandons the session.
func (e *Engine) Render() {
	e.do("render", func() {
		if !e.mounted || e.awaitingDismiss || !e.ensureRoot() {
			return
		}
		e.render()
	})
}

// Halt stops playback without recording anything further. The emitter calls it
// when the backend no longer knows the session.
func (e *Engine) Halt(reason error) {
	e.do("halt", func() {
		if e.halted {
			return
		}
		e.logger.Warn("tour playback halted", zap.Error(reason))
		e.diags = append(e.diags, Diagnostic{Kind: DiagHalted, Err: reason})
		e.halted = true
		if e.seq != nil {
			e.seq.Close()
		}
		if e.mounted || e.awaitingDismiss {
			e.teardown()
		}
	})
}

// Status is the sequencer status, idle before Mount.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq == nil {
		return StatusIdle
	}
	return e.seq.Status()
}

// Index is the 0-based current step index.
func (e *Engine) Index() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq == nil {
		return 0
	}
	return e.seq.Index()
}

// Mounted reports whether the engine still owns a root in the document.
func (e *Engine) Mounted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounted || e.awaitingDismiss
}

// handleClick and handleKey each ignore events of the other kind, so a
// document that delivers every event to every listener still acts once.
func (e *Engine) handleClick(ev DOMEvent) {
	if ev.Kind != DOMClick {
		return
	}
	switch ev.Action {
	case ActionNext:
		e.Next()
	case ActionPrev:
		e.Previous()
	case ActionSkip:
		e.SkipStep()
	case ActionClose, ActionOverlay:
		e.Close()
	case ActionDone:
		e.Dismiss()
	}
}

func (e *Engine) handleKey(ev DOMEvent) {
	if ev.Kind != DOMKeyDown {
		return
	}
	switch ev.Key {
	case "ArrowRight":
		e.Next()
	case "ArrowLeft":
		e.Previous()
	case "Escape":
		e.Close()
	}
}

func (e *Engine) forward(skip bool) {
	if e.awaitingDismiss {
		e.teardown()
		return
	}
	if !e.mounted || !e.ensureRoot() {
		return
	}
	var t Transition
	outcome := EventStepCompleted
	if skip {
		t = e.seq.Skip()
		outcome = EventStepSkipped
	} else {
		t = e.seq.Advance()
	}
	if !t.Changed {
		return
	}
	spent := e.now().Sub(e.shownAt)
	e.emit(Event{Type: outcome, StepID: t.Departed.ID, StepOrder: t.Departed.Order, TimeOnStep: &spent})

	if t.Status == StatusCompleted {
		e.emit(Event{Type: EventComplete})
		e.finish()
		return
	}
	e.enterStep(EventStepViewed)
	e.render()
}

func (e *Engine) finish() {
	if !e.opts.CompletionScreen {
		e.teardown()
		return
	}
	e.mounted = false
	e.awaitingDismiss = true
	total := e.seq.Len()
	e.renderFrame(Frame{
		TourName:   e.tour.Name,
		Title:      e.opts.CompletionTitle,
		Body:       e.opts.CompletionBody,
		Number:     total,
		Total:      total,
		IsLast:     true,
		Placement:  CenteredPlacement(),
		Completion: true,
	})
}

func (e *Engine) abandon() {
	if !e.seq.Close().Changed {
		return
	}
	ev := Event{Type: EventAbandon}
	if step, ok := e.seq.Current(); ok {
		ev.StepID, ev.StepOrder = step.ID, step.Order
	}
	e.emit(ev)
}

// ensureRoot abandons the session when the host removed the root out-of-band.
func (e *Engine) ensureRoot() bool {
	if e.doc.HasRoot(e.opts.RootID) {
		return true
	}
	e.logger.Warn("tour root removed by host page", zap.String("root_id", e.opts.RootID))
	e.diags = append(e.diags, Diagnostic{Kind: DiagRootDetached})
	e.abandon()
	e.teardown()
	return false
}

func (e *Engine) enterStep(kind EventType) {
	step, ok := e.seq.Current()
	if !ok {
		return
	}
	e.shownAt = e.now()
	e.emit(Event{Type: kind, StepID: step.ID, StepOrder: step.Order})
}

func (e *Engine) render() {
	step, ok := e.seq.Current()
	if !ok {
		return
	}
	target := e.resolver.Resolve(step.TargetElement)
	idx := e.seq.Index()
	e.renderFrame(Frame{
		TourName:    e.tour.Name,
		StepID:      step.ID,
		Title:       step.Title,
		Body:        step.Content,
		Number:      idx + 1,
		Total:       e.seq.Len(),
		HasPrev:     idx > 0,
		HasNext:     !e.seq.IsLast(),
		IsLast:      e.seq.IsLast(),
		Placement:   Place(step.Position, target.Rect),
		Highlight:   target.Rect,
		TargetFound: target.Found(),
	})
}

func (e *Engine) renderFrame(f Frame) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("renderer panicked: %v", r)
			}
		}()
		return e.renderer.Render(e.opts.RootID, f)
	}()
	if err != nil {
		e.logger.Warn("render tour step", zap.String("step_id", f.StepID), zap.Error(err))
		e.diags = append(e.diags, Diagnostic{Kind: DiagRenderFailed, StepID: f.StepID, Err: err})
	}
}

func (e *Engine) teardown() {
	for _, remove := range e.listeners {
		func() {
			defer func() { _ = recover() }()
			remove()
		}()
	}
	e.listeners = nil
	func() {
		defer func() { _ = recover() }()
		e.renderer.Clear(e.opts.RootID)
	}()
	e.doc.RemoveRoot(e.opts.RootID)
	e.mounted = false
	e.awaitingDismiss = false
}

func (e *Engine) emit(ev Event) {
	if e.halted || e.tour == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.TourID = e.tour.ID
	ev.At = e.now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("recorder panicked", zap.Any("panic", r), zap.String("event", string(ev.Type)))
			}
		}()
		if e.recorder != nil {
			e.recorder.Record(ev)
		}
	}()
	e.hooks = append(e.hooks, ev)
}

// do runs fn under the engine lock and delivers host callbacks after unlocking,
// so hooks may call back into the engine.
func (e *Engine) do(op string, fn func()) {
	e.mu.Lock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tour engine panicked", zap.String("op", op), zap.Any("panic", r))
				e.diags = append(e.diags, Diagnostic{Kind: DiagPanic, Err: fmt.Errorf("%s: %v", op, r)})
			}
		}()
		fn()
	}()
	hooks, diags := e.takePending()
	e.mu.Unlock()
	e.notify(hooks, diags)
}

func (e *Engine) takePending() ([]Event, []Diagnostic) {
	hooks, diags := e.hooks, e.diags
	e.hooks, e.diags = nil, nil
	return hooks, diags
}

func (e *Engine) notify(hooks []Event, diags []Diagnostic) {
	call := func(fn func()) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("host callback panicked", zap.Any("panic", r))
			}
		}()
		fn()
	}
	if e.opts.OnEvent != nil {
		for _, ev := range hooks {
			ev := ev
			call(func() { e.opts.OnEvent(ev) })
		}
	}
	if e.opts.OnDiagnostic != nil {
		for _, d := range diags {
			d := d
			call(func() { e.opts.OnDiagnostic(d) })
		}
	}
}
