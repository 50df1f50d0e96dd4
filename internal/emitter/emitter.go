// Package emitter delivers playback events to the analytics backend in order,
// one at a time, retrying transient failures with exponential backoff.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/internal/playback"
)

// ErrClosed is returned by Close on an emitter that is already closed.
var ErrClosed = errors.New("emitter closed")

// Options configures retry behaviour and callbacks.
type Options struct {
	Logger *zap.Logger

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed bounds the retries of one event. Zero retries until Close gives up.
	MaxElapsed     time.Duration
	RequestTimeout time.Duration

	// OnFatal is called once when the backend reports the session or tour gone.
	OnFatal func(error)
}

// Emitter implements playback.Recorder. Record never blocks; a single worker
// goroutine delivers queued events in the order they were recorded.
type Emitter struct {
	transport Transport
	opts      Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []playback.Event
	inflight  bool
	sessionID string
	started   bool
	closed    bool
	fatal     error
	idle      chan struct{}
	wake      chan struct{}
	done      chan struct{}
}

// New creates an emitter and starts its delivery goroutine.
func New(transport Transport, opts Options) *Emitter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	e := &Emitter{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		idle:      idle,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// SessionID is the id allocated by the start event, empty before it.
func (e *Emitter) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Err returns the protocol error that stopped delivery, if any.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// Record queues ev. The start event allocates the session id; every later
// event carries it.
func (e *Emitter) Record(ev playback.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.fatal != nil {
		return
	}
	if ev.Type == playback.EventStart {
		if e.sessionID != "" {
			e.logger.Warn("ignoring second start event", zap.String("session_id", e.sessionID))
			return
		}
		e.sessionID = uuid.NewString()
	}
	ev.SessionID = e.sessionID
	e.queue = append(e.queue, ev)
	if e.pending() == 1 {
		e.idle = make(chan struct{})
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every queued event has been delivered or dropped.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and drains the queue. Sends in flight are
// allowed to finish; if ctx expires first, pending retries are abandoned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}

	select {
	case <-e.done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-e.done
		return ctx.Err()
	}
}

func (e *Emitter) pending() int {
	n := len(e.queue)
	if e.inflight {
		n++
	}
	return n
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		ev, ok := e.next()
		if !ok {
			return
		}
		e.deliver(ev)

		e.mu.Lock()
		e.inflight = false
		if e.pending() == 0 {
			close(e.idle)
		}
		e.mu.Unlock()
	}
}

// next blocks until an event is queued. It returns false once the emitter is
// closed (or stopped) and the queue is empty.
func (e *Emitter) next() (playback.Event, bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			ev := e.queue[0]
			e.queue = e.queue[1:]
			e.inflight = true
			e.mu.Unlock()
			return ev, true
		}
		stop := e.closed || e.fatal != nil
		e.mu.Unlock()
		if stop {
			return playback.Event{}, false
		}
		select {
		case <-e.wake:
		case <-e.ctx.Done():
			return playback.Event{}, false
		}
	}
}

func (e *Emitter) deliver(ev playback.Event) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if ev.Type != playback.EventStart && !started {
		e.logger.Warn("dropping event for unstarted session", zap.String("event", string(ev.Type)))
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff
	b.MaxElapsedTime = e.opts.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
		defer cancel()
		err := e.send(ctx, ev)
		if err == nil {
			return nil
		}
		if isProtocolError(err) || errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		e.logger.Debug("event delivery failed",
			zap.String("event", string(ev.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(b, e.ctx))
	switch {
	case err == nil:
		if ev.Type == playback.EventStart {
			e.mu.Lock()
			e.started = true
			e.mu.Unlock()
		}
	case isProtocolError(err):
		e.stop(err)
	case errors.Is(err, ErrRejected):
		e.logger.Warn("event rejected by backend", zap.String("event", string(ev.Type)), zap.Error(err))
	default:
		e.logger.Warn("giving up on event", zap.String("event", string(ev.Type)), zap.Int("attempts", attempt), zap.Error(err))
	}
}

func (e *Emitter) stop(err error) {
	e.mu.Lock()
	if e.fatal != nil {
		e.mu.Unlock()
		return
	}
	e.fatal = err
	dropped := len(e.queue)
	e.queue = nil
	sessionID := e.sessionID
	e.mu.Unlock()

	e.logger.Warn("analytics session lost, stopping delivery",
		zap.String("session_id", sessionID),
		zap.Int("dropped", dropped),
		zap.Error(err),
	)
	if e.opts.OnFatal != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("fatal callback panicked", zap.Any("panic", r))
				}
			}()
			e.opts.OnFatal(err)
		}()
	}
}

func (e *Emitter) send(ctx context.Context, ev playback.Event) error {
	switch ev.Type {
	case playback.EventStart:
		return e.transport.StartSession(ctx, StartRequest{
			SessionID: ev.SessionID,
			TourID:    ev.TourID,
			UserID:    ev.UserID,
			Context:   ev.Context,
		})
	case playback.EventComplete:
		return e.transport.CompleteTour(ctx, ev.SessionID)
	case playback.EventAbandon:
		return e.transport.AbandonTour(ctx, ev.SessionID)
	}
	if !ev.Type.StepLevel() {
		return fmt.Errorf("%w: unknown event type %q", ErrRejected, ev.Type)
	}
	req := StepEventRequest{
		EventID:   ev.ID,
		SessionID: ev.SessionID,
		StepID:    ev.StepID,
		StepOrder: ev.StepOrder,
		Type:      models.StepEventType(ev.Type),
		At:        ev.At,
	}
	if ev.TimeOnStep != nil {
		ms := ev.TimeOnStep.Milliseconds()
		req.TimeOnStepMs = &ms
	}
	return e.transport.RecordStepEvent(ctx, req)
}
