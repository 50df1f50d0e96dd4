// Package widget is the host-facing entry point: it loads a tour, wires the
// playback engine to an event emitter and mounts it into a document.
package widget

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/emitter"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/internal/playback"
)

// Options configures one widget instance.
type Options struct {
	// TourID is fetched from Source (or the API at APIURL) unless Tour is set.
	// A Tour with no ID is an inline step list: it plays locally and reports
	// only through OnEvent.
	TourID uuid.UUID
	Tour   *models.Tour

	APIURL     string
	HTTPClient *http.Client
	Source     TourSource
	Transport  emitter.Transport

	UserID  string
	Context models.ClientContext

	BackNavigation   playback.BackNavigationPolicy
	CompletionScreen bool
	RetryMaxElapsed  time.Duration

	OnEvent      func(playback.Event)
	OnDiagnostic func(playback.Diagnostic)

	Logger *zap.Logger
}

// Player is a mounted tour. Emitter is nil for inline tours.
type Player struct {
	Engine  *playback.Engine
	Emitter *emitter.Emitter
	Tour    *models.Tour

	closeOnce sync.Once
	closeErr  error
}

// New loads the tour, mounts it into doc and starts delivering events. The
// returned player must be closed to flush pending events.
func New(ctx context.Context, opts Options, doc playback.Document, renderer playback.Renderer) (*Player, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tour, err := loadTour(ctx, opts)
	if err != nil {
		return nil, err
	}
	engineOpts := playback.Options{
		BackNavigation:   opts.BackNavigation,
		CompletionScreen: opts.CompletionScreen,
		UserID:           opts.UserID,
		Context:          opts.Context,
		OnEvent:          opts.OnEvent,
		OnDiagnostic:     opts.OnDiagnostic,
		Logger:           logger.Named("playback"),
	}

	if tour.ID == uuid.Nil {
		engine := playback.New(doc, renderer, playback.RecorderFunc(func(playback.Event) {}), engineOpts)
		if err := engine.Mount(tour); err != nil {
			return nil, err
		}
		logger.Info("inline tour mounted", zap.Int("steps", len(tour.Steps)))
		return &Player{Engine: engine, Tour: tour}, nil
	}

	transport := opts.Transport
	if transport == nil {
		if opts.APIURL == "" {
			return nil, errors.New("widget: APIURL or Transport required")
		}
		transport = emitter.NewHTTPTransport(opts.APIURL, opts.HTTPClient)
	}

	// engine is assigned before Mount records the first event, so OnFatal
	// always sees it.
	var engine *playback.Engine
	em := emitter.New(transport, emitter.Options{
		Logger:     logger.Named("emitter"),
		MaxElapsed: opts.RetryMaxElapsed,
		OnFatal:    func(err error) { engine.Halt(err) },
	})

	engine = playback.New(doc, renderer, em, engineOpts)
	if err := engine.Mount(tour); err != nil {
		_ = em.Close(ctx)
		return nil, err
	}
	logger.Info("tour mounted", zap.String("tour_id", tour.ID.String()), zap.Int("steps", len(tour.Steps)))
	return &Player{Engine: engine, Emitter: em, Tour: tour}, nil
}

func loadTour(ctx context.Context, opts Options) (*models.Tour, error) {
	if opts.Tour != nil {
		return opts.Tour, nil
	}
	if opts.TourID == uuid.Nil {
		return nil, errors.New("widget: TourID or Tour required")
	}
	src := opts.Source
	if src == nil {
		if opts.APIURL == "" {
			return nil, errors.New("widget: APIURL or Source required")
		}
		src = NewHTTPSource(opts.APIURL, opts.HTTPClient)
	}
	return src.FetchTour(ctx, opts.TourID)
}

// Flush waits until every recorded event has been delivered.
func (p *Player) Flush(ctx context.Context) error {
	if p.Emitter == nil {
		return nil
	}
	return p.Emitter.Flush(ctx)
}

// SessionID is the analytics session of the tour, or "" for inline tours.
func (p *Player) SessionID() string {
	if p.Emitter == nil {
		return ""
	}
	return p.Emitter.SessionID()
}

// Err reports why event delivery stopped, if it did.
func (p *Player) Err() error {
	if p.Emitter == nil {
		return nil
	}
	return p.Emitter.Err()
}

// Close abandons the tour if it is still playing, then drains the emitter.
func (p *Player) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.Engine.Close()
		if p.Emitter != nil {
			p.closeErr = p.Emitter.Close(ctx)
		}
	})
	return p.closeErr
}
