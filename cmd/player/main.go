// Package main plays a tour headlessly against a page snapshot. Actions are
// applied in order, then the resulting analytics are printed as JSON.
//
//	player -offline -tour tour.json -page page.json -actions next,next,skip,done
//	player -api http://localhost:8080 -tour-id 3f6c... -page page.html -actions next,close
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/onboardx/backend/config"
	"github.com/onboardx/backend/internal/analytics"
	"github.com/onboardx/backend/internal/dom"
	"github.com/onboardx/backend/internal/emitter"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/internal/playback"
	"github.com/onboardx/backend/internal/widget"
)

type flags struct {
	offline  *bool
	apiURL   *string
	tourID   *string
	tourFile *string
	page     *string
	width    *float64
	height   *float64
	actions  *string
	userID   *string
	verbose  *bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	f := flags{
		offline:  flag.Bool("offline", false, "record into an in-process aggregator instead of the API"),
		apiURL:   flag.String("api", cfg.Widget.APIURL, "API base URL (overrides $WIDGET_API_URL)"),
		tourID:   flag.String("tour-id", "", "tour to fetch from the API"),
		tourFile: flag.String("tour", "", "tour definition JSON file"),
		page:     flag.String("page", "", "page snapshot (.json) or annotated HTML (.html)"),
		width:    flag.Float64("width", 1280, "viewport width for HTML pages"),
		height:   flag.Float64("height", 800, "viewport height for HTML pages"),
		actions:  flag.String("actions", "", "comma-separated actions: next, prev, skip, close, done, key:<name>"),
		userID:   flag.String("user", "", "end-user id attached to the session"),
		verbose:  flag.Bool("v", false, "debug logging"),
	}
	flag.Parse()

	logger := newLogger(*f.verbose)
	defer logger.Sync()

	if err := run(cfg, f, logger, os.Stdout); err != nil {
		logger.Error("playback failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, f flags, logger *zap.Logger, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	doc, err := loadPage(*f.page, dom.Viewport{W: *f.width, H: *f.height})
	if err != nil {
		return err
	}
	opts := widget.Options{
		APIURL:           *f.apiURL,
		UserID:           *f.userID,
		Context:          models.ClientContext{UserAgent: "onboardx-player", PageURL: doc.URL()},
		BackNavigation:   playback.ParseBackNavigationPolicy(cfg.Widget.BackNavigation),
		CompletionScreen: cfg.Widget.CompletionScreen,
		RetryMaxElapsed:  cfg.Widget.RetryMaxElapsed,
		OnDiagnostic: func(d playback.Diagnostic) {
			logger.Warn("playback diagnostic", zap.String("kind", string(d.Kind)), zap.String("step_id", d.StepID),
				zap.String("selector", d.Selector), zap.Error(d.Err))
		},
		Logger: logger,
	}
	if *f.tourFile != "" {
		if opts.Tour, err = readTour(*f.tourFile); err != nil {
			return err
		}
	} else if opts.TourID, err = uuid.Parse(*f.tourID); err != nil {
		return fmt.Errorf("-tour or a valid -tour-id is required: %w", err)
	}

	var svc *analytics.Service
	if *f.offline {
		if opts.Tour == nil {
			return fmt.Errorf("-offline needs -tour")
		}
		store := analytics.NewMemoryStore()
		store.PutTour(analytics.TourSnapshot{
			ID:         opts.Tour.ID,
			OwnerID:    opts.Tour.OwnerID,
			Name:       opts.Tour.Name,
			TotalSteps: len(opts.Tour.Steps),
			IsActive:   true,
		})
		svc = analytics.NewService(store, analytics.Options{
			CounterMode:             analytics.ParseCounterMode(cfg.Analytics.CounterMode),
			CountSkippedAsCompleted: cfg.Analytics.CountSkippedAsCompleted,
			Logger:                  logger.Named("analytics"),
		})
		opts.Transport = emitter.NewLocalTransport(svc)
	}

	player, err := widget.New(ctx, opts, doc, dom.NewOverlay(doc))
	if err != nil {
		return err
	}
	for _, action := range splitActions(*f.actions) {
		if err := apply(doc, action); err != nil {
			logger.Warn("action not applied", zap.String("action", action), zap.Error(err))
		}
	}
	status := player.Engine.Status()
	if err := player.Close(ctx); err != nil {
		return fmt.Errorf("flush events: %w", err)
	}

	result := map[string]interface{}{
		"tour_id":    player.Tour.ID,
		"session_id": player.SessionID(),
		"status":     status,
	}
	if err := player.Err(); err != nil {
		result["error"] = err.Error()
	}
	if svc != nil {
		report, err := svc.GetTourAnalytics(ctx, player.Tour.ID)
		if err != nil {
			return err
		}
		result["analytics"] = report
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func loadPage(path string, vp dom.Viewport) (*dom.Document, error) {
	if path == "" {
		return dom.FromSnapshot(dom.Snapshot{URL: "about:blank", Viewport: vp}), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".html") {
		return dom.ParseHTML(file, vp)
	}
	return dom.ReadSnapshot(file)
}

func readTour(path string) (*models.Tour, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t models.Tour
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("parse tour %s: %w", path, err)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return &t, nil
}

func splitActions(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// apply drives the overlay the way a user would: clicking its buttons or
// pressing keys.
func apply(doc *dom.Document, action string) error {
	if key, ok := strings.CutPrefix(action, "key:"); ok {
		doc.KeyDown(key)
		return nil
	}
	switch action {
	case "next", "prev", "skip", "close", "done", "overlay":
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	ok, err := doc.Click(fmt.Sprintf(`[data-action=%q]`, action))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no %s button on screen", action)
	}
	return nil
}

func newLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stderr"}
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, _ := config.Build()
	return logger
}
