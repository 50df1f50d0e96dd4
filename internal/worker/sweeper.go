package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSpec runs the sweep every fifteen minutes.
const DefaultSweepSpec = "@every 15m"

// StaleSweeper abandons sessions nobody will finish.
type StaleSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper schedules the stale-session sweep on a cron expression.
type Sweeper struct {
	svc       StaleSweeper
	olderThan time.Duration
	timeout   time.Duration
	cron      *cron.Cron
	logger    *zap.Logger
}

// NewSweeper validates spec (five-field cron or a descriptor such as
// "@every 15m") and returns a stopped sweeper.
func NewSweeper(svc StaleSweeper, spec string, olderThan time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultSweepSpec
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	s := &Sweeper{svc: svc, olderThan: olderThan, timeout: time.Minute, cron: c, logger: logger}
	if _, err := c.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.svc.SweepStale(ctx, s.olderThan)
	if err != nil {
		s.logger.Error("stale session sweep failed", zap.Int("swept", n), zap.Error(err))
		return
	}
	s.logger.Debug("stale session sweep", zap.Int("swept", n))
}

// Start begins scheduling in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("stale session sweeper started", zap.Duration("older_than", s.olderThan))
}

// Stop stops scheduling and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
