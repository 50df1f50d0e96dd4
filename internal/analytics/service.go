// Package analytics aggregates playback sessions and step events into
// completion and drop-off statistics.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/models"
)

// Live feed event names.
const (
	EventSessionStarted   = "session_started"
	EventStepEvent        = "step_event"
	EventSessionCompleted = "session_completed"
	EventSessionAbandoned = "session_abandoned"
)

// Publisher fans accepted transitions out to live dashboards.
type Publisher interface {
	PublishTourEvent(tourID uuid.UUID, event string, payload interface{})
}

// Options configures a Service.
type Options struct {
	CounterMode CounterMode
	// CountSkippedAsCompleted reports fully skipped sessions as completions.
	CountSkippedAsCompleted bool
	Publisher               Publisher
	Logger                  *zap.Logger
	Clock                   func() time.Time
}

// Service implements the aggregator operations over a Store.
type Service struct {
	store  Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an analytics service.
func NewService(store Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CounterMode == "" {
		opts.CounterMode = CounterIncrement
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, opts: opts, logger: opts.Logger, now: now}
}

// StartParams opens a session.
type StartParams struct {
	SessionID string
	TourID    uuid.UUID
	UserID    string
	Context   models.ClientContext
}

// StartSession creates an in-progress session for a tour. Starting the same
// session id again returns the stored session unchanged.
func (s *Service) StartSession(ctx context.Context, p StartParams) (*models.Session, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidEvent)
	}
	tour, err := s.store.GetTour(ctx, p.TourID)
	if err != nil {
		return nil, err
	}
	if !tour.IsActive || tour.TotalSteps < 1 {
		return nil, ErrTourNotFound
	}
	sess := &models.Session{
		ID:          p.SessionID,
		TourID:      tour.ID,
		UserID:      p.UserID,
		Context:     p.Context,
		Status:      models.SessionInProgress,
		CurrentStep: 1,
		TotalSteps:  tour.TotalSteps,
		StartedAt:   s.now().UTC(),
	}
	created, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created {
		s.publish(sess.TourID, EventSessionStarted, sess)
	} else if sess.TourID != tour.ID {
		return nil, fmt.Errorf("%w: session %s belongs to another tour", ErrInvalidEvent, p.SessionID)
	}
	return sess, nil
}

// StepEventParams appends one step event.
type StepEventParams struct {
	EventID      string
	SessionID    string
	StepID       string
	StepOrder    int
	Type         models.StepEventType
	TimeOnStepMs *int64
	Timestamp    time.Time
}

// StepAck reports how a step event was handled.
type StepAck struct {
	Accepted  bool            `json:"accepted"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Ignored   bool            `json:"ignored,omitempty"`
	Session   *models.Session `json:"session"`
}

// RecordStepEvent appends a step event and updates the session counters.
// Events for terminal sessions and redelivered event ids are accepted without
// changing anything.
func (s *Service) RecordStepEvent(ctx context.Context, p StepEventParams) (*StepAck, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, p.Type)
	}
	if p.StepID == "" {
		return nil, fmt.Errorf("%w: step id required", ErrInvalidEvent)
	}
	if p.EventID == "" {
		p.EventID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}

	ack := &StepAck{Accepted: true}
	var published *models.StepEvent
	err := s.store.WithSession(ctx, p.SessionID, func(tx SessionTx) error {
		sess := tx.Session()
		if p.StepOrder < 1 || p.StepOrder > sess.TotalSteps {
			return fmt.Errorf("%w: step order %d outside 1..%d", ErrInvalidEvent, p.StepOrder, sess.TotalSteps)
		}
		if sess.Status.Terminal() {
			ack.Ignored = true
			ack.Session = copySession(sess)
			return nil
		}
		ev := &models.StepEvent{
			ID:           p.EventID,
			TourID:       sess.TourID,
			SessionID:    sess.ID,
			StepID:       p.StepID,
			StepOrder:    p.StepOrder,
			Type:         p.Type,
			Timestamp:    p.Timestamp.UTC(),
			TimeOnStepMs: p.TimeOnStepMs,
		}
		inserted, err := tx.AppendEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if !inserted {
			ack.Duplicate = true
			ack.Session = copySession(sess)
			return nil
		}
		switch s.opts.CounterMode {
		case CounterDerive:
			events, err := tx.Events(ctx)
			if err != nil {
				return fmt.Errorf("load events: %w", err)
			}
			deriveProgress(sess, events)
		default:
			applyIncrement(sess, *ev)
		}
		if err := tx.Save(ctx); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		ack.Session = copySession(sess)
		published = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if published != nil {
		s.publish(published.TourID, EventStepEvent, published)
	}
	return ack, nil
}

// CompleteTour marks a session completed and records its duration.
func (s *Service) CompleteTour(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.finish(ctx, sessionID, models.SessionCompleted)
}

// AbandonTour marks a session abandoned. Abandoned sessions carry no duration.
func (s *Service) AbandonTour(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.finish(ctx, sessionID, models.SessionAbandoned)
}

func (s *Service) finish(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	var out *models.Session
	changed := false
	err := s.store.WithSession(ctx, sessionID, func(tx SessionTx) error {
		sess := tx.Session()
		if sess.Status.Terminal() {
			out = copySession(sess)
			return nil
		}
		now := s.now().UTC()
		sess.Status = status
		if status == models.SessionCompleted {
			sess.CompletedAt = &now
			d := now.Sub(sess.StartedAt).Milliseconds()
			if d < 0 {
				d = 0
			}
			sess.DurationMs = &d
		} else {
			sess.AbandonedAt = &now
		}
		if err := tx.Save(ctx); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		out = copySession(sess)
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		event := EventSessionCompleted
		if status == models.SessionAbandoned {
			event = EventSessionAbandoned
		}
		s.publish(out.TourID, event, out)
	}
	return out, nil
}

// StepRate is the completion rate of one step.
type StepRate struct {
	StepID         string  `json:"stepId"`
	StepOrder      int     `json:"stepOrder"`
	Viewed         int     `json:"viewed"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completionRate"`
}

// TourAnalytics is the per-tour report.
type TourAnalytics struct {
	TourID              uuid.UUID  `json:"tourId"`
	TotalStarted        int        `json:"totalStarted"`
	TotalCompleted      int        `json:"totalCompleted"`
	TotalAbandoned      int        `json:"totalAbandoned"`
	TotalSkippedThrough int        `json:"totalSkippedThrough"`
	CompletionRate      float64    `json:"completionRate"`
	StepCompletionRates []StepRate `json:"stepCompletionRates"`
}

// Tour returns the tour snapshot, active or not.
func (s *Service) Tour(ctx context.Context, tourID uuid.UUID) (*TourSnapshot, error) {
	return s.store.GetTour(ctx, tourID)
}

// GetTourAnalytics computes completion and per-step rates for a tour.
func (s *Service) GetTourAnalytics(ctx context.Context, tourID uuid.UUID) (*TourAnalytics, error) {
	if _, err := s.store.GetTour(ctx, tourID); err != nil {
		return nil, err
	}
	counts, err := s.store.CountSessions(ctx, tourID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	steps, err := s.store.CountStepEvents(ctx, tourID)
	if err != nil {
		return nil, fmt.Errorf("count step events: %w", err)
	}

	out := &TourAnalytics{
		TourID:              tourID,
		TotalStarted:        counts.Started,
		TotalCompleted:      counts.Completed,
		TotalAbandoned:      counts.Abandoned,
		StepCompletionRates: make([]StepRate, 0, len(steps)),
	}
	if !s.opts.CountSkippedAsCompleted {
		out.TotalCompleted -= counts.FullySkipped
		out.TotalSkippedThrough = counts.FullySkipped
	}
	out.CompletionRate = percent(out.TotalCompleted, out.TotalStarted)

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].StepOrder != steps[j].StepOrder {
			return steps[i].StepOrder < steps[j].StepOrder
		}
		return steps[i].StepID < steps[j].StepID
	})
	for _, st := range steps {
		out.StepCompletionRates = append(out.StepCompletionRates, StepRate{
			StepID:         st.StepID,
			StepOrder:      st.StepOrder,
			Viewed:         st.Viewed,
			Completed:      st.Completed,
			CompletionRate: percent(st.Completed, st.Viewed),
		})
	}
	return out, nil
}

// TourSummary is one row of the owner summary.
type TourSummary struct {
	TourID         uuid.UUID `json:"tourId"`
	Name           string    `json:"name"`
	StepsCount     int       `json:"stepsCount"`
	TotalStarted   int       `json:"totalStarted"`
	TotalCompleted int       `json:"totalCompleted"`
	CompletionRate float64   `json:"completionRate"`
}

// OwnerSummary aggregates all tours of one owner.
type OwnerSummary struct {
	Days             int           `json:"days"`
	TotalStarted     int           `json:"totalStarted"`
	TotalCompleted   int           `json:"totalCompleted"`
	CompletionRate   float64       `json:"completionRate"`
	PerTour          []TourSummary `json:"perTour"`
	CompletionsByDay []DayCount    `json:"completionsByDay"`
}

// MaxSummaryDays bounds the summary window.
const MaxSummaryDays = 365

// GetOwnerAnalyticsSummary reports per-tour rates and daily activity for the
// last days UTC days, oldest first, with empty days included.
func (s *Service) GetOwnerAnalyticsSummary(ctx context.Context, ownerID uuid.UUID, days int) (*OwnerSummary, error) {
	if days < 1 {
		days = 7
	}
	if days > MaxSummaryDays {
		days = MaxSummaryDays
	}
	tours, err := s.store.ListToursByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tours: %w", err)
	}
	out := &OwnerSummary{Days: days, PerTour: make([]TourSummary, 0, len(tours))}
	for _, t := range tours {
		counts, err := s.store.CountSessions(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("count sessions for %s: %w", t.ID, err)
		}
		completed := counts.Completed
		if !s.opts.CountSkippedAsCompleted {
			completed -= counts.FullySkipped
		}
		out.PerTour = append(out.PerTour, TourSummary{
			TourID:         t.ID,
			Name:           t.Name,
			StepsCount:     t.TotalSteps,
			TotalStarted:   counts.Started,
			TotalCompleted: completed,
			CompletionRate: percent(completed, counts.Started),
		})
		out.TotalStarted += counts.Started
		out.TotalCompleted += completed
	}
	out.CompletionRate = percent(out.TotalCompleted, out.TotalStarted)

	today := truncateDay(s.now())
	since := today.AddDate(0, 0, -(days - 1))
	rows, err := s.store.DailyActivity(ctx, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("daily activity: %w", err)
	}
	out.CompletionsByDay = fillDays(rows, since, days)
	return out, nil
}

// GetRecentActivity lists the latest sessions across an owner's tours.
func (s *Service) GetRecentActivity(ctx context.Context, ownerID uuid.UUID, limit int) ([]Activity, error) {
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.store.RecentActivity(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	if rows == nil {
		rows = []Activity{}
	}
	return rows, nil
}

// SweepStale abandons in-progress sessions started more than olderThan ago.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	ids, err := s.store.StaleSessionIDs(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	swept := 0
	for _, id := range ids {
		sess, err := s.AbandonTour(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return swept, err
		}
		if sess.Status == models.SessionAbandoned {
			swept++
		}
	}
	if swept > 0 {
		s.logger.Info("abandoned stale sessions", zap.Int("count", swept), zap.Duration("older_than", olderThan))
	}
	return swept, nil
}

func (s *Service) publish(tourID uuid.UUID, event string, payload interface{}) {
	if s.opts.Publisher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("publisher panic", zap.Any("panic", r), zap.String("event", event))
		}
	}()
	s.opts.Publisher.PublishTourEvent(tourID, event, payload)
}

// percent returns part/whole*100 rounded to one decimal, 0 when whole is 0.
func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*1000) / 10
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func fillDays(rows []DayCount, since time.Time, days int) []DayCount {
	byDate := make(map[string]DayCount, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r
	}
	out := make([]DayCount, 0, days)
	for i := 0; i < days; i++ {
		date := since.AddDate(0, 0, i).Format("2006-01-02")
		row, ok := byDate[date]
		if !ok {
			row = DayCount{Date: date}
		}
		out = append(out, row)
	}
	return out
}

func copySession(s *models.Session) *models.Session {
	c := *s
	return &c
}
