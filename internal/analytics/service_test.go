package analytics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardx/backend/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	tourID uuid.UUID
	event  string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishTourEvent(tourID uuid.UUID, event string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{tourID: tourID, event: event})
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.event
	}
	return out
}

type fixture struct {
	store *MemoryStore
	svc   *Service
	clock *fakeClock
	pub   *recordingPublisher
	owner uuid.UUID
	tour  TourSnapshot
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		clock: &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
		pub:   &recordingPublisher{},
		owner: uuid.New(),
	}
	f.tour = TourSnapshot{ID: uuid.New(), OwnerID: f.owner, Name: "Checkout", TotalSteps: 5, IsActive: true}
	f.store.PutTour(f.tour)
	opts.Clock = f.clock.Now
	opts.Publisher = f.pub
	f.svc = NewService(f.store, opts)
	return f
}

func (f *fixture) start(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := f.svc.StartSession(context.Background(), StartParams{SessionID: id, TourID: f.tour.ID})
	require.NoError(t, err)
	return s
}

func (f *fixture) step(t *testing.T, sessionID string, order int, typ models.StepEventType) *StepAck {
	t.Helper()
	ack, err := f.svc.RecordStepEvent(context.Background(), StepEventParams{
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		StepID:    fmt.Sprintf("s%d", order),
		StepOrder: order,
		Type:      typ,
	})
	require.NoError(t, err)
	return ack
}

func TestStartSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s := f.start(t, "sess-1")
	assert.Equal(t, models.SessionInProgress, s.Status)
	assert.Equal(t, 1, s.CurrentStep)
	assert.Equal(t, 5, s.TotalSteps)
	assert.Equal(t, f.clock.Now(), s.StartedAt)

	t.Run("same id is idempotent", func(t *testing.T) {
		f.clock.Add(time.Minute)
		again := f.start(t, "sess-1")
		assert.Equal(t, s.StartedAt, again.StartedAt)
		counts, err := f.store.CountSessions(ctx, f.tour.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, counts.Started)
	})

	t.Run("unknown tour", func(t *testing.T) {
		_, err := f.svc.StartSession(ctx, StartParams{SessionID: "x", TourID: uuid.New()})
		assert.ErrorIs(t, err, ErrTourNotFound)
	})

	t.Run("inactive tour", func(t *testing.T) {
		off := TourSnapshot{ID: uuid.New(), OwnerID: f.owner, Name: "Off", TotalSteps: 2}
		f.store.PutTour(off)
		_, err := f.svc.StartSession(ctx, StartParams{SessionID: "y", TourID: off.ID})
		assert.ErrorIs(t, err, ErrTourNotFound)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := f.svc.StartSession(ctx, StartParams{TourID: f.tour.ID})
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})

	assert.Equal(t, []string{EventSessionStarted}, f.pub.names())
}

func TestTotalStepsSnapshotAtStart(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "sess-1")

	edited := f.tour
	edited.TotalSteps = 2
	f.store.PutTour(edited)

	for i := 1; i <= 5; i++ {
		f.step(t, "sess-1", i, models.StepCompleted)
	}
	s, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 5, s.TotalSteps)
	assert.Equal(t, 5, s.StepsCompleted)
}

func TestFourCompletedOneSkipped(t *testing.T) {
	for _, mode := range []CounterMode{CounterIncrement, CounterDerive} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, Options{CounterMode: mode, CountSkippedAsCompleted: true})
			ctx := context.Background()
			f.start(t, "sess-1")
			for i := 1; i <= 4; i++ {
				f.step(t, "sess-1", i, models.StepViewed)
				f.step(t, "sess-1", i, models.StepCompleted)
			}
			f.step(t, "sess-1", 5, models.StepViewed)
			f.step(t, "sess-1", 5, models.StepSkipped)

			f.clock.Add(90 * time.Second)
			s, err := f.svc.CompleteTour(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, models.SessionCompleted, s.Status)
			assert.Equal(t, 4, s.StepsCompleted)
			assert.Equal(t, 1, s.StepsSkipped)
			require.NotNil(t, s.CompletedAt)
			assert.Nil(t, s.AbandonedAt)
			require.NotNil(t, s.DurationMs)
			assert.Equal(t, int64(90000), *s.DurationMs)

			a, err := f.svc.GetTourAnalytics(ctx, f.tour.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, a.TotalStarted)
			assert.Equal(t, 1, a.TotalCompleted)
			assert.Equal(t, 100.0, a.CompletionRate)
			require.Len(t, a.StepCompletionRates, 5)
			for i, r := range a.StepCompletionRates {
				assert.Equal(t, i+1, r.StepOrder)
				assert.Equal(t, 1, r.Viewed)
			}
			assert.Equal(t, 100.0, a.StepCompletionRates[0].CompletionRate)
			assert.Equal(t, 0.0, a.StepCompletionRates[4].CompletionRate)
		})
	}
}

func TestImmediateAbandon(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "sess-1")
	f.step(t, "sess-1", 1, models.StepViewed)

	s, err := f.svc.AbandonTour(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionAbandoned, s.Status)
	require.NotNil(t, s.AbandonedAt)
	assert.Nil(t, s.CompletedAt)
	assert.Nil(t, s.DurationMs)
	assert.Equal(t, 0, s.StepsCompleted+s.StepsSkipped)
	assert.Equal(t, []string{EventSessionStarted, EventStepEvent, EventSessionAbandoned}, f.pub.names())
}

func TestTerminalStatesAbsorb(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.start(t, "sess-1")
	first, err := f.svc.CompleteTour(ctx, "sess-1")
	require.NoError(t, err)

	f.clock.Add(time.Hour)
	second, err := f.svc.CompleteTour(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	abandoned, err := f.svc.AbandonTour(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, abandoned.Status)
	assert.Nil(t, abandoned.AbandonedAt)

	ack := f.step(t, "sess-1", 1, models.StepCompleted)
	assert.True(t, ack.Accepted)
	assert.True(t, ack.Ignored)
	assert.Equal(t, 0, ack.Session.StepsCompleted)

	assert.Equal(t, []string{EventSessionStarted, EventSessionCompleted}, f.pub.names())
}

func TestRecordStepEventErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.start(t, "sess-1")

	tests := []struct {
		name string
		p    StepEventParams
		want error
	}{
		{"unknown session", StepEventParams{SessionID: "nope", StepID: "s1", StepOrder: 1, Type: models.StepViewed}, ErrSessionNotFound},
		{"bad type", StepEventParams{SessionID: "sess-1", StepID: "s1", StepOrder: 1, Type: "step_exploded"}, ErrInvalidEvent},
		{"order zero", StepEventParams{SessionID: "sess-1", StepID: "s1", StepOrder: 0, Type: models.StepViewed}, ErrInvalidEvent},
		{"order past total", StepEventParams{SessionID: "sess-1", StepID: "s6", StepOrder: 6, Type: models.StepViewed}, ErrInvalidEvent},
		{"missing step id", StepEventParams{SessionID: "sess-1", StepOrder: 1, Type: models.StepViewed}, ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordStepEvent(ctx, tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.svc.CompleteTour(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.svc.AbandonTour(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDuplicateEventIgnored(t *testing.T) {
	for _, mode := range []CounterMode{CounterIncrement, CounterDerive} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, Options{CounterMode: mode})
			ctx := context.Background()
			f.start(t, "sess-1")
			p := StepEventParams{EventID: "ev-1", SessionID: "sess-1", StepID: "s1", StepOrder: 1, Type: models.StepCompleted}

			ack, err := f.svc.RecordStepEvent(ctx, p)
			require.NoError(t, err)
			assert.False(t, ack.Duplicate)

			ack, err = f.svc.RecordStepEvent(ctx, p)
			require.NoError(t, err)
			assert.True(t, ack.Duplicate)
			assert.Equal(t, 1, ack.Session.StepsCompleted)
			assert.Equal(t, 2, ack.Session.CurrentStep)

			steps, err := f.store.CountStepEvents(ctx, f.tour.ID)
			require.NoError(t, err)
			require.Len(t, steps, 1)
			assert.Equal(t, 1, steps[0].Completed)
		})
	}
}

func TestCountersNeverExceedTotal(t *testing.T) {
	for _, mode := range []CounterMode{CounterIncrement, CounterDerive} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, Options{CounterMode: mode})
			f.start(t, "sess-1")
			// Retreat to step 2 and re-complete it, then keep completing past the end.
			f.step(t, "sess-1", 1, models.StepCompleted)
			f.step(t, "sess-1", 2, models.StepCompleted)
			f.step(t, "sess-1", 2, models.StepResumed)
			f.step(t, "sess-1", 2, models.StepCompleted)
			for i := 3; i <= 5; i++ {
				f.step(t, "sess-1", i, models.StepSkipped)
			}
			ack := f.step(t, "sess-1", 5, models.StepCompleted)

			s := ack.Session
			assert.LessOrEqual(t, s.StepsCompleted+s.StepsSkipped, s.TotalSteps)
			assert.Equal(t, 2, s.StepsCompleted)
			assert.Equal(t, 3, s.StepsSkipped)
			assert.Equal(t, 5, s.CurrentStep)
		})
	}
}

func TestCurrentStepMonotonic(t *testing.T) {
	f := newFixture(t, Options{CounterMode: CounterIncrement})
	f.start(t, "sess-1")
	f.step(t, "sess-1", 1, models.StepCompleted)
	f.step(t, "sess-1", 2, models.StepCompleted)
	ack := f.step(t, "sess-1", 1, models.StepResumed)
	assert.Equal(t, 3, ack.Session.CurrentStep)
	ack = f.step(t, "sess-1", 1, models.StepCompleted)
	assert.Equal(t, 3, ack.Session.CurrentStep)
	assert.Equal(t, 2, ack.Session.StepsCompleted)
}

func TestZeroSessionAnalytics(t *testing.T) {
	f := newFixture(t, Options{})
	a, err := f.svc.GetTourAnalytics(context.Background(), f.tour.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, a.TotalStarted)
	assert.Equal(t, 0.0, a.CompletionRate)
	require.NotNil(t, a.StepCompletionRates)
	assert.Empty(t, a.StepCompletionRates)

	_, err = f.svc.GetTourAnalytics(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTourNotFound)
}

func TestFullySkippedSessions(t *testing.T) {
	tests := []struct {
		name          string
		countSkipped  bool
		wantCompleted int
		wantSkipped   int
		wantRate      float64
	}{
		{"counted as completed", true, 2, 0, 66.7},
		{"reported separately", false, 1, 1, 33.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{CountSkippedAsCompleted: tt.countSkipped})
			ctx := context.Background()

			f.start(t, "done")
			f.step(t, "done", 1, models.StepCompleted)
			_, err := f.svc.CompleteTour(ctx, "done")
			require.NoError(t, err)

			f.start(t, "skipper")
			for i := 1; i <= 5; i++ {
				f.step(t, "skipper", i, models.StepSkipped)
			}
			s, err := f.svc.CompleteTour(ctx, "skipper")
			require.NoError(t, err)
			assert.Equal(t, models.SessionCompleted, s.Status)

			f.start(t, "open")

			a, err := f.svc.GetTourAnalytics(ctx, f.tour.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, a.TotalStarted)
			assert.Equal(t, tt.wantCompleted, a.TotalCompleted)
			assert.Equal(t, tt.wantSkipped, a.TotalSkippedThrough)
			assert.Equal(t, tt.wantRate, a.CompletionRate)
		})
	}
}

func TestStepRatesRounded(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sess-%d", i)
		f.start(t, id)
		f.step(t, id, 1, models.StepViewed)
		if i == 0 {
			f.step(t, id, 1, models.StepCompleted)
		}
	}
	a, err := f.svc.GetTourAnalytics(context.Background(), f.tour.ID)
	require.NoError(t, err)
	require.Len(t, a.StepCompletionRates, 1)
	assert.Equal(t, 33.3, a.StepCompletionRates[0].CompletionRate)
	assert.Equal(t, 3, a.StepCompletionRates[0].Viewed)
}

func TestOwnerSummaryFillsDays(t *testing.T) {
	f := newFixture(t, Options{CountSkippedAsCompleted: true})
	ctx := context.Background()
	other := TourSnapshot{ID: uuid.New(), OwnerID: f.owner, Name: "Another", TotalSteps: 3, IsActive: true}
	f.store.PutTour(other)
	f.store.PutTour(TourSnapshot{ID: uuid.New(), OwnerID: uuid.New(), Name: "Foreign", TotalSteps: 1, IsActive: true})

	f.clock.Add(-48 * time.Hour)
	f.start(t, "old")
	f.clock.Add(48 * time.Hour)
	f.start(t, "today")
	_, err := f.svc.CompleteTour(ctx, "today")
	require.NoError(t, err)

	sum, err := f.svc.GetOwnerAnalyticsSummary(ctx, f.owner, 7)
	require.NoError(t, err)
	require.Len(t, sum.PerTour, 2)
	assert.Equal(t, "Another", sum.PerTour[0].Name)
	assert.Equal(t, 0.0, sum.PerTour[0].CompletionRate)
	assert.Equal(t, "Checkout", sum.PerTour[1].Name)
	assert.Equal(t, 50.0, sum.PerTour[1].CompletionRate)
	assert.Equal(t, 5, sum.PerTour[1].StepsCount)

	require.Len(t, sum.CompletionsByDay, 7)
	assert.Equal(t, "2024-03-04", sum.CompletionsByDay[0].Date)
	assert.Equal(t, DayCount{Date: "2024-03-08", Started: 1}, sum.CompletionsByDay[4])
	assert.Equal(t, DayCount{Date: "2024-03-10", Started: 1, Completed: 1}, sum.CompletionsByDay[6])
}

func TestRecentActivity(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.start(t, "a")
	f.clock.Add(time.Minute)
	f.start(t, "b")
	f.clock.Add(time.Minute)
	_, err := f.svc.AbandonTour(ctx, "a")
	require.NoError(t, err)

	rows, err := f.svc.GetRecentActivity(ctx, f.owner, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].SessionID)
	assert.Equal(t, models.SessionAbandoned, rows[0].Status)
	assert.Equal(t, "anonymous", rows[0].User)
	assert.Equal(t, "Checkout", rows[1].TourName)

	rows, err = f.svc.GetRecentActivity(ctx, uuid.New(), 10)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.start(t, "stale")
	f.start(t, "finished")
	_, err := f.svc.CompleteTour(ctx, "finished")
	require.NoError(t, err)
	f.clock.Add(2 * time.Hour)
	f.start(t, "fresh")

	n, err := f.svc.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := f.store.GetSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.SessionAbandoned, s.Status)
	s, err = f.store.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, s.Status)

	n, err = f.svc.SweepStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentEventsKeepInvariant(t *testing.T) {
	f := newFixture(t, Options{CounterMode: CounterDerive})
	f.start(t, "sess-1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := i%5 + 1
			typ := models.StepCompleted
			if i%2 == 0 {
				typ = models.StepSkipped
			}
			_, _ = f.svc.RecordStepEvent(context.Background(), StepEventParams{
				SessionID: "sess-1", StepID: fmt.Sprintf("s%d", order), StepOrder: order, Type: typ,
			})
		}(i)
	}
	wg.Wait()
	s, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 5, s.StepsCompleted+s.StepsSkipped)
	assert.Equal(t, 5, s.CurrentStep)
}
