package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardx/backend/internal/analytics"
	"github.com/onboardx/backend/internal/exports"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/pkg/queue"
)

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (u *memUploader) Upload(_ context.Context, key, _ string, body io.Reader) error {
	if u.err != nil {
		return u.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = map[string][]byte{}
	}
	u.objects[key] = b
	return nil
}

type memJobs struct {
	retried []*queue.Job
}

func (j *memJobs) Dequeue(context.Context) (*queue.Job, error) { return nil, nil }

func (j *memJobs) Retry(_ context.Context, job *queue.Job) error {
	job.Attempt++
	j.retried = append(j.retried, job)
	return nil
}

type exportFixture struct {
	store    *analytics.MemoryStore
	svc      *analytics.Service
	exports  *exports.MemoryStore
	uploader *memUploader
	jobs     *memJobs
	proc     *ExportProcessor
	tourID   uuid.UUID
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	f := &exportFixture{
		store:    analytics.NewMemoryStore(),
		exports:  exports.NewMemoryStore(),
		uploader: &memUploader{},
		jobs:     &memJobs{},
		tourID:   uuid.New(),
	}
	f.store.PutTour(analytics.TourSnapshot{ID: f.tourID, OwnerID: uuid.New(), Name: "Onboarding", TotalSteps: 2, IsActive: true})
	f.svc = analytics.NewService(f.store, analytics.Options{})
	f.proc = NewExportProcessor(f.exports, f.store, f.uploader, f.jobs, nil)
	return f
}

func (f *exportFixture) job(t *testing.T) (*queue.Job, uuid.UUID) {
	t.Helper()
	e := &models.AnalyticsExport{TourID: f.tourID, RequestedBy: uuid.New()}
	require.NoError(t, f.exports.Create(context.Background(), e))
	job, err := queue.NewJob(queue.JobTypeExport, queue.ExportPayload{ExportID: e.ID, TourID: f.tourID})
	require.NoError(t, err)
	return job, e.ID
}

func TestExportProcessorWritesCSV(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()
	_, err := f.svc.StartSession(ctx, analytics.StartParams{SessionID: "s1", TourID: f.tourID})
	require.NoError(t, err)
	_, err = f.svc.RecordStepEvent(ctx, analytics.StepEventParams{
		EventID: "e1", SessionID: "s1", StepID: "a", StepOrder: 1, Type: models.StepCompleted, Timestamp: time.Now(),
	})
	require.NoError(t, err)

	job, exportID := f.job(t)
	require.NoError(t, f.proc.Process(ctx, job))

	e, err := f.exports.GetByID(ctx, exportID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportReady, e.Status)
	assert.Equal(t, 2, e.RowCount)
	require.NotNil(t, e.S3Key)
	assert.Equal(t, "exports/"+f.tourID.String()+"/"+exportID.String()+".csv", *e.S3Key)

	recs, err := csv.NewReader(bytes.NewReader(f.uploader.objects[*e.S3Key])).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "session", recs[1][0])
	assert.Equal(t, "event", recs[2][0])

	// Redelivery of a finished job is a no-op.
	f.uploader.objects = nil
	require.NoError(t, f.proc.Process(ctx, job))
	assert.Nil(t, f.uploader.objects)
}

func TestExportProcessorRetriesThenFails(t *testing.T) {
	f := newExportFixture(t)
	f.uploader.err = errors.New("s3 unavailable")
	ctx := context.Background()
	job, exportID := f.job(t)

	for i := 0; i < queue.MaxRetries; i++ {
		assert.False(t, f.proc.handle(ctx, job))
	}
	assert.Len(t, f.jobs.retried, queue.MaxRetries)
	e, err := f.exports.GetByID(ctx, exportID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportFailed, e.Status)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "s3 unavailable")
}

func TestExportProcessorRejectsUnknownJobs(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()
	assert.Error(t, f.proc.Process(ctx, &queue.Job{Type: "recording_upload"}))

	job, err := queue.NewJob(queue.JobTypeExport, queue.ExportPayload{ExportID: uuid.New(), TourID: f.tourID})
	require.NoError(t, err)
	assert.False(t, f.proc.handle(ctx, job))
	assert.Empty(t, f.jobs.retried)
}

type countingSweeper struct {
	calls     int
	olderThan time.Duration
}

func (s *countingSweeper) SweepStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.calls++
	s.olderThan = olderThan
	return 1, nil
}

func TestSweeper(t *testing.T) {
	svc := &countingSweeper{}
	s, err := NewSweeper(svc, "", time.Hour, nil)
	require.NoError(t, err)
	s.RunOnce()
	assert.Equal(t, 1, svc.calls)
	assert.Equal(t, time.Hour, svc.olderThan)

	_, err = NewSweeper(svc, "*/5 * * * *", time.Hour, nil)
	assert.NoError(t, err)
	_, err = NewSweeper(svc, "every now and then", time.Hour, nil)
	assert.Error(t, err)
}

func TestSweeperAbandonsStaleSessions(t *testing.T) {
	store := analytics.NewMemoryStore()
	tourID := uuid.New()
	store.PutTour(analytics.TourSnapshot{ID: tourID, TotalSteps: 3, IsActive: true})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-2 * time.Hour)
	svc := analytics.NewService(store, analytics.Options{Clock: func() time.Time { return clock }})
	ctx := context.Background()
	_, err := svc.StartSession(ctx, analytics.StartParams{SessionID: "old", TourID: tourID})
	require.NoError(t, err)
	clock = now
	_, err = svc.StartSession(ctx, analytics.StartParams{SessionID: "fresh", TourID: tourID})
	require.NoError(t, err)

	s, err := NewSweeper(svc, DefaultSweepSpec, time.Hour, nil)
	require.NoError(t, err)
	s.RunOnce()

	old, err := store.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.SessionAbandoned, old.Status)
	fresh, err := store.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, fresh.Status)
}
