// Package worker runs background jobs: analytics exports to S3 and the
// stale-session sweep.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/exports"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/pkg/queue"
	"github.com/onboardx/backend/pkg/storage"
)

// Jobs is the queue the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Source reads a tour's raw analytics.
type Source interface {
	TourSessions(ctx context.Context, tourID uuid.UUID) ([]models.Session, error)
	TourEvents(ctx context.Context, tourID uuid.UUID) ([]models.StepEvent, error)
}

// Uploader stores a rendered export.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) error
}

// ExportProcessor renders export jobs as CSV and uploads them.
type ExportProcessor struct {
	exports  exports.Store
	source   Source
	uploader Uploader
	jobs     Jobs
	logger   *zap.Logger
	backoff  time.Duration
}

// NewExportProcessor creates an export processor.
func NewExportProcessor(store exports.Store, source Source, uploader Uploader, jobs Jobs, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{
		exports:  store,
		source:   source,
		uploader: uploader,
		jobs:     jobs,
		logger:   logger,
		backoff:  queue.RetryBackoff,
	}
}

// Process executes one export job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	e, err := p.exports.GetByID(ctx, payload.ExportID)
	if err != nil {
		return fmt.Errorf("load export %s: %w", payload.ExportID, err)
	}
	if e.Status == models.ExportReady {
		p.logger.Info("export already ready", zap.String("export_id", e.ID.String()))
		return nil
	}

	sessions, err := p.source.TourSessions(ctx, e.TourID)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	events, err := p.source.TourEvents(ctx, e.TourID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	var buf bytes.Buffer
	rows, err := exports.WriteCSV(&buf, sessions, events)
	if err != nil {
		return fmt.Errorf("render csv: %w", err)
	}

	key := storage.ExportKey(e.TourID.String(), e.ID.String())
	if err := p.uploader.Upload(ctx, key, "text/csv", &buf); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.exports.MarkReady(ctx, e.ID, key, rows); err != nil {
		return fmt.Errorf("update db: %w", err)
	}
	p.logger.Info("export completed", zap.String("export_id", e.ID.String()), zap.String("s3_key", key), zap.Int("rows", rows))
	return nil
}

// handle processes a job and requeues it on failure. A job that exhausts its
// retries, or names an export that no longer exists, is marked failed.
func (p *ExportProcessor) handle(ctx context.Context, job *queue.Job) bool {
	err := p.Process(ctx, job)
	if err == nil {
		return true
	}
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
	if errors.Is(err, exports.ErrNotFound) {
		return false
	}
	if reErr := p.jobs.Retry(ctx, job); reErr != nil {
		p.logger.Error("retry enqueue failed", zap.Error(reErr))
	}
	if job.Attempt >= queue.MaxRetries {
		var payload queue.ExportPayload
		if json.Unmarshal(job.Payload, &payload) == nil {
			if mErr := p.exports.MarkFailed(ctx, payload.ExportID, err.Error()); mErr != nil {
				p.logger.Warn("mark export failed", zap.Error(mErr))
			}
		}
	}
	return false
}

// Run dequeues and processes jobs until ctx is done.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if !p.handle(ctx, job) {
			p.sleep(ctx)
		}
	}
}

func (p *ExportProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
