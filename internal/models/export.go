package models

import (
	"time"

	"github.com/google/uuid"
)

// ExportStatus tracks an analytics export job.
type ExportStatus string

const (
	ExportPending ExportStatus = "pending"
	ExportReady   ExportStatus = "ready"
	ExportFailed  ExportStatus = "failed"
)

// AnalyticsExport is a CSV dump of a tour's sessions and step events stored in S3.
type AnalyticsExport struct {
	ID          uuid.UUID    `json:"id"`
	TourID      uuid.UUID    `json:"tour_id"`
	RequestedBy uuid.UUID    `json:"requested_by"`
	Status      ExportStatus `json:"status"`
	S3Key       *string      `json:"s3_key,omitempty"`
	RowCount    int          `json:"row_count"`
	Error       *string      `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
