package exports

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/middleware"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/internal/tours"
	"github.com/onboardx/backend/pkg/queue"
	"github.com/onboardx/backend/pkg/response"
)

// Enqueuer hands export jobs to the worker.
type Enqueuer interface {
	EnqueueExport(ctx context.Context, payload queue.ExportPayload) error
}

// Signer produces a time-limited download URL for an object key.
type Signer interface {
	PresignDownload(ctx context.Context, key string) (string, error)
}

// ExportResponse is an export plus, once ready, where to download it.
type ExportResponse struct {
	*models.AnalyticsExport
	DownloadURL string `json:"download_url,omitempty"`
}

// Handler handles export requests.
type Handler struct {
	store  Store
	queue  Enqueuer
	signer Signer
	logger *zap.Logger
}

// NewHandler creates an export handler. signer may be nil when S3 is not configured.
func NewHandler(store Store, q Enqueuer, signer Signer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, queue: q, signer: signer, logger: logger}
}

// Create handles POST /tours/:id/exports (after tours.RequireOwner).
func (h *Handler) Create(c *gin.Context) {
	t := c.MustGet(tours.ContextTour).(*models.Tour)
	userID, _ := middleware.UserID(c)
	ctx := c.Request.Context()

	e := &models.AnalyticsExport{TourID: t.ID, RequestedBy: userID}
	if err := h.store.Create(ctx, e); err != nil {
		h.logger.Error("create export", zap.Error(err), zap.String("tour_id", t.ID.String()))
		response.Internal(c, "failed to create export")
		return
	}
	if err := h.queue.EnqueueExport(ctx, queue.ExportPayload{ExportID: e.ID, TourID: t.ID}); err != nil {
		h.logger.Error("enqueue export", zap.Error(err), zap.String("export_id", e.ID.String()))
		if mErr := h.store.MarkFailed(ctx, e.ID, "queue unavailable"); mErr != nil {
			h.logger.Warn("mark export failed", zap.Error(mErr))
		}
		response.ServiceUnavailable(c, "export queue unavailable")
		return
	}
	response.Accepted(c, ExportResponse{AnalyticsExport: e})
}

// Get handles GET /exports/:id. Only the requester or an admin may read it.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid export id")
		return
	}
	e, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "export not found")
			return
		}
		h.logger.Error("get export", zap.Error(err))
		response.Internal(c, "failed to load export")
		return
	}
	role, _ := c.Get(middleware.ContextUserRole)
	userID, _ := middleware.UserID(c)
	if role != string(models.RoleAdmin) && e.RequestedBy != userID {
		response.Forbidden(c, "not your export")
		return
	}
	out := ExportResponse{AnalyticsExport: e}
	if e.Status == models.ExportReady && e.S3Key != nil && h.signer != nil {
		url, err := h.signer.PresignDownload(c.Request.Context(), *e.S3Key)
		if err != nil {
			h.logger.Error("presign export", zap.Error(err), zap.String("export_id", e.ID.String()))
			response.Internal(c, "failed to sign download url")
			return
		}
		out.DownloadURL = url
	}
	response.OK(c, out)
}
