package analytics

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/middleware"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/pkg/response"
)

// Handler serves the public tracking endpoints and the dashboard reports.
type Handler struct {
	svc         *Service
	logger      *zap.Logger
	summaryDays int
}

// NewHandler creates an analytics handler.
func NewHandler(svc *Service, logger *zap.Logger, summaryDays int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if summaryDays < 1 {
		summaryDays = 7
	}
	return &Handler{svc: svc, logger: logger, summaryDays: summaryDays}
}

// StartSessionRequest is the body for POST /analytics/sessions.
type StartSessionRequest struct {
	SessionID string               `json:"session_id"`
	TourID    string               `json:"tour_id" binding:"required,uuid"`
	UserID    string               `json:"user_id"`
	Context   models.ClientContext `json:"context"`
}

// StepEventRequest is the body for POST /analytics/sessions/:id/events.
type StepEventRequest struct {
	EventID      string               `json:"event_id"`
	StepID       string               `json:"step_id" binding:"required"`
	StepOrder    int                  `json:"step_order" binding:"required,min=1"`
	Type         models.StepEventType `json:"event_type" binding:"required"`
	TimeOnStepMs *int64               `json:"time_on_step_ms"`
	Timestamp    *time.Time           `json:"timestamp"`
}

// StartSession handles POST /analytics/sessions.
func (h *Handler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Context.UserAgent == "" {
		req.Context.UserAgent = c.Request.UserAgent()
	}
	if req.Context.Referrer == "" {
		req.Context.Referrer = c.Request.Referer()
	}
	sess, err := h.svc.StartSession(c.Request.Context(), StartParams{
		SessionID: req.SessionID,
		TourID:    uuid.MustParse(req.TourID),
		UserID:    req.UserID,
		Context:   req.Context,
	})
	if err != nil {
		h.writeError(c, err, "failed to start session")
		return
	}
	response.Created(c, gin.H{"session": sess})
}

// RecordStepEvent handles POST /analytics/sessions/:id/events.
func (h *Handler) RecordStepEvent(c *gin.Context) {
	var req StepEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p := StepEventParams{
		EventID:      req.EventID,
		SessionID:    c.Param("id"),
		StepID:       req.StepID,
		StepOrder:    req.StepOrder,
		Type:         req.Type,
		TimeOnStepMs: req.TimeOnStepMs,
	}
	if req.Timestamp != nil {
		p.Timestamp = *req.Timestamp
	}
	ack, err := h.svc.RecordStepEvent(c.Request.Context(), p)
	if err != nil {
		h.writeError(c, err, "failed to record step event")
		return
	}
	response.OK(c, ack)
}

// CompleteTour handles POST /analytics/sessions/:id/complete.
func (h *Handler) CompleteTour(c *gin.Context) {
	sess, err := h.svc.CompleteTour(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to complete tour")
		return
	}
	response.OK(c, gin.H{"session": sess})
}

// AbandonTour handles POST /analytics/sessions/:id/abandon.
func (h *Handler) AbandonTour(c *gin.Context) {
	sess, err := h.svc.AbandonTour(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to abandon tour")
		return
	}
	response.OK(c, gin.H{"session": sess})
}

// GetTourAnalytics handles GET /tours/:id/analytics (tour owner or admin).
func (h *Handler) GetTourAnalytics(c *gin.Context) {
	tourID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid tour id")
		return
	}
	ctx := c.Request.Context()
	tour, err := h.svc.Tour(ctx, tourID)
	if err != nil {
		h.writeError(c, err, "failed to load tour")
		return
	}
	if !canAccess(c, tour.OwnerID) {
		response.Forbidden(c, "not your tour")
		return
	}
	out, err := h.svc.GetTourAnalytics(ctx, tourID)
	if err != nil {
		h.writeError(c, err, "failed to load analytics")
		return
	}
	response.OK(c, out)
}

// Summary handles GET /analytics/summary?days=N.
func (h *Handler) Summary(c *gin.Context) {
	days := h.summaryDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxSummaryDays {
			response.BadRequest(c, "days must be between 1 and 365")
			return
		}
		days = n
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	out, err := h.svc.GetOwnerAnalyticsSummary(c.Request.Context(), userID, days)
	if err != nil {
		h.writeError(c, err, "failed to load summary")
		return
	}
	response.OK(c, out)
}

// Recent handles GET /analytics/recent?limit=N.
func (h *Handler) Recent(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	out, err := h.svc.GetRecentActivity(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err, "failed to load activity")
		return
	}
	response.OK(c, out)
}

// Sweep handles POST /admin/sweep?older_than=2h (admin only).
func (h *Handler) Sweep(c *gin.Context) {
	olderThan := 24 * time.Hour
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			response.BadRequest(c, "invalid older_than")
			return
		}
		olderThan = d
	}
	n, err := h.svc.SweepStale(c.Request.Context(), olderThan)
	if err != nil {
		h.writeError(c, err, "failed to sweep sessions")
		return
	}
	response.OK(c, gin.H{"abandoned": n})
}

func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, ErrTourNotFound):
		response.NotFound(c, "tour not found")
	case errors.Is(err, ErrInvalidEvent):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error(msg, zap.Error(err), zap.String("path", c.FullPath()))
		response.Internal(c, msg)
	}
}

func canAccess(c *gin.Context, ownerID uuid.UUID) bool {
	if role, _ := c.Get(middleware.ContextUserRole); role == string(models.RoleAdmin) {
		return true
	}
	userID, ok := c.Get(middleware.ContextUserID)
	return ok && userID.(uuid.UUID) == ownerID
}
