package tours

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/middleware"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/internal/playback"
	"github.com/onboardx/backend/pkg/response"
)

// ContextTour is the gin context key RequireOwner stores the loaded tour under.
const ContextTour = "tour"

// StepInput is one step in a create or update request.
type StepInput struct {
	ID            string          `json:"id" binding:"required"`
	Order         int             `json:"order"`
	Title         string          `json:"title" binding:"required"`
	Content       string          `json:"content"`
	Position      models.Position `json:"position" binding:"required"`
	TargetElement string          `json:"target_element"`
}

// CreateRequest is the body for POST /tours.
type CreateRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Type        models.TourType `json:"type"`
	IsActive    *bool           `json:"is_active"`
	IsPublished bool            `json:"is_published"`
	Steps       []StepInput     `json:"steps"`
}

// UpdateRequest is the body for PATCH /tours/:id. Omitted fields are kept;
// a steps array replaces every step.
type UpdateRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Type        *models.TourType `json:"type"`
	IsActive    *bool            `json:"is_active"`
	IsPublished *bool            `json:"is_published"`
	Steps       *[]StepInput     `json:"steps"`
}

// Handler handles tour authoring and the public tour fetch.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates a tour handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// RequireOwner loads the tour named by :id and allows only its owner or an
// admin through. The tour is stored under ContextTour.
func RequireOwner(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid tour id")
			c.Abort()
			return
		}
		t, err := store.GetByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				response.NotFound(c, "tour not found")
			} else {
				response.Internal(c, "failed to load tour")
			}
			c.Abort()
			return
		}
		role, _ := c.Get(middleware.ContextUserRole)
		userID, _ := middleware.UserID(c)
		if role != string(models.RoleAdmin) && t.OwnerID != userID {
			response.Forbidden(c, "not your tour")
			c.Abort()
			return
		}
		c.Set(ContextTour, t)
		c.Next()
	}
}

// List handles GET /tours.
func (h *Handler) List(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	list, err := h.store.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list tours", zap.Error(err))
		response.Internal(c, "failed to list tours")
		return
	}
	response.OK(c, list)
}

// Create handles POST /tours.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	steps, err := normalize(req.Steps)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	t := &models.Tour{
		OwnerID:     c.MustGet(middleware.ContextUserID).(uuid.UUID),
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		IsActive:    true,
		IsPublished: req.IsPublished,
		Steps:       steps,
	}
	if t.Type == "" {
		t.Type = models.TourTypeCustom
	}
	if !validType(t.Type) {
		response.BadRequest(c, "invalid tour type")
		return
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if err := h.store.Create(c.Request.Context(), t); err != nil {
		h.logger.Error("create tour", zap.Error(err))
		response.Internal(c, "failed to create tour")
		return
	}
	response.Created(c, t)
}

// Get handles GET /tours/:id (after RequireOwner).
func (h *Handler) Get(c *gin.Context) {
	response.OK(c, c.MustGet(ContextTour).(*models.Tour))
}

// Update handles PATCH /tours/:id (after RequireOwner).
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	t := c.MustGet(ContextTour).(*models.Tour)
	if req.Name != nil {
		if *req.Name == "" {
			response.BadRequest(c, "name cannot be empty")
			return
		}
		t.Name = *req.Name
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Type != nil {
		if !validType(*req.Type) {
			response.BadRequest(c, "invalid tour type")
			return
		}
		t.Type = *req.Type
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if req.IsPublished != nil {
		t.IsPublished = *req.IsPublished
	}
	if req.Steps != nil {
		steps, err := normalize(*req.Steps)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		t.Steps = steps
	}
	if err := h.store.Update(c.Request.Context(), t, req.Steps != nil); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "tour not found")
			return
		}
		h.logger.Error("update tour", zap.Error(err), zap.String("tour_id", t.ID.String()))
		response.Internal(c, "failed to update tour")
		return
	}
	response.OK(c, t)
}

// Delete handles DELETE /tours/:id (after RequireOwner).
func (h *Handler) Delete(c *gin.Context) {
	t := c.MustGet(ContextTour).(*models.Tour)
	if err := h.store.Delete(c.Request.Context(), t.ID); err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("delete tour", zap.Error(err), zap.String("tour_id", t.ID.String()))
		response.Internal(c, "failed to delete tour")
		return
	}
	response.NoContent(c)
}

// Public handles GET /public/tours/:id. Only active tours are served.
func (h *Handler) Public(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid tour id")
		return
	}
	t, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("load public tour", zap.Error(err))
		response.Internal(c, "failed to load tour")
		return
	}
	if t == nil || !t.IsActive || len(t.Steps) == 0 {
		response.NotFound(c, "tour not found")
		return
	}
	c.Header("Cache-Control", "public, max-age=60")
	response.OK(c, t)
}

// normalize validates authored steps the same way playback does. An empty list
// is a valid draft.
func normalize(in []StepInput) ([]models.Step, error) {
	if len(in) == 0 {
		return []models.Step{}, nil
	}
	steps := make([]models.Step, len(in))
	for i, s := range in {
		steps[i] = models.Step{
			ID:            s.ID,
			Order:         s.Order,
			Title:         s.Title,
			Content:       s.Content,
			Position:      s.Position,
			TargetElement: s.TargetElement,
		}
	}
	return playback.NormalizeSteps(steps)
}

func validType(t models.TourType) bool {
	switch t {
	case models.TourTypeEcommerce, models.TourTypeSaaS, models.TourTypeEducational, models.TourTypeCustom:
		return true
	}
	return false
}
