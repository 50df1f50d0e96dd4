package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardx/backend/internal/middleware"
	"github.com/onboardx/backend/internal/models"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestRouter(f *fixture, userID uuid.UUID, role models.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(f.svc, nil, 7)
	r := gin.New()
	r.POST("/analytics/sessions", h.StartSession)
	r.POST("/analytics/sessions/:id/events", h.RecordStepEvent)
	r.POST("/analytics/sessions/:id/complete", h.CompleteTour)
	r.POST("/analytics/sessions/:id/abandon", h.AbandonTour)

	api := r.Group("")
	api.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Set(middleware.ContextUserRole, string(role))
		c.Next()
	})
	api.GET("/tours/:id/analytics", h.GetTourAnalytics)
	api.GET("/analytics/summary", h.Summary)
	api.GET("/analytics/recent", h.Recent)
	api.POST("/admin/sweep", middleware.RequireRole(models.RoleAdmin), h.Sweep)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestHandlerSessionLifecycle(t *testing.T) {
	f := newFixture(t, Options{CountSkippedAsCompleted: true})
	r := newTestRouter(f, f.owner, models.RoleOwner)

	w, env := do(t, r, http.MethodPost, "/analytics/sessions", gin.H{
		"session_id": "sess-1",
		"tour_id":    f.tour.ID.String(),
		"context":    gin.H{"page_url": "https://shop.example/cart"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var started struct {
		Session models.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, "sess-1", started.Session.ID)
	assert.Equal(t, "https://shop.example/cart", started.Session.Context.PageURL)

	for i := 1; i <= 5; i++ {
		typ := models.StepCompleted
		if i == 5 {
			typ = models.StepSkipped
		}
		w, _ = do(t, r, http.MethodPost, "/analytics/sessions/sess-1/events", gin.H{
			"event_id":   uuid.NewString(),
			"step_id":    fmt.Sprintf("s%d", i),
			"step_order": i,
			"event_type": typ,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, env = do(t, r, http.MethodPost, "/analytics/sessions/sess-1/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var done struct {
		Session models.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &done))
	assert.Equal(t, models.SessionCompleted, done.Session.Status)
	assert.Equal(t, 4, done.Session.StepsCompleted)
	assert.Equal(t, 1, done.Session.StepsSkipped)

	w, env = do(t, r, http.MethodGet, "/tours/"+f.tour.ID.String()+"/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var a TourAnalytics
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, 100.0, a.CompletionRate)
	assert.Len(t, a.StepCompletionRates, 5)
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t, Options{})
	r := newTestRouter(f, uuid.New(), models.RoleOwner)
	f.start(t, "sess-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"start unknown tour", http.MethodPost, "/analytics/sessions", gin.H{"session_id": "x", "tour_id": uuid.NewString()}, http.StatusNotFound},
		{"start bad tour id", http.MethodPost, "/analytics/sessions", gin.H{"tour_id": "nope"}, http.StatusBadRequest},
		{"event unknown session", http.MethodPost, "/analytics/sessions/missing/events", gin.H{"step_id": "s1", "step_order": 1, "event_type": "step_viewed"}, http.StatusNotFound},
		{"event bad type", http.MethodPost, "/analytics/sessions/sess-1/events", gin.H{"step_id": "s1", "step_order": 1, "event_type": "step_exploded"}, http.StatusBadRequest},
		{"event order out of range", http.MethodPost, "/analytics/sessions/sess-1/events", gin.H{"step_id": "s9", "step_order": 9, "event_type": "step_viewed"}, http.StatusBadRequest},
		{"complete unknown session", http.MethodPost, "/analytics/sessions/missing/complete", nil, http.StatusNotFound},
		{"abandon unknown session", http.MethodPost, "/analytics/sessions/missing/abandon", nil, http.StatusNotFound},
		{"analytics of foreign tour", http.MethodGet, "/tours/" + f.tour.ID.String() + "/analytics", nil, http.StatusForbidden},
		{"analytics of unknown tour", http.MethodGet, "/tours/" + uuid.NewString() + "/analytics", nil, http.StatusNotFound},
		{"analytics bad id", http.MethodGet, "/tours/abc/analytics", nil, http.StatusBadRequest},
		{"summary bad days", http.MethodGet, "/analytics/summary?days=0", nil, http.StatusBadRequest},
		{"recent bad limit", http.MethodGet, "/analytics/recent?limit=x", nil, http.StatusBadRequest},
		{"sweep requires admin", http.MethodPost, "/admin/sweep", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestHandlerSummaryAndSweep(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t, "sess-1")

	r := newTestRouter(f, f.owner, models.RoleOwner)
	w, env := do(t, r, http.MethodGet, "/analytics/summary?days=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sum OwnerSummary
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, 3, sum.Days)
	assert.Len(t, sum.CompletionsByDay, 3)
	assert.Equal(t, 1, sum.TotalStarted)

	w, env = do(t, r, http.MethodGet, "/analytics/recent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []Activity
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	assert.Len(t, rows, 1)

	admin := newTestRouter(f, uuid.New(), models.RoleAdmin)
	f.clock.Add(48 * time.Hour)
	w, env = do(t, admin, http.MethodPost, "/admin/sweep?older_than=24h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"abandoned":1}`, string(env.Data))

	w, _ = do(t, admin, http.MethodGet, "/tours/"+f.tour.ID.String()+"/analytics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
