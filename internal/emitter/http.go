package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onboardx/backend/internal/models"
)

// HTTPTransport talks to the public analytics routes of the backend.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the API at baseURL. A nil client
// uses one with a 15s timeout.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type startBody struct {
	SessionID string               `json:"session_id"`
	TourID    string               `json:"tour_id"`
	UserID    string               `json:"user_id,omitempty"`
	Context   models.ClientContext `json:"context"`
}

type stepEventBody struct {
	EventID      string               `json:"event_id"`
	StepID       string               `json:"step_id"`
	StepOrder    int                  `json:"step_order"`
	EventType    models.StepEventType `json:"event_type"`
	TimeOnStepMs *int64               `json:"time_on_step_ms,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StartSession implements Transport.
func (t *HTTPTransport) StartSession(ctx context.Context, req StartRequest) error {
	body := startBody{
		SessionID: req.SessionID,
		TourID:    req.TourID.String(),
		UserID:    req.UserID,
		Context:   req.Context,
	}
	return t.post(ctx, "/analytics/sessions", body, ErrTourNotFound)
}

// RecordStepEvent implements Transport.
func (t *HTTPTransport) RecordStepEvent(ctx context.Context, req StepEventRequest) error {
	body := stepEventBody{
		EventID:      req.EventID,
		StepID:       req.StepID,
		StepOrder:    req.StepOrder,
		EventType:    req.Type,
		TimeOnStepMs: req.TimeOnStepMs,
		Timestamp:    req.At,
	}
	return t.post(ctx, sessionPath(req.SessionID, "events"), body, ErrSessionNotFound)
}

// CompleteTour implements Transport.
func (t *HTTPTransport) CompleteTour(ctx context.Context, sessionID string) error {
	return t.post(ctx, sessionPath(sessionID, "complete"), struct{}{}, ErrSessionNotFound)
}

// AbandonTour implements Transport.
func (t *HTTPTransport) AbandonTour(ctx context.Context, sessionID string) error {
	return t.post(ctx, sessionPath(sessionID, "abandon"), struct{}{}, ErrSessionNotFound)
}

func sessionPath(sessionID, action string) string {
	return "/analytics/sessions/" + url.PathEscape(sessionID) + "/" + action
}

// post sends body as JSON. A 404 maps to notFound; 5xx and 429 are transient;
// any other non-2xx status rejects the event.
func (t *HTTPTransport) post(ctx context.Context, path string, body interface{}, notFound error) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var env envelope
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, env.Error)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, env.Error)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, env.Error)
	}
}
