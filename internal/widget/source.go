package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onboardx/backend/internal/models"
)

// ErrTourUnavailable means the tour does not exist or is not active.
var ErrTourUnavailable = errors.New("tour unavailable")

// TourSource loads tour definitions for playback.
type TourSource interface {
	FetchTour(ctx context.Context, id uuid.UUID) (*models.Tour, error)
}

// HTTPSource fetches tours from the public API.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for the API at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// FetchTour implements TourSource via GET /public/tours/:id.
func (s *HTTPSource) FetchTour(ctx context.Context, id uuid.UUID) (*models.Tour, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/public/tours/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tour: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool         `json:"success"`
		Data    *models.Tour `json:"data"`
		Error   string       `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("decode tour: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTourUnavailable, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch tour: status %d: %s", resp.StatusCode, env.Error)
	case env.Data == nil:
		return nil, errors.New("fetch tour: empty response")
	}
	return env.Data, nil
}

// StaticSource serves tours held in memory.
type StaticSource map[uuid.UUID]*models.Tour

// FetchTour implements TourSource.
func (s StaticSource) FetchTour(_ context.Context, id uuid.UUID) (*models.Tour, error) {
	t, ok := s[id]
	if !ok || !t.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrTourUnavailable, id)
	}
	return t, nil
}
