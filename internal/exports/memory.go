package exports

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onboardx/backend/internal/models"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	exports map[uuid.UUID]models.AnalyticsExport
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{exports: make(map[uuid.UUID]models.AnalyticsExport), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, e *models.AnalyticsExport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.Status = models.ExportPending
	e.CreatedAt = m.now().UTC()
	m.exports[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.AnalyticsExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) MarkReady(_ context.Context, id uuid.UUID, s3Key string, rows int) error {
	return m.update(id, func(e *models.AnalyticsExport) {
		e.Status = models.ExportReady
		e.S3Key = &s3Key
		e.RowCount = rows
		e.Error = nil
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return m.update(id, func(e *models.AnalyticsExport) {
		e.Status = models.ExportFailed
		e.Error = &reason
	})
}

func (m *MemoryStore) update(id uuid.UUID, fn func(e *models.AnalyticsExport)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[id]
	if !ok {
		return ErrNotFound
	}
	fn(&e)
	now := m.now().UTC()
	e.CompletedAt = &now
	m.exports[id] = e
	return nil
}
