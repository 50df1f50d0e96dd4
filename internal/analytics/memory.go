package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onboardx/backend/internal/models"
)

// MemoryStore is an in-process Store used by the offline player and tests.
// A single mutex serialises every mutation.
type MemoryStore struct {
	mu       sync.Mutex
	tours    map[uuid.UUID]TourSnapshot
	sessions map[string]*models.Session
	events   map[string][]models.StepEvent // by session id, append order
	eventIDs map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tours:    make(map[uuid.UUID]TourSnapshot),
		sessions: make(map[string]*models.Session),
		events:   make(map[string][]models.StepEvent),
		eventIDs: make(map[string]struct{}),
	}
}

// PutTour registers or replaces a tour.
func (m *MemoryStore) PutTour(t TourSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tours[t.ID] = t
}

// GetTour implements Store.
func (m *MemoryStore) GetTour(_ context.Context, tourID uuid.UUID) (*TourSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tours[tourID]
	if !ok {
		return nil, ErrTourNotFound
	}
	return &t, nil
}

// CreateSession implements Store.
func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok {
		*s = *existing
		return false, nil
	}
	c := *s
	m.sessions[s.ID] = &c
	return true, nil
}

// GetSession implements Store.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

// WithSession implements Store. Changes are applied only when fn and Save succeed.
func (m *MemoryStore) WithSession(ctx context.Context, id string, fn func(tx SessionTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	work := *s
	tx := &memoryTx{store: m, session: &work}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.saved {
		*s = work
	}
	for _, ev := range tx.pending {
		m.events[id] = append(m.events[id], ev)
		m.eventIDs[ev.ID] = struct{}{}
	}
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	session *models.Session
	pending []models.StepEvent
	saved   bool
}

func (tx *memoryTx) Session() *models.Session { return tx.session }

func (tx *memoryTx) Events(_ context.Context) ([]models.StepEvent, error) {
	stored := tx.store.events[tx.session.ID]
	out := make([]models.StepEvent, 0, len(stored)+len(tx.pending))
	out = append(out, stored...)
	return append(out, tx.pending...), nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, ev *models.StepEvent) (bool, error) {
	if _, ok := tx.store.eventIDs[ev.ID]; ok {
		return false, nil
	}
	for _, p := range tx.pending {
		if p.ID == ev.ID {
			return false, nil
		}
	}
	tx.pending = append(tx.pending, *ev)
	return true, nil
}

func (tx *memoryTx) Save(_ context.Context) error {
	tx.saved = true
	return nil
}

// CountSessions implements Store.
func (m *MemoryStore) CountSessions(_ context.Context, tourID uuid.UUID) (*SessionCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &SessionCounts{}
	for _, s := range m.sessions {
		if s.TourID != tourID {
			continue
		}
		out.Started++
		switch s.Status {
		case models.SessionCompleted:
			out.Completed++
			if s.FullySkipped() {
				out.FullySkipped++
			}
		case models.SessionAbandoned:
			out.Abandoned++
		}
	}
	return out, nil
}

// CountStepEvents implements Store.
func (m *MemoryStore) CountStepEvents(_ context.Context, tourID uuid.UUID) ([]StepCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep := make(map[string]*StepCount)
	for _, events := range m.events {
		for _, ev := range events {
			if ev.TourID != tourID {
				continue
			}
			c, ok := byStep[ev.StepID]
			if !ok {
				c = &StepCount{StepID: ev.StepID, StepOrder: ev.StepOrder}
				byStep[ev.StepID] = c
			}
			if ev.StepOrder < c.StepOrder {
				c.StepOrder = ev.StepOrder
			}
			switch ev.Type {
			case models.StepViewed:
				c.Viewed++
			case models.StepCompleted:
				c.Completed++
			}
		}
	}
	out := make([]StepCount, 0, len(byStep))
	for _, c := range byStep {
		out = append(out, *c)
	}
	return out, nil
}

// ListToursByOwner implements Store.
func (m *MemoryStore) ListToursByOwner(_ context.Context, ownerID uuid.UUID) ([]TourSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TourSnapshot
	for _, t := range m.tours {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DailyActivity implements Store.
func (m *MemoryStore) DailyActivity(_ context.Context, ownerID uuid.UUID, since time.Time) ([]DayCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDate := make(map[string]*DayCount)
	bump := func(t time.Time) *DayCount {
		date := t.UTC().Format("2006-01-02")
		d, ok := byDate[date]
		if !ok {
			d = &DayCount{Date: date}
			byDate[date] = d
		}
		return d
	}
	for _, s := range m.sessions {
		t, ok := m.tours[s.TourID]
		if !ok || t.OwnerID != ownerID {
			continue
		}
		if !s.StartedAt.Before(since) {
			bump(s.StartedAt).Started++
		}
		if s.CompletedAt != nil && !s.CompletedAt.Before(since) {
			bump(*s.CompletedAt).Completed++
		}
	}
	out := make([]DayCount, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// RecentActivity implements Store.
func (m *MemoryStore) RecentActivity(_ context.Context, ownerID uuid.UUID, limit int) ([]Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Activity, 0)
	for _, s := range m.sessions {
		t, ok := m.tours[s.TourID]
		if !ok || t.OwnerID != ownerID {
			continue
		}
		out = append(out, Activity{
			SessionID: s.ID,
			TourID:    s.TourID,
			TourName:  t.Name,
			User:      activityUser(s.UserID),
			Status:    s.Status,
			Timestamp: lastActivity(s),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StaleSessionIDs implements Store.
func (m *MemoryStore) StaleSessionIDs(_ context.Context, startedBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sessions {
		if s.Status == models.SessionInProgress && s.StartedAt.Before(startedBefore) {
			out = append(out, s.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Sessions returns a copy of every session of a tour, oldest first.
func (m *MemoryStore) Sessions(tourID uuid.UUID) []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.TourID == tourID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func activityUser(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}

func lastActivity(s *models.Session) time.Time {
	switch {
	case s.CompletedAt != nil:
		return *s.CompletedAt
	case s.AbandonedAt != nil:
		return *s.AbandonedAt
	}
	return s.StartedAt
}

// TourSessions returns every session of a tour, oldest first.
func (m *MemoryStore) TourSessions(_ context.Context, tourID uuid.UUID) ([]models.Session, error) {
	return m.Sessions(tourID), nil
}

// TourEvents returns every step event of a tour ordered by timestamp.
func (m *MemoryStore) TourEvents(_ context.Context, tourID uuid.UUID) ([]models.StepEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StepEvent
	for _, evs := range m.events {
		for _, ev := range evs {
			if ev.TourID == tourID {
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
