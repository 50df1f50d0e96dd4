package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Publisher fans a tour event out to other instances.
type Publisher interface {
	PublishTourEvent(tourID uuid.UUID, event string, payload []byte) error
}

// Subscriber delivers events published for a tour by any instance.
type Subscriber interface {
	SubscribeTour(tourID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub keeps the dashboard connections watching each tour and broadcasts
// analytics activity to them. With a Publisher and Subscriber configured every
// event goes through Redis once, so all instances deliver it exactly once.
type Hub struct {
	tours  map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func()
	// subscribing marks tours whose Redis subscription is being set up.
	subscribing map[uuid.UUID]bool
	mu          sync.RWMutex
	logger *zap.Logger
	pub    Publisher
	sub    Subscriber
}

// NewHub creates a hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		tours:  make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		logger: logger,

		subscribing: make(map[uuid.UUID]bool),
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to its tour's feed, subscribing to Redis on the
// first one. The subscription round trip runs without holding the hub lock.
func (h *Hub) Register(c *Client) {
	tourID := c.TourID
	h.mu.Lock()
	if h.tours[tourID] == nil {
		h.tours[tourID] = make(map[string]*Client)
	}
	h.tours[tourID][c.ID] = c
	needSub := h.sub != nil && h.subs[tourID] == nil && !h.subscribing[tourID]
	if needSub {
		h.subscribing[tourID] = true
	}
	h.mu.Unlock()
	h.logger.Debug("client watching tour", zap.String("client_id", c.ID), zap.String("tour_id", tourID.String()))

	if needSub {
		h.subscribe(tourID)
	}
}

func (h *Hub) subscribe(tourID uuid.UUID) {
	cancel, err := h.sub.SubscribeTour(tourID, func(event string, payload []byte) {
		h.Broadcast(tourID, event, json.RawMessage(payload))
	})

	h.mu.Lock()
	delete(h.subscribing, tourID)
	if err != nil {
		h.mu.Unlock()
		h.logger.Warn("redis subscribe failed", zap.String("tour_id", tourID.String()), zap.Error(err))
		return
	}
	if len(h.tours[tourID]) > 0 {
		h.subs[tourID] = cancel
		cancel = nil
	}
	h.mu.Unlock()
	// every watcher left while subscribing
	if cancel != nil {
		cancel()
	}
}

// Unregister removes a client and closes its send channel. The Redis
// subscription is cancelled when the last watcher leaves.
func (h *Hub) Unregister(c *Client) {
	var cancel func()
	h.mu.Lock()
	if m, ok := h.tours[c.TourID]; ok {
		if _, ok := m[c.ID]; ok {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.tours, c.TourID)
			cancel = h.subs[c.TourID]
			delete(h.subs, c.TourID)
		}
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.logger.Debug("client left tour", zap.String("client_id", c.ID), zap.String("tour_id", c.TourID.String()))
}

// Broadcast sends an event to the local watchers of a tour. Slow clients
// with a full buffer miss the message.
func (h *Hub) Broadcast(tourID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal live event", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.tours[tourID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// PublishTourEvent delivers an analytics event to every instance's watchers.
// Without Redis it broadcasts locally.
func (h *Hub) PublishTourEvent(tourID uuid.UUID, event string, payload interface{}) {
	if h.pub == nil || h.sub == nil {
		h.Broadcast(tourID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal live event", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.pub.PublishTourEvent(tourID, event, data); err != nil {
		h.logger.Warn("redis publish failed, broadcasting locally", zap.String("tour_id", tourID.String()), zap.Error(err))
		h.Broadcast(tourID, event, json.RawMessage(data))
	}
}

// Watchers returns the number of local connections watching a tour.
func (h *Hub) Watchers(tourID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tours[tourID])
}
