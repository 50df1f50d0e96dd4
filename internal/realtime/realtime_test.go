package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardx/backend/internal/auth"
	"github.com/onboardx/backend/internal/models"
)

// loopback is an in-process stand-in for Redis pub/sub.
type loopback struct {
	mu       sync.Mutex
	handlers map[uuid.UUID][]func(string, []byte)
	cancels  int
}

func newLoopback() *loopback {
	return &loopback{handlers: map[uuid.UUID][]func(string, []byte){}}
}

func (l *loopback) PublishTourEvent(tourID uuid.UUID, event string, payload []byte) error {
	l.mu.Lock()
	hs := append([]func(string, []byte){}, l.handlers[tourID]...)
	l.mu.Unlock()
	for _, h := range hs {
		h(event, payload)
	}
	return nil
}

func (l *loopback) SubscribeTour(tourID uuid.UUID, handler func(string, []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[tourID] = append(l.handlers[tourID], handler)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, tourID)
		l.cancels++
	}, nil
}

// slowSubscriber blocks SubscribeTour until release is closed.
type slowSubscriber struct {
	entered chan struct{}
	release chan struct{}
}

func (s *slowSubscriber) SubscribeTour(uuid.UUID, func(string, []byte)) (func(), error) {
	close(s.entered)
	<-s.release
	return func() {}, nil
}

func newClient(hub *Hub, tourID uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), TourID: tourID, hub: hub, send: make(chan WSMessage, 4)}
}

func TestHubBroadcastsOnlyToTourWatchers(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	tourA, tourB := uuid.New(), uuid.New()
	a := newClient(hub, tourA)
	b := newClient(hub, tourB)
	hub.Register(a)
	hub.Register(b)
	assert.Equal(t, 1, hub.Watchers(tourA))

	hub.PublishTourEvent(tourA, "session_started", map[string]string{"session_id": "s1"})
	select {
	case msg := <-a.send:
		assert.Equal(t, "session_started", msg.Event)
		assert.JSONEq(t, `{"session_id":"s1"}`, string(msg.Data))
	default:
		t.Fatal("watcher of tour A got nothing")
	}
	assert.Empty(t, b.send)

	hub.Unregister(a)
	assert.Equal(t, 0, hub.Watchers(tourA))
	_, open := <-a.send
	assert.False(t, open)
	hub.Unregister(a)
}

func TestHubBroadcastWhileSubscribing(t *testing.T) {
	sub := &slowSubscriber{entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(nil, nil, sub)
	tourA, tourB := uuid.New(), uuid.New()

	// b is watching tourB before a blocks in the subscribe round trip.
	b := newClient(hub, tourB)
	hub.mu.Lock()
	hub.tours[tourB] = map[string]*Client{b.ID: b}
	hub.mu.Unlock()

	registered := make(chan struct{})
	go func() {
		hub.Register(newClient(hub, tourA))
		close(registered)
	}()
	<-sub.entered

	delivered := make(chan struct{})
	go func() {
		hub.Broadcast(tourB, "step_event", []byte(`{}`))
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked behind subscribe")
	}
	assert.Len(t, b.send, 1)

	close(sub.release)
	<-registered
	assert.Equal(t, 1, hub.Watchers(tourA))
}

func TestHubCancelsSubscriptionWhenWatchersLeaveDuringSubscribe(t *testing.T) {
	bus := newLoopback()
	hub := NewHub(nil, bus, bus)
	tourID := uuid.New()
	c := newClient(hub, tourID)

	hub.mu.Lock()
	hub.tours[tourID] = map[string]*Client{c.ID: c}
	hub.subscribing[tourID] = true
	hub.mu.Unlock()
	hub.Unregister(c)

	hub.subscribe(tourID)
	assert.Equal(t, 1, bus.cancels)
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.subs)
	assert.Empty(t, hub.subscribing)
}

func TestHubFullBufferDropsMessage(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	tourID := uuid.New()
	c := newClient(hub, tourID)
	hub.Register(c)
	for i := 0; i < 10; i++ {
		hub.Broadcast(tourID, "step_event", []byte(`{}`))
	}
	assert.Len(t, c.send, cap(c.send))
}

func TestHubRoutesThroughPubSubOnce(t *testing.T) {
	bus := newLoopback()
	hub := NewHub(nil, bus, bus)
	tourID := uuid.New()
	c1 := newClient(hub, tourID)
	c2 := newClient(hub, tourID)
	hub.Register(c1)
	hub.Register(c2)

	hub.PublishTourEvent(tourID, "session_completed", map[string]int{"steps_completed": 4})
	assert.Len(t, c1.send, 1)
	assert.Len(t, c2.send, 1)

	hub.Unregister(c1)
	assert.Equal(t, 0, bus.cancels)
	hub.Unregister(c2)
	assert.Equal(t, 1, bus.cancels)
}

func TestServeWs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtSvc := auth.NewJWTService("secret", 1)
	ownerID := uuid.New()
	tourID := uuid.New()
	hub := NewHub(nil, nil, nil)
	owners := func(_ context.Context, id uuid.UUID) (uuid.UUID, bool, error) {
		if id == tourID {
			return ownerID, true, nil
		}
		return uuid.Nil, false, nil
	}
	r := gin.New()
	r.GET("/ws", ServeWs(hub, jwtSvc, owners, nil))
	srv := httptest.NewServer(r)
	defer srv.Close()

	ownerToken, err := jwtSvc.Generate(ownerID, "o@example.com", string(models.RoleOwner))
	require.NoError(t, err)
	otherToken, err := jwtSvc.Generate(uuid.New(), "x@example.com", string(models.RoleOwner))
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"missing token", "?tour_id=" + tourID.String(), http.StatusBadRequest},
		{"bad tour id", "?tour_id=nope&token=" + ownerToken, http.StatusBadRequest},
		{"bad token", "?tour_id=" + tourID.String() + "&token=garbage", http.StatusUnauthorized},
		{"unknown tour", "?tour_id=" + uuid.NewString() + "&token=" + ownerToken, http.StatusNotFound},
		{"not owner", "?tour_id=" + tourID.String() + "&token=" + otherToken, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/ws" + tt.query)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?tour_id=" + tourID.String() + "&token=" + ownerToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Watchers(tourID) == 1 }, time.Second, 10*time.Millisecond)
	hub.PublishTourEvent(tourID, "session_abandoned", map[string]string{"session_id": "s9"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "session_abandoned", msg.Event)
	assert.JSONEq(t, `{"session_id":"s9"}`, string(msg.Data))
}
