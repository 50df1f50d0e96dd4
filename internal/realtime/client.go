package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onboardx/backend/internal/auth"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TourOwner looks up who owns a tour. ok is false when the tour does not exist.
type TourOwner func(ctx context.Context, tourID uuid.UUID) (owner uuid.UUID, ok bool, err error)

// Client is one dashboard connection watching a tour's activity.
type Client struct {
	ID     string
	TourID uuid.UUID
	UserID uuid.UUID
	hub    *Hub
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger
}

// ServeWs authenticates GET /ws?tour_id=&token= and streams the tour's live
// analytics feed. Only the tour owner or an admin may watch.
func ServeWs(hub *Hub, jwtSvc *auth.JWTService, owner TourOwner, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		tourIDStr := c.Query("tour_id")
		token := c.Query("token")
		if tourIDStr == "" || token == "" {
			response.BadRequest(c, "tour_id and token required")
			return
		}
		tourID, err := uuid.Parse(tourIDStr)
		if err != nil {
			response.BadRequest(c, "invalid tour_id")
			return
		}
		claims, err := jwtSvc.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		ownerID, ok, err := owner(c.Request.Context(), tourID)
		if err != nil {
			logger.Error("load tour owner", zap.Error(err))
			response.Internal(c, "failed to load tour")
			return
		}
		if !ok {
			response.NotFound(c, "tour not found")
			return
		}
		if claims.Role != string(models.RoleAdmin) && ownerID != claims.UserID {
			response.Forbidden(c, "not your tour")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := &Client{
			ID:     uuid.NewString(),
			TourID: tourID,
			UserID: claims.UserID,
			hub:    hub,
			conn:   conn,
			send:   make(chan WSMessage, 256),
			logger: logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump only services control frames; watchers never send commands.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})
	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if msg.Event == "ping" {
			select {
			case c.send <- WSMessage{Event: "pong"}:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.String("client_id", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
