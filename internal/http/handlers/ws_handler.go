package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coop-market/backend/internal/auth"
	"github.com/coop-market/backend/internal/config"
	"github.com/coop-market/backend/internal/events"
	"github.com/coop-market/backend/internal/rbac"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// WSHub pushes escrow status changes to the buyer and cooperative of the
// escrow and to every connected admin or inspector.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[string][]*wsClient
}

type wsClient struct {
	conn *websocket.Conn
	role string
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[string][]*wsClient),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	if h.subscriber == nil {
		return
	}
	if err := h.subscriber.Subscribe(ctx, events.ChannelEscrow, h.dispatch); err != nil {
		h.log.Error("ws hub subscribe failed", zap.Error(err))
	}
}

// recipients returns the user ids an escrow event is addressed to.
func recipients(event events.Event) []string {
	var ids []string
	for _, key := range []string{"buyer_id", "cooperative_id"} {
		if id := event.PayloadString(key); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *WSHub) dispatch(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*wsClient]bool)
	for _, userID := range recipients(event) {
		for _, c := range h.connections[userID] {
			sent[c] = true
			_ = c.write(data)
		}
	}
	for _, clients := range h.connections {
		for _, c := range clients {
			if !sent[c] && rbac.IsElevated(c.role) {
				sent[c] = true
				_ = c.write(data)
			}
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	userID := claims.UserID
	client := &wsClient{conn: conn, role: claims.Role}

	h.mu.Lock()
	h.connections[userID] = append(h.connections[userID], client)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		clients := h.connections[userID]
		for i, c := range clients {
			if c == client {
				h.connections[userID] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		if len(h.connections[userID]) == 0 {
			delete(h.connections, userID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
