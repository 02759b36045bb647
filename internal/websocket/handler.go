package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatmatch/internal/config"
	"chatmatch/internal/engine"
	"chatmatch/pkg/types"
)

var upgrader = websocket.Upgrader{
	// TODO: restrict origins once the client deployment domains are fixed.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// inboundMessage is the wire format for client-to-server events.
type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler upgrades WebSocket clients and bridges their events to the engine.
type Handler struct {
	registry *Registry
	engine   *engine.Engine
	cfg      *config.WebSocketConfig
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, eng *engine.Engine, cfg *config.WebSocketConfig) *Handler {
	return &Handler{registry: registry, engine: eng, cfg: cfg}
}

// HandleWebSocket validates the request, upgrades it, joins the user to the
// queue, and runs the read loop until the connection drops.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required query parameter: user_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	prefs := types.Preferences{PersonaID: r.URL.Query().Get("persona")}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(raw, userID, h.cfg.BufferSize, h.cfg.WriteTimeout)

	if err := h.registry.Register(conn); err != nil {
		log.Printf("Connection registration failed: user=%s error=%v", userID, err)
		_ = conn.Close()
		return
	}

	if _, err := h.engine.Join(r.Context(), userID, conn, prefs); err != nil {
		log.Printf("Queue join failed: user=%s error=%v", userID, err)
		h.registry.Unregister(conn)
		_ = conn.Close()
		return
	}

	go h.pingLoop(conn)
	h.readLoop(raw, conn, userID)
}

// readLoop dispatches inbound events until the socket errors or the client
// leaves. A dropped connection starts the reconnect grace window; an explicit
// leave removes the user outright.
func (h *Handler) readLoop(raw *websocket.Conn, conn *Connection, userID string) {
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
	}()

	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		if err := raw.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			h.connectionDropped(conn, userID)
			return
		}

		_, data, err := raw.ReadMessage()
		if err != nil {
			h.connectionDropped(conn, userID)
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.Send("error", map[string]any{"message": "invalid message format"})
			continue
		}

		switch msg.Event {
		case "send_message":
			h.handleSendMessage(conn, userID, msg.Data)

		case "get_status":
			h.handleGetStatus(conn, userID)

		case "leave":
			if err := h.engine.Leave(context.Background(), userID); err != nil {
				log.Printf("Leave failed: user=%s error=%v", userID, err)
			}
			return

		default:
			_ = conn.Send("error", map[string]any{"message": "unknown event: " + msg.Event})
		}
	}
}

// connectionDropped starts the reconnect grace window, but only when the
// failing socket is still the one registered for the user. A read error from
// a connection that a newer join already replaced must not disturb the
// rejoined user.
func (h *Handler) connectionDropped(conn *Connection, userID string) {
	if h.registry.Get(userID) != conn {
		return
	}
	h.engine.HandleDisconnect(userID)
}

func (h *Handler) handleSendMessage(conn *Connection, userID string, data json.RawMessage) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = conn.Send("error", map[string]any{"message": "invalid message payload"})
		return
	}

	if err := h.engine.SendMessage(context.Background(), userID, payload.Content); err != nil {
		_ = conn.Send("error", map[string]any{"message": err.Error()})
	}
}

func (h *Handler) handleGetStatus(conn *Connection, userID string) {
	status, err := h.engine.Status(userID)
	if err != nil {
		_ = conn.Send("error", map[string]any{"message": err.Error()})
		return
	}
	_ = conn.Send("status", status)
}

// pingLoop keeps the connection alive until it closes.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
