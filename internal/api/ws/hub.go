// Package ws streams transfer events to authenticated websocket clients, one
// stream per account.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ayo6706/ledger-service/internal/api/middleware"
	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/ayo6706/ledger-service/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 16
)

// Event is one message on the stream.
type Event struct {
	Type     string `json:"type"`
	Resource any    `json:"resource"`
}

// TransferEvent wraps a committed transfer, substituting the absolute id URI
// the API hands out elsewhere.
func TransferEvent(idURI string, t models.Transfer) Event {
	return Event{
		Type: "transfer",
		Resource: struct {
			models.Transfer
			ID string `json:"id"`
		}{Transfer: t, ID: idURI},
	}
}

type client struct {
	send chan []byte
}

// Hub fans committed transfer events out to the connected streams.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	log     *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]map[*client]struct{}), log: logger}
}

// Publish sends the event to every stream watching one of the accounts.
// Slow consumers are skipped; they are disconnected by the ping cycle.
func (h *Hub) Publish(accounts []string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode stream event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	notified := make(map[*client]struct{})
	for _, name := range accounts {
		for c := range h.clients[name] {
			if _, done := notified[c]; done {
				continue
			}
			notified[c] = struct{}{}
			select {
			case c.send <- payload:
			default:
				h.log.Warn("dropping stream event for slow consumer", zap.String("account", name))
			}
		}
	}
}

func (h *Hub) register(name string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[name] == nil {
		h.clients[name] = make(map[*client]struct{})
	}
	h.clients[name][c] = struct{}{}
	observability.AddWebsocketSessions(1)
}

func (h *Hub) unregister(name string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[name]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			observability.AddWebsocketSessions(-1)
		}
		if len(set) == 0 {
			delete(h.clients, name)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves GET /accounts/{name}/transfers. The principal must own the
// account or be an admin, and the account must exist.
func (h *Hub) Handler(engine *ledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		p := middleware.PrincipalFromContext(r.Context())
		if !p.May(name) {
			problem.Write(w, r, http.StatusForbidden, problem.Type(problem.SlugForbidden),
				http.StatusText(http.StatusForbidden), "cannot stream another account's transfers")
			return
		}
		if _, err := engine.AccountRecord(r.Context(), name); err != nil {
			problem.Write(w, r, http.StatusNotFound, problem.Type(problem.SlugNotFound),
				http.StatusText(http.StatusNotFound), "unknown account")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		c := &client{send: make(chan []byte, sendBufferSize)}
		h.register(name, c)
		defer h.unregister(name, c)

		go h.writeLoop(conn, c)
		h.readLoop(conn)
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case payload, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
