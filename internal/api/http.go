package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/xtrntr/stocksim/internal/models"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // quotes are public
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// QuoteHub pushes quote snapshots to websocket subscribers
type QuoteHub struct {
	quotes func() map[string]models.Quote
	log    *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewQuoteHub creates a hub reading the current quotes from quotes
func NewQuoteHub(quotes func() map[string]models.Quote, log *zap.Logger) *QuoteHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuoteHub{quotes: quotes, log: log, clients: make(map[*wsClient]struct{})}
}

func encodeQuotes(quotes map[string]models.Quote) ([]byte, error) {
	return json.Marshal(Response{"success": true, "stocks": quoteViews(quotes)})
}

// Broadcast sends a snapshot to every subscriber, dropping those that fail
func (h *QuoteHub) Broadcast(quotes map[string]models.Quote) {
	data, err := encodeQuotes(quotes)
	if err != nil {
		h.log.Error("failed to marshal quotes", zap.Error(err))
		return
	}

	h.mu.RLock()
	var failed []*wsClient
	for client := range h.clients {
		if err := client.write(data); err != nil {
			h.log.Debug("failed to send quotes", zap.Error(err))
			failed = append(failed, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range failed {
		h.remove(client)
	}
}

// Subscribers returns the number of connected websocket clients
func (h *QuoteHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *QuoteHub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		_ = client.conn.Close()
	}
	h.mu.Unlock()
}

// ServeWS upgrades the connection and streams quotes until the client leaves
func (h *QuoteHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	// Send the current quotes right away
	if data, err := encodeQuotes(h.quotes()); err == nil {
		if err := client.write(data); err != nil {
			h.remove(client)
			return
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

// NewHTTPHandler serves the quote feed (/healthz, /quotes and /ws) and, when
// gw is not nil, the trading gateway under /api
func NewHTTPHandler(hub *QuoteHub, gw *Gateway) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Admin-Password"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/quotes", func(w http.ResponseWriter, r *http.Request) {
		data, err := encodeQuotes(hub.quotes())
		if err != nil {
			http.Error(w, `{"error": "Failed to encode quotes"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	r.Get("/ws", hub.ServeWS)
	if gw != nil {
		r.Route("/api", gw.Routes)
	}

	return r
}
