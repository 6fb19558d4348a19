package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/padsync/internal/metrics"
	"github.com/manpreetbhatti/padsync/internal/ratelimit"
	"github.com/manpreetbhatti/padsync/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	// Disconnect after this many refused messages
	maxRateLimitWarnings = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is the middleman between one websocket and the hub.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	outbound    *registry.Connection
	rateLimiter *ratelimit.Limiter
	limiters    *ratelimit.ClientLimiters
}

// Server upgrades requests on the sync endpoint and starts a Client for each.
type Server struct {
	Hub       *Hub
	Limiters  *ratelimit.ClientLimiters
	QueueSize int
}

// ServeHTTP handles GET /ws?user=<name>.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.Hub, s.Limiters, s.QueueSize, w, r)
}

func ServeWs(hub *Hub, limiters *ratelimit.ClientLimiters, queueSize int, w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("user")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		outbound:    registry.NewConnection(id, name, queueSize),
		rateLimiter: limiters.Get(id),
		limiters:    limiters,
	}

	hub.Join(client.outbound)

	go client.writePump()
	go client.readPump()
}

// readPump feeds messages from the websocket to the hub. When it returns the
// connection is deregistered, which also stops writePump.
func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.Leave(c.outbound)
		c.limiters.Remove(c.outbound.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			metrics.MessagesDropped.WithLabelValues(metrics.ReasonRateLimited).Inc()
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for client %s (warning #%d)",
					c.outbound.ID, rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				log.Printf("🚫 Disconnecting client %s for excessive rate limit violations", c.outbound.ID)
				return
			}
			continue
		}

		if err := c.hub.Submit(ctx, c.outbound.ID, message); err != nil {
			return
		}
	}
}

// writePump drains the outbound queue onto the websocket and keeps the peer
// alive with pings. A closed queue ends the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	outbound := c.outbound.Outbound()
	for {
		select {
		case message, ok := <-outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
