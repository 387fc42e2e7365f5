// internal/server/hub.go
package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcoda/mcoda/internal/jobs"
)

const (
	// sendBufferSize lets a burst of job events queue before a slow
	// client is dropped.
	sendBufferSize = 256

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Client is one websocket watcher of a job's event stream.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	jobID string
	send  chan []byte
	done  chan struct{}
}

// Hub fans job bus events out to websocket clients. Each client
// subscribes to one job (or jobs.AllJobs for everything).
type Hub struct {
	bus *jobs.Bus
	log *slog.Logger

	mu      sync.Mutex
	clients map[*Client]bool
	closed  bool
}

func NewHub(bus *jobs.Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{bus: bus, log: log, clients: make(map[*Client]bool)}
}

// Attach registers a new client and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, jobID string) *Client {
	c := &Client{
		hub:   h,
		conn:  conn,
		jobID: jobID,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	h.clients[c] = true
	h.mu.Unlock()

	events := h.bus.Subscribe(jobID, nil)
	go c.forward(events)
	go c.readPump(events)
	go c.writePump()
	return c
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.done)
	}
}

// Close drops every connected client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
		h.detach(c)
	}
}

// ClientCount reports connected watchers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// forward serializes bus events into the client's send queue.
func (c *Client) forward(events <-chan jobs.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
				// Slow consumer; drop the connection rather than block
				// the bus fan-out.
				c.conn.Close()
				return
			}
		}
	}
}

// readPump drains the connection. Incoming frames are ignored; the read
// loop exists to notice the peer going away.
func (c *Client) readPump(events <-chan jobs.Event) {
	defer func() {
		c.hub.bus.Unsubscribe(c.jobID, events)
		c.hub.detach(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
