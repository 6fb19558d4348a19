// Package registry is the directory of live connections. It only queues
// messages; writing them to the network is the job of each connection's own
// write loop.
package registry

import (
	"errors"
	"log"
	"sort"
	"sync"
)

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("outbound queue full")
)

const DefaultQueueSize = 512

// Connection is the registry's handle on one client: an id, an optional
// display name and a bounded outbound queue.
type Connection struct {
	ID   string
	Name string

	mu     sync.Mutex
	queue  chan []byte
	closed bool
}

func NewConnection(id, name string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Connection{
		ID:    id,
		Name:  name,
		queue: make(chan []byte, queueSize),
	}
}

// Enqueue never blocks.
func (c *Connection) Enqueue(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Outbound is drained by the connection's write loop. It is closed by Close.
func (c *Connection) Outbound() <-chan []byte {
	return c.queue
}

// Close is idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Author is the name edits from this connection are recorded under.
func (c *Connection) Author() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func New() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Add registers conn, replacing any connection with the same id.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID] = conn
}

// Remove is a no-op for unknown ids.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, id)
}

// RemoveConnection deregisters conn only if it is still the one registered
// under its id, so a stale loop cannot evict a newer connection.
func (r *Registry) RemoveConnection(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.connections[conn.ID]; ok && current == conn {
		delete(r.connections, conn.ID)
		return true
	}
	return false
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Returns the registered ids in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Result summarizes one broadcast.
type Result struct {
	Delivered int
	Failed    []string
}

// Broadcast queues msg on every connection except exclude. A failure on one
// connection is logged and skipped; it never stops delivery to the others and
// never removes the connection. A connection whose queue is full is closed so
// its own loops notice and deregister it.
func (r *Registry) Broadcast(msg []byte, exclude string) Result {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.connections))
	for id, conn := range r.connections {
		if id != exclude {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	var res Result
	for _, conn := range targets {
		err := conn.Enqueue(msg)
		switch {
		case err == nil:
			res.Delivered++
			continue
		case errors.Is(err, ErrQueueFull):
			log.Printf("⚠️ Dropping slow client %s: %v", conn.ID, err)
			conn.Close()
		default:
			log.Printf("Broadcast to %s failed: %v", conn.ID, err)
		}
		res.Failed = append(res.Failed, conn.ID)
	}
	return res
}
