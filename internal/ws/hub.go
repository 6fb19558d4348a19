package ws

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/manpreetbhatti/padsync/internal/diff"
	"github.com/manpreetbhatti/padsync/internal/document"
	"github.com/manpreetbhatti/padsync/internal/metrics"
	"github.com/manpreetbhatti/padsync/internal/protocol"
	"github.com/manpreetbhatti/padsync/internal/registry"
	"github.com/manpreetbhatti/padsync/internal/version"
)

var ErrHubStopped = errors.New("hub stopped")

// Hub applies incoming edits to the shared document one at a time and fans
// the resulting diffs out to the other connections.
type Hub struct {
	// Serializes every change to the document together with its broadcast,
	// so all connections see edits in the same order.
	mu sync.Mutex

	store    *document.Store
	versions *version.Manager
	registry *registry.Registry

	// Inbound messages from clients, drained by Run
	inbound chan inbound
	done    chan struct{}
	once    sync.Once
}

type inbound struct {
	from string
	data []byte
}

func NewHub(store *document.Store, versions *version.Manager, reg *registry.Registry) *Hub {
	return &Hub{
		store:    store,
		versions: versions,
		registry: reg,
		inbound:  make(chan inbound, 256),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Store() *document.Store       { return h.store }
func (h *Hub) Versions() *version.Manager   { return h.versions }
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Run handles submitted messages in the order they were received until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer h.once.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.inbound:
			h.HandleIncoming(msg.from, msg.data)
		}
	}
}

// Submit queues raw for Run. It blocks while the inbound queue is full.
func (h *Hub) Submit(ctx context.Context, from string, raw []byte) error {
	select {
	case h.inbound <- inbound{from: from, data: raw}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleIncoming decodes and applies one message from the connection fromID.
// Malformed messages and out of range operations are logged and dropped; the
// returned error says why, and the connection is left open either way.
func (h *Hub) HandleIncoming(fromID string, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("⚠️ Invalid message from client %s: %v", fromID, err)
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Cursor:
		h.broadcastLocked(m, fromID)
		return nil

	case *protocol.Sync:
		old := h.store.Content()
		edit, err := h.store.ApplyOperations(h.authorOf(fromID), m.Operations)
		if err != nil {
			log.Printf("⚠️ Rejected sync from client %s: %v", fromID, err)
			metrics.MessagesDropped.WithLabelValues(metrics.ReasonOutOfRange).Inc()
			return err
		}
		h.recordLocked(old, edit.Content, fromID)

	case *protocol.Update:
		author := m.User
		if author == "" {
			author = h.authorOf(fromID)
		}
		edit := document.NewEdit(author, m.Content)
		if at, ok := m.Time(); ok {
			edit = document.NewEditAt(author, m.Content, at)
		}
		old := h.store.Content()
		h.store.ApplyUpdate(edit)
		h.recordLocked(old, m.Content, fromID)
	}
	return nil
}

// Join registers conn and queues the current text for it, so a late joiner
// starts from the same snapshot as everyone else.
func (h *Hub) Join(conn *registry.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.registry.Add(conn)
	count := h.registry.Count()
	metrics.ConnectedClients.Set(float64(count))

	if content := h.store.Content(); content != "" {
		msg, err := protocol.Encode(&protocol.Sync{Operations: diff.Diff("", content)})
		if err == nil {
			err = conn.Enqueue(msg)
		}
		if err != nil {
			log.Printf("Initial sync to %s failed: %v", conn.ID, err)
		}
	}

	log.Printf("Client %s joined (total: %d)", conn.ID, count)
}

// Leave deregisters conn and closes its outbound queue. A connection that was
// already replaced under the same id only has its queue closed.
func (h *Hub) Leave(conn *registry.Connection) {
	removed := h.registry.RemoveConnection(conn)
	conn.Close()
	if removed {
		count := h.registry.Count()
		metrics.ConnectedClients.Set(float64(count))
		log.Printf("Client %s left (remaining: %d)", conn.ID, count)
	}
}

// Undo restores the previous snapshot and broadcasts it to every connection.
func (h *Hub) Undo(by string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.versions.Undo(h.store.Content())
	if !ok {
		return "", false
	}
	h.applyLocked(by, prev)
	return prev, true
}

func (h *Hub) Redo(by string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next, ok := h.versions.Redo(h.store.Content())
	if !ok {
		return "", false
	}
	h.applyLocked(by, next)
	return next, true
}

// Rollback drops the newest history entry and broadcasts the text it leaves
// behind.
func (h *Hub) Rollback(by string) (document.Edit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.store.Content()
	tail, ok := h.store.UndoLastUpdate()
	if !ok {
		return document.Edit{}, false
	}
	if tail.Content != old {
		h.versions.TrackChange(old)
	}
	h.broadcastDiffLocked(old, tail.Content, "")
	log.Printf("Rolled back last edit (requested by %s)", by)
	return tail, true
}

// Replace swaps the whole text as an edit by author and broadcasts it to
// every connection.
func (h *Hub) Replace(author, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.editLocked(author, func() error {
		h.store.ReplaceText(text)
		return nil
	})
}

// InsertText inserts text at the document cursor as an edit by author.
func (h *Hub) InsertText(author, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.editLocked(author, func() error {
		h.store.InsertText(text)
		return nil
	})
}

// DeleteText removes [start, end) as an edit by author. Out of range bounds
// leave the document unchanged and return document.ErrOutOfBounds.
func (h *Hub) DeleteText(author string, start, end int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.editLocked(author, func() error {
		return h.store.DeleteText(start, end)
	})
}

// SetCursor moves the document cursor and replaces the selection; a nil sel
// clears it. Nothing is broadcast.
func (h *Hub) SetCursor(pos int, sel *document.Selection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sel != nil {
		if err := h.store.SetSelection(sel.Start, sel.End); err != nil {
			return err
		}
	} else {
		h.store.ClearSelection()
	}
	h.store.MoveCursor(pos)
	return nil
}

func (h *Hub) ClientCount() int {
	return h.registry.Count()
}

// editLocked runs change against the store and commits the result as one
// history entry by author, broadcast to every connection.
func (h *Hub) editLocked(author string, change func() error) error {
	old := h.store.Content()
	if err := change(); err != nil {
		return err
	}
	edit := h.store.Commit(author)
	h.recordLocked(old, edit.Content, "")
	return nil
}

// recordLocked pushes the text from before an edit onto the undo stack and
// broadcasts the difference. Edits that change nothing leave the stacks alone.
func (h *Hub) recordLocked(old, content, exclude string) {
	if content != old {
		h.versions.TrackChange(old)
	}
	metrics.EditsApplied.Inc()
	h.broadcastDiffLocked(old, content, exclude)
}

// applyLocked records a change that came from the undo or redo stacks; it
// must not be tracked again.
func (h *Hub) applyLocked(author, content string) {
	old := h.store.Content()
	h.store.ReplaceText(content)
	h.store.Commit(author)
	metrics.EditsApplied.Inc()
	h.broadcastDiffLocked(old, content, "")
}

func (h *Hub) broadcastDiffLocked(old, content, exclude string) {
	ops := diff.Diff(old, content)
	if len(ops) == 0 {
		return
	}
	h.broadcastLocked(&protocol.Sync{Operations: ops}, exclude)
}

func (h *Hub) broadcastLocked(m protocol.Message, exclude string) {
	msg, err := protocol.Encode(m)
	if err != nil {
		log.Printf("Encode failed: %v", err)
		return
	}
	res := h.registry.Broadcast(msg, exclude)
	metrics.BroadcastDeliveries.Add(float64(res.Delivered))
	metrics.BroadcastFailures.Add(float64(len(res.Failed)))
}

func (h *Hub) authorOf(id string) string {
	if conn, ok := h.registry.Get(id); ok {
		return conn.Author()
	}
	return id
}
