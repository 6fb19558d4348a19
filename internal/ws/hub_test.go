package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/padsync/internal/diff"
	"github.com/manpreetbhatti/padsync/internal/document"
	"github.com/manpreetbhatti/padsync/internal/protocol"
	"github.com/manpreetbhatti/padsync/internal/ratelimit"
	"github.com/manpreetbhatti/padsync/internal/registry"
	"github.com/manpreetbhatti/padsync/internal/version"
)

func newTestHub(initial string) *Hub {
	return NewHub(document.New(initial), version.NewManager(10), registry.New())
}

func join(h *Hub, id, name string) *registry.Connection {
	conn := registry.NewConnection(id, name, 16)
	h.Join(conn)
	return conn
}

// Returns the next queued message, failing the test if there is none
func next(t *testing.T, conn *registry.Connection) protocol.Message {
	t.Helper()
	select {
	case raw, ok := <-conn.Outbound():
		if !ok {
			t.Fatalf("Queue of %s is closed", conn.ID)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Could not decode %s: %v", raw, err)
		}
		return msg
	default:
		t.Fatalf("Expected a message for %s", conn.ID)
		return nil
	}
}

func expectEmpty(t *testing.T, conn *registry.Connection) {
	t.Helper()
	select {
	case raw := <-conn.Outbound():
		t.Errorf("Expected no message for %s, got %s", conn.ID, raw)
	default:
	}
}

func syncOps(t *testing.T, msg protocol.Message) []diff.Operation {
	t.Helper()
	s, ok := msg.(*protocol.Sync)
	if !ok {
		t.Fatalf("Expected *protocol.Sync, got %T", msg)
	}
	return s.Operations
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := newTestHub("hello")
	a := join(hub, "a", "ana")
	b := join(hub, "b", "bo")
	c := join(hub, "c", "")
	// Drop the initial catch-up messages.
	next(t, a)
	next(t, b)
	next(t, c)

	err := hub.HandleIncoming("a", []byte(`{"type":"Sync","data":{"operations":[{"Insert":[5," world"]}]}}`))
	if err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	expectEmpty(t, a)
	for _, conn := range []*registry.Connection{b, c} {
		ops := syncOps(t, next(t, conn))
		if len(ops) != 1 || ops[0] != diff.Insert(5, " world") {
			t.Errorf("Unexpected ops for %s: %v", conn.ID, ops)
		}
	}

	if hub.Store().Content() != "hello world" {
		t.Errorf("Expected 'hello world', got '%s'", hub.Store().Content())
	}
	history := hub.Store().History()
	if history[len(history)-1].Author != "ana" {
		t.Errorf("Expected author 'ana', got '%s'", history[len(history)-1].Author)
	}
}

func TestLastArrivalWins(t *testing.T) {
	hub := newTestHub("")
	a := join(hub, "a", "")
	b := join(hub, "b", "")

	hub.HandleIncoming("a", []byte(`{"content":"foo","user":"ana","timestamp":"1"}`))
	hub.HandleIncoming("b", []byte(`{"content":"bar","user":"bo","timestamp":"2"}`))

	if hub.Store().Content() != "bar" {
		t.Errorf("Expected 'bar', got '%s'", hub.Store().Content())
	}

	history := hub.Store().History()
	if len(history) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(history))
	}
	if history[1].Content != "foo" || history[2].Content != "bar" {
		t.Errorf("History out of receipt order: %q, %q", history[1].Content, history[2].Content)
	}
	if history[1].Author != "ana" || history[2].Author != "bo" {
		t.Errorf("Unexpected authors: %q, %q", history[1].Author, history[2].Author)
	}

	// b saw foo, a saw the change from foo to bar.
	if ops := syncOps(t, next(t, b)); len(ops) != 1 || ops[0] != diff.Insert(0, "foo") {
		t.Errorf("Unexpected ops for b: %v", ops)
	}
	if ops := syncOps(t, next(t, a)); len(ops) != 1 || ops[0] != diff.Replace(0, 3, "bar") {
		t.Errorf("Unexpected ops for a: %v", ops)
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	hub := newTestHub("abc")
	a := join(hub, "a", "")
	b := join(hub, "b", "")
	next(t, a)
	next(t, b)

	err := hub.HandleIncoming("a", []byte(`{"type":"Sync","data":`))
	if !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}

	if hub.Store().Content() != "abc" || hub.Store().HistoryLen() != 1 {
		t.Error("Malformed message should not change the document")
	}
	expectEmpty(t, b)
	if hub.ClientCount() != 2 {
		t.Errorf("Sender should stay registered, got %d clients", hub.ClientCount())
	}
}

func TestOutOfRangeSyncDropped(t *testing.T) {
	hub := newTestHub("abc")
	b := join(hub, "b", "")
	next(t, b)

	err := hub.HandleIncoming("a", []byte(`{"type":"Sync","data":{"operations":[{"Insert":[0,"x"]},{"Delete":[1,10]}]}}`))
	if !errors.Is(err, document.ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", err)
	}
	if hub.Store().Content() != "abc" || hub.Store().HistoryLen() != 1 {
		t.Errorf("Document should be unchanged, got '%s'", hub.Store().Content())
	}
	expectEmpty(t, b)
}

func TestSyncMovesCursor(t *testing.T) {
	hub := newTestHub("hello")

	if err := hub.HandleIncoming("a", []byte(`{"type":"Sync","data":{"operations":[{"Insert":[0,"X"]}]}}`)); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	state := hub.Store().State()
	if state.Text != "Xhello" || state.Cursor != 1 {
		t.Errorf("Expected 'Xhello' with cursor 1, got %+v", state)
	}

	hub.HandleIncoming("a", []byte(`{"type":"Sync","data":{"operations":[{"Replace":[1,6,"hey"]}]}}`))
	if cursor := hub.Store().Cursor(); cursor != 4 {
		t.Errorf("Expected cursor 4 after replace, got %d", cursor)
	}
}

func TestUpdateKeepsSenderTimestamp(t *testing.T) {
	hub := newTestHub("")

	hub.HandleIncoming("a", []byte(`{"content":"x","user":"ana","timestamp":"2024-03-01T12:00:00Z"}`))
	hub.HandleIncoming("a", []byte(`{"content":"xy","user":"ana","timestamp":1700000000}`))

	history := hub.Store().History()
	if want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC); !history[1].Timestamp.Equal(want) {
		t.Errorf("Expected %v, got %v", want, history[1].Timestamp)
	}
	if want := time.Unix(1700000000, 0); !history[2].Timestamp.Equal(want) {
		t.Errorf("Expected %v, got %v", want, history[2].Timestamp)
	}
}

func TestCursorRelayed(t *testing.T) {
	hub := newTestHub("")
	a := join(hub, "a", "")
	b := join(hub, "b", "")

	if err := hub.HandleIncoming("a", []byte(`{"type":"Cursor","data":{"cursor_position":4}}`)); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	expectEmpty(t, a)
	cursor, ok := next(t, b).(*protocol.Cursor)
	if !ok || cursor.Position != 4 {
		t.Errorf("Expected cursor 4, got %+v", cursor)
	}
	if hub.Store().HistoryLen() != 1 {
		t.Error("Cursor messages should not touch the history")
	}
}

func TestIdenticalUpdateNotBroadcast(t *testing.T) {
	hub := newTestHub("same")
	b := join(hub, "b", "")
	next(t, b)

	hub.HandleIncoming("a", []byte(`{"content":"same","user":"ana","timestamp":"1"}`))

	if hub.Store().HistoryLen() != 2 {
		t.Errorf("Update should still be recorded, got %d entries", hub.Store().HistoryLen())
	}
	expectEmpty(t, b)
}

func TestJoinSendsCurrentText(t *testing.T) {
	hub := newTestHub("hello")
	conn := join(hub, "late", "")

	ops := syncOps(t, next(t, conn))
	got, err := diff.Apply("", ops)
	if err != nil || got != "hello" {
		t.Errorf("Late joiner should rebuild 'hello', got %q (err=%v)", got, err)
	}

	empty := newTestHub("")
	expectEmpty(t, join(empty, "first", ""))
}

func TestLeave(t *testing.T) {
	hub := newTestHub("")
	a := join(hub, "a", "")

	hub.Leave(a)
	hub.Leave(a)

	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
	if !a.Closed() {
		t.Error("Leave should close the outbound queue")
	}
}

func TestUndoRedoBroadcastToAll(t *testing.T) {
	hub := newTestHub("")
	a := join(hub, "a", "")
	b := join(hub, "b", "")

	for _, content := range []string{"a", "ab", "abc"} {
		hub.HandleIncoming("a", []byte(`{"content":"`+content+`","user":"ana","timestamp":"1"}`))
	}
	for i := 0; i < 3; i++ {
		next(t, b)
	}

	hub.Undo("admin")
	hub.Undo("admin")
	got, ok := hub.Redo("admin")
	if !ok || got != "ab" {
		t.Fatalf("Expected redo to 'ab', got %q (ok=%v)", got, ok)
	}
	if hub.Store().Content() != "ab" {
		t.Errorf("Expected content 'ab', got '%s'", hub.Store().Content())
	}

	// Both connections, including the one that made the edits, see all three changes.
	for _, conn := range []*registry.Connection{a, b} {
		text := "abc"
		for i := 0; i < 3; i++ {
			var err error
			text, err = diff.Apply(text, syncOps(t, next(t, conn)))
			if err != nil {
				t.Fatalf("Apply failed for %s: %v", conn.ID, err)
			}
		}
		if text != "ab" {
			t.Errorf("%s rebuilt %q, expected 'ab'", conn.ID, text)
		}
	}
}

func TestUndoDepthMatchesMaxHistory(t *testing.T) {
	for _, limit := range []int{1, 2, 3} {
		hub := NewHub(document.New(""), version.NewManager(limit), registry.New())
		texts := []string{"a", "ab", "abc", "abcd"}
		for _, content := range texts {
			hub.Replace("ana", content)
		}

		for i := 0; i < limit; i++ {
			got, ok := hub.Undo("ana")
			if want := texts[len(texts)-2-i]; !ok || got != want {
				t.Fatalf("limit %d: undo %d expected %q, got %q (ok=%v)", limit, i+1, want, got, ok)
			}
		}
		if _, ok := hub.Undo("ana"); ok {
			t.Errorf("limit %d: undo past the cap should fail", limit)
		}
	}
}

func TestUndoWithNothingToUndo(t *testing.T) {
	hub := newTestHub("x")
	if _, ok := hub.Undo("admin"); ok {
		t.Error("Undo should fail without earlier snapshots")
	}
	if hub.Store().Content() != "x" {
		t.Errorf("Content should be unchanged, got '%s'", hub.Store().Content())
	}
}

func TestRollbackAndReplace(t *testing.T) {
	hub := newTestHub("")
	b := join(hub, "b", "")

	hub.Replace("admin", "draft")
	if ops := syncOps(t, next(t, b)); ops[0] != diff.Insert(0, "draft") {
		t.Errorf("Unexpected ops: %v", ops)
	}

	tail, ok := hub.Rollback("admin")
	if !ok || tail.Content != "" {
		t.Fatalf("Expected rollback to the ground entry, got %+v (ok=%v)", tail, ok)
	}
	if ops := syncOps(t, next(t, b)); ops[0] != diff.Delete(0, 5) {
		t.Errorf("Unexpected ops: %v", ops)
	}

	if _, ok := hub.Rollback("admin"); ok {
		t.Error("Rollback should fail with only the ground entry left")
	}
}

func TestInsertAndDeleteText(t *testing.T) {
	hub := newTestHub("world")
	b := join(hub, "b", "")
	next(t, b)

	if err := hub.SetCursor(0, nil); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	hub.InsertText("admin", "hello ")

	if hub.Store().Content() != "hello world" || hub.Store().Cursor() != 6 {
		t.Errorf("Unexpected state after insert: %+v", hub.Store().State())
	}
	if ops := syncOps(t, next(t, b)); ops[0] != diff.Insert(0, "hello ") {
		t.Errorf("Unexpected ops: %v", ops)
	}

	if err := hub.DeleteText("admin", 5, 11); err != nil {
		t.Fatalf("DeleteText failed: %v", err)
	}
	if ops := syncOps(t, next(t, b)); ops[0] != diff.Delete(5, 11) {
		t.Errorf("Unexpected ops: %v", ops)
	}
	if err := hub.DeleteText("admin", 3, 50); !errors.Is(err, document.ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", err)
	}
	expectEmpty(t, b)

	history := hub.Store().History()
	if len(history) != 3 || history[2].Content != "hello" || history[2].Author != "admin" {
		t.Errorf("Unexpected history: %+v", history)
	}
	if got, ok := hub.Undo("admin"); !ok || got != "hello world" {
		t.Errorf("Expected undo to 'hello world', got %q (ok=%v)", got, ok)
	}
}

func TestSetCursor(t *testing.T) {
	hub := newTestHub("hello")

	if err := hub.SetCursor(2, &document.Selection{Start: 1, End: 4}); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	sel, ok := hub.Store().Selection()
	if !ok || sel != (document.Selection{Start: 1, End: 4}) || hub.Store().Cursor() != 2 {
		t.Errorf("Unexpected state: %+v", hub.Store().State())
	}

	if err := hub.SetCursor(0, &document.Selection{Start: 4, End: 9}); !errors.Is(err, document.ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", err)
	}
	if hub.Store().Cursor() != 2 {
		t.Error("A rejected selection should not move the cursor")
	}

	hub.SetCursor(99, nil)
	if _, ok := hub.Store().Selection(); ok {
		t.Error("nil selection should clear it")
	}
	if hub.Store().Cursor() != 5 {
		t.Errorf("Cursor should stop at the end of the text, got %d", hub.Store().Cursor())
	}
}

func TestRunHandlesSubmittedInOrder(t *testing.T) {
	hub := newTestHub("")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	for _, content := range []string{"one", "two", "three"} {
		if err := hub.Submit(context.Background(), "a", []byte(`{"content":"`+content+`","user":"u","timestamp":"0"}`)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for hub.Store().HistoryLen() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	history := hub.Store().History()
	if len(history) != 4 || history[1].Content != "one" || history[3].Content != "three" {
		t.Errorf("Unexpected history: %+v", history)
	}

	cancel()
	<-done
}

func TestConcurrentEditsAllRecorded(t *testing.T) {
	hub := newTestHub("")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.HandleIncoming("a", []byte(`{"type":"Sync","data":{"operations":[{"Insert":[0,"x"]}]}}`))
		}()
	}
	wg.Wait()

	if hub.Store().Content() != strings.Repeat("x", 50) {
		t.Errorf("Expected 50 x's, got %q", hub.Store().Content())
	}
	if hub.Store().HistoryLen() != 51 {
		t.Errorf("Expected 51 history entries, got %d", hub.Store().HistoryLen())
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	hub := newTestHub("hi")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	limiters := ratelimit.NewClientLimiters(100, 200)
	defer limiters.Stop()

	server := httptest.NewServer(&Server{Hub: hub, Limiters: limiters, QueueSize: 16})
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?user="

	dial := func(name string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(url+name, nil)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		return conn
	}
	read := func(conn *websocket.Conn) []diff.Operation {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		return syncOps(t, msg)
	}

	alice := dial("alice")
	defer alice.Close()
	bob := dial("bob")
	defer bob.Close()

	text, _ := diff.Apply("", read(alice))
	if text != "hi" {
		t.Fatalf("Expected initial 'hi', got %q", text)
	}
	read(bob)

	msg, _ := protocol.Encode(&protocol.Sync{Operations: []diff.Operation{diff.Insert(2, " there")}})
	if err := alice.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := diff.Apply("hi", read(bob))
	if err != nil || got != "hi there" {
		t.Errorf("Bob expected 'hi there', got %q (err=%v)", got, err)
	}

	history := hub.Store().History()
	if history[len(history)-1].Author != "alice" {
		t.Errorf("Expected author alice, got %s", history[len(history)-1].Author)
	}
}
