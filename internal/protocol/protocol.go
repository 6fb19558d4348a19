// Package protocol encodes and decodes the messages exchanged with clients.
//
// Diff mode messages are a tagged union:
//
//	{"type":"Sync","data":{"operations":[{"Insert":[5," world"]},{"Delete":[0,3]},{"Replace":[0,3,"dog"]}]}}
//	{"type":"Cursor","data":{"cursor_position":12}}
//
// Full-text clients send {"content":"...","user":"...","timestamp":"..."} instead.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/manpreetbhatti/padsync/internal/diff"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed message")

const (
	TypeSync   = "Sync"
	TypeCursor = "Cursor"
)

// Message is one of *Sync, *Cursor or *Update.
type Message interface {
	messageType() string
}

// Sync carries the operations that turn the receiver's snapshot into the
// sender's.
type Sync struct {
	Operations []diff.Operation
}

// Cursor reports a participant's cursor offset.
type Cursor struct {
	Position int
}

// Update is the legacy full-text message.
type Update struct {
	Content   string `json:"content"`
	User      string `json:"user"`
	Timestamp string `json:"timestamp"`
}

// Time parses the sender's timestamp, given either as RFC 3339 or as a number
// of seconds since the epoch.
func (u *Update) Time() (time.Time, bool) {
	if u.Timestamp == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, u.Timestamp); err == nil {
		return t, true
	}
	secs, err := strconv.ParseFloat(u.Timestamp, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	whole := math.Floor(secs)
	return time.Unix(int64(whole), int64((secs-whole)*1e9)), true
}

func (*Sync) messageType() string   { return TypeSync }
func (*Cursor) messageType() string { return TypeCursor }
func (*Update) messageType() string { return "Update" }

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type syncData struct {
	Operations []diff.Operation `json:"operations"`
}

type cursorData struct {
	CursorPosition int `json:"cursor_position"`
}

// Encode serializes m for the wire.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *Sync:
		ops := msg.Operations
		if ops == nil {
			ops = []diff.Operation{}
		}
		return json.Marshal(envelope{Type: TypeSync, Data: syncData{Operations: ops}})
	case *Cursor:
		return json.Marshal(envelope{Type: TypeCursor, Data: cursorData{CursorPosition: msg.Position}})
	case *Update:
		return json.Marshal(msg)
	case nil:
		return nil, errors.New("encode nil message")
	}
	return nil, fmt.Errorf("encode unsupported message %T", m)
}

// incoming accepts both the tagged form and the legacy full-text form.
type incoming struct {
	Type      *string         `json:"type"`
	Data      json.RawMessage `json:"data"`
	Content   *string         `json:"content"`
	User      string          `json:"user"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode parses raw into a Message. Every failure wraps ErrMalformed.
func Decode(raw []byte) (Message, error) {
	var in incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if in.Type == nil {
		if in.Content == nil {
			return nil, fmt.Errorf("%w: missing type", ErrMalformed)
		}
		return &Update{
			Content:   *in.Content,
			User:      in.User,
			Timestamp: decodeTimestamp(in.Timestamp),
		}, nil
	}

	if len(in.Data) == 0 || bytes.Equal(in.Data, []byte("null")) {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, *in.Type)
	}

	switch *in.Type {
	case TypeSync:
		return decodeSync(in.Data)
	case TypeCursor:
		return decodeCursor(in.Data)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, *in.Type)
}

func decodeSync(data json.RawMessage) (*Sync, error) {
	var payload struct {
		Operations *[]json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: sync data: %v", ErrMalformed, err)
	}
	if payload.Operations == nil {
		return nil, fmt.Errorf("%w: sync without operations", ErrMalformed)
	}

	ops := make([]diff.Operation, 0, len(*payload.Operations))
	for i, raw := range *payload.Operations {
		op, err := decodeOperation(raw)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return &Sync{Operations: ops}, nil
}

func decodeOperation(raw json.RawMessage) (diff.Operation, error) {
	var tagged map[string][]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return diff.Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(tagged) != 1 {
		return diff.Operation{}, fmt.Errorf("%w: operation must have exactly one tag", ErrMalformed)
	}

	for tag, fields := range tagged {
		switch diff.Kind(tag) {
		case diff.KindInsert:
			var pos int
			var text string
			if err := decodeFields(fields, &pos, &text); err != nil {
				return diff.Operation{}, err
			}
			return diff.Insert(pos, text), nil
		case diff.KindDelete:
			var start, end int
			if err := decodeFields(fields, &start, &end); err != nil {
				return diff.Operation{}, err
			}
			if end < start {
				return diff.Operation{}, fmt.Errorf("%w: delete end %d before start %d", ErrMalformed, end, start)
			}
			return diff.Delete(start, end), nil
		case diff.KindReplace:
			var start, end int
			var text string
			if err := decodeFields(fields, &start, &end, &text); err != nil {
				return diff.Operation{}, err
			}
			if end < start {
				return diff.Operation{}, fmt.Errorf("%w: replace end %d before start %d", ErrMalformed, end, start)
			}
			return diff.Replace(start, end, text), nil
		default:
			return diff.Operation{}, fmt.Errorf("%w: unknown operation %q", ErrMalformed, tag)
		}
	}
	return diff.Operation{}, fmt.Errorf("%w: empty operation", ErrMalformed)
}

func decodeFields(fields []json.RawMessage, dst ...any) error {
	if len(fields) != len(dst) {
		return fmt.Errorf("%w: expected %d fields, got %d", ErrMalformed, len(dst), len(fields))
	}
	for i, f := range fields {
		if err := json.Unmarshal(f, dst[i]); err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, i, err)
		}
		if n, ok := dst[i].(*int); ok && *n < 0 {
			return fmt.Errorf("%w: negative offset %d", ErrMalformed, *n)
		}
	}
	return nil
}

func decodeCursor(data json.RawMessage) (*Cursor, error) {
	var payload struct {
		CursorPosition *int `json:"cursor_position"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: cursor data: %v", ErrMalformed, err)
	}
	if payload.CursorPosition == nil {
		return nil, fmt.Errorf("%w: cursor without position", ErrMalformed)
	}
	if *payload.CursorPosition < 0 {
		return nil, fmt.Errorf("%w: negative cursor position", ErrMalformed)
	}
	return &Cursor{Position: *payload.CursorPosition}, nil
}

// Older clients send the timestamp as a number of seconds.
func decodeTimestamp(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
