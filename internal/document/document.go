package document

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/manpreetbhatti/padsync/internal/diff"
	"github.com/oklog/ulid/v2"
)

// ErrOutOfBounds is returned when a range does not fit the current text.
// Ranges are never clamped.
var ErrOutOfBounds = errors.New("range out of bounds")

// GroundAuthor is the author of the entry a Store is seeded with.
const GroundAuthor = "system"

// An Edit is one entry of the document history: the full text that resulted
// from the change, who made it and when.
type Edit struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Creates an edit stamped with the current time. IDs are monotonic within the
// process, so they sort in creation order.
func NewEdit(author, content string) Edit {
	return NewEditAt(author, content, time.Now())
}

// NewEditAt is NewEdit with a timestamp supplied by the sender.
func NewEditAt(author, content string, at time.Time) Edit {
	return Edit{
		ID:        ulid.Make().String(),
		Author:    author,
		Content:   content,
		Timestamp: at.UTC(),
	}
}

// Selection is a byte range with Start <= End.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// State is a copy of the editable state of the document.
type State struct {
	Text      string     `json:"text"`
	Cursor    int        `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`
}

// Store owns the canonical text and its linear history.
type Store struct {
	mu        sync.Mutex
	text      string
	cursor    int
	selection *Selection
	history   []Edit
}

// Creates a store holding initial, with one ground entry in the history
func New(initial string) *Store {
	s := &Store{}
	s.ApplyUpdate(NewEdit(GroundAuthor, initial))
	return s
}

// ApplyUpdate appends update to the history and makes its content current.
func (s *Store) ApplyUpdate(update Edit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, update)
	s.replaceLocked(update.Content)
}

func (s *Store) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Returns a copy of the history, oldest first
func (s *Store) History() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]Edit, len(s.history))
	copy(history, s.history)
	return history
}

func (s *Store) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// UndoLastUpdate drops the newest history entry and restores the content of
// the one before it. The ground entry is never removed.
func (s *Store) UndoLastUpdate() (Edit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) < 2 {
		return Edit{}, false
	}
	s.history = s.history[:len(s.history)-1]
	tail := s.history[len(s.history)-1]
	s.replaceLocked(tail.Content)
	return tail, true
}

// ReplaceText swaps the whole text without touching the history.
func (s *Store) ReplaceText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(text)
}

func (s *Store) replaceLocked(text string) {
	s.text = text
	s.cursor = len(text)
	s.selection = nil
}

// ApplySync replaces the bytes in [start, end) with text and leaves the cursor
// after the inserted text.
func (s *Store) ApplySync(start, end int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spliceLocked(start, end, text)
}

// ApplyOperations applies ops in order the way ApplySync does and records the
// result as a single history entry by author. Either every operation applies
// or the store is left untouched.
func (s *Store) ApplyOperations(author string, ops []diff.Operation) (Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text, cursor, selection := s.text, s.cursor, s.selection
	for _, op := range ops {
		end := op.End
		insert := op.Text
		switch op.Kind {
		case diff.KindInsert:
			end = op.Start
		case diff.KindDelete:
			insert = ""
		case diff.KindReplace:
		default:
			s.text, s.cursor, s.selection = text, cursor, selection
			return Edit{}, fmt.Errorf("unknown operation kind %q", op.Kind)
		}
		if err := s.spliceLocked(op.Start, end, insert); err != nil {
			s.text, s.cursor, s.selection = text, cursor, selection
			return Edit{}, err
		}
	}

	edit := NewEdit(author, s.text)
	s.history = append(s.history, edit)
	return edit, nil
}

// Commit records the current text as a history entry by author. Changes made
// with InsertText, DeleteText or ReplaceText are not in the history until
// committed.
func (s *Store) Commit(author string) Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	edit := NewEdit(author, s.text)
	s.history = append(s.history, edit)
	return edit
}

// InsertText inserts text at the cursor and advances the cursor past it.
func (s *Store) InsertText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The cursor is always inside the text.
	_ = s.spliceLocked(s.cursor, s.cursor, text)
}

// DeleteText removes [start, end) and moves the cursor to start.
func (s *Store) DeleteText(start, end int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spliceLocked(start, end, "")
}

func (s *Store) spliceLocked(start, end int, text string) error {
	if err := s.checkRangeLocked(start, end); err != nil {
		return err
	}
	s.text = s.text[:start] + text + s.text[end:]
	s.cursor = start + len(text)
	s.selection = nil
	return nil
}

// MoveCursor places the cursor at pos, limited to the end of the text.
func (s *Store) MoveCursor(pos int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = max(0, min(pos, len(s.text)))
}

func (s *Store) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Store) SetSelection(start, end int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRangeLocked(start, end); err != nil {
		return err
	}
	s.selection = &Selection{Start: start, End: end}
	return nil
}

func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = nil
}

func (s *Store) Selection() (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return Selection{}, false
	}
	return *s.selection, true
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := State{Text: s.text, Cursor: s.cursor}
	if s.selection != nil {
		sel := *s.selection
		state.Selection = &sel
	}
	return state
}

func (s *Store) checkRangeLocked(start, end int) error {
	if start < 0 || start > end || end > len(s.text) {
		return fmt.Errorf("[%d,%d) in text of length %d: %w", start, end, len(s.text), ErrOutOfBounds)
	}
	return nil
}
