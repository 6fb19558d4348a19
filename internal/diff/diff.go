package diff

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrOutOfRange is returned when an operation addresses bytes outside the text
// it is applied to.
var ErrOutOfRange = errors.New("operation out of range")

// Kind identifies the variant of an Operation.
type Kind string

const (
	KindInsert  Kind = "Insert"
	KindDelete  Kind = "Delete"
	KindReplace Kind = "Replace"
)

// Operation is a single change against a base snapshot. Start and End are byte
// offsets into that snapshot; for inserts End equals Start.
type Operation struct {
	Kind  Kind
	Start int
	End   int
	Text  string
}

func Insert(pos int, text string) Operation {
	return Operation{Kind: KindInsert, Start: pos, End: pos, Text: text}
}

func Delete(start, end int) Operation {
	return Operation{Kind: KindDelete, Start: start, End: end}
}

func Replace(start, end int, text string) Operation {
	return Operation{Kind: KindReplace, Start: start, End: end, Text: text}
}

func (op Operation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("Insert(%d, %q)", op.Start, op.Text)
	case KindDelete:
		return fmt.Sprintf("Delete(%d, %d)", op.Start, op.End)
	case KindReplace:
		return fmt.Sprintf("Replace(%d, %d, %q)", op.Start, op.End, op.Text)
	}
	return fmt.Sprintf("Unknown(%s)", op.Kind)
}

// MarshalJSON writes the wire form: {"Insert":[pos,text]}, {"Delete":[start,end]}
// or {"Replace":[start,end,text]}.
func (op Operation) MarshalJSON() ([]byte, error) {
	var fields []any
	switch op.Kind {
	case KindInsert:
		fields = []any{op.Start, op.Text}
	case KindDelete:
		fields = []any{op.Start, op.End}
	case KindReplace:
		fields = []any{op.Start, op.End, op.Text}
	default:
		return nil, fmt.Errorf("encode unknown operation kind %q", op.Kind)
	}
	return json.Marshal(map[string][]any{string(op.Kind): fields})
}

// Apply returns s with the operation applied.
func (op Operation) Apply(s string) (string, error) {
	switch op.Kind {
	case KindInsert:
		if op.Start < 0 || op.Start > len(s) {
			return "", fmt.Errorf("insert at %d in text of length %d: %w", op.Start, len(s), ErrOutOfRange)
		}
		return s[:op.Start] + op.Text + s[op.Start:], nil
	case KindDelete, KindReplace:
		if op.Start < 0 || op.Start > op.End || op.End > len(s) {
			return "", fmt.Errorf("%s [%d,%d) in text of length %d: %w",
				op.Kind, op.Start, op.End, len(s), ErrOutOfRange)
		}
		text := op.Text
		if op.Kind == KindDelete {
			text = ""
		}
		return s[:op.Start] + text + s[op.End:], nil
	}
	return "", fmt.Errorf("unknown operation kind %q", op.Kind)
}

// Diff describes how to turn from into to with at most one operation. The two
// snapshots are assumed to differ in a single contiguous region; anything else
// is still correct but collapses into one Replace spanning every change.
func Diff(from, to string) []Operation {
	prefix := commonPrefix(from, to)
	suffix := commonSuffix(from, to, prefix)

	oldMiddle := from[prefix : len(from)-suffix]
	newMiddle := to[prefix : len(to)-suffix]

	switch {
	case oldMiddle == "" && newMiddle == "":
		return nil
	case oldMiddle == "":
		return []Operation{Insert(prefix, newMiddle)}
	case newMiddle == "":
		return []Operation{Delete(prefix, prefix+len(oldMiddle))}
	case oldMiddle != newMiddle:
		return []Operation{Replace(prefix, prefix+len(oldMiddle), newMiddle)}
	}
	return nil
}

// Apply runs ops in order against old. Each operation sees the result of the
// previous one.
func Apply(old string, ops []Operation) (string, error) {
	s := old
	for _, op := range ops {
		var err error
		if s, err = op.Apply(s); err != nil {
			return "", err
		}
	}
	return s, nil
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	// Never end the prefix inside a multi-byte character.
	for i > 0 && (!boundary(a, i) || !boundary(b, i)) {
		i--
	}
	return i
}

// commonSuffix only looks at bytes after the prefix so the two never overlap,
// e.g. "aaa" -> "aaaa".
func commonSuffix(a, b string, prefix int) int {
	n := min(len(a), len(b)) - prefix
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	for i > 0 && (!boundary(a, len(a)-i) || !boundary(b, len(b)-i)) {
		i--
	}
	return i
}

func boundary(s string, i int) bool {
	return i >= len(s) || utf8.RuneStart(s[i])
}
