package diff

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-playground/assert/v2"
)

func TestDiffInsert(t *testing.T) {
	ops := Diff("hello", "hello world")
	assert.Equal(t, ops, []Operation{Insert(5, " world")})
}

func TestDiffDelete(t *testing.T) {
	ops := Diff("hello world", "hello")
	assert.Equal(t, ops, []Operation{Delete(5, 11)})
}

func TestDiffReplace(t *testing.T) {
	ops := Diff("cat", "dog")
	assert.Equal(t, ops, []Operation{Replace(0, 3, "dog")})
}

func TestDiffIdentical(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", "日本語"} {
		assert.Equal(t, len(Diff(s, s)), 0)
	}
}

func TestDiffPrefixSuffixOverlap(t *testing.T) {
	ops := Diff("aaa", "aaaa")
	assert.Equal(t, ops, []Operation{Insert(3, "a")})

	ops = Diff("aaaa", "aaa")
	assert.Equal(t, ops, []Operation{Delete(3, 4)})
}

func TestDiffMiddleEdit(t *testing.T) {
	ops := Diff("the quick fox", "the slow fox")
	assert.Equal(t, ops, []Operation{Replace(4, 9, "slow")})
}

func TestDiffFromEmpty(t *testing.T) {
	assert.Equal(t, Diff("", "abc"), []Operation{Insert(0, "abc")})
	assert.Equal(t, Diff("abc", ""), []Operation{Delete(0, 3)})
}

func TestDiffKeepsRunesWhole(t *testing.T) {
	// "é" and "è" share their leading byte.
	ops := Diff("café", "cafè")
	assert.Equal(t, len(ops), 1)
	assert.Equal(t, ops[0], Replace(3, 5, "è"))
	assert.Equal(t, utf8.ValidString(ops[0].Text), true)
}

func TestRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"", ""},
		{"", "x"},
		{"x", ""},
		{"hello", "hello world"},
		{"hello world", "hello"},
		{"cat", "dog"},
		{"abcabc", "abc"},
		{"abc", "abcabc"},
		{"aaa", "aaaa"},
		{"日本語", "日本人"},
		{"naïve", "naive"},
		{"line one\nline two", "line one\nline 2\nline three"},
	}
	for _, p := range pairs {
		got, err := Apply(p[0], Diff(p[0], p[1]))
		if err != nil {
			t.Fatalf("Apply(%q, Diff(%q, %q)) failed: %v", p[0], p[0], p[1], err)
		}
		assert.Equal(t, got, p[1])
	}
}

func TestRoundTripRandom(t *testing.T) {
	alphabet := []string{"a", "b", " ", "é", "日", "\n"}
	r := rand.New(rand.NewSource(42))
	gen := func() string {
		var sb strings.Builder
		for i := r.Intn(12); i > 0; i-- {
			sb.WriteString(alphabet[r.Intn(len(alphabet))])
		}
		return sb.String()
	}

	for i := 0; i < 2000; i++ {
		from, to := gen(), gen()
		ops := Diff(from, to)
		if len(ops) > 1 {
			t.Fatalf("Diff(%q, %q) returned %d operations", from, to, len(ops))
		}
		got, err := Apply(from, ops)
		if err != nil {
			t.Fatalf("Apply(%q, %v) failed: %v", from, ops, err)
		}
		if got != to {
			t.Fatalf("Apply(%q, Diff(%q, %q)) = %q", from, from, to, got)
		}
		for _, op := range ops {
			if !utf8.ValidString(op.Text) {
				t.Fatalf("Diff(%q, %q) split a character: %v", from, to, op)
			}
		}
	}
}

func TestOperationApplyOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{"insert past end", Insert(4, "x")},
		{"insert negative", Insert(-1, "x")},
		{"delete past end", Delete(1, 9)},
		{"delete inverted", Delete(2, 1)},
		{"replace past end", Replace(0, 4, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op.Apply("abc")
			if !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Expected ErrOutOfRange, got %v", err)
			}
		})
	}
}

func TestApplySequential(t *testing.T) {
	got, err := Apply("hello", []Operation{Insert(5, " world"), Replace(0, 5, "HELLO"), Delete(5, 11)})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assert.Equal(t, got, "HELLO")
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, Insert(5, " world").String(), `Insert(5, " world")`)
	assert.Equal(t, Delete(5, 11).String(), "Delete(5, 11)")
	assert.Equal(t, Replace(0, 3, "dog").String(), `Replace(0, 3, "dog")`)
}

func TestOperationMarshalJSON(t *testing.T) {
	raw, err := json.Marshal([]Operation{Insert(5, " world"), Delete(0, 3), Replace(0, 3, "dog")})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(raw), `[{"Insert":[5," world"]},{"Delete":[0,3]},{"Replace":[0,3,"dog"]}]`)

	_, err = json.Marshal(Operation{Kind: "Move"})
	assert.NotEqual(t, err, nil)
}

func TestLines(t *testing.T) {
	lines := Lines("a\nb\nc", "a\nc\nd")

	var added, removed, unchanged int
	for _, l := range lines {
		switch l.Type {
		case "added":
			added++
		case "removed":
			removed++
		case "unchanged":
			unchanged++
		}
	}
	assert.Equal(t, added, 1)
	assert.Equal(t, removed, 1)
	assert.Equal(t, unchanged, 2)
	assert.Equal(t, lines[0], Line{Type: "unchanged", Content: "a", OldLine: 1, NewLine: 1})
}
