// Package version keeps bounded undo and redo stacks of document snapshots.
// It knows nothing about connections: whether an undo is broadcast is up to
// the caller.
package version

import "sync"

const DefaultMaxHistory = 100

type Manager struct {
	mu         sync.Mutex
	undo       []string
	redo       []string
	maxHistory int
}

func NewManager(maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Manager{maxHistory: maxHistory}
}

// TrackChange records snapshot as the newest undo entry and drops the redo
// history. At capacity the oldest undo entry is evicted.
func (m *Manager) TrackChange(snapshot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = pushBounded(m.undo, snapshot, m.maxHistory)
	m.redo = m.redo[:0]
}

// Undo returns the newest undo snapshot that differs from current and moves
// current onto the redo stack. Entries equal to current are discarded on the
// way down. When no such snapshot exists nothing changes.
func (m *Manager) Undo(current string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, rest, ok := popDiffering(m.undo, current)
	if !ok {
		return "", false
	}
	m.undo = rest
	m.redo = pushBounded(m.redo, current, m.maxHistory)
	return snapshot, true
}

// Redo is Undo in the other direction.
func (m *Manager) Redo(current string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, rest, ok := popDiffering(m.redo, current)
	if !ok {
		return "", false
	}
	m.redo = rest
	m.undo = pushBounded(m.undo, current, m.maxHistory)
	return snapshot, true
}

// SetMaxHistory changes the cap; shrinking drops the oldest entries.
func (m *Manager) SetMaxHistory(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxHistory
	}
	m.maxHistory = n
	m.undo = trimOldest(m.undo, n)
	m.redo = trimOldest(m.redo, n)
}

func (m *Manager) MaxHistory() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxHistory
}

func (m *Manager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
	m.redo = nil
}

func (m *Manager) UndoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo)
}

func (m *Manager) RedoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo)
}

func pushBounded(stack []string, s string, limit int) []string {
	if len(stack) >= limit {
		stack = trimOldest(stack, limit-1)
	}
	return append(stack, s)
}

func trimOldest(stack []string, limit int) []string {
	if len(stack) <= limit {
		return stack
	}
	trimmed := make([]string, limit)
	copy(trimmed, stack[len(stack)-limit:])
	return trimmed
}

func popDiffering(stack []string, current string) (string, []string, bool) {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] != current {
			return stack[i], stack[:i], true
		}
	}
	return "", stack, false
}
