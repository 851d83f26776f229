package optimizer

import (
	"sync"

	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

// DefaultWindowSize applies when the configured window is not positive.
const DefaultWindowSize = 3

// Window keeps the most recent rounds of feedback, oldest first.
type Window struct {
	mu      sync.Mutex
	size    int
	entries []plan.HistoryEntry
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{size: size}
}

// Push appends e and drops the oldest entries beyond the window size.
func (w *Window) Push(e plan.HistoryEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	if over := len(w.entries) - w.size; over > 0 {
		w.entries = append([]plan.HistoryEntry(nil), w.entries[over:]...)
	}
}

// Entries returns a copy in round-ascending order.
func (w *Window) Entries() []plan.HistoryEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]plan.HistoryEntry(nil), w.entries...)
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) Size() int { return w.size }

// Restore replaces the contents with entries, keeping only the newest ones
// that fit.
func (w *Window) Restore(entries []plan.HistoryEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if over := len(entries) - w.size; over > 0 {
		entries = entries[over:]
	}
	w.entries = append([]plan.HistoryEntry(nil), entries...)
}
