package supervisor

import (
	"sync"
	"time"
)

// LogEntry is a single line of extension process output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
}

// outputLog retains the last maxEntries output lines per extension. It
// has its own lock because the relay goroutines write to it outside the
// supervisor worker.
type outputLog struct {
	mu         sync.RWMutex
	byID       map[string][]LogEntry
	maxEntries int
}

func newOutputLog(maxEntries int) *outputLog {
	return &outputLog{
		byID:       make(map[string][]LogEntry),
		maxEntries: maxEntries,
	}
}

func (o *outputLog) write(extensionID, stream, line string) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Line:      line,
	}

	o.mu.Lock()
	entries := o.byID[extensionID]
	if len(entries) >= o.maxEntries {
		// Drop oldest entry
		entries = entries[1:]
	}
	o.byID[extensionID] = append(entries, entry)
	o.mu.Unlock()
}

// recent returns the last n entries for an extension.
func (o *outputLog) recent(extensionID string, n int) []LogEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entries := o.byID[extensionID]
	total := len(entries)
	if n <= 0 || n > total {
		n = total
	}
	start := total - n
	result := make([]LogEntry, n)
	copy(result, entries[start:])
	return result
}

func (o *outputLog) drop(extensionID string) {
	o.mu.Lock()
	delete(o.byID, extensionID)
	o.mu.Unlock()
}
