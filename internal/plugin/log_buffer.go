package plugin

import (
	"sync"
	"time"
)

// LogEntry is one record in the host's per-plugin log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Plugin    string         `json:"plugin"`
	Level     string         `json:"level"` // debug, info, warn, error
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a ring buffer of plugin log records. The manager writes every
// isolated run failure here so the host can surface it per plugin without the
// pass being aborted.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	head    int
	count   int
}

// NewLogBuffer creates a buffer holding at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Add appends entry, overwriting the oldest one when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// Log adds an entry stamped with the current time.
func (b *LogBuffer) Log(plugin, level, message string, fields map[string]any) {
	b.Add(LogEntry{
		Timestamp: time.Now(),
		Plugin:    plugin,
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
}

// GetAll returns all entries, newest first.
func (b *LogBuffer) GetAll() []LogEntry {
	return b.collect(func(LogEntry) bool { return true }, -1)
}

// GetByPlugin returns entries for one plugin, newest first.
func (b *LogBuffer) GetByPlugin(pluginName string) []LogEntry {
	return b.collect(func(e LogEntry) bool { return e.Plugin == pluginName }, -1)
}

var levelOrder = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// GetByLevel returns entries at or above minLevel, newest first.
func (b *LogBuffer) GetByLevel(minLevel string) []LogEntry {
	min := levelOrder[minLevel]
	return b.collect(func(e LogEntry) bool { return levelOrder[e.Level] >= min }, -1)
}

// GetRecent returns the n most recent entries, newest first.
func (b *LogBuffer) GetRecent(n int) []LogEntry {
	return b.collect(func(LogEntry) bool { return true }, n)
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Clear drops every entry.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

func (b *LogBuffer) collect(keep func(LogEntry) bool, limit int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, 0, b.count)
	for i := 0; i < b.count; i++ {
		if limit >= 0 && len(result) >= limit {
			break
		}
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if keep(b.entries[idx]) {
			result = append(result, b.entries[idx])
		}
	}
	return result
}
