package logging

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Entry is one log line kept for the status endpoint.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// RingBuffer is a thread-safe circular buffer for log entries.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

// Add appends an entry, overwriting the oldest when full.
func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// Last returns up to n of the newest entries, oldest first. n <= 0 means all.
func (rb *RingBuffer) Last(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if n <= 0 || n > rb.count {
		n = rb.count
	}
	size := len(rb.entries)
	out := make([]Entry, n)
	start := (rb.head - n + size) % size
	for i := 0; i < n; i++ {
		out[i] = rb.entries[(start+i)%size]
	}
	return out
}

// Count returns the number of entries in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

var (
	recent     *RingBuffer
	recentOnce sync.Once
)

// Recent returns the process-wide buffer of recent console log entries.
func Recent() *RingBuffer {
	recentOnce.Do(func() {
		recent = NewRingBuffer(2000)
	})
	return recent
}

// RecentHandler serves the newest console log entries as JSON. The n query
// parameter limits the count (default 100).
func RecentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 100
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid n", http.StatusBadRequest)
				return
			}
			n = parsed
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Recent().Last(n))
	}
}

// LevelName converts slog.Level to its lowercase name.
func LevelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
