package tracing

import (
	"bytes"
	"sync"
	"time"

	"grimm.is/fleetwall/internal/clock"
)

const (
	DefaultCapacity   = 4096
	DefaultMaxPending = 1 << 20
)

type rawLine struct {
	at   time.Time
	text string
}

// Buffer collects monitor output. Writes only split complete lines off the
// stream; parsing happens on read. Both stages are bounded.
type Buffer struct {
	mu sync.Mutex

	// remainder is the trailing text without a newline yet.
	remainder    []byte
	pending      []rawLine
	pendingBytes int
	maxPending   int

	ring  []Entry
	start int
	count int

	dropped uint64
	onParse func(n int)
}

// NewBuffer creates a buffer keeping at most capacity parsed entries and
// maxPending bytes of unparsed lines. Zero values take the defaults.
func NewBuffer(capacity, maxPending int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Buffer{ring: make([]Entry, capacity), maxPending: maxPending}
}

// Write appends raw monitor output. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now()
	data := append(b.remainder, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		data = data[i+1:]
		if line == "" {
			continue
		}
		b.pending = append(b.pending, rawLine{at: now, text: line})
		b.pendingBytes += len(line)
	}
	b.remainder = append([]byte(nil), data...)

	// Oldest complete lines go first; an overlong remainder is cut too.
	for b.pendingBytes > b.maxPending && len(b.pending) > 0 {
		b.pendingBytes -= len(b.pending[0].text)
		b.pending = b.pending[1:]
		b.dropped++
	}
	if len(b.remainder) > b.maxPending {
		b.remainder = b.remainder[len(b.remainder)-b.maxPending:]
	}
	return len(p), nil
}

// parse moves pending lines into the ring. Caller holds mu.
func (b *Buffer) parse() {
	parsed := 0
	for _, raw := range b.pending {
		e, ok := ParseLine(raw.text)
		if !ok {
			continue
		}
		e.Time = raw.at
		b.push(e)
		parsed++
	}
	b.pending = nil
	b.pendingBytes = 0
	if parsed > 0 && b.onParse != nil {
		b.onParse(parsed)
	}
}

func (b *Buffer) push(e Entry) {
	capacity := len(b.ring)
	if b.count == capacity {
		b.ring[b.start] = e
		b.start = (b.start + 1) % capacity
		b.dropped++
		return
	}
	b.ring[(b.start+b.count)%capacity] = e
	b.count++
}

// Entries parses any newly completed lines and returns all buffered entries,
// oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parse()

	out := make([]Entry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.ring[(b.start+i)%len(b.ring)]
	}
	return out
}

// Clear drops parsed and pending entries. A partial line in flight is kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.pendingBytes = 0
	b.start, b.count = 0, 0
}

// Dropped returns how many lines or entries were evicted by the bounds.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
