// Package ringbuffer implements a bounded, monotonically-sequenced
// append log of session events (spec §4.1). Grounded on the teacher
// daemon's replayBuffer (internal/egg/server.go): a byte-budgeted FIFO,
// generalized here from raw PTY bytes to typed session events carrying
// their own sequence numbers. Eviction drops whole entries from the oldest
// end; an entry's data is never split.
package ringbuffer

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/fleetgate/internal/merger"
)

// Entry pairs a sequence number with the event it carries.
type Entry struct {
	Seq   int64
	Event merger.Event
	TS    time.Time
	Size  int
}

// Stats summarizes buffer occupancy for operator/debug surfaces.
type Stats struct {
	Count     int
	Bytes     int
	OldestSeq int64
	NewestSeq int64
	HumanSize string
}

// RingBuffer is a fixed-byte-budget FIFO of Entries for one session.
// Single-writer (the component that owns the session), multi-reader
// (copy-on-read snapshots for client replay), per spec §5.
type RingBuffer struct {
	mu      sync.Mutex
	budget  int
	entries []Entry
	bytes   int
	nextSeq int64
}

// New creates a RingBuffer with the given byte budget.
func New(budget int) *RingBuffer {
	if budget <= 0 {
		budget = 256 * 1024
	}
	return &RingBuffer{budget: budget}
}

// Push assigns the next sequence number to ev, appends it, and evicts from
// the oldest end until the buffer is back under budget. Returns the
// assigned sequence.
func (r *RingBuffer) Push(ev merger.Event) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	seq := r.nextSeq
	size := ev.EstimateSize()
	r.entries = append(r.entries, Entry{Seq: seq, Event: ev, TS: time.Now(), Size: size})
	r.bytes += size

	for r.bytes > r.budget && len(r.entries) > 0 {
		evicted := r.entries[0]
		r.entries = r.entries[1:]
		r.bytes -= evicted.Size
	}
	return seq
}

// GetFrom returns all entries with Seq > seq, in order. If seq predates
// the oldest resident entry, the caller simply gets what remains — no
// error, per spec §4.1 ("the consumer must accept gaps after reconnect").
func (r *RingBuffer) GetFrom(seq int64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// GetLatestSeq returns the most recently assigned sequence number, or 0 if
// nothing has ever been pushed.
func (r *RingBuffer) GetLatestSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq
}

// GetStats reports current occupancy. Bytes/HumanSize are for operator
// debug surfaces (spec §12 supplemented feature); Count/Oldest/Newest feed
// the invariant checks in spec §8.
func (r *RingBuffer) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Count: len(r.entries), Bytes: r.bytes, HumanSize: humanize.Bytes(uint64(r.bytes))}
	if len(r.entries) > 0 {
		s.OldestSeq = r.entries[0].Seq
		s.NewestSeq = r.entries[len(r.entries)-1].Seq
	}
	return s
}

// Clear empties the buffer's contents but preserves nextSeq — a later
// push continues the same monotone sequence space.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.bytes = 0
}
