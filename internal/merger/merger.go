package merger

import (
	"sync"

	"github.com/ehrlich-b/fleetgate/internal/ringbuffer"
	"github.com/ehrlich-b/fleetgate/internal/wire"
)

// ActiveTool is the transient per-session record created on a PreToolUse
// hook and cleared on the matching PostToolUse (spec §3 ActiveTool).
type ActiveTool struct {
	ToolName string
	PreSeq   int64
}

// Merger interleaves one session's PTY stdout and hook events into its
// RingBuffer, assigning sequence numbers and tracking the active tool.
// Grounded on the teacher's egg.Server session-state idiom, generalized
// here from a PTY-only byte stream to a mixed stdout/hook event stream —
// no direct teacher analogue existed for the merge step itself.
type Merger struct {
	mu         sync.Mutex
	buf        *ringbuffer.RingBuffer
	activeTool *ActiveTool
}

// New creates a Merger backed by a RingBuffer of the given byte budget.
func New(bufferBudget int) *Merger {
	return &Merger{buf: ringbuffer.New(bufferBudget)}
}

// AddStdout records a raw PTY output chunk. It never mutates activeTool.
func (m *Merger) AddStdout(data string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Push(Event{Type: KindStdout, Data: data})
}

// AddHookEvent translates a hook line into the closed event set per the
// transformation rules in spec §4.2. Returns -1 for ignored hook kinds.
func (m *Merger) AddHookEvent(h wire.HookLine) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case h.HookType == "PreToolUse":
		ev := Event{Type: KindTool, Phase: PhasePre, ToolName: h.ToolName, ToolInput: h.ToolInput}
		seq := m.buf.Push(ev)
		// A second pre without an intervening post replaces the active tool.
		m.activeTool = &ActiveTool{ToolName: h.ToolName, PreSeq: seq}
		return seq

	case h.HookType == "PostToolUse":
		ok := true
		if h.OK != nil {
			ok = *h.OK
		}
		ev := Event{Type: KindTool, Phase: PhasePost, ToolName: h.ToolName, ToolResult: h.ToolResult, OK: ok}
		seq := m.buf.Push(ev)
		if m.activeTool != nil && m.activeTool.ToolName == h.ToolName {
			m.activeTool = nil
		}
		return seq

	default:
		return -1
	}
}

// AddStatusChange records an explicit status-change event (spec §4.2,
// fourth transformation rule). The server's hook dispatch calls this
// directly rather than routing status changes through AddHookEvent,
// since the from/to pair isn't shaped like a tool hook.
func (m *Merger) AddStatusChange(from, to string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Push(Event{Type: KindStatusChange, From: from, To: to})
}

// GetEventsFrom returns buffered entries with seq greater than the given
// cursor, in order.
func (m *Merger) GetEventsFrom(seq int64) []ringbuffer.Entry {
	return m.buf.GetFrom(seq)
}

// GetActiveTool returns the current active tool, or nil if none.
func (m *Merger) GetActiveTool() *ActiveTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTool
}

// GetLatestSeq reports the highest sequence number assigned so far.
func (m *Merger) GetLatestSeq() int64 {
	return m.buf.GetLatestSeq()
}

// GetStats exposes the underlying RingBuffer's occupancy stats.
func (m *Merger) GetStats() ringbuffer.Stats {
	return m.buf.GetStats()
}
