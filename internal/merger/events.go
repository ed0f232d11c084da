// Package merger interleaves per-session PTY stdout with out-of-band hook
// events into a single ordered, sequenced stream (spec §4.2).
package merger

import "encoding/json"

// Kind is the closed set of session event variants (spec §3 BufferedEvent).
type Kind string

const (
	KindStdout       Kind = "stdout"
	KindTool         Kind = "tool"
	KindText         Kind = "text"
	KindThinking     Kind = "thinking"
	KindProgress     Kind = "progress"
	KindStatusChange Kind = "status_change"
)

// Phase of a tool-use event.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Event is the discriminated value carried by a BufferedEvent. Only the
// fields relevant to Kind are populated.
type Event struct {
	Type Kind `json:"type"`

	// KindStdout
	Data string `json:"data,omitempty"`

	// KindTool
	Phase      Phase           `json:"phase,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	OK         bool            `json:"ok,omitempty"`

	// KindText / KindThinking / KindProgress
	Text string `json:"text,omitempty"`

	// KindStatusChange
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// EstimateSize approximates the serialized byte cost used by the
// RingBuffer's eviction bookkeeping, avoiding a full json.Marshal per push.
func (e Event) EstimateSize() int {
	n := 24 // envelope overhead: seq, type tag, timestamp
	n += len(e.Data) + len(e.Text) + len(e.ToolName) + len(e.From) + len(e.To)
	n += len(e.ToolInput) + len(e.ToolResult)
	return n
}
