// Package wire defines the JSON message envelopes exchanged over the
// gateway's WebSocket listener and its Unix-socket hook line protocol.
package wire

import "encoding/json"

// Client -> server message types.
const (
	TypePing            = "ping"
	TypeFleetSubscribe  = "fleet.subscribe"
	TypeSessionCreate   = "session.create"
	TypeSessionAttach   = "session.attach"
	TypeSessionDetach   = "session.detach"
	TypeSessionStdin    = "session.stdin"
	TypeSessionSignal   = "session.signal"
	TypeSessionResize   = "session.resize"
	TypeJobCreate       = "job.create"
	TypeJobCancel       = "job.cancel"
	TypeCommanderSend   = "commander.send"
	TypeCommanderReset  = "commander.reset"
)

// Server -> client message types.
const (
	TypePong            = "pong"
	TypeFleetEvent      = "fleet.event"
	TypeSessionCreated  = "session.created"
	TypeSessionStatus   = "session.status"
	TypeSessionEnded    = "session.ended"
	TypeEvent           = "event"
	TypeCommanderStdout = "commander.stdout"
	TypeJobStarted      = "job.started"
	TypeJobStream       = "job.stream"
	TypeJobCompleted    = "job.completed"
	TypeError           = "error"
	TypeCommanderQueued = "commander.queued"
)

// ErrorCode is the closed set of error codes returned at the protocol
// boundary, per spec §7.
type ErrorCode string

const (
	ErrSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionCreateFail  ErrorCode = "SESSION_CREATE_FAILED"
	ErrJobCreateFail      ErrorCode = "JOB_CREATE_FAILED"
	ErrInvalidMessage     ErrorCode = "INVALID_MESSAGE"
)

// Envelope is the minimal shape needed to read the discriminator before
// unmarshaling the rest of a client message into its specific type.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Inbound client message payloads.

type FleetSubscribeMsg struct {
	Type        string `json:"type"`
	FromEventID int64  `json:"from_event_id"`
}

type SessionCreateMsg struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	RepoRoot  string `json:"repo_root"`
	Command   string `json:"command,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type SessionAttachMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	FromSeq   int64  `json:"from_seq,omitempty"`
}

type SessionDetachMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type SessionStdinMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type SessionSignalMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Signal    string `json:"signal"`
}

type SessionResizeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type JobRequest struct {
	Prompt          string         `json:"prompt"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	JSONSchema      map[string]any `json:"json_schema,omitempty"`
	MaxTurns        int            `json:"max_turns,omitempty"`
	DisallowedTools []string       `json:"disallowed_tools,omitempty"`
}

type JobSpec struct {
	Type      string     `json:"type"`
	ProjectID string     `json:"project_id,omitempty"`
	RepoRoot  string     `json:"repo_root,omitempty"`
	Model     string     `json:"model"`
	Request   JobRequest `json:"request"`
}

type JobCreateMsg struct {
	Type string  `json:"type"`
	Job  JobSpec `json:"job"`
}

type JobCancelMsg struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type CommanderSendMsg struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// Outbound server message payloads.

type PongMsg struct {
	Type string `json:"type"`
}

type FleetEventMsg struct {
	Type    string        `json:"type"`
	EventID int64         `json:"event_id"`
	TS      string        `json:"ts"`
	Event   FleetEventBox `json:"event"`
}

type FleetEventBox struct {
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	BriefingID string `json:"briefing_id,omitempty"`
	Data       any    `json:"data,omitempty"`
}

type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	PID       int    `json:"pid"`
}

type SessionStatusMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Signal    string `json:"signal,omitempty"`
}

type EventMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
	Event     any    `json:"event"`
}

// CommanderStdoutMsg carries events sourced from the commander's own PTY
// (spec §6 "commander.stdout"), same shape as EventMsg but routed through
// CategoryCommander rather than CategorySession.
type CommanderStdoutMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
	Event     any    `json:"event"`
}

type JobStartedMsg struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id,omitempty"`
}

type JobStreamMsg struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Chunk any    `json:"chunk"`
}

type JobCompletedMsg struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ErrorMsg struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type CommanderQueuedMsg struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// HookLine is one newline-delimited JSON object arriving on the hook Unix
// socket, per spec §6. Required field is SessionID; everything else is
// optional depending on hook kind.
type HookLine struct {
	SessionID  string          `json:"fleet_session_id"`
	HookType   string          `json:"hook_type"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	Phase      string          `json:"phase,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
}
