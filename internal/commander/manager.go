// Package commander implements CommanderManager (spec §4.9): it presents
// the meta-agent as a single stateful conversation driven one prompt at a
// time even though the underlying CLI is re-spawned per prompt.
//
// Grounded on the teacher daemon's internal/egg/server.go session
// lifecycle (spawn-via-PtyBridge, startupWatchdog diagnostic at 15s/30s,
// recovery bookkeeping) adapted from a per-client PTY broker into a single
// always-one-instance manager with a FIFO prompt queue, plus
// internal/relay/gossip.go's cursor/sequence idiom adapted here for the
// fleet-prelude delta cursor (how far into the outbox the commander's
// last turn already told it about).
package commander

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/fleetgate/internal/logging"
	"github.com/ehrlich-b/fleetgate/internal/ptybridge"
	"github.com/ehrlich-b/fleetgate/internal/sessionstore"
	"github.com/ehrlich-b/fleetgate/internal/watchfiles"
)

var log = logging.Component("commander")

// Status is the closed set from spec §4.9's readiness table.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusWorking         Status = "working"
	StatusWaitingForInput Status = "waiting_for_input"
)

// QueuedPrompt is one pending turn, per spec §3 CommanderState.
type QueuedPrompt struct {
	Prompt     string
	EnqueuedAt time.Time
}

// PreludeBuilder reports outbox activity since a cursor as prose to
// prepend to the commander's next turn, plus the cursor to advance to.
// Supplied by the caller (cmd/gatewayd builds it over the outbox tailer)
// per the "explicit deps record, no singletons" design note in spec §9.
type PreludeBuilder func(sinceEventID int64) (prelude string, hasActivity bool, newCursor int64)

// Callbacks the manager fires on state changes.
type Callbacks struct {
	OnQueued       func(position int)
	OnStatusChange func(status Status)
}

// Config is the fixed setup for a Manager.
type Config struct {
	Command        string // external agent CLI binary, e.g. "claude"
	ProjectDir     string // directory the external tool writes its transcript into
	SystemFraming  string // stable first-turn system framing text
	PreludeBuilder PreludeBuilder
	Callbacks      Callbacks
}

// Manager is the single always-one-instance commander.
type Manager struct {
	pty      *ptybridge.Bridge
	sessions *sessionstore.Store
	cfg      Config

	mu             sync.Mutex
	status         Status
	ptySessionID   string
	externalConvID string
	queue          []QueuedPrompt
	draining       bool
	firstTurn      bool
	preludeCursor  int64
	turnCount      int

	unsubSessions func()
	dirWatcher    *watchfiles.Watcher
	statusWatcher *watchfiles.Watcher
}

func New(pty *ptybridge.Bridge, sessions *sessionstore.Store, cfg Config) *Manager {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &Manager{pty: pty, sessions: sessions, cfg: cfg, status: StatusIdle, firstTurn: true}
}

// Initialize subscribes to SessionStore for PTY-exit notifications on the
// commander's own session (spec §4.9 readiness detection, source a).
func (m *Manager) Initialize() {
	m.unsubSessions = m.sessions.Subscribe(m.onSessionEvent)
}

func (m *Manager) onSessionEvent(ev sessionstore.Event) {
	m.mu.Lock()
	mine := ev.Session.SessionID != "" && ev.Session.SessionID == m.ptySessionID
	m.mu.Unlock()
	if !mine {
		return
	}

	switch ev.Type {
	case sessionstore.EventRemoved:
		m.mu.Lock()
		m.ptySessionID = ""
		m.mu.Unlock()
		m.transition(StatusIdle)
	case sessionstore.EventUpdated:
		m.transition(mapExternalStatus(string(ev.Session.Status)))
	}
}

// mapExternalStatus implements the readiness table in spec §4.9.
func mapExternalStatus(raw string) Status {
	switch raw {
	case "working":
		return StatusWorking
	case "waiting", "waiting_for_input", "waiting_for_approval":
		return StatusWaitingForInput
	default: // idle, completed, error, unknown
		return StatusIdle
	}
}

// GetState returns the current commander status.
func (m *Manager) GetState() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// GetPtySessionID returns the active PTY session id, or "" if none.
func (m *Manager) GetPtySessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ptySessionID
}

// SendPrompt implements spec §4.9's sendPrompt algorithm.
func (m *Manager) SendPrompt(prompt string) {
	m.mu.Lock()
	if m.status == StatusWorking {
		m.queue = append(m.queue, QueuedPrompt{Prompt: prompt, EnqueuedAt: time.Now()})
		position := len(m.queue)
		m.mu.Unlock()
		if m.cfg.Callbacks.OnQueued != nil {
			m.cfg.Callbacks.OnQueued(position)
		}
		return
	}
	m.mu.Unlock()

	m.spawn(prompt)
}

func (m *Manager) spawn(prompt string) {
	full := prompt

	m.mu.Lock()
	firstTurn := m.firstTurn
	m.firstTurn = false
	cursor := m.preludeCursor
	convID := m.externalConvID
	m.mu.Unlock()

	if firstTurn && m.cfg.SystemFraming != "" {
		full = wrapContext(m.cfg.SystemFraming) + "\n\n" + full
	}
	if m.cfg.PreludeBuilder != nil {
		if prelude, has, newCursor := m.cfg.PreludeBuilder(cursor); has {
			full = wrapContext(prelude) + "\n\n" + full
			m.mu.Lock()
			m.preludeCursor = newCursor
			m.mu.Unlock()
		}
	}

	args := []string{"-p", full, "--dangerously-skip-permissions"}
	if convID != "" {
		args = append(args, "--resume", convID)
	}

	m.mu.Lock()
	m.status = StatusWorking
	m.turnCount++
	m.mu.Unlock()
	if m.cfg.Callbacks.OnStatusChange != nil {
		m.cfg.Callbacks.OnStatusChange(StatusWorking)
	}

	if convID == "" && m.cfg.ProjectDir != "" {
		m.watchForTranscript()
	}

	info, err := m.pty.Create(ptybridge.CreateRequest{
		ProjectID: "commander",
		CWD:       m.cfg.ProjectDir,
		Command:   m.cfg.Command,
		Args:      args,
	})
	if err != nil {
		log.Error("commander spawn failed", "err", err)
		m.transition(StatusIdle)
		return
	}

	m.mu.Lock()
	m.ptySessionID = info.SessionID
	m.mu.Unlock()
	m.sessions.AddFromPty(info.SessionID, "commander", m.cfg.ProjectDir, info.PID)

	logging.SafeGo("commander.watchdog", func() { m.startupWatchdog(info.SessionID) })
}

// startupWatchdog logs a diagnostic if the conversation transcript hasn't
// been discovered within 15s, then again at 30s, mirroring the teacher's
// no-PTY-output watchdog but keyed on transcript discovery rather than raw
// byte output.
func (m *Manager) startupWatchdog(sessionID string) {
	for _, gate := range []time.Duration{15 * time.Second, 30 * time.Second} {
		time.Sleep(gate)
		m.mu.Lock()
		stillSame := m.ptySessionID == sessionID
		hasConv := m.externalConvID != ""
		m.mu.Unlock()
		if !stillSame || hasConv {
			return
		}
		log.Warn("commander transcript not yet discovered", "session_id", sessionID, "after", gate)
	}
}

func (m *Manager) watchForTranscript() {
	w, err := watchfiles.New(watchfiles.Callbacks{
		OnCreate: m.onTranscriptCreated,
	}, m.cfg.ProjectDir)
	if err != nil {
		log.Warn("transcript watcher failed to start", "dir", m.cfg.ProjectDir, "err", err)
		return
	}
	m.mu.Lock()
	m.dirWatcher = w
	m.mu.Unlock()
}

func (m *Manager) onTranscriptCreated(path string) {
	if !strings.HasSuffix(path, ".jsonl") {
		return
	}
	convID := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	m.mu.Lock()
	m.externalConvID = convID
	m.mu.Unlock()

	m.watchStatusFile(convID)
}

func (m *Manager) watchStatusFile(convID string) {
	path := filepath.Join(m.cfg.ProjectDir, convID+".status.yaml")
	w, err := watchfiles.New(watchfiles.Callbacks{
		OnWrite: func(p string) { m.onStatusFileWrite(p) },
	})
	if err != nil {
		log.Warn("status file watcher failed to start", "err", err)
		return
	}
	if err := w.AddFile(path); err != nil {
		// The file may not exist yet; that's fine, the external tool creates
		// it lazily. Best-effort.
		log.Warn("status file not yet present", "path", path, "err", err)
	}
	m.mu.Lock()
	m.statusWatcher = w
	m.mu.Unlock()
}

type statusFileContents struct {
	Status    string   `yaml:"status"`
	Task      string   `yaml:"task"`
	Summary   string   `yaml:"summary"`
	Blockers  []string `yaml:"blockers"`
	NextSteps []string `yaml:"next_steps"`
}

func (m *Manager) onStatusFileWrite(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var sf statusFileContents
	if err := yaml.Unmarshal(data, &sf); err != nil {
		log.Warn("status file parse failed", "path", path, "err", err)
		return
	}

	m.mu.Lock()
	sessionID := m.ptySessionID
	m.mu.Unlock()
	if sessionID != "" {
		m.sessions.UpdateBlock(sessionID, sessionstore.StatusBlock{
			Task: sf.Task, Summary: sf.Summary, Blockers: sf.Blockers, NextSteps: sf.NextSteps,
		})
	}

	m.transition(mapExternalStatus(sf.Status))
}

// transition applies a status change and drains the queue on entry into
// waiting_for_input or idle (spec §4.9 "Queue draining").
func (m *Manager) transition(newStatus Status) {
	m.mu.Lock()
	if m.status == newStatus {
		m.mu.Unlock()
		return
	}
	m.status = newStatus
	m.mu.Unlock()

	if m.cfg.Callbacks.OnStatusChange != nil {
		m.cfg.Callbacks.OnStatusChange(newStatus)
	}

	if newStatus == StatusWaitingForInput || newStatus == StatusIdle {
		m.tryDrain()
	}
}

func (m *Manager) tryDrain() {
	m.mu.Lock()
	if m.draining || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	m.draining = true
	head := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	m.spawn(head.Prompt)

	m.mu.Lock()
	m.draining = false
	m.mu.Unlock()
}

// Cancel interrupts the in-flight turn (if any) without clearing the
// queue or the conversation identity — the next queued prompt (or a fresh
// sendPrompt call) still resumes the same external conversation.
func (m *Manager) Cancel() {
	m.mu.Lock()
	sessionID := m.ptySessionID
	m.mu.Unlock()
	if sessionID == "" {
		return
	}
	m.pty.Stop(sessionID)
}

// Reset tears the commander down entirely: stops watchers, stops the PTY,
// and clears all state including the queue and the persisted external
// conversation id (spec §4.9 reset()).
func (m *Manager) Reset() {
	m.mu.Lock()
	sessionID := m.ptySessionID
	dw, sw := m.dirWatcher, m.statusWatcher
	m.mu.Unlock()

	if dw != nil {
		dw.Stop()
	}
	if sw != nil {
		sw.Stop()
	}
	if sessionID != "" {
		m.pty.Stop(sessionID)
	}

	m.mu.Lock()
	m.ptySessionID = ""
	m.externalConvID = ""
	m.queue = nil
	m.draining = false
	m.status = StatusIdle
	m.firstTurn = true
	m.dirWatcher = nil
	m.statusWatcher = nil
	m.mu.Unlock()
}

// Shutdown tears down the commander and unsubscribes from SessionStore.
func (m *Manager) Shutdown() {
	m.Reset()
	if m.unsubSessions != nil {
		m.unsubSessions()
	}
}

func wrapContext(text string) string {
	return fmt.Sprintf("<context-note>\n%s\n</context-note>", text)
}
