// Package ptybridge owns pseudo-terminal subprocess lifecycles: spawn,
// I/O, resize, signal escalation, and crash recovery (spec §4.3).
//
// Grounded on the teacher daemon's internal/egg/server.go RunSession /
// readPTY / shutdown methods, which wrap a single PTY-backed subprocess
// behind a gRPC service. This Gateway owns PTYs directly in-process (no
// separate subprocess-per-session broker, see DESIGN.md), so the spawn,
// read-loop, and signal-escalation logic is kept but lifted out of the
// gRPC server into a plain registry of sessions, and the two-stage
// SIGTERM→SIGKILL escalation is generalized to the spec's three stages
// (SIGINT→SIGTERM→SIGKILL at 3s/5s/1s gates) sent to the process group.
package ptybridge

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/fleetgate/internal/logging"
)

var log = logging.Component("ptybridge")

// Signal names accepted by Signal/Stop, per spec §4.3.
const (
	SIGINT  = "SIGINT"
	SIGTERM = "SIGTERM"
	SIGKILL = "SIGKILL"
)

var sigByName = map[string]syscall.Signal{
	SIGINT:  syscall.SIGINT,
	SIGTERM: syscall.SIGTERM,
	SIGKILL: syscall.SIGKILL,
}

// SessionInfo is returned from Create and used to populate the
// session.created wire message.
type SessionInfo struct {
	SessionID string
	ProjectID string
	CWD       string
	PID       int
	Cols      int
	Rows      int
	CreatedAt time.Time
}

// CreateRequest carries the parameters for spawning a new PTY session.
type CreateRequest struct {
	ProjectID string
	CWD       string
	Command   string // defaults to the agent CLI in PATH
	Args      []string
	Cols      int
	Rows      int
	Env       map[string]string
}

type session struct {
	info SessionInfo
	ptmx *os.File
	cmd  *exec.Cmd
	done chan struct{}
}

// Callbacks the server wires in at construction.
type Callbacks struct {
	// OnOutput fires for every data chunk read from a session's PTY.
	OnOutput func(sessionID string, data []byte)
	// OnExit fires exactly once after process termination and after the
	// recovery file is deleted.
	OnExit func(sessionID string, exitCode int, signal string)
}

type escalationStage struct {
	sig  syscall.Signal
	wait time.Duration
}

// defaultEscalation is the SIGINT/3s -> SIGTERM/5s -> SIGKILL/1s sequence
// from spec §4.3.
var defaultEscalation = []escalationStage{
	{syscall.SIGINT, 3 * time.Second},
	{syscall.SIGTERM, 5 * time.Second},
	{syscall.SIGKILL, 1 * time.Second},
}

// Bridge is the registry of live PTY sessions.
type Bridge struct {
	recoveryDir string
	escalation  []escalationStage

	cbMu sync.RWMutex
	cb   Callbacks

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Bridge. recoveryDir is the well-known directory where
// per-session {pid, sessionId, projectId, cwd, createdAt} recovery files
// are written (spec §4.3, §6 "PTY recovery files").
func New(recoveryDir string, cb Callbacks) *Bridge {
	return &Bridge{recoveryDir: recoveryDir, cb: cb, escalation: defaultEscalation, sessions: make(map[string]*session)}
}

// SetOnOutput registers the stream-output callback after construction.
// The gateway server wires this once it exists, since OnOutput needs to
// reach the server's per-session Merger/SubscriptionManager (spec §2's
// PtyBridge -> EventMerger -> RingBuffer -> SubscriptionManager path),
// which aren't available yet at Bridge construction time.
func (b *Bridge) SetOnOutput(fn func(sessionID string, data []byte)) {
	b.cbMu.Lock()
	b.cb.OnOutput = fn
	b.cbMu.Unlock()
}

func (b *Bridge) onOutput() func(string, []byte) {
	b.cbMu.RLock()
	defer b.cbMu.RUnlock()
	return b.cb.OnOutput
}

func (b *Bridge) onExit() func(string, int, string) {
	b.cbMu.RLock()
	defer b.cbMu.RUnlock()
	return b.cb.OnExit
}

type recoveryRecord struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	CWD       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
}

func (b *Bridge) recoveryPath(sessionID string) string {
	return filepath.Join(b.recoveryDir, "sessions", sessionID+".pid")
}

// Create spawns a new PTY subprocess and registers it.
func (b *Bridge) Create(req CreateRequest) (SessionInfo, error) {
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	sessionID := uuid.New().String()[:8]
	command := req.Command
	if command == "" {
		command = "claude"
	}

	cmd := exec.Command(command, req.Args...)
	cmd.Dir = req.CWD
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FLEET_SESSION_ID="+sessionID,
	)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// pty.StartWithSize starts the child in a new session (Setsid), which
	// also makes it the leader of its own process group, so signal
	// escalation can target the group (negative pid) and catch helper
	// processes too. Setpgid is not set: setpgid on a session leader fails.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("start pty: %w", err)
	}

	info := SessionInfo{
		SessionID: sessionID,
		ProjectID: req.ProjectID,
		CWD:       req.CWD,
		PID:       cmd.Process.Pid,
		Cols:      cols,
		Rows:      rows,
		CreatedAt: time.Now(),
	}
	sess := &session{info: info, ptmx: ptmx, cmd: cmd, done: make(chan struct{})}

	b.mu.Lock()
	b.sessions[sessionID] = sess
	b.mu.Unlock()

	if err := b.writeRecoveryFile(info); err != nil {
		log.Warn("write recovery file failed", "session_id", sessionID, "err", err)
	}

	logging.SafeGo("ptybridge.readPTY."+sessionID, func() { b.readPTY(sess) })
	logging.SafeGo("ptybridge.wait."+sessionID, func() { b.waitForExit(sess) })

	return info, nil
}

func (b *Bridge) writeRecoveryFile(info SessionInfo) error {
	if err := os.MkdirAll(filepath.Dir(b.recoveryPath(info.SessionID)), 0755); err != nil {
		return err
	}
	rec := recoveryRecord{PID: info.PID, SessionID: info.SessionID, ProjectID: info.ProjectID, CWD: info.CWD, CreatedAt: info.CreatedAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(b.recoveryPath(info.SessionID), data, 0644)
}

func (b *Bridge) readPTY(sess *session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if cb := b.onOutput(); cb != nil {
				cb(sess.info.SessionID, data)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) waitForExit(sess *session) {
	err := sess.cmd.Wait()
	sess.ptmx.Close()
	close(sess.done)

	exitCode := -1
	sigName := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				sigName = ws.Signal().String()
			}
		}
	} else {
		exitCode = 0
	}

	os.Remove(b.recoveryPath(sess.info.SessionID))

	b.mu.Lock()
	delete(b.sessions, sess.info.SessionID)
	b.mu.Unlock()

	if cb := b.onExit(); cb != nil {
		cb(sess.info.SessionID, exitCode, sigName)
	}
}

// Write sends data to the session's PTY stdin. Returns false if the
// session is unknown.
func (b *Bridge) Write(sessionID string, data []byte) bool {
	sess := b.get(sessionID)
	if sess == nil {
		return false
	}
	_, err := sess.ptmx.Write(data)
	return err == nil
}

// Resize changes the session's terminal geometry. Returns false if the
// session is unknown.
func (b *Bridge) Resize(sessionID string, cols, rows int) bool {
	sess := b.get(sessionID)
	if sess == nil {
		return false
	}
	err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	return err == nil
}

// Signal sends sig to the session's process group. Failure is logged but
// non-fatal, per spec §4.3.
func (b *Bridge) Signal(sessionID string, sig string) bool {
	sess := b.get(sessionID)
	if sess == nil {
		return false
	}
	s, ok := sigByName[sig]
	if !ok {
		return false
	}
	if err := unix.Kill(-sess.cmd.Process.Pid, int(s)); err != nil {
		log.Warn("signal failed", "session_id", sessionID, "signal", sig, "err", err)
		return false
	}
	return true
}

func (b *Bridge) get(sessionID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

func (b *Bridge) alive(sessionID string) bool {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-sess.done:
		return false
	default:
		return true
	}
}

// Stop performs the signal-escalation sequence from spec §4.3: SIGINT,
// wait up to 3s; SIGTERM, wait up to 5s; SIGKILL, wait 1s; force-cleanup.
// Each stage is skipped once the process has already exited.
func (b *Bridge) Stop(sessionID string) {
	sess := b.get(sessionID)
	if sess == nil {
		return
	}
	pgid := -sess.cmd.Process.Pid

	for _, stage := range b.escalation {
		if !b.alive(sessionID) {
			return
		}
		if err := unix.Kill(pgid, int(stage.sig)); err != nil {
			log.Warn("escalation signal failed", "session_id", sessionID, "signal", stage.sig, "err", err)
		}
		select {
		case <-sess.done:
			return
		case <-time.After(stage.wait):
		}
	}
	// force-cleanup: the waitForExit goroutine will finish reaping once
	// SIGKILL lands; nothing further to do here.
}

// DestroyAll stops every live session in parallel.
func (b *Bridge) DestroyAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b.Stop(id)
		}(id)
	}
	wg.Wait()
}

// OrphanRecord describes a recovered-but-unreattachable PTY discovered at
// startup (spec §4.3 recoverOrphans, §9 Open Question 2 — the master fd
// is gone, so these are discoverable but never reattached).
type OrphanRecord struct {
	SessionID string
	ProjectID string
	CWD       string
	PID       int
}

// RecoverOrphans scans the recovery directory at startup. Live PIDs are
// returned as orphans (to register in SessionStore as status=error);
// stale files for dead PIDs are deleted.
func (b *Bridge) RecoverOrphans() ([]OrphanRecord, error) {
	dir := filepath.Join(b.recoveryDir, "sessions")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recovery dir: %w", err)
	}

	var orphans []OrphanRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec recoveryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			os.Remove(path)
			continue
		}
		if err := syscall.Kill(rec.PID, 0); err == nil {
			orphans = append(orphans, OrphanRecord{SessionID: rec.SessionID, ProjectID: rec.ProjectID, CWD: rec.CWD, PID: rec.PID})
		} else {
			os.Remove(path)
		}
	}
	return orphans, nil
}
