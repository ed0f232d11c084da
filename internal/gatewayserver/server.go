// Package gatewayserver wires every other package into the Gateway's two
// listeners: a WebSocket endpoint for UI clients and a Unix-domain-socket
// line listener for hook callbacks from running agent CLIs (spec §4.10).
//
// Grounded on the teacher daemon's internal/transport/server.go (unix
// listener lifecycle, ctx.Done()/errCh select, socket-file cleanup) for
// the hook listener, and internal/relay/pty_relay.go's per-message-type
// dispatch switch (websocket.Accept, a read loop decoding a tagged
// envelope type, per-client write pump) for the WebSocket side.
package gatewayserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/fleetgate/internal/commander"
	"github.com/ehrlich-b/fleetgate/internal/jobs"
	"github.com/ehrlich-b/fleetgate/internal/logging"
	"github.com/ehrlich-b/fleetgate/internal/merger"
	"github.com/ehrlich-b/fleetgate/internal/outbox"
	"github.com/ehrlich-b/fleetgate/internal/ptybridge"
	"github.com/ehrlich-b/fleetgate/internal/rate"
	"github.com/ehrlich-b/fleetgate/internal/sessionstore"
	"github.com/ehrlich-b/fleetgate/internal/store"
	"github.com/ehrlich-b/fleetgate/internal/subs"
	"github.com/ehrlich-b/fleetgate/internal/wire"
)

var log = logging.Component("gatewayserver")

// Config is the fixed set of addresses/budgets a Server needs at
// construction; everything else is built from the Deps it's handed.
type Config struct {
	Listen               string
	HookSocketPath       string
	RingBufferBudget     int
	RateLimitPerSecond   float64
	HookBurst            int
}

// Deps are the already-constructed collaborators the Server orchestrates.
// Built elsewhere (cmd/gatewayd) and passed in so this package never
// constructs singletons itself, per spec §9's design note.
type Deps struct {
	DB        *store.Store
	PTY       *ptybridge.Bridge
	Jobs      *jobs.Manager
	Commander *commander.Manager
	Sessions  *sessionstore.Store
	Tailer    *outbox.Tailer
}

// Server is the Gateway's single process-wide listener set.
type Server struct {
	cfg  Config
	deps Deps

	subsMgr  *subs.Manager
	limiters *rate.Limiters

	mu      sync.Mutex
	mergers map[string]*merger.Merger

	httpSrv  *http.Server
	hookLn   net.Listener
}

func New(cfg Config, deps Deps) *Server {
	if cfg.RingBufferBudget == 0 {
		cfg.RingBufferBudget = 256 * 1024
	}
	if cfg.RateLimitPerSecond == 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.HookBurst == 0 {
		cfg.HookBurst = 40
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		subsMgr:  subs.NewManager(),
		limiters: rate.NewLimiters(cfg.RateLimitPerSecond, cfg.HookBurst),
		mergers:  make(map[string]*merger.Merger),
	}
	deps.PTY.SetOnOutput(s.onPTYOutput)
	return s
}

// onPTYOutput implements the central data path from spec §2: "PTY output
// flows PtyBridge -> EventMerger (assigning a sequence) -> RingBuffer ->
// SubscriptionManager -> attached clients." The commander's own PTY
// session shares this Bridge, so its output is distinguished and routed
// as commander.stdout (§6) via CategoryCommander rather than as a plain
// session event.
func (s *Server) onPTYOutput(sessionID string, data []byte) {
	seq := s.mergerFor(sessionID).AddStdout(string(data))
	ev := merger.Event{Type: merger.KindStdout, Data: string(data)}

	if s.deps.Commander.GetPtySessionID() == sessionID {
		s.subsMgr.Broadcast(subs.OutMessage{
			Category:  subs.CategoryCommander,
			SessionID: sessionID,
			Payload:   wire.CommanderStdoutMsg{Type: wire.TypeCommanderStdout, SessionID: sessionID, Seq: seq, Event: ev},
		})
		return
	}

	s.subsMgr.Broadcast(subs.OutMessage{
		Category:  subs.CategorySession,
		SessionID: sessionID,
		Payload:   wire.EventMsg{Type: wire.TypeEvent, SessionID: sessionID, Seq: seq, Event: ev},
	})
}

func (s *Server) mergerFor(sessionID string) *merger.Merger {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mergers[sessionID]
	if !ok {
		m = merger.New(s.cfg.RingBufferBudget)
		s.mergers[sessionID] = m
	}
	return m
}

func (s *Server) dropMerger(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mergers, sessionID)
}

// Run executes the startup sequence, serves both listeners until ctx is
// canceled, then runs the shutdown sequence (spec §4.10).
func (s *Server) Run(ctx context.Context) error {
	if err := s.deps.Jobs.Recover(); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	orphans, err := s.deps.PTY.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("recover pty orphans: %w", err)
	}
	for _, o := range orphans {
		ts := s.deps.Sessions.AddFromPty(o.SessionID, o.ProjectID, o.CWD, o.PID)
		s.deps.Sessions.UpdateStatus(ts.SessionID, sessionstore.StatusError)
	}

	s.deps.Tailer.Start(ctx)
	unsubTailer := s.deps.Tailer.Subscribe(s.onOutboxEvent)
	defer unsubTailer()

	unsubSessions := s.deps.Sessions.Subscribe(s.onSessionEvent)
	defer unsubSessions()

	errCh := make(chan error, 2)
	logging.SafeGo("gatewayserver.ws", func() { errCh <- s.serveWS() })
	logging.SafeGo("gatewayserver.hooks", func() { errCh <- s.serveHooks() })

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

func (s *Server) shutdown() {
	s.deps.Tailer.Stop()
	s.deps.PTY.DestroyAll()

	if s.httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
	}
	if s.hookLn != nil {
		s.hookLn.Close()
		os.Remove(s.cfg.HookSocketPath)
	}
}

// onOutboxEvent forwards every tailed outbox row to fleet-subscribed
// clients (spec §4.4 -> §4.5 CategoryFleet).
func (s *Server) onOutboxEvent(e *store.OutboxEvent) {
	s.subsMgr.Broadcast(subs.OutMessage{
		Category: subs.CategoryFleet,
		Payload:  fleetEventMsg(e),
	})
}

func fleetEventMsg(e *store.OutboxEvent) wire.FleetEventMsg {
	var projectID string
	if e.ProjectID != nil {
		projectID = *e.ProjectID
	}
	var briefingID string
	if e.BriefingID != nil {
		briefingID = *e.BriefingID
	}
	return wire.FleetEventMsg{
		Type:    wire.TypeFleetEvent,
		EventID: e.EventID,
		TS:      e.TS.UTC().Format(time.RFC3339),
		Event:   wire.FleetEventBox{Type: e.Kind, ProjectID: projectID, BriefingID: briefingID, Data: json.RawMessage(e.PayloadJSON)},
	}
}

// onSessionEvent forwards session lifecycle changes to session-scoped
// clients as session.status / session.ended messages, and additionally
// records fleet-durable milestones (session started, session blocked on
// approval) into the outbox so dashboard-scoped observers see them too,
// even if they weren't attached to this particular session (spec §3
// OutboxEvent kinds "session_started"/"session_blocked").
func (s *Server) onSessionEvent(ev sessionstore.Event) {
	switch ev.Type {
	case sessionstore.EventDiscovered:
		s.recordOutboxEvent("session_started", ev.Session.ProjectID, map[string]any{"session_id": ev.Session.SessionID})
		s.subsMgr.Broadcast(subs.OutMessage{
			Category:  subs.CategorySession,
			SessionID: ev.Session.SessionID,
			Payload:   wire.SessionStatusMsg{Type: wire.TypeSessionStatus, SessionID: ev.Session.SessionID, Status: string(ev.Session.Status)},
		})

	case sessionstore.EventRemoved:
		s.subsMgr.Broadcast(subs.OutMessage{
			Category:  subs.CategorySession,
			SessionID: ev.Session.SessionID,
			Payload:   wire.SessionEndedMsg{Type: wire.TypeSessionEnded, SessionID: ev.Session.SessionID},
		})
		s.dropMerger(ev.Session.SessionID)
		s.limiters.Forget(ev.Session.SessionID)

	default:
		if ev.Session.Status == sessionstore.StatusWaitingForApprove {
			s.recordOutboxEvent("session_blocked", ev.Session.ProjectID, map[string]any{"session_id": ev.Session.SessionID})
		}
		s.subsMgr.Broadcast(subs.OutMessage{
			Category:  subs.CategorySession,
			SessionID: ev.Session.SessionID,
			Payload:   wire.SessionStatusMsg{Type: wire.TypeSessionStatus, SessionID: ev.Session.SessionID, Status: string(ev.Session.Status)},
		})
	}
}

// recordOutboxEvent persists a fleet-durable milestone. The tailer's poll
// loop picks it up and broadcasts it to fleet-subscribed clients — this is
// the only path (besides direct session/job WS categories) that reaches
// clients not attached to the specific session or job in question.
func (s *Server) recordOutboxEvent(kind, projectID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn("marshal outbox payload failed", "kind", kind, "err", err)
		return
	}
	e := &store.OutboxEvent{Kind: kind, PayloadJSON: string(data)}
	if projectID != "" {
		e.ProjectID = &projectID
	}
	if err := s.deps.DB.InsertOutboxEvent(e); err != nil {
		log.Warn("insert outbox event failed", "kind", kind, "err", err)
	}
}

// ---- WebSocket listener ----

func (s *Server) serveWS() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: s.cfg.Listen, Handler: mux}

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Warn("ws accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	connID := uuid.New().String()[:8]
	c := s.subsMgr.Register(connID, subs.ScopeGlobal)
	defer s.subsMgr.Unregister(connID)

	ctx := r.Context()
	writeDone := make(chan struct{})
	logging.SafeGo("gatewayserver.wswrite."+connID, func() {
		defer close(writeDone)
		s.writePump(ctx, conn, c)
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			break
		}
		s.dispatch(ctx, conn, c, data)
	}
	<-writeDone
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, c *subs.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Outbound():
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Payload)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, c *subs.Conn, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(ctx, conn, wire.ErrInvalidMessage, "invalid JSON")
		return
	}

	switch env.Type {
	case wire.TypePing:
		reply, _ := json.Marshal(wire.PongMsg{Type: wire.TypePong})
		conn.Write(ctx, websocket.MessageText, reply)

	case wire.TypeFleetSubscribe:
		var msg wire.FleetSubscribeMsg
		json.Unmarshal(data, &msg)
		c.FleetSubscribed = true
		c.FleetCursor = msg.FromEventID
		s.catchUpFleet(ctx, conn, msg.FromEventID)

	case wire.TypeSessionCreate:
		s.handleSessionCreate(ctx, conn, c, data)

	case wire.TypeSessionAttach:
		var msg wire.SessionAttachMsg
		json.Unmarshal(data, &msg)
		c.Subscribe(msg.SessionID)
		c.Attached = msg.SessionID
		s.catchUpSession(ctx, conn, msg.SessionID, msg.FromSeq)

	case wire.TypeSessionDetach:
		var msg wire.SessionDetachMsg
		json.Unmarshal(data, &msg)
		c.Unsubscribe(msg.SessionID)
		if c.Attached == msg.SessionID {
			c.Attached = ""
		}

	case wire.TypeSessionStdin:
		var msg wire.SessionStdinMsg
		json.Unmarshal(data, &msg)
		if msg.SessionID != c.Attached {
			s.sendError(ctx, conn, wire.ErrSessionNotFound, "not attached to session")
			return
		}
		s.deps.PTY.Write(msg.SessionID, []byte(msg.Data))

	case wire.TypeSessionSignal:
		var msg wire.SessionSignalMsg
		json.Unmarshal(data, &msg)
		if msg.SessionID != c.Attached {
			s.sendError(ctx, conn, wire.ErrSessionNotFound, "not attached to session")
			return
		}
		s.deps.PTY.Signal(msg.SessionID, msg.Signal)

	case wire.TypeSessionResize:
		var msg wire.SessionResizeMsg
		json.Unmarshal(data, &msg)
		if msg.SessionID != c.Attached {
			s.sendError(ctx, conn, wire.ErrSessionNotFound, "not attached to session")
			return
		}
		s.deps.PTY.Resize(msg.SessionID, msg.Cols, msg.Rows)

	case wire.TypeJobCreate:
		s.handleJobCreate(ctx, data)

	case wire.TypeJobCancel:
		var msg wire.JobCancelMsg
		json.Unmarshal(data, &msg)
		if err := s.deps.Jobs.Cancel(msg.JobID); err != nil {
			s.sendError(ctx, conn, wire.ErrJobCreateFail, err.Error())
		}

	case wire.TypeCommanderSend:
		var msg wire.CommanderSendMsg
		json.Unmarshal(data, &msg)
		s.deps.Commander.SendPrompt(msg.Prompt)

	case wire.TypeCommanderReset:
		s.deps.Commander.Reset()

	default:
		s.sendError(ctx, conn, wire.ErrInvalidMessage, "unknown message type: "+env.Type)
	}
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, code wire.ErrorCode, msg string) {
	data, _ := json.Marshal(wire.ErrorMsg{Type: wire.TypeError, Code: code, Message: msg})
	conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) catchUpFleet(ctx context.Context, conn *websocket.Conn, fromEventID int64) {
	events, err := s.deps.Tailer.GetEventsAfter(fromEventID, 500)
	if err != nil {
		return
	}
	for _, e := range events {
		data, _ := json.Marshal(fleetEventMsg(e))
		conn.Write(ctx, websocket.MessageText, data)
	}
}

func (s *Server) catchUpSession(ctx context.Context, conn *websocket.Conn, sessionID string, fromSeq int64) {
	m := s.mergerFor(sessionID)
	for _, entry := range m.GetEventsFrom(fromSeq) {
		data, _ := json.Marshal(wire.EventMsg{Type: wire.TypeEvent, SessionID: sessionID, Seq: entry.Seq, Event: entry.Event})
		conn.Write(ctx, websocket.MessageText, data)
	}
}

func (s *Server) handleSessionCreate(ctx context.Context, conn *websocket.Conn, c *subs.Conn, data []byte) {
	var msg wire.SessionCreateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(ctx, conn, wire.ErrInvalidMessage, "invalid session.create")
		return
	}
	info, err := s.deps.PTY.Create(ptybridge.CreateRequest{ProjectID: msg.ProjectID, CWD: msg.RepoRoot, Command: msg.Command, Cols: msg.Cols, Rows: msg.Rows})
	if err != nil {
		s.sendError(ctx, conn, wire.ErrSessionCreateFail, err.Error())
		return
	}
	s.deps.Sessions.AddFromPty(info.SessionID, info.ProjectID, info.CWD, info.PID)
	c.Subscribe(info.SessionID)
	c.Attached = info.SessionID

	reply, _ := json.Marshal(wire.SessionCreatedMsg{Type: wire.TypeSessionCreated, SessionID: info.SessionID, ProjectID: info.ProjectID, PID: info.PID})
	conn.Write(ctx, websocket.MessageText, reply)
}

func (s *Server) handleJobCreate(ctx context.Context, data []byte) {
	var msg wire.JobCreateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	jobID, err := s.deps.Jobs.Submit(ctx, msg.Job, func(event string, payload any) {
		s.onJobEvent(msg.Job.ProjectID, event, payload)
	})
	if err != nil {
		log.Warn("job submit failed", "err", err)
		return
	}
	s.subsMgr.Broadcast(subs.OutMessage{
		Category: subs.CategoryLifecycle,
		Payload:  wire.JobStartedMsg{Type: wire.TypeJobStarted, JobID: jobID, ProjectID: msg.Job.ProjectID},
	})
}

func (s *Server) onJobEvent(projectID, event string, payload any) {
	switch event {
	case "job.stream":
		s.subsMgr.Broadcast(subs.OutMessage{Category: subs.CategoryLifecycle, Payload: payload})
	case "job.completed":
		s.subsMgr.Broadcast(subs.OutMessage{Category: subs.CategoryLifecycle, Payload: payload})
		s.recordOutboxEvent("job_completed", projectID, payload)
	}
}

// ---- Hook Unix-socket listener ----

func (s *Server) serveHooks() error {
	os.Remove(s.cfg.HookSocketPath)
	ln, err := net.Listen("unix", s.cfg.HookSocketPath)
	if err != nil {
		return fmt.Errorf("listen hook socket %s: %w", s.cfg.HookSocketPath, err)
	}
	s.hookLn = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		logging.SafeGo("gatewayserver.hookconn", func() { s.handleHookConn(conn) })
	}
}

func (s *Server) handleHookConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var h wire.HookLine
		if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
			log.Warn("bad hook line", "err", err)
			continue
		}
		if h.SessionID == "" {
			continue
		}
		if !s.limiters.Allow(h.SessionID) {
			continue
		}
		s.handleHookLine(h)
	}
}

func (s *Server) handleHookLine(h wire.HookLine) {
	m := s.mergerFor(h.SessionID)

	var seq int64
	var ev merger.Event
	if h.EventType == "status_change" {
		seq = m.AddStatusChange(h.Phase, h.HookType)
		ev = merger.Event{Type: merger.KindStatusChange, From: h.Phase, To: h.HookType}
	} else {
		seq = m.AddHookEvent(h)
		if h.HookType == "PreToolUse" {
			ev = merger.Event{Type: merger.KindTool, Phase: merger.PhasePre, ToolName: h.ToolName, ToolInput: h.ToolInput}
		} else {
			ok := true
			if h.OK != nil {
				ok = *h.OK
			}
			ev = merger.Event{Type: merger.KindTool, Phase: merger.PhasePost, ToolName: h.ToolName, ToolResult: h.ToolResult, OK: ok}
		}
	}
	if seq < 0 {
		return
	}

	s.subsMgr.Broadcast(subs.OutMessage{
		Category:  subs.CategorySession,
		SessionID: h.SessionID,
		Payload:   wire.EventMsg{Type: wire.TypeEvent, SessionID: h.SessionID, Seq: seq, Event: ev},
	})
}
