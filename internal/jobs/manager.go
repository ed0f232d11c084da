package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/fleetgate/internal/logging"
	"github.com/ehrlich-b/fleetgate/internal/store"
	"github.com/ehrlich-b/fleetgate/internal/wire"
)

// MaxConcurrentJobs is N in spec §4.7: at most this many jobs running at
// once, across all projects.
const MaxConcurrentJobs = 3

// EventCallback is the per-job listener the submitter supplies, receiving
// job.started/job.stream/job.completed events (spec §4.7).
type EventCallback func(event string, payload any)

type runningJob struct {
	id     string
	spec   wire.JobSpec
	abort  chan struct{}
	cancel context.CancelFunc
}

// queuedJob is a submitted-but-not-yet-admitted job, in submission order.
type queuedJob struct {
	id   string
	spec wire.JobSpec
	ctx  context.Context
}

// Manager owns the admission pool, per-project serialization, and
// cancellation for headless jobs. Grounded on the teacher daemon's
// internal/timeline/loop.go Engine (ticker-driven poll/dispatch) and
// internal/daemon/daemon.go's recoverInterrupted (rows left "running"
// after a crash are swept to failed on startup, since no runner owns
// them any more).
//
// Admission runs through a single dispatcher goroutine rather than one
// poller per submitted job: each submission appends to queue (FIFO) and
// wakes the dispatcher, which pops the earliest eligible entry and
// reserves its running slot in the same locked pass — check-and-reserve
// is one critical section, so two submissions can never both observe a
// free slot and both be admitted (spec §4.7, §8 invariant 4).
type Manager struct {
	db     *store.Store
	runner *Runner

	mu       sync.Mutex
	queue    []queuedJob
	running  map[string]*runningJob
	callback map[string]EventCallback

	wake chan struct{}
}

// NewManager constructs a Manager and starts its dispatcher goroutine.
// Call Recover once at startup before admitting any new job.
func NewManager(db *store.Store) *Manager {
	m := &Manager{
		db:       db,
		runner:   NewRunner(),
		running:  make(map[string]*runningJob),
		callback: make(map[string]EventCallback),
		wake:     make(chan struct{}, 1),
	}
	logging.SafeGo("jobs.dispatch", m.dispatchLoop)
	return m
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop wakes on every submission, completion, or cancellation and
// drains as many eligible queued jobs as current slots allow, in FIFO
// order among eligible jobs (spec §4.7).
func (m *Manager) dispatchLoop() {
	for range m.wake {
		for {
			rj, runCtx, ok := m.popEligible()
			if !ok {
				break
			}
			go m.run(runCtx, rj)
		}
	}
}

// popEligible finds the earliest queued job not blocked by the
// concurrency cap or a same-project running job, removes it from the
// queue, and reserves its slot in m.running — all under one lock, so the
// check and the reservation can't be split by a concurrent dispatch pass.
func (m *Manager) popEligible() (*runningJob, context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.running) >= MaxConcurrentJobs {
		return nil, nil, false
	}
	for i, q := range m.queue {
		if q.spec.ProjectID != "" {
			blocked := false
			for _, rj := range m.running {
				if rj.spec.ProjectID == q.spec.ProjectID {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
		}
		m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
		runCtx, cancel := context.WithCancel(q.ctx)
		rj := &runningJob{id: q.id, spec: q.spec, abort: make(chan struct{}), cancel: cancel}
		m.running[q.id] = rj
		return rj, runCtx, true
	}
	return nil, nil, false
}

// Recover sweeps rows left in "running" status: since no runner owns them
// after a daemon restart, they're marked failed with a specific reason.
// Rows still "queued" are left untouched; they are not loaded into the
// dispatch queue, so the admission loop does not run them. Spec §4.7
// "Startup recovery".
func (m *Manager) Recover() error {
	rows, err := m.db.ListJobsByStatus("running")
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, j := range rows {
		if err := m.db.SetJobError(j.ID, "orphaned by daemon restart", "failed"); err != nil {
			logging.Component("jobs").Warn("failed to mark orphaned job failed", "job_id", j.ID, "err", err)
		}
	}
	return nil
}

// Submit enqueues a job. If a slot is free and no running job shares the
// project id, it starts immediately; otherwise it waits in "queued".
func (m *Manager) Submit(ctx context.Context, spec wire.JobSpec, cb EventCallback) (string, error) {
	id := uuid.New().String()[:8]
	reqJSON, err := json.Marshal(spec.Request)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var projectID *string
	if spec.ProjectID != "" {
		projectID = &spec.ProjectID
	}
	var repoRoot *string
	if spec.RepoRoot != "" {
		repoRoot = &spec.RepoRoot
	}

	j := &store.Job{ID: id, Kind: spec.Type, Model: spec.Model, ProjectID: projectID, RepoRoot: repoRoot, RequestJSON: string(reqJSON)}
	if err := m.db.CreateJob(j); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	m.mu.Lock()
	m.callback[id] = cb
	m.queue = append(m.queue, queuedJob{id: id, spec: spec, ctx: ctx})
	m.mu.Unlock()

	m.notify()

	return id, nil
}

// admissible implements: count(running) < N, and for jobs with a
// non-empty project id, no other running job has the same id. Exposed
// for tests; popEligible inlines the same rule under its own lock since
// it must check-and-reserve atomically.
func (m *Manager) admissible(spec wire.JobSpec) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.running) >= MaxConcurrentJobs {
		return false
	}
	if spec.ProjectID != "" {
		for _, rj := range m.running {
			if rj.spec.ProjectID == spec.ProjectID {
				return false
			}
		}
	}
	return true
}

// run executes an already-admitted job (its slot is reserved by
// popEligible before this is called) and reports it finished on exit.
func (m *Manager) run(ctx context.Context, rj *runningJob) {
	m.mu.Lock()
	cb := m.callback[rj.id]
	m.mu.Unlock()

	if err := m.db.SetJobStatus(rj.id, "running"); err != nil {
		logging.Component("jobs").Warn("set running failed", "job_id", rj.id, "err", err)
	}
	if cb != nil {
		cb("job.started", map[string]any{"job_id": rj.id, "project_id": rj.spec.ProjectID})
	}

	result := m.runner.Run(ctx, rj.spec, "", func(chunk Chunk) {
		if cb != nil {
			cb("job.stream", map[string]any{"job_id": rj.id, "chunk": chunk})
		}
	}, rj.abort)

	m.finish(rj.id, result, cb)
}

func (m *Manager) finish(id string, result Result, cb EventCallback) {
	m.mu.Lock()
	delete(m.running, id)
	delete(m.callback, id)
	m.mu.Unlock()
	m.notify() // a slot just freed; let the dispatcher admit the next eligible job

	if result.OK {
		resJSON, _ := json.Marshal(result)
		if err := m.db.SetJobResult(id, string(resJSON)); err != nil {
			logging.Component("jobs").Warn("set result failed", "job_id", id, "err", err)
		}
		if err := m.db.SetJobStatus(id, "completed"); err != nil {
			logging.Component("jobs").Warn("set completed failed", "job_id", id, "err", err)
		}
	} else {
		status := "failed"
		if result.Error == "cancelled" {
			status = "canceled"
		}
		if err := m.db.SetJobError(id, result.Error, status); err != nil {
			logging.Component("jobs").Warn("set error failed", "job_id", id, "err", err)
		}
	}

	if cb != nil {
		cb("job.completed", map[string]any{"job_id": id, "ok": result.OK, "result": result, "error": result.Error})
	}
}

// Cancel transitions a queued job directly to canceled (removing it from
// the dispatch queue first), or aborts a running job's runner.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	if rj, isRunning := m.running[id]; isRunning {
		m.mu.Unlock()
		close(rj.abort)
		return nil
	}
	for i, q := range m.queue {
		if q.id == id {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			m.mu.Unlock()
			return m.db.SetJobStatus(id, "canceled")
		}
	}
	m.mu.Unlock()

	j, err := m.db.GetJob(id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if j.Status != "queued" {
		return nil
	}
	return m.db.SetJobStatus(id, "canceled")
}

// RunningCount reports the current number of in-flight jobs (for tests
// and the invariant checks in spec §8).
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
