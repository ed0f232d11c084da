package jobs

import (
	"testing"
	"time"

	"github.com/ehrlich-b/fleetgate/internal/store"
	"github.com/ehrlich-b/fleetgate/internal/wire"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestAdmissibleRespectsProjectSerialization implements the admission half
// of scenario S3: with A already running for project p1, a second job for
// p1 must not be admissible even though the concurrency pool has free
// slots, while a job for a different project is.
func TestAdmissibleRespectsProjectSerialization(t *testing.T) {
	db := openTestStore(t)
	m := NewManager(db)

	m.running["A"] = &runningJob{id: "A", spec: wire.JobSpec{ProjectID: "p1"}}

	specB := wire.JobSpec{ProjectID: "p1"}
	specD := wire.JobSpec{ProjectID: "p2"}

	if m.admissible(specB) {
		t.Error("job for p1 admissible while another p1 job is running, want blocked")
	}
	if !m.admissible(specD) {
		t.Error("job for p2 not admissible while only p1 is running and slots are free, want admitted")
	}
}

// TestAdmissibleRespectsConcurrencyCap implements the other half of S3:
// once MaxConcurrentJobs distinct-project jobs are running, nothing else
// is admissible regardless of project id.
func TestAdmissibleRespectsConcurrencyCap(t *testing.T) {
	db := openTestStore(t)
	m := NewManager(db)

	for i := 0; i < MaxConcurrentJobs; i++ {
		id := string(rune('A' + i))
		m.running[id] = &runningJob{id: id, spec: wire.JobSpec{ProjectID: id}}
	}

	if m.admissible(wire.JobSpec{ProjectID: "fresh-project"}) {
		t.Error("admissible at full concurrency, want blocked")
	}
}

// TestCancelQueuedJobTransitionsDirectly implements the cancellation half
// of S3: canceling a job that's still queued (not yet admitted) moves it
// straight to canceled without ever touching the running map.
func TestCancelQueuedJobTransitionsDirectly(t *testing.T) {
	db := openTestStore(t)
	m := NewManager(db)

	if err := db.CreateJob(&store.Job{ID: "q1", Kind: "chat", Model: "sonnet", RequestJSON: "{}"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Cancel("q1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	j, err := db.GetJob("q1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != "canceled" {
		t.Errorf("status = %q, want canceled", j.Status)
	}
}

func TestCancelRunningJobClosesAbort(t *testing.T) {
	db := openTestStore(t)
	m := NewManager(db)

	abort := make(chan struct{})
	m.running["r1"] = &runningJob{id: "r1", spec: wire.JobSpec{}, abort: abort}

	if err := m.Cancel("r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case <-abort:
	case <-time.After(time.Second):
		t.Fatal("abort channel was not closed by Cancel")
	}
}

func TestCancelUnknownJobErrors(t *testing.T) {
	db := openTestStore(t)
	m := NewManager(db)

	if err := m.Cancel("nope"); err == nil {
		t.Error("cancel of unknown job returned nil error, want an error")
	}
}

func TestRecoverMarksOrphanedRunningJobsFailed(t *testing.T) {
	db := openTestStore(t)

	if err := db.CreateJob(&store.Job{ID: "orphan-1", Kind: "chat", Model: "sonnet", RequestJSON: "{}"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.SetJobStatus("orphan-1", "running"); err != nil {
		t.Fatalf("set running: %v", err)
	}
	if err := db.CreateJob(&store.Job{ID: "queued-1", Kind: "chat", Model: "sonnet", RequestJSON: "{}"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	m := NewManager(db)
	if err := m.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	orphan, err := db.GetJob("orphan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if orphan.Status != "failed" {
		t.Errorf("status = %q, want failed", orphan.Status)
	}
	if orphan.Error == nil || *orphan.Error != "orphaned by daemon restart" {
		t.Errorf("error = %v, want 'orphaned by daemon restart'", orphan.Error)
	}

	queued, err := db.GetJob("queued-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if queued.Status != "queued" {
		t.Errorf("queued job status = %q, want untouched 'queued'", queued.Status)
	}
}
