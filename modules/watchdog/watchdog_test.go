package watchdog

import (
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/queue"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/modules/store"
	"gitlab.com/gridlabs/coordinator/persist"
)

type fakeSink struct{ closed bool }

func (f *fakeSink) Send(modules.Envelope) error { return nil }
func (f *fakeSink) Close(code int, reason string) error {
	f.closed = true
	return nil
}

func testWatchdog(t *testing.T, triggered *bool) (*Watchdog, *store.BoltStore, *registry.Registry, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log, err := persist.NewLogger(dir, "watchdog")
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	q := queue.New(0)
	w := New(st, reg, q, Config{
		Period:                  time.Hour, // tests call pass() directly, no ticking
		HeartbeatStaleThreshold: 30 * time.Second,
		OfflineThreshold:        60 * time.Second,
	}, log, func() {
		if triggered != nil {
			*triggered = true
		}
	})
	return w, st, reg, q
}

func TestRecoverStuckJobsRequeuesWhenWorkerGoneFromRegistry(t *testing.T) {
	var triggered bool
	w, st, _, q := testWatchdog(t, &triggered)

	if err := st.CreateJob(modules.Job{
		ID: "job1", SubmitterID: "alice", Status: modules.JobRunning,
		AssignedWorker: "w1", Reserved: 1,
	}); err != nil {
		t.Fatal(err)
	}
	// No session registered for w1: the worker is gone.

	w.recoverStuckJobs()

	job, _, err := st.GetJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != modules.JobQueued || job.AssignedWorker != "" {
		t.Fatalf("expected job requeued with no assigned worker, got status=%s worker=%s", job.Status, job.AssignedWorker)
	}
	if _, ok := q.Peek(); !ok {
		t.Fatal("expected job pushed back onto the queue")
	}
	if !triggered {
		t.Fatal("expected dispatcher re-trigger after recovering a stuck job")
	}
}

func TestRecoverStuckJobsRequeuesOnStaleHeartbeat(t *testing.T) {
	var triggered bool
	w, st, reg, _ := testWatchdog(t, &triggered)

	reg.Register(&registry.Session{
		WorkerID: "w1", OwnerID: "bob", Status: modules.WorkerBusy,
		LastSeen: time.Now().Add(-time.Minute), // older than the 30s stale threshold
	})
	if err := st.CreateJob(modules.Job{
		ID: "job1", SubmitterID: "alice", Status: modules.JobRunning,
		AssignedWorker: "w1", Reserved: 1,
	}); err != nil {
		t.Fatal(err)
	}

	w.recoverStuckJobs()

	job, _, err := st.GetJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != modules.JobQueued {
		t.Fatalf("expected job requeued due to stale heartbeat, got %s", job.Status)
	}
}

func TestRecoverStuckJobsLeavesFreshJobAlone(t *testing.T) {
	var triggered bool
	w, st, reg, _ := testWatchdog(t, &triggered)

	reg.Register(&registry.Session{
		WorkerID: "w1", OwnerID: "bob", Status: modules.WorkerBusy,
		LastSeen: time.Now(),
	})
	if err := st.CreateJob(modules.Job{
		ID: "job1", SubmitterID: "alice", Status: modules.JobRunning,
		AssignedWorker: "w1", Reserved: 1,
	}); err != nil {
		t.Fatal(err)
	}

	w.recoverStuckJobs()

	job, _, err := st.GetJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != modules.JobRunning {
		t.Fatalf("expected fresh job left running, got %s", job.Status)
	}
	if triggered {
		t.Fatal("expected no re-trigger when nothing was recovered")
	}
}

func TestOfflineStaleWorkersMarksOfflineAndEvicts(t *testing.T) {
	w, st, reg, _ := testWatchdog(t, nil)

	sink := &fakeSink{}
	reg.Register(&registry.Session{WorkerID: "w1", OwnerID: "bob", Status: modules.WorkerIdle, Sink: sink})
	if err := st.UpsertWorker(modules.Worker{
		ID: "w1", OwnerID: "bob", Status: modules.WorkerIdle,
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	w.offlineStaleWorkers()

	worker, _, err := st.GetWorker("w1")
	if err != nil {
		t.Fatal(err)
	}
	if worker.Status != modules.WorkerOffline {
		t.Fatalf("expected worker marked offline, got %s", worker.Status)
	}
	if _, ok := reg.Get("w1"); ok {
		t.Fatal("expected stale worker evicted from the live registry")
	}
	if !sink.closed {
		t.Fatal("expected stale worker's session closed")
	}
}

func TestOfflineStaleWorkersLeavesFreshWorkerAlone(t *testing.T) {
	w, st, _, _ := testWatchdog(t, nil)
	if err := st.UpsertWorker(modules.Worker{
		ID: "w1", OwnerID: "bob", Status: modules.WorkerIdle,
		LastHeartbeat: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	w.offlineStaleWorkers()

	worker, _, err := st.GetWorker("w1")
	if err != nil {
		t.Fatal(err)
	}
	if worker.Status != modules.WorkerIdle {
		t.Fatalf("expected fresh worker left idle, got %s", worker.Status)
	}
}
