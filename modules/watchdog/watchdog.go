// Package watchdog implements the watchdog (component C8): a periodic task
// that requeues jobs stuck on dead or stale workers and marks long-silent
// workers offline. The periodic-background-goroutine-under-a-threadgroup
// shape follows the teacher's skymodules/accounting.go
// callThreadedPersistAccounting loop.
package watchdog

import (
	"time"

	"gitlab.com/NebulousLabs/fastrand"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/queue"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/persist"
)

// Config holds the watchdog's timing parameters from spec.md sections 5 and 6.
type Config struct {
	Period                  time.Duration
	HeartbeatStaleThreshold time.Duration
	OfflineThreshold        time.Duration
}

// Watchdog periodically reconciles stuck jobs and stale workers.
type Watchdog struct {
	store    modules.Store
	registry *registry.Registry
	queue    *queue.Queue
	config   Config
	log      *persist.Logger
	trigger  func()
	tg       threadgroup.ThreadGroup
}

// New constructs a Watchdog. trigger is called after requeueing jobs so the
// dispatcher re-considers them without waiting for its own next edge.
func New(store modules.Store, reg *registry.Registry, q *queue.Queue, config Config, log *persist.Logger, trigger func()) *Watchdog {
	return &Watchdog{store: store, registry: reg, queue: q, config: config, log: log, trigger: trigger}
}

// Start launches the watchdog's background loop.
func (w *Watchdog) Start() error {
	if err := w.tg.Add(); err != nil {
		return err
	}
	go func() {
		defer w.tg.Done()
		w.run()
	}()
	return nil
}

// Close stops the watchdog and waits for its loop to exit.
func (w *Watchdog) Close() error {
	return w.tg.Stop()
}

func (w *Watchdog) run() {
	// Jitter the first tick so that, in a fleet of coordinators started at
	// the same instant in a test harness, their watchdog passes don't all
	// land in lockstep.
	jitter := time.Duration(fastrand.Intn(1000)) * time.Millisecond
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	select {
	case <-w.tg.StopChan():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(w.config.Period)
	defer ticker.Stop()
	for {
		w.pass()
		select {
		case <-w.tg.StopChan():
			return
		case <-ticker.C:
		}
	}
}

// pass runs one reconciliation sweep.
func (w *Watchdog) pass() {
	w.recoverStuckJobs()
	w.offlineStaleWorkers()
}

// recoverStuckJobs implements spec.md section 4.8's first bullet: jobs in
// assigned or running whose worker is gone from the registry, or whose
// last-seen predates the staleness threshold, are reverted to queued.
func (w *Watchdog) recoverStuckJobs() {
	jobs, err := w.store.ListJobsByStatus(modules.JobAssigned, modules.JobRunning)
	if err != nil {
		w.log.Printf("watchdog: failed to list in-flight jobs: %v", err)
		return
	}

	staleCutoff := time.Now().Add(-w.config.HeartbeatStaleThreshold)
	recovered := 0
	for _, job := range jobs {
		lost := job.AssignedWorker == ""
		if !lost {
			sess, ok := w.registry.Get(job.AssignedWorker)
			if !ok {
				lost = true
			} else if sess.LastSeen.Before(staleCutoff) {
				lost = true
			}
		}
		if !lost {
			continue
		}

		workerID := job.AssignedWorker
		err := w.store.UpdateJobStatus(job.ID, modules.JobQueued, modules.JobUpdate{ClearAssignedWorker: true})
		if err != nil {
			w.log.Printf("watchdog: failed to requeue job %s: %v", job.ID, err)
			continue
		}
		w.queue.EnqueueFront(job.ID)
		recovered++

		if workerID != "" {
			if worker, ok, err := w.store.GetWorker(workerID); err == nil && ok && worker.Status == modules.WorkerBusy {
				if err := w.store.SetWorkerStatus(workerID, modules.WorkerIdle); err != nil {
					w.log.Printf("watchdog: failed to idle worker %s: %v", workerID, err)
				}
			}
			w.registry.MarkIdle(workerID)
		}

		w.log.Printf("watchdog: recovered job %s from lost worker %s", job.ID, workerID)
	}

	if recovered > 0 && w.trigger != nil {
		w.trigger()
	}
}

// offlineStaleWorkers implements spec.md section 4.8's second bullet: any
// worker in the store whose last-heartbeat predates the offline threshold
// is marked offline.
func (w *Watchdog) offlineStaleWorkers() {
	workers, err := w.store.ListWorkers()
	if err != nil {
		w.log.Printf("watchdog: failed to list workers: %v", err)
		return
	}
	cutoff := time.Now().Add(-w.config.OfflineThreshold)
	for _, worker := range workers {
		if worker.Status == modules.WorkerOffline {
			continue
		}
		if worker.LastHeartbeat.IsZero() || worker.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := w.store.SetWorkerStatus(worker.ID, modules.WorkerOffline); err != nil {
			w.log.Printf("watchdog: failed to offline worker %s: %v", worker.ID, err)
			continue
		}
		if evicted := w.registry.Evict(worker.ID); evicted != nil && evicted.Sink != nil {
			evicted.Sink.Close(4400, "worker marked offline by watchdog")
		}
		w.log.Printf("watchdog: marked worker %s offline (stale heartbeat)", worker.ID)
	}
}
