// Package dispatcher implements the dispatcher (component C6): it matches
// queued jobs to eligible idle workers and assigns them, re-triggered on
// every edge named by spec.md section 4.6 (submission, hello_ack,
// job_result). The background-loop-woken-by-a-signal-channel shape follows
// the teacher's threadgroup-scoped worker goroutines
// (modules/renter/workerpool.go), generalized from "one goroutine per
// worker" to "one goroutine serializing dispatch decisions".
package dispatcher

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/queue"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/persist"
)

// Config holds the dispatcher's policy parameters.
type Config struct {
	CoordinatorOwner string
}

// Dispatcher matches queued jobs to eligible idle workers.
type Dispatcher struct {
	store    modules.Store
	registry *registry.Registry
	queue    *queue.Queue
	config   Config
	log      *persist.Logger

	// loopMu is the dispatch mutex from spec.md section 4.6: it serializes
	// all assignment decisions so that between any two assign_job sends
	// both the queue and worker statuses are mutually consistent.
	loopMu sync.Mutex

	trigger chan struct{}
	tg      threadgroup.ThreadGroup
}

// New constructs a Dispatcher. Call Start to launch its background loop.
func New(store modules.Store, reg *registry.Registry, q *queue.Queue, config Config, log *persist.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: reg,
		queue:    q,
		config:   config,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the dispatcher's background loop goroutine.
func (d *Dispatcher) Start() error {
	if err := d.tg.Add(); err != nil {
		return err
	}
	go func() {
		defer d.tg.Done()
		d.run()
	}()
	return nil
}

// Close stops the dispatcher's background loop and waits for it to exit.
func (d *Dispatcher) Close() error {
	return d.tg.Stop()
}

// Trigger schedules a dispatch pass. It never blocks: if a pass is already
// pending the signal coalesces into the one already queued.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.tg.StopChan():
			return
		case <-d.trigger:
			d.dispatchPass()
		}
	}
}

// dispatchPass runs the loop described in spec.md section 4.6 while holding
// the dispatch mutex for its entire duration.
func (d *Dispatcher) dispatchPass() {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()

	for {
		jobID, ok := d.queue.Peek()
		if !ok {
			return
		}

		job, exists, err := d.store.GetJob(jobID)
		if err != nil {
			d.log.Printf("dispatcher: failed to fetch job %s: %v", jobID, err)
			return
		}
		if !exists || job.Status != modules.JobQueued {
			// Invariant 1 (spec.md section 3): a job may appear in the
			// queue even if its status has moved on only transiently
			// during dispatch. Discard and keep draining.
			d.queue.Pop()
			continue
		}

		sess, ok := d.registry.SelectEligible(job.SubmitterID, d.config.CoordinatorOwner)
		if !ok {
			// No eligible worker: abort the loop, leave the job at the
			// head for the next trigger.
			return
		}

		// Pop before attempting assignment: assign's revert path
		// re-enqueues at the head on failure, and popping first avoids
		// leaving a duplicate copy of jobID behind the one revert pushes
		// back on.
		d.queue.Pop()
		if !d.assign(jobID, job, sess) {
			// Send (or store) failure: the assign helper already reverted
			// state and re-queued the job at the head. Stop the loop per spec.md
			// section 4.6 step 5 - further attempts would likely hit the
			// same dead session again.
			return
		}
	}
}

// assign performs the atomic status transition and send for one job/worker
// pair. It returns false on any failure (a store write, the frame encode, or
// the send), having already reverted all state and re-enqueued the job at the
// head of the queue.
func (d *Dispatcher) assign(jobID string, job modules.Job, sess *registry.Session) bool {
	d.registry.MarkBusy(sess.WorkerID)
	if err := d.store.SetWorkerStatus(sess.WorkerID, modules.WorkerBusy); err != nil {
		d.log.Printf("dispatcher: failed to mark worker %s busy: %v", sess.WorkerID, err)
		d.registry.MarkIdle(sess.WorkerID)
		d.queue.EnqueueFront(jobID)
		return false
	}
	if err := d.store.UpdateJobStatus(jobID, modules.JobAssigned, modules.JobUpdate{
		AssignedWorker: sess.WorkerID,
		SetAssignedAt:  true,
		AssignedAt:     time.Now(),
	}); err != nil {
		d.log.Printf("dispatcher: failed to assign job %s: %v", jobID, err)
		d.registry.MarkIdle(sess.WorkerID)
		d.store.SetWorkerStatus(sess.WorkerID, modules.WorkerIdle)
		d.queue.EnqueueFront(jobID)
		return false
	}

	env, err := modules.Encode(modules.FrameAssignJob, modules.AssignJobPayload{
		JobID:          jobID,
		Language:       job.Language,
		Source:         job.Source,
		TimeoutSeconds: job.TimeoutSeconds,
	})
	if err != nil {
		d.log.Critical("dispatcher: failed to encode assign_job frame", err)
		d.revert(jobID, sess.WorkerID)
		return false
	}

	if err := sess.Sink.Send(env); err != nil {
		d.log.Printf("dispatcher: send failure to worker %s for job %s: %v, reverting", sess.WorkerID, jobID, err)
		d.revert(jobID, sess.WorkerID)
		return false
	}

	d.log.Printf("job %s assigned to worker %s", jobID, sess.WorkerID)
	return true
}

// revert restores worker and job state after a failed send and re-enqueues
// the job at the head of the queue (spec.md section 4.6 step 5).
func (d *Dispatcher) revert(jobID, workerID string) {
	d.registry.MarkIdle(workerID)
	if err := d.store.SetWorkerStatus(workerID, modules.WorkerIdle); err != nil {
		d.log.Printf("dispatcher: failed to revert worker %s to idle: %v", workerID, err)
	}
	if err := d.store.UpdateJobStatus(jobID, modules.JobQueued, modules.JobUpdate{ClearAssignedWorker: true}); err != nil {
		d.log.Printf("dispatcher: failed to revert job %s to queued: %v", jobID, err)
	}
	d.queue.EnqueueFront(jobID)
}

// Err wraps e with dispatcher context, used by callers outside this
// package that need to surface a consistent error chain.
func Err(e error, context string) error {
	return errors.AddContext(e, context)
}
