// Package settlement implements settlement (component C7): on a job_result,
// compute the actual time-cost, refund the submitter's reserve surplus,
// credit the executing worker's owner, and release the worker back to idle.
// The "idempotent per job ID" contract (spec.md section 4.7) is implemented
// by reading the job's persisted status first and returning early when it is
// already terminal, under no additional lock (UpdateJobStatus itself does
// not check the prior status), mirroring how
// the teacher's skymodules/host/rpcaccountbalance.go treats each store/
// ledger call as its own consistency boundary rather than wrapping a
// broader critical section around it.
package settlement

import (
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/ledger"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/persist"
)

// Config holds the settlement parameters from spec.md section 6.
type Config struct {
	WorkerRewardFraction float64
}

// Settler performs settlement.
type Settler struct {
	store    modules.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	config   Config
	log      *persist.Logger
}

// New constructs a Settler.
func New(store modules.Store, l *ledger.Ledger, reg *registry.Registry, config Config, log *persist.Logger) *Settler {
	return &Settler{store: store, ledger: l, registry: reg, config: config, log: log}
}

// Settle applies a job_result to the job named by result.JobID. It returns
// (false, nil) when the job was already terminal - the idempotence case -
// so callers can distinguish "nothing to do" from a genuine error without
// treating a second job_result as a fault.
func (s *Settler) Settle(workerID string, result modules.JobResultPayload) (bool, error) {
	job, exists, err := s.store.GetJob(result.JobID)
	if err != nil {
		return false, errors.AddContext(err, "unable to fetch job for settlement")
	}
	if !exists {
		return false, modules.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		// Double settlement: ignored by the ledger, no second credit call.
		return false, nil
	}
	if job.AssignedWorker != "" && job.AssignedWorker != workerID {
		// A stale job_result from a worker the watchdog already reassigned
		// this job away from (its session can still be live even though
		// the recovery sweep only evicts sessions on the offline path, not
		// the stuck-job path). Crediting it would pay the wrong owner for
		// work the reassigned worker actually did.
		s.log.Printf("settlement: dropping job_result for %s from stale worker %s (assigned to %s)", result.JobID, workerID, job.AssignedWorker)
		return false, nil
	}

	duration := result.DurationSeconds
	if !result.HasDuration {
		if job.AssignedAt.IsZero() {
			duration = 0
		} else {
			duration = time.Since(job.AssignedAt).Seconds()
		}
	}
	timeCost := s.ledger.TimeCost(duration, job.Reserved)

	newStatus := modules.JobCompleted
	if result.ExitCode != 0 {
		newStatus = modules.JobFailed
	}

	now := time.Now()
	err = s.store.UpdateJobStatus(result.JobID, newStatus, modules.JobUpdate{
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		ExitCode:       result.ExitCode,
		SetExitCode:    true,
		SetCompletedAt: true,
		CompletedAt:    now,
	})
	if err != nil {
		return false, errors.AddContext(err, "unable to mark job terminal")
	}

	surplus := job.Reserved - timeCost
	if surplus > 0 {
		if err := s.ledger.Refund(job.SubmitterID, surplus); err != nil {
			s.log.Printf("settlement: failed to refund surplus for job %s: %v", result.JobID, err)
		}
	}

	owner, hasOwner, err := s.workerOwner(workerID)
	if err != nil {
		s.log.Printf("settlement: failed to resolve owner of worker %s: %v", workerID, err)
	} else if hasOwner {
		reward := s.config.WorkerRewardFraction * timeCost
		if reward > 0 {
			if err := s.ledger.Credit(owner, reward); err != nil {
				s.log.Printf("settlement: failed to credit worker owner %s: %v", owner, err)
			}
		}
	}

	s.registry.MarkIdle(workerID)
	if err := s.store.SetWorkerStatus(workerID, modules.WorkerIdle); err != nil {
		s.log.Printf("settlement: failed to mark worker %s idle: %v", workerID, err)
	}

	s.log.Printf("job %s settled as %s (cost=%.4f surplus=%.4f)", result.JobID, newStatus, timeCost, surplus)
	return true, nil
}

// workerOwner resolves the owner of workerID, preferring the live registry
// and falling back to the durable store for a worker that has already
// disconnected by the time job_result arrives.
func (s *Settler) workerOwner(workerID string) (string, bool, error) {
	if sess, ok := s.registry.Get(workerID); ok && sess.OwnerID != "" {
		return sess.OwnerID, true, nil
	}
	w, ok, err := s.store.GetWorker(workerID)
	if err != nil {
		return "", false, err
	}
	if !ok || w.OwnerID == "" {
		return "", false, nil
	}
	return w.OwnerID, true, nil
}

// MarkRunning transitions a job from assigned to running on job_started,
// reported by workerID.
func (s *Settler) MarkRunning(workerID, jobID string) error {
	job, exists, err := s.store.GetJob(jobID)
	if err != nil {
		return errors.AddContext(err, "unable to fetch job")
	}
	if !exists {
		return modules.ErrJobNotFound
	}
	if job.Status != modules.JobAssigned {
		// job_started arriving out of order or after a watchdog recovery
		// raced ahead of it; nothing to do.
		return nil
	}
	if job.AssignedWorker != "" && job.AssignedWorker != workerID {
		// Stale job_started from a worker the watchdog already reassigned
		// this job away from.
		s.log.Printf("settlement: dropping job_started for %s from stale worker %s (assigned to %s)", jobID, workerID, job.AssignedWorker)
		return nil
	}
	return s.store.UpdateJobStatus(jobID, modules.JobRunning, modules.JobUpdate{})
}
