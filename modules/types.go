package modules

import (
	"encoding/json"
	"time"
)

// WorkerStatus is the liveness/availability state of a worker as tracked by
// both the in-memory registry (C3) and its durable mirror (C1).
type WorkerStatus string

// The closed set of worker statuses.
const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Restriction is an administrative flag on a worker that forbids both
// connection and dispatch.
type Restriction string

// The closed set of worker restrictions.
const (
	RestrictionNone      Restriction = "none"
	RestrictionSuspended Restriction = "suspended"
	RestrictionBanned    Restriction = "banned"
)

// JobStatus is a job's position in the lifecycle state machine described by
// spec.md section 4.8's summary table.
type JobStatus string

// The closed set of job statuses. Initial: Queued. Terminal: Completed,
// Failed.
const (
	JobQueued    JobStatus = "queued"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether s is a terminal job status.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Capabilities is the duck-typed worker capability structure advertised on
// hello and refreshed via capabilities_update. Unknown fields in the wire
// frame are ignored by the decoder; CanExecute defaults to true when absent.
type Capabilities struct {
	CPUCores   int  `json:"cpu_cores"`
	GPU        bool `json:"gpu"`
	CanExecute bool `json:"can_execute"`
}

// UnmarshalJSON decodes a capabilities object, leaving CanExecute true when
// the can_execute field is absent.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	type plain Capabilities
	p := plain{CanExecute: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Capabilities(p)
	return nil
}

// User is a submitter or worker-owner account. Created on first successful
// authentication; never deleted by the core.
type User struct {
	ID            string
	CredentialHash string
	Balance       float64
	CreatedAt     time.Time
	LastLoginAt   time.Time
}

// Worker is a durable record of a compute worker, whether currently
// connected or not. A record with Status == WorkerOffline is a stub kept to
// remember owner/restriction across reconnects.
type Worker struct {
	ID            string
	OwnerID       string
	CredentialHash string
	Capabilities  Capabilities
	IP            string
	Status        WorkerStatus
	Restriction   Restriction
	LastHeartbeat time.Time
}

// Job is a single submitted unit of work and its lifecycle state.
type Job struct {
	ID             string
	SubmitterID    string
	Source         string
	Language       string
	Status         JobStatus
	AssignedWorker string // empty when unassigned
	TimeoutSeconds int
	Reserved       float64
	CreatedAt      time.Time
	AssignedAt     time.Time
	CompletedAt    time.Time
	Stdout         string
	Stderr         string
	ExitCode       int
	ExitCodeSet    bool
}

// JobLogLine is one persisted job_log entry (feature D.1 of SPEC_FULL.md).
type JobLogLine struct {
	JobID     string
	Seq       int
	Line      string
	Timestamp time.Time
}
