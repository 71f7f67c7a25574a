package modules

import "time"

// JobUpdate carries the optional fields a job status mutation may set. Zero
// values mean "leave unchanged" except where a Set* flag says otherwise,
// matching the store's "mutate job status with optional fields" contract
// from spec.md section 4.1.
type JobUpdate struct {
	AssignedWorker      string
	ClearAssignedWorker bool
	SetAssignedAt       bool
	AssignedAt          time.Time
	Stdout              string
	Stderr              string
	ExitCode            int
	SetExitCode         bool
	SetCompletedAt      bool
	CompletedAt         time.Time
}

// Store is the durable store's interface (component C1): four logical
// tables (users, workers, jobs, credits) behind synchronous, individually
// durable operations. Implementations must make every mutation durable
// before the call returns (spec.md section 4.1's guarantee) and must
// tolerate legacy rows missing optional columns added by later additive
// migrations.
type Store interface {
	// EnsureUser creates a user row with the given initial balance if one
	// does not already exist. Idempotent.
	EnsureUser(id string, initialBalance float64) error

	// VerifyCredential reports whether a user with the given id exists and,
	// if so, whether token matches the stored credential hash. token is
	// the raw opaque credential presented by the caller; the comparison
	// against the hash happens inside the store.
	VerifyCredential(id, token string) (exists bool, match bool, err error)

	// TouchLogin updates a user's last-login timestamp to now.
	TouchLogin(id string) error

	// SetUserCredentialHash sets (or replaces) a user's stored credential
	// hash, creating the user row if absent.
	SetUserCredentialHash(id, credentialHash string) error

	// Balance returns the user's current balance, or 0 if the user does
	// not exist.
	Balance(id string) (float64, error)

	// Deduct atomically decrements id's balance by amount iff the balance
	// is at least amount; it returns whether the decrement happened.
	Deduct(id string, amount float64) (bool, error)

	// Credit unconditionally increments id's balance, creating the user at
	// zero balance first if absent.
	Credit(id string, amount float64) error

	// ListUsers returns every user record, used by the admin overview
	// endpoint (spec.md section 6).
	ListUsers() ([]User, error)

	// UpsertWorker idempotently creates or updates a worker record keyed
	// by ID.
	UpsertWorker(w Worker) error

	// SetWorkerStatus mutates a single worker's status.
	SetWorkerStatus(id string, status WorkerStatus) error

	// SetWorkerRestriction mutates a single worker's restriction flag.
	SetWorkerRestriction(id string, r Restriction) error

	// TouchWorkerHeartbeat updates a worker's last-heartbeat to now.
	TouchWorkerHeartbeat(id string) error

	// GetWorker fetches a single worker record.
	GetWorker(id string) (Worker, bool, error)

	// ListWorkers returns every worker record.
	ListWorkers() ([]Worker, error)

	// ListWorkersByOwner returns every worker record owned by ownerID.
	ListWorkersByOwner(ownerID string) ([]Worker, error)

	// CreateJob persists a new job row with the status it carries (the
	// submit path creates it queued).
	CreateJob(j Job) error

	// GetJob fetches a single job record.
	GetJob(id string) (Job, bool, error)

	// UpdateJobStatus transitions a job to status, applying the optional
	// fields in upd.
	UpdateJobStatus(id string, status JobStatus, upd JobUpdate) error

	// ListJobsByUser returns up to limit jobs submitted by userID, most
	// recent first, only returning jobs created strictly before the
	// `before` cutoff (zero time means no cutoff).
	ListJobsByUser(userID string, limit int, before time.Time) ([]Job, error)

	// ListJobsByStatus returns every job whose status is one of statuses.
	ListJobsByStatus(statuses ...JobStatus) ([]Job, error)

	// ListRecentlyCompleted returns jobs that reached a terminal status
	// within the given window of now.
	ListRecentlyCompleted(window time.Duration) ([]Job, error)

	// AppendJobLog appends one job_log line (SPEC_FULL.md section D.1).
	AppendJobLog(line JobLogLine) error

	// ListJobLogs returns every persisted log line for a job, in order.
	ListJobLogs(jobID string) ([]JobLogLine, error)

	// Close releases the store's resources.
	Close() error
}
