package modules

import "gitlab.com/NebulousLabs/errors"

// Sentinel errors shared across the coordinator's components. HTTP and
// session handlers type-switch (via errors.Contains) on these to pick the
// response taxonomy from the spec's error handling design.
var (
	// ErrInvalidUserID is returned when a user ID fails the validation
	// regex (leading letter, then letters/digits/_/-, length 1-64).
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidWorkerID is returned when a worker ID is not a well-formed
	// UUID.
	ErrInvalidWorkerID = errors.New("invalid worker id")

	// ErrInvalidLanguage is returned when a job's language tag is outside
	// the configured supported set.
	ErrInvalidLanguage = errors.New("unsupported language")

	// ErrInvalidTimeout is returned when a job's declared timeout falls
	// outside [1, 3600] seconds.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrEmptyCode is returned when a job submission carries no source.
	ErrEmptyCode = errors.New("code must not be empty")

	// ErrCodeTooLarge is returned when a job's source exceeds the
	// configured maximum size.
	ErrCodeTooLarge = errors.New("code exceeds maximum size")

	// ErrInsufficientBalance is returned by the ledger when a reserve
	// would drive a user's balance negative.
	ErrInsufficientBalance = errors.New("insufficient credit balance")

	// ErrInvalidCredential is returned when a hello's auth token does not
	// match the stored token for the claimed owner.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrWorkerRestricted names the banned-or-suspended condition. It is
	// not returned by the handshake (which closes the connection instead)
	// or by the registry (which skips restricted workers).
	ErrWorkerRestricted = errors.New("worker is restricted")

	// ErrWorkerNotFound is returned when a worker ID has no record in
	// either the live registry or the durable store.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrJobNotFound is returned when a job ID has no record in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrUserNotFound is returned when a user ID has no record in the
	// store.
	ErrUserNotFound = errors.New("user not found")

	// ErrQueueFull is returned when the job queue is at its configured
	// capacity.
	ErrQueueFull = errors.New("job queue is full")

	// ErrJobNotQueued names a queue entry whose persisted status has already
	// moved past queued. The dispatcher discards such entries without
	// returning this error.
	ErrJobNotQueued = errors.New("job is no longer queued")

	// ErrUnknownFrameType is logged when a session frame's type
	// discriminant is outside the closed set defined by the protocol; the
	// frame is dropped and the session stays open.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrNoEligibleWorker names the case where no idle, unrestricted,
	// can-execute worker is available. Registry.SelectEligible reports that
	// case with a false result rather than this error.
	ErrNoEligibleWorker = errors.New("no eligible worker available")

	// ErrJobTerminal names an operation on a job that is already completed
	// or failed. Settlement reports a repeat job_result as (false, nil)
	// rather than this error.
	ErrJobTerminal = errors.New("job is already terminal")
)
