// Package store implements the coordinator's durable store (component C1)
// on top of gitlab.com/NebulousLabs/bolt, the same embedded KV store the
// teacher uses for its consensus/host/renter persistence. Users, workers and
// jobs each have a bolt bucket (credit balances live in the user rows), plus
// a logs bucket for job_log lines; rows are JSON-encoded so additive schema
// changes never require a
// migration pass over existing data - an absent field just decodes to its
// zero value, satisfying the "tolerates legacy rows missing optional
// columns" requirement.
package store

import (
	"encoding/json"
	"sort"
	"time"

	bolt "gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/errors"
	"golang.org/x/crypto/bcrypt"

	"gitlab.com/gridlabs/coordinator/modules"
)

var (
	bucketUsers   = []byte("users")
	bucketWorkers = []byte("workers")
	bucketJobs    = []byte("jobs")
	bucketLogs    = []byte("logs")
)

// userRow is the persisted representation of a modules.User. The credential
// is stored as a bcrypt hash rather than the opaque token itself; the
// protocol's "opaque equality-checked string" contract is preserved because
// VerifyCredential still reduces to a single boolean match.
type userRow struct {
	ID             string    `json:"id"`
	CredentialHash string    `json:"credential_hash"`
	Balance        float64   `json:"balance"`
	CreatedAt      time.Time `json:"created_at"`
	LastLoginAt    time.Time `json:"last_login_at"`
}

// BoltStore implements modules.Store.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens a bolt-backed store at path, creating the four
// top-level buckets if they do not already exist.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.AddContext(err, "unable to open bolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketWorkers, bucketJobs, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "unable to create buckets")
	}
	return &BoltStore{db: db}, nil
}

// Close implements modules.Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// HashCredential hashes a raw credential token for storage. Exposed so
// callers (the session handshake, user registration) can hash before
// calling SetUserCredentialHash; VerifyCredential takes the raw token.
func HashCredential(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.AddContext(err, "unable to hash credential")
	}
	return string(h), nil
}

func getUser(tx *bolt.Tx, id string) (userRow, bool, error) {
	raw := tx.Bucket(bucketUsers).Get([]byte(id))
	if raw == nil {
		return userRow{}, false, nil
	}
	var u userRow
	if err := json.Unmarshal(raw, &u); err != nil {
		return userRow{}, false, err
	}
	return u, true, nil
}

func putUser(tx *bolt.Tx, u userRow) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUsers).Put([]byte(u.ID), raw)
}

// EnsureUser implements modules.Store.
func (s *BoltStore) EnsureUser(id string, initialBalance float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, exists, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return putUser(tx, userRow{ID: id, Balance: initialBalance, CreatedAt: time.Now()})
	})
}

// VerifyCredential implements modules.Store.
func (s *BoltStore) VerifyCredential(id, credentialHash string) (bool, bool, error) {
	var exists, match bool
	err := s.db.View(func(tx *bolt.Tx) error {
		u, ok, err := getUser(tx, id)
		if err != nil {
			return err
		}
		exists = ok
		if ok {
			match = bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(credentialHash)) == nil
		}
		return nil
	})
	return exists, match, err
}

// TouchLogin implements modules.Store.
func (s *BoltStore) TouchLogin(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, ok, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return modules.ErrUserNotFound
		}
		u.LastLoginAt = time.Now()
		return putUser(tx, u)
	})
}

// SetUserCredentialHash sets (or replaces) a user's stored credential hash.
// Used when the session handshake creates a brand-new user (spec.md
// section 4.4 case 3).
func (s *BoltStore) SetUserCredentialHash(id, credentialHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, ok, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			u = userRow{ID: id, CreatedAt: time.Now()}
		}
		u.CredentialHash = credentialHash
		return putUser(tx, u)
	})
}

// Balance implements modules.Store.
func (s *BoltStore) Balance(id string) (float64, error) {
	var bal float64
	err := s.db.View(func(tx *bolt.Tx) error {
		u, ok, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if ok {
			bal = u.Balance
		}
		return nil
	})
	return bal, err
}

// Deduct implements modules.Store. The guarded decrement runs inside a
// single bolt read-write transaction, which bolt serializes against every
// other writer - this is the ledger's sole consistency primitive (spec.md
// section 4.2).
func (s *BoltStore) Deduct(id string, amount float64) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		u, exists, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if !exists || u.Balance < amount {
			return nil
		}
		u.Balance -= amount
		ok = true
		return putUser(tx, u)
	})
	return ok, err
}

// Credit implements modules.Store.
func (s *BoltStore) Credit(id string, amount float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, exists, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if !exists {
			u = userRow{ID: id, CreatedAt: time.Now()}
		}
		u.Balance += amount
		return putUser(tx, u)
	})
}

// ListUsers implements modules.Store.
func (s *BoltStore) ListUsers() ([]modules.User, error) {
	var out []modules.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, raw []byte) error {
			var u userRow
			if err := json.Unmarshal(raw, &u); err != nil {
				return err
			}
			out = append(out, modules.User{
				ID:             u.ID,
				CredentialHash: u.CredentialHash,
				Balance:        u.Balance,
				CreatedAt:      u.CreatedAt,
				LastLoginAt:    u.LastLoginAt,
			})
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func getWorker(tx *bolt.Tx, id string) (modules.Worker, bool, error) {
	raw := tx.Bucket(bucketWorkers).Get([]byte(id))
	if raw == nil {
		return modules.Worker{}, false, nil
	}
	var w modules.Worker
	if err := json.Unmarshal(raw, &w); err != nil {
		return modules.Worker{}, false, err
	}
	return w, true, nil
}

func putWorker(tx *bolt.Tx, w modules.Worker) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketWorkers).Put([]byte(w.ID), raw)
}

// UpsertWorker implements modules.Store.
func (s *BoltStore) UpsertWorker(w modules.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putWorker(tx, w)
	})
}

// SetWorkerStatus implements modules.Store.
func (s *BoltStore) SetWorkerStatus(id string, status modules.WorkerStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		w, ok, err := getWorker(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return modules.ErrWorkerNotFound
		}
		w.Status = status
		return putWorker(tx, w)
	})
}

// SetWorkerRestriction implements modules.Store.
func (s *BoltStore) SetWorkerRestriction(id string, r modules.Restriction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		w, ok, err := getWorker(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return modules.ErrWorkerNotFound
		}
		w.Restriction = r
		return putWorker(tx, w)
	})
}

// TouchWorkerHeartbeat implements modules.Store.
func (s *BoltStore) TouchWorkerHeartbeat(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		w, ok, err := getWorker(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return modules.ErrWorkerNotFound
		}
		w.LastHeartbeat = time.Now()
		return putWorker(tx, w)
	})
}

// GetWorker implements modules.Store.
func (s *BoltStore) GetWorker(id string) (modules.Worker, bool, error) {
	var w modules.Worker
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		w, ok, err = getWorker(tx, id)
		return err
	})
	return w, ok, err
}

// ListWorkers implements modules.Store.
func (s *BoltStore) ListWorkers() ([]modules.Worker, error) {
	var out []modules.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, raw []byte) error {
			var w modules.Worker
			if err := json.Unmarshal(raw, &w); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// ListWorkersByOwner implements modules.Store.
func (s *BoltStore) ListWorkersByOwner(ownerID string) ([]modules.Worker, error) {
	all, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}
	var out []modules.Worker
	for _, w := range all {
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	return out, nil
}

func getJob(tx *bolt.Tx, id string) (modules.Job, bool, error) {
	raw := tx.Bucket(bucketJobs).Get([]byte(id))
	if raw == nil {
		return modules.Job{}, false, nil
	}
	var j modules.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return modules.Job{}, false, err
	}
	return j, true, nil
}

func putJob(tx *bolt.Tx, j modules.Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(j.ID), raw)
}

// CreateJob implements modules.Store.
func (s *BoltStore) CreateJob(j modules.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx, j)
	})
}

// GetJob implements modules.Store.
func (s *BoltStore) GetJob(id string) (modules.Job, bool, error) {
	var j modules.Job
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		j, ok, err = getJob(tx, id)
		return err
	})
	return j, ok, err
}

// UpdateJobStatus implements modules.Store.
func (s *BoltStore) UpdateJobStatus(id string, status modules.JobStatus, upd modules.JobUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, ok, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return modules.ErrJobNotFound
		}
		j.Status = status
		if upd.ClearAssignedWorker {
			j.AssignedWorker = ""
		} else if upd.AssignedWorker != "" {
			j.AssignedWorker = upd.AssignedWorker
		}
		if upd.SetAssignedAt {
			j.AssignedAt = upd.AssignedAt
		}
		if upd.Stdout != "" {
			j.Stdout = upd.Stdout
		}
		if upd.Stderr != "" {
			j.Stderr = upd.Stderr
		}
		if upd.SetExitCode {
			j.ExitCode = upd.ExitCode
			j.ExitCodeSet = true
		}
		if upd.SetCompletedAt {
			j.CompletedAt = upd.CompletedAt
		}
		return putJob(tx, j)
	})
}

// ListJobsByUser implements modules.Store.
func (s *BoltStore) ListJobsByUser(userID string, limit int, before time.Time) ([]modules.Job, error) {
	var out []modules.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var j modules.Job
			if err := json.Unmarshal(raw, &j); err != nil {
				return err
			}
			if j.SubmitterID != userID {
				return nil
			}
			if !before.IsZero() && !j.CreatedAt.Before(before) {
				return nil
			}
			out = append(out, j)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListJobsByStatus implements modules.Store.
func (s *BoltStore) ListJobsByStatus(statuses ...modules.JobStatus) ([]modules.Job, error) {
	want := make(map[modules.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []modules.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var j modules.Job
			if err := json.Unmarshal(raw, &j); err != nil {
				return err
			}
			if want[j.Status] {
				out = append(out, j)
			}
			return nil
		})
	})
	return out, err
}

// ListRecentlyCompleted implements modules.Store.
func (s *BoltStore) ListRecentlyCompleted(window time.Duration) ([]modules.Job, error) {
	cutoff := time.Now().Add(-window)
	var out []modules.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var j modules.Job
			if err := json.Unmarshal(raw, &j); err != nil {
				return err
			}
			if j.Status.IsTerminal() && j.CompletedAt.After(cutoff) {
				out = append(out, j)
			}
			return nil
		})
	})
	return out, err
}

// AppendJobLog implements modules.Store. Log lines for each job live in
// their own nested bucket, keyed by ID within bucketLogs, so a job's lines
// can be iterated in append order without scanning unrelated jobs.
func (s *BoltStore) AppendJobLog(line modules.JobLogLine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobLogs, err := tx.Bucket(bucketLogs).CreateBucketIfNotExists([]byte(line.JobID))
		if err != nil {
			return err
		}
		seq, err := jobLogs.NextSequence()
		if err != nil {
			return err
		}
		line.Seq = int(seq)
		raw, err := json.Marshal(line)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		for i := 7; i >= 0; i-- {
			key[i] = byte(seq)
			seq >>= 8
		}
		return jobLogs.Put(key, raw)
	})
}

// ListJobLogs implements modules.Store.
func (s *BoltStore) ListJobLogs(jobID string) ([]modules.JobLogLine, error) {
	var out []modules.JobLogLine
	err := s.db.View(func(tx *bolt.Tx) error {
		jobLogs := tx.Bucket(bucketLogs).Bucket([]byte(jobID))
		if jobLogs == nil {
			return nil
		}
		return jobLogs.ForEach(func(_, raw []byte) error {
			var line modules.JobLogLine
			if err := json.Unmarshal(raw, &line); err != nil {
				return err
			}
			out = append(out, line)
			return nil
		})
	})
	return out, err
}

var _ modules.Store = (*BoltStore)(nil)
