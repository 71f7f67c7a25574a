package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/gridlabs/coordinator/modules"
)

// submitRequest is the body of POST /jobs.
type submitRequest struct {
	UserID   string  `json:"user_id"`
	Code     string  `json:"code"`
	Language string  `json:"language"`
	Limits   *limits `json:"limits"`
}

type limits struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

type submitResponse struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"`
	Reserved float64 `json:"reserved"`
}

// submitJobHandler implements POST /jobs: validate, reserve credit, persist
// the job queued, enqueue it, and trigger the dispatcher.
func (api *API) submitJobHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body submitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteError(w, Error{"malformed request body"}, http.StatusBadRequest)
		return
	}

	if !modules.ValidateUserID(body.UserID) {
		WriteError(w, Error{modules.ErrInvalidUserID.Error()}, http.StatusBadRequest)
		return
	}
	if !api.config.SupportedLanguages[body.Language] {
		WriteError(w, Error{modules.ErrInvalidLanguage.Error()}, http.StatusBadRequest)
		return
	}
	timeout := api.config.DefaultTimeoutSeconds
	if body.Limits != nil && body.Limits.TimeoutSeconds > 0 {
		timeout = body.Limits.TimeoutSeconds
	}
	if timeout < 1 || timeout > 3600 {
		WriteError(w, Error{modules.ErrInvalidTimeout.Error()}, http.StatusBadRequest)
		return
	}
	if len(body.Code) == 0 {
		WriteError(w, Error{modules.ErrEmptyCode.Error()}, http.StatusBadRequest)
		return
	}
	if len(body.Code) > api.config.MaxCodeBytes {
		WriteError(w, Error{modules.ErrCodeTooLarge.Error()}, http.StatusBadRequest)
		return
	}

	reserve := api.ledger.MaxReserve(timeout)
	if err := api.ledger.Reserve(body.UserID, reserve); err != nil {
		writeTaxonomyError(w, api.log, "submit: reserve", err)
		return
	}

	job := modules.Job{
		ID:             modules.NewJobID(),
		SubmitterID:    body.UserID,
		Source:         body.Code,
		Language:       body.Language,
		Status:         modules.JobQueued,
		TimeoutSeconds: timeout,
		Reserved:       reserve,
		CreatedAt:      time.Now(),
	}
	if err := api.store.CreateJob(job); err != nil {
		// Store fault after a successful reserve: the reserve must be
		// refunded before returning (spec.md section 7).
		if refundErr := api.ledger.Refund(body.UserID, reserve); refundErr != nil {
			api.log.Printf("submit: failed to refund after job creation failure for %s: %v", body.UserID, refundErr)
		}
		api.log.Printf("submit: failed to create job %s: %v", job.ID, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	if err := api.queue.Enqueue(job.ID); err != nil {
		if refundErr := api.ledger.Refund(body.UserID, reserve); refundErr != nil {
			api.log.Printf("submit: failed to refund after queue-full for %s: %v", body.UserID, refundErr)
		}
		now := time.Now()
		if err := api.store.UpdateJobStatus(job.ID, modules.JobFailed, modules.JobUpdate{SetCompletedAt: true, CompletedAt: now}); err != nil {
			api.log.Printf("submit: failed to fail job %s after queue-full: %v", job.ID, err)
		}
		WriteError(w, Error{modules.ErrQueueFull.Error()}, http.StatusServiceUnavailable)
		return
	}
	api.dispatcher.Trigger()

	WriteJSON(w, submitResponse{JobID: job.ID, Status: string(job.Status), Reserved: job.Reserved}, http.StatusOK)
}

// jobResponse is the wire shape of a single job.
type jobResponse struct {
	JobID          string  `json:"job_id"`
	SubmitterID    string  `json:"user_id"`
	Language       string  `json:"language"`
	Status         string  `json:"status"`
	AssignedWorker string  `json:"assigned_worker,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Reserved       float64 `json:"reserved"`
	Stdout         string  `json:"stdout,omitempty"`
	Stderr         string  `json:"stderr,omitempty"`
	ExitCode       int     `json:"exit_code,omitempty"`
	HasExitCode    bool    `json:"has_exit_code"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(j modules.Job) jobResponse {
	resp := jobResponse{
		JobID:          j.ID,
		SubmitterID:    j.SubmitterID,
		Language:       j.Language,
		Status:         string(j.Status),
		AssignedWorker: j.AssignedWorker,
		TimeoutSeconds: j.TimeoutSeconds,
		Reserved:       j.Reserved,
		Stdout:         j.Stdout,
		Stderr:         j.Stderr,
		ExitCode:       j.ExitCode,
		HasExitCode:    j.ExitCodeSet,
		CreatedAt:      j.CreatedAt,
	}
	if j.Status.IsTerminal() && !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

// getJobHandler implements GET /jobs/:id.
func (api *API) getJobHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	job, ok, err := api.store.GetJob(id)
	if err != nil {
		api.log.Printf("get job %s: %v", id, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	if !ok {
		WriteError(w, Error{modules.ErrJobNotFound.Error()}, http.StatusNotFound)
		return
	}
	WriteJSON(w, toJobResponse(job), http.StatusOK)
}

// jobLogLineResponse is one entry of GET /jobs/:id/logs (SPEC_FULL.md
// section D.1).
type jobLogLineResponse struct {
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

func (api *API) jobLogsHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, ok, err := api.store.GetJob(id); err != nil {
		api.log.Printf("job logs %s: %v", id, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	} else if !ok {
		WriteError(w, Error{modules.ErrJobNotFound.Error()}, http.StatusNotFound)
		return
	}
	lines, err := api.store.ListJobLogs(id)
	if err != nil {
		api.log.Printf("job logs %s: %v", id, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	out := make([]jobLogLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, jobLogLineResponse{Seq: l.Seq, Line: l.Line, Timestamp: l.Timestamp})
	}
	WriteJSON(w, out, http.StatusOK)
}

// defaultJobHistoryLimit is SPEC_FULL.md section D.3's default page size.
const defaultJobHistoryLimit = 50

// listJobsByUserHandler implements GET /users/:id/jobs with limit/before
// pagination (SPEC_FULL.md section D.3).
func (api *API) listJobsByUserHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	userID := ps.ByName("id")
	if !modules.ValidateUserID(userID) {
		WriteError(w, Error{modules.ErrInvalidUserID.Error()}, http.StatusBadRequest)
		return
	}

	limit := defaultJobHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, Error{"invalid 'limit' parameter"}, http.StatusBadRequest)
			return
		}
		limit = n
	}
	var before time.Time
	if raw := req.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, Error{"invalid 'before' parameter"}, http.StatusBadRequest)
			return
		}
		before = t
	}

	jobs, err := api.store.ListJobsByUser(userID, limit, before)
	if err != nil {
		api.log.Printf("list jobs for %s: %v", userID, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	WriteJSON(w, out, http.StatusOK)
}

type balanceResponse struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

// balanceHandler implements GET /users/:id/balance.
func (api *API) balanceHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	userID := ps.ByName("id")
	if !modules.ValidateUserID(userID) {
		WriteError(w, Error{modules.ErrInvalidUserID.Error()}, http.StatusBadRequest)
		return
	}
	bal, err := api.ledger.Balance(userID)
	if err != nil {
		api.log.Printf("balance for %s: %v", userID, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	WriteJSON(w, balanceResponse{UserID: userID, Balance: bal}, http.StatusOK)
}

type workerResponse struct {
	WorkerID      string              `json:"worker_id"`
	OwnerID       string              `json:"owner_id"`
	Capabilities  modules.Capabilities `json:"capabilities"`
	Status        string              `json:"status"`
	Restriction   string              `json:"restriction"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
}

func toWorkerResponse(w modules.Worker) workerResponse {
	return workerResponse{
		WorkerID:      w.ID,
		OwnerID:       w.OwnerID,
		Capabilities:  w.Capabilities,
		Status:        string(w.Status),
		Restriction:   string(w.Restriction),
		LastHeartbeat: w.LastHeartbeat,
	}
}

// listWorkersHandler implements GET /workers.
func (api *API) listWorkersHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	workers, err := api.store.ListWorkers()
	if err != nil {
		api.log.Printf("list workers: %v", err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	out := make([]workerResponse, 0, len(workers))
	for _, wk := range workers {
		out = append(out, toWorkerResponse(wk))
	}
	WriteJSON(w, out, http.StatusOK)
}
