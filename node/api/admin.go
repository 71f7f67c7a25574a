package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/session"
)

// validateWorkerTarget checks the worker ID format and reports whether the
// worker is known to either the live registry or the durable store, per
// spec.md section 6's "all admin endpoints validate the worker ID format
// and return 404 when the target is neither in the registry nor in the
// store" rule. It writes the error response itself on failure.
func (api *API) validateWorkerTarget(w http.ResponseWriter, workerID string) bool {
	if !modules.ValidateWorkerID(workerID) {
		WriteError(w, Error{modules.ErrInvalidWorkerID.Error()}, http.StatusBadRequest)
		return false
	}
	if _, live := api.registry.Get(workerID); live {
		return true
	}
	_, exists, err := api.store.GetWorker(workerID)
	if err != nil {
		api.log.Printf("admin: failed to fetch worker %s: %v", workerID, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return false
	}
	if !exists {
		WriteError(w, Error{modules.ErrWorkerNotFound.Error()}, http.StatusNotFound)
		return false
	}
	return true
}

// adminDisconnectHandler implements POST /admin/workers/:id/disconnect: it
// closes the worker's live session, if any, without changing its
// restriction.
func (api *API) adminDisconnectHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !api.validateWorkerTarget(w, id) {
		return
	}
	if evicted := api.registry.Evict(id); evicted != nil && evicted.Sink != nil {
		evicted.Sink.Close(session.CloseAdminOrPolicy, "disconnected by admin")
	}
	if err := api.store.SetWorkerStatus(id, modules.WorkerOffline); err != nil {
		api.log.Printf("admin: failed to mark %s offline: %v", id, err)
	}
	WriteJSON(w, struct{ Disconnected bool }{true}, http.StatusOK)
}

// setRestriction applies r to both the store and (if live) the registry,
// evicting a live session when the new restriction forbids presence in C3
// (spec.md section 3 invariant 4).
func (api *API) setRestriction(id string, r modules.Restriction) error {
	if err := api.store.SetWorkerRestriction(id, r); err != nil {
		return err
	}
	if r == modules.RestrictionNone {
		api.registry.SetRestriction(id, r)
		return nil
	}
	if evicted := api.registry.Evict(id); evicted != nil && evicted.Sink != nil {
		evicted.Sink.Close(session.CloseAdminOrPolicy, "worker "+string(r)+" by admin")
	}
	return nil
}

func (api *API) adminBanHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !api.validateWorkerTarget(w, id) {
		return
	}
	if err := api.setRestriction(id, modules.RestrictionBanned); err != nil {
		api.log.Printf("admin: failed to ban %s: %v", id, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	WriteJSON(w, struct{ Restriction string }{string(modules.RestrictionBanned)}, http.StatusOK)
}

func (api *API) adminSuspendHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !api.validateWorkerTarget(w, id) {
		return
	}
	if err := api.setRestriction(id, modules.RestrictionSuspended); err != nil {
		api.log.Printf("admin: failed to suspend %s: %v", id, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	WriteJSON(w, struct{ Restriction string }{string(modules.RestrictionSuspended)}, http.StatusOK)
}

func (api *API) adminUnsuspendHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !api.validateWorkerTarget(w, id) {
		return
	}
	if err := api.setRestriction(id, modules.RestrictionNone); err != nil {
		api.log.Printf("admin: failed to unsuspend %s: %v", id, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	WriteJSON(w, struct{ Restriction string }{string(modules.RestrictionNone)}, http.StatusOK)
}

// overviewResponse is the wire shape of GET /admin/overview.
type overviewResponse struct {
	Workers          []workerResponse `json:"workers"`
	RunningJobs      []jobResponse    `json:"running_jobs"`
	QueuedJobs       []jobResponse    `json:"queued_jobs"`
	RecentlyComplete []jobResponse    `json:"recently_completed"`
	Users            []userResponse   `json:"users"`
}

type userResponse struct {
	UserID      string    `json:"user_id"`
	Balance     float64   `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// adminOverviewHandler implements GET /admin/overview.
func (api *API) adminOverviewHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	workers, err := api.store.ListWorkers()
	if err != nil {
		api.log.Printf("admin overview: list workers: %v", err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	inFlight, err := api.store.ListJobsByStatus(modules.JobAssigned, modules.JobRunning)
	if err != nil {
		api.log.Printf("admin overview: list in-flight jobs: %v", err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	queued, err := api.store.ListJobsByStatus(modules.JobQueued)
	if err != nil {
		api.log.Printf("admin overview: list queued jobs: %v", err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	recentWindow := time.Duration(api.config.RecentWindowSeconds) * time.Second
	recent, err := api.store.ListRecentlyCompleted(recentWindow)
	if err != nil {
		api.log.Printf("admin overview: list recently completed: %v", err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}
	users, err := api.store.ListUsers()
	if err != nil {
		api.log.Printf("admin overview: list users: %v", err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}

	resp := overviewResponse{}
	for _, wk := range workers {
		resp.Workers = append(resp.Workers, toWorkerResponse(wk))
	}
	running := make([]modules.Job, 0, len(inFlight))
	for _, j := range inFlight {
		if j.Status == modules.JobRunning {
			running = append(running, j)
		}
	}
	for _, j := range running {
		resp.RunningJobs = append(resp.RunningJobs, toJobResponse(j))
	}
	for _, j := range queued {
		resp.QueuedJobs = append(resp.QueuedJobs, toJobResponse(j))
	}
	for _, j := range recent {
		resp.RecentlyComplete = append(resp.RecentlyComplete, toJobResponse(j))
	}
	for _, u := range users {
		resp.Users = append(resp.Users, userResponse{UserID: u.ID, Balance: u.Balance, CreatedAt: u.CreatedAt, LastLoginAt: u.LastLoginAt})
	}
	WriteJSON(w, resp, http.StatusOK)
}

// broadcastRequest is the body of POST /admin/broadcast.
type broadcastRequest struct {
	Message string `json:"message"`
}

// adminBroadcastHandler implements POST /admin/broadcast (SPEC_FULL.md
// section D.2): push an advisory frame to every connected worker.
func (api *API) adminBroadcastHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body broadcastRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Message == "" {
		WriteError(w, Error{"malformed broadcast request"}, http.StatusBadRequest)
		return
	}
	env, err := modules.Encode(modules.FrameAdvisory, modules.AdvisoryPayload{Message: body.Message})
	if err != nil {
		api.log.Critical("admin broadcast: failed to encode advisory frame", err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
		return
	}

	sessions := api.registry.Snapshot()
	sent := 0
	for i := range sessions {
		sess := sessions[i]
		if sess.Sink == nil {
			continue
		}
		if err := sess.Sink.Send(env); err != nil {
			api.log.Printf("admin broadcast: failed to send to worker %s: %v", sess.WorkerID, err)
			continue
		}
		sent++
	}
	WriteJSON(w, struct {
		Delivered int `json:"delivered"`
	}{sent}, http.StatusOK)
}
