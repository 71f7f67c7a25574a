package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/registry"
)

type testSink struct {
	sent   []modules.Envelope
	closed bool
	code   int
	reason string
}

func (s *testSink) Send(env modules.Envelope) error {
	s.sent = append(s.sent, env)
	return nil
}
func (s *testSink) Close(code int, reason string) error {
	s.closed = true
	s.code = code
	s.reason = reason
	return nil
}

func TestAdminEndpointsRejectMalformedWorkerID(t *testing.T) {
	a, _, _, _, _ := testAPI(t)
	rec := doRequest(t, a, "POST", "/admin/workers/not-a-uuid/ban", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed worker id, got %d", rec.Code)
	}
}

func TestAdminEndpointsReturn404ForUnknownWorker(t *testing.T) {
	a, _, _, _, _ := testAPI(t)
	unknown := modules.NewWorkerID()
	rec := doRequest(t, a, "POST", "/admin/workers/"+unknown+"/ban", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown worker, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminBanEvictsLiveSessionAndPersistsRestriction(t *testing.T) {
	a, st, _, reg, _ := testAPI(t)
	workerID := modules.NewWorkerID()
	sink := &testSink{}
	reg.Register(&registry.Session{WorkerID: workerID, OwnerID: "bob", Status: modules.WorkerIdle, Sink: sink})
	if err := st.UpsertWorker(modules.Worker{ID: workerID, OwnerID: "bob", Status: modules.WorkerIdle}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, a, "POST", "/admin/workers/"+workerID+"/ban", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !sink.closed {
		t.Fatal("expected the live session evicted and closed on ban")
	}
	if _, ok := reg.Get(workerID); ok {
		t.Fatal("expected worker removed from the live registry after ban")
	}
	worker, _, err := st.GetWorker(workerID)
	if err != nil {
		t.Fatal(err)
	}
	if worker.Restriction != modules.RestrictionBanned {
		t.Fatalf("expected restriction persisted as banned, got %s", worker.Restriction)
	}
}

func TestAdminUnsuspendClearsPersistedRestriction(t *testing.T) {
	a, st, _, reg, _ := testAPI(t)
	workerID := modules.NewWorkerID()
	sink := &testSink{}
	reg.Register(&registry.Session{WorkerID: workerID, OwnerID: "bob", Status: modules.WorkerIdle, Sink: sink})
	if err := st.UpsertWorker(modules.Worker{ID: workerID, OwnerID: "bob", Status: modules.WorkerIdle}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, a, "POST", "/admin/workers/"+workerID+"/suspend", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on suspend, got %d", rec.Code)
	}
	if !sink.closed {
		t.Fatal("expected live session closed on suspend")
	}

	// Unsuspend targets the durable store only; the worker must reconnect to
	// reappear in the live registry, matching spec.md's single-writer model.
	rec = doRequest(t, a, "POST", "/admin/workers/"+workerID+"/unsuspend", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on unsuspend, got %d", rec.Code)
	}
	worker, _, err := st.GetWorker(workerID)
	if err != nil {
		t.Fatal(err)
	}
	if worker.Restriction != modules.RestrictionNone {
		t.Fatalf("expected restriction cleared, got %s", worker.Restriction)
	}
}

func TestAdminDisconnectDoesNotChangeRestriction(t *testing.T) {
	a, st, _, reg, _ := testAPI(t)
	workerID := modules.NewWorkerID()
	sink := &testSink{}
	reg.Register(&registry.Session{WorkerID: workerID, OwnerID: "bob", Status: modules.WorkerIdle, Sink: sink})
	if err := st.UpsertWorker(modules.Worker{ID: workerID, OwnerID: "bob", Status: modules.WorkerIdle}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, a, "POST", "/admin/workers/"+workerID+"/disconnect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !sink.closed {
		t.Fatal("expected session closed on disconnect")
	}
	worker, _, err := st.GetWorker(workerID)
	if err != nil {
		t.Fatal(err)
	}
	if worker.Restriction != modules.RestrictionNone {
		t.Fatal("expected disconnect to leave restriction untouched")
	}
	if worker.Status != modules.WorkerOffline {
		t.Fatalf("expected worker marked offline, got %s", worker.Status)
	}
}

func TestAdminOverviewAggregatesAllSections(t *testing.T) {
	a, st, led, _, _ := testAPI(t)
	if err := led.EnsureUser("alice"); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertWorker(modules.Worker{ID: "w1", OwnerID: "bob", Status: modules.WorkerIdle}); err != nil {
		t.Fatal(err)
	}
	rec := doRequest(t, a, "GET", "/admin/overview", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp overviewResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Workers) != 1 {
		t.Fatalf("expected one worker in overview, got %d", len(resp.Workers))
	}
	found := false
	for _, u := range resp.Users {
		if u.UserID == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected alice listed in the overview's users section")
	}
}

func TestAdminBroadcastSendsToEveryConnectedWorker(t *testing.T) {
	a, _, _, reg, _ := testAPI(t)
	sink1 := &testSink{}
	sink2 := &testSink{}
	reg.Register(&registry.Session{WorkerID: "w1", OwnerID: "bob", Status: modules.WorkerIdle, Sink: sink1})
	reg.Register(&registry.Session{WorkerID: "w2", OwnerID: "carol", Status: modules.WorkerBusy, Sink: sink2})

	rec := doRequest(t, a, "POST", "/admin/broadcast", broadcastRequest{Message: "maintenance in 5 minutes"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(sink1.sent) != 1 || len(sink2.sent) != 1 {
		t.Fatalf("expected advisory sent to both workers, got sink1=%d sink2=%d", len(sink1.sent), len(sink2.sent))
	}
	if sink1.sent[0].Type != modules.FrameAdvisory {
		t.Fatalf("expected advisory frame type, got %s", sink1.sent[0].Type)
	}
}

func TestAdminBroadcastRejectsEmptyMessage(t *testing.T) {
	a, _, _, _, _ := testAPI(t)
	rec := doRequest(t, a, "POST", "/admin/broadcast", broadcastRequest{Message: ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty broadcast message, got %d", rec.Code)
	}
}
