package session

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/dispatcher"
	"gitlab.com/gridlabs/coordinator/modules/ledger"
	"gitlab.com/gridlabs/coordinator/modules/queue"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/modules/settlement"
	"gitlab.com/gridlabs/coordinator/modules/store"
	"gitlab.com/gridlabs/coordinator/persist"
)

// testHub wires a Hub over a fresh bolt-backed store in a temp directory, the
// same "real dependencies in a scratch dir" shape the teacher's accounting
// persistence tests use.
func testHub(t *testing.T) (*Hub, *store.BoltStore, *dispatcher.Dispatcher, *queue.Queue) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "coordinator.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log, err := persist.NewLogger(t.TempDir(), "session-test")
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	q := queue.New(0)
	disp := dispatcher.New(st, reg, q, dispatcher.Config{CoordinatorOwner: "coordinator"}, log)
	if err := disp.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { disp.Close() })

	led := ledger.New(st, ledger.Config{CostRatePerSecond: 0.01, CostBase: 0.01, InitialCredits: 10})
	settler := settlement.New(st, led, reg, settlement.Config{WorkerRewardFraction: 0.5}, log)

	hub := New(st, reg, disp, settler, Config{
		HandshakeTimeout: 2 * time.Second,
		MaxFrameBytes:    10 << 20,
		WriteTimeout:     2 * time.Second,
		IdleTimeout:      0,
		CoordinatorOwner: "coordinator",
	}, log)
	return hub, st, disp, q
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	resp.Body.Close()
	return conn
}

func TestHandshakeUnauthenticated(t *testing.T) {
	t.Parallel()

	hub, _, _, _ := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWebsocket))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	workerID := modules.NewWorkerID()
	helloEnv, err := modules.Encode(modules.FrameHello, modules.HelloPayload{
		WorkerID:     workerID,
		Capabilities: modules.Capabilities{CPUCores: 4, CanExecute: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(helloEnv); err != nil {
		t.Fatal(err)
	}

	var ack modules.Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("expected hello_ack, got error: %v", err)
	}
	if ack.Type != modules.FrameHelloAck {
		t.Fatalf("expected hello_ack, got %s", ack.Type)
	}
	var payload modules.HelloAckPayload
	if err := modules.Decode(ack, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.WorkerID != workerID {
		t.Fatalf("hello_ack worker id mismatch: got %s want %s", payload.WorkerID, workerID)
	}
}

func TestHandshakeCredentialMismatch(t *testing.T) {
	t.Parallel()

	hub, st, _, _ := testHub(t)
	hash, err := store.HashCredential("correct-token")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetUserCredentialHash("alice", hash); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWebsocket))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	helloEnv, err := modules.Encode(modules.FrameHello, modules.HelloPayload{
		WorkerID:     modules.NewWorkerID(),
		OwnerID:      "alice",
		Token:        "wrong-token",
		Capabilities: modules.Capabilities{CanExecute: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(helloEnv); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env modules.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("expected auth_error frame before close, got: %v", err)
	}
	if env.Type != modules.FrameAuthError {
		t.Fatalf("expected auth_error, got %s", env.Type)
	}

	// The server should close with CloseAuthFailed after the auth_error.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close after auth failure")
	} else if ce, ok := err.(*websocket.CloseError); ok && ce.Code != CloseAuthFailed {
		t.Fatalf("expected close code %d, got %d", CloseAuthFailed, ce.Code)
	}
}

func TestHandshakeRestrictedWorkerRejected(t *testing.T) {
	t.Parallel()

	hub, st, _, _ := testHub(t)
	workerID := modules.NewWorkerID()
	if err := st.UpsertWorker(modules.Worker{ID: workerID, Restriction: modules.RestrictionBanned}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWebsocket))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	helloEnv, err := modules.Encode(modules.FrameHello, modules.HelloPayload{
		WorkerID:     workerID,
		Capabilities: modules.Capabilities{CanExecute: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(helloEnv); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close for restricted worker, got no error")
	}
}

func TestJobLifecycleThroughSession(t *testing.T) {
	t.Parallel()

	hub, st, disp, q := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWebsocket))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	workerID := modules.NewWorkerID()
	helloEnv, _ := modules.Encode(modules.FrameHello, modules.HelloPayload{
		WorkerID:     workerID,
		Capabilities: modules.Capabilities{CanExecute: true},
	})
	if err := conn.WriteJSON(helloEnv); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack modules.Envelope
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != modules.FrameHelloAck {
		t.Fatalf("handshake failed: %v %v", ack.Type, err)
	}

	if err := st.EnsureUser("bob", 10); err != nil {
		t.Fatal(err)
	}
	job := modules.Job{
		ID:             modules.NewJobID(),
		SubmitterID:    "bob",
		Source:         "print(1)",
		Language:       "python",
		Status:         modules.JobQueued,
		TimeoutSeconds: 30,
		Reserved:       1,
		CreatedAt:      time.Now(),
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	// Enqueue through the same queue the dispatcher drains; mirrors what
	// node/api's submit handler does after a successful reserve.
	if err := q.Enqueue(job.ID); err != nil {
		t.Fatal(err)
	}
	disp.Trigger()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var assign modules.Envelope
	if err := conn.ReadJSON(&assign); err != nil {
		t.Fatalf("expected assign_job, got error: %v", err)
	}
	if assign.Type != modules.FrameAssignJob {
		t.Fatalf("expected assign_job, got %s", assign.Type)
	}
	var assignPayload modules.AssignJobPayload
	if err := modules.Decode(assign, &assignPayload); err != nil {
		t.Fatal(err)
	}
	if assignPayload.JobID != job.ID {
		t.Fatalf("assigned wrong job: got %s want %s", assignPayload.JobID, job.ID)
	}

	started, _ := modules.Encode(modules.FrameJobStarted, modules.JobStartedPayload{JobID: job.ID})
	if err := conn.WriteJSON(started); err != nil {
		t.Fatal(err)
	}

	result, _ := modules.Encode(modules.FrameJobResult, modules.JobResultPayload{
		JobID:           job.ID,
		ExitCode:        0,
		Stdout:          "1\n",
		DurationSeconds: 0.5,
		HasDuration:     true,
	})
	if err := conn.WriteJSON(result); err != nil {
		t.Fatal(err)
	}

	// Settlement happens asynchronously on the connection's read loop;
	// poll the store briefly for the terminal status rather than
	// asserting on a fixed sleep.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, ok, err := st.GetJob(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if ok && j.Status.IsTerminal() {
			if j.Status != modules.JobCompleted {
				t.Fatalf("expected job completed, got %s", j.Status)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
}
