// Package session implements the session protocol (component C4): the
// worker-facing websocket transport, the hello handshake of spec.md section
// 4.4, and the per-frame routing that feeds the dispatcher, the settlement
// component, and the durable store. The upgrade-then-read-loop shape and the
// "static" field naming for a session's immutable transport state are lifted
// from the teacher's node/api/client/registrysubscription.go, which drives
// the same gorilla/websocket connection the other direction.
package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/dispatcher"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/modules/settlement"
	"gitlab.com/gridlabs/coordinator/modules/store"
	"gitlab.com/gridlabs/coordinator/persist"
)

// Close codes used on the worker websocket, per spec.md section 4.4.
const (
	CloseAuthFailed    = 4401
	CloseAdminOrPolicy = 4400
	CloseUnknownPath   = 4404
)

// Config holds the session transport's tunables.
type Config struct {
	// HandshakeTimeout bounds how long a newly-upgraded connection has to
	// send its hello frame before it is dropped.
	HandshakeTimeout time.Duration

	// MaxFrameBytes caps the size of a single inbound frame (spec.md
	// section 4.4's 10 MiB limit).
	MaxFrameBytes int64

	// WriteTimeout bounds how long a single outbound frame send may take
	// before the session is considered dead.
	WriteTimeout time.Duration

	// IdleTimeout is the read deadline applied after the handshake: a
	// worker silent for longer than this (no heartbeat, no other frame)
	// is dropped. This is a transport-level backstop against a half-open
	// TCP connection, separate from the watchdog's heartbeat-stale
	// threshold, which requeues a silent worker's in-flight jobs. Zero
	// disables the deadline.
	IdleTimeout time.Duration

	// CoordinatorOwner is the owner ID used to disambiguate dispatch
	// eligibility; unused by the handshake itself but threaded through so
	// callers only need to build one Config.
	CoordinatorOwner string
}

// Hub owns the websocket upgrade endpoint and every live session's frame
// routing. It is the thing node/api mounts at the worker websocket path.
type Hub struct {
	store      modules.Store
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	settler    *settlement.Settler
	config     Config
	log        *persist.Logger
	upgrader   websocket.Upgrader
}

// New constructs a Hub.
func New(st modules.Store, reg *registry.Registry, disp *dispatcher.Dispatcher, settler *settlement.Settler, config Config, log *persist.Logger) *Hub {
	return &Hub{
		store:      st,
		registry:   reg,
		dispatcher: disp,
		settler:    settler,
		config:     config,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// wsSink adapts a *websocket.Conn to registry.Sink. Every write goes through
// writeMu because gorilla/websocket forbids concurrent writers on one
// connection, and both the read loop (for close/error replies) and the
// dispatcher (for assign_job) write to the same session.
type wsSink struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Send implements registry.Sink.
func (s *wsSink) Send(env modules.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(env)
}

// Close implements registry.Sink: it sends a close control frame carrying
// code and reason, then closes the underlying connection.
func (s *wsSink) Close(code int, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return errors.Compose(err, s.conn.Close())
}

// ServeWebsocket upgrades r into a worker session and blocks until it ends.
// Callers (node/api) register this as the handler for the worker websocket
// path and run it in its own goroutine per connection, matching
// net/http.Server's one-goroutine-per-request model.
func (h *Hub) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("session: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(h.config.MaxFrameBytes)

	sink := &wsSink{conn: conn, writeTimeout: h.config.WriteTimeout}

	sess, ok := h.handshake(conn, sink, r.RemoteAddr)
	if !ok {
		return
	}

	h.log.Printf("session: worker %s (owner %q) connected from %s", sess.WorkerID, sess.OwnerID, r.RemoteAddr)
	h.dispatcher.Trigger()
	h.readLoop(conn, sink, sess)
}

// handshake performs the hello exchange of spec.md section 4.4. It returns
// the registered session and true on success; on failure it has already
// closed conn with the appropriate code and returns false.
func (h *Hub) handshake(conn *websocket.Conn, sink *wsSink, remoteAddr string) (*registry.Session, bool) {
	conn.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout))

	var env modules.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		h.log.Printf("session: handshake read failed from %s: %v", remoteAddr, err)
		sink.Close(CloseAdminOrPolicy, "expected hello")
		return nil, false
	}
	if env.Type != modules.FrameHello {
		sink.Close(CloseAdminOrPolicy, "first frame must be hello")
		return nil, false
	}
	var hello modules.HelloPayload
	if err := modules.Decode(env, &hello); err != nil {
		sink.Close(CloseAdminOrPolicy, "malformed hello")
		return nil, false
	}
	if !modules.ValidateWorkerID(hello.WorkerID) {
		sink.Close(CloseAdminOrPolicy, "invalid worker id")
		return nil, false
	}

	existingOwner, err := h.authenticate(hello)
	if err != nil {
		h.sendAuthError(sink, err.Error())
		sink.Close(CloseAuthFailed, "authentication failed")
		return nil, false
	}

	workerID := hello.WorkerID
	if existingOwner {
		// Case 1 of spec.md section 4.4's handshake: an authenticated
		// returning owner reuses any worker already on record for that
		// owner rather than the fresh UUID the worker process generated
		// this run, so a restart doesn't orphan the owner's prior worker
		// row.
		owned, err := h.store.ListWorkersByOwner(hello.OwnerID)
		if err != nil {
			h.log.Printf("session: failed to list workers for owner %s: %v", hello.OwnerID, err)
			sink.Close(CloseAdminOrPolicy, "internal error")
			return nil, false
		}
		if len(owned) > 0 {
			workerID = owned[0].ID
		}
	}

	existing, _, err := h.store.GetWorker(workerID)
	if err != nil {
		h.log.Printf("session: failed to fetch worker %s: %v", workerID, err)
		sink.Close(CloseAdminOrPolicy, "internal error")
		return nil, false
	}
	restriction := existing.Restriction
	if restriction == "" {
		restriction = modules.RestrictionNone
	}
	if restriction != modules.RestrictionNone {
		// Restricted workers never get a hello_ack: the connection is
		// simply refused (spec.md section 4.4).
		sink.Close(CloseAdminOrPolicy, "worker is restricted")
		return nil, false
	}

	worker := modules.Worker{
		ID:            workerID,
		OwnerID:       hello.OwnerID,
		Capabilities:  hello.Capabilities,
		IP:            remoteAddr,
		Status:        modules.WorkerIdle,
		Restriction:   modules.RestrictionNone,
		LastHeartbeat: time.Now(),
	}
	if err := h.store.UpsertWorker(worker); err != nil {
		h.log.Printf("session: failed to upsert worker %s: %v", worker.ID, err)
		sink.Close(CloseAdminOrPolicy, "internal error")
		return nil, false
	}
	if hello.OwnerID != "" {
		if err := h.store.TouchLogin(hello.OwnerID); err != nil {
			h.log.Printf("session: failed to touch login for %s: %v", hello.OwnerID, err)
		}
	}

	sess := &registry.Session{
		WorkerID:     worker.ID,
		OwnerID:      worker.OwnerID,
		Capabilities: worker.Capabilities,
		Status:       modules.WorkerIdle,
		Restriction:  modules.RestrictionNone,
		LastSeen:     time.Now(),
		Sink:         sink,
	}
	if previous := h.registry.Register(sess); previous != nil && previous.Sink != nil {
		// Invariant 5 (spec.md section 8): a second successful hello for
		// the same worker ID evicts the first.
		previous.Sink.Close(CloseAdminOrPolicy, "superseded by new session")
	}

	ackEnv, err := modules.Encode(modules.FrameHelloAck, modules.HelloAckPayload{WorkerID: worker.ID})
	if err != nil {
		h.log.Critical("session: failed to encode hello_ack", err)
		return nil, false
	}
	if err := sink.Send(ackEnv); err != nil {
		h.log.Printf("session: failed to send hello_ack to %s: %v", worker.ID, err)
		h.registry.Unregister(worker.ID, sink)
		return nil, false
	}

	return sess, true
}

// authenticate resolves the four cases of spec.md section 4.4: no
// credentials presented (accepted unauthenticated), an existing owner whose
// token matches (returns existingOwner true, case 1), an existing owner
// whose token does not match (rejected), and a brand-new owner (registered
// on first use).
func (h *Hub) authenticate(hello modules.HelloPayload) (existingOwner bool, err error) {
	if hello.OwnerID == "" {
		return false, nil
	}
	exists, match, err := h.store.VerifyCredential(hello.OwnerID, hello.Token)
	if err != nil {
		return false, errors.AddContext(err, "unable to verify credential")
	}
	if exists {
		if !match {
			return false, modules.ErrInvalidCredential
		}
		return true, nil
	}
	// Brand-new owner: register it with the presented token as its
	// credential going forward.
	hash, err := store.HashCredential(hello.Token)
	if err != nil {
		return false, errors.AddContext(err, "unable to hash credential")
	}
	if err := h.store.SetUserCredentialHash(hello.OwnerID, hash); err != nil {
		return false, errors.AddContext(err, "unable to register new owner")
	}
	return false, nil
}

func (h *Hub) sendAuthError(sink *wsSink, reason string) {
	env, err := modules.Encode(modules.FrameAuthError, modules.AuthErrorPayload{Reason: reason})
	if err != nil {
		return
	}
	sink.Send(env)
}

// readLoop consumes frames from a registered session until the connection
// closes or a protocol violation ends it early.
func (h *Hub) readLoop(conn *websocket.Conn, sink *wsSink, sess *registry.Session) {
	defer h.disconnect(sess, sink)

	for {
		if h.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(h.config.IdleTimeout))
		}
		var env modules.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		// Spec.md section 3 invariant: last-seen refreshes on any
		// received message, not only heartbeats.
		h.registry.Touch(sess.WorkerID)
		if err := h.store.TouchWorkerHeartbeat(sess.WorkerID); err != nil {
			h.log.Printf("session: failed to touch heartbeat for %s: %v", sess.WorkerID, err)
		}

		h.handleFrame(sess, env)
	}
}

func (h *Hub) handleFrame(sess *registry.Session, env modules.Envelope) {
	switch env.Type {
	case modules.FrameHeartbeat:
		// No additional work: the touch above already covered it.

	case modules.FrameJobStarted:
		var p modules.JobStartedPayload
		if err := modules.Decode(env, &p); err != nil {
			h.log.Printf("session: malformed job_started from %s: %v", sess.WorkerID, err)
			return
		}
		if err := h.settler.MarkRunning(sess.WorkerID, p.JobID); err != nil {
			h.log.Printf("session: failed to mark job %s running: %v", p.JobID, err)
		}

	case modules.FrameJobLog:
		var p modules.JobLogPayload
		if err := modules.Decode(env, &p); err != nil {
			h.log.Printf("session: malformed job_log from %s: %v", sess.WorkerID, err)
			return
		}
		line := modules.JobLogLine{JobID: p.JobID, Line: p.Line, Timestamp: time.Now()}
		if err := h.store.AppendJobLog(line); err != nil {
			h.log.Printf("session: failed to persist job_log for %s: %v", p.JobID, err)
		}

	case modules.FrameJobResult:
		var p modules.JobResultPayload
		if err := modules.Decode(env, &p); err != nil {
			h.log.Printf("session: malformed job_result from %s: %v", sess.WorkerID, err)
			return
		}
		settled, err := h.settler.Settle(sess.WorkerID, p)
		if err != nil {
			h.log.Printf("session: failed to settle job %s: %v", p.JobID, err)
		}
		if settled {
			h.dispatcher.Trigger()
		}

	case modules.FrameCapabilitiesUpdate:
		var p modules.CapabilitiesUpdatePayload
		if err := modules.Decode(env, &p); err != nil {
			h.log.Printf("session: malformed capabilities_update from %s: %v", sess.WorkerID, err)
			return
		}
		h.registry.SetCapabilities(sess.WorkerID, p.Capabilities)
		if worker, ok, err := h.store.GetWorker(sess.WorkerID); err == nil && ok {
			worker.Capabilities = p.Capabilities
			h.store.UpsertWorker(worker)
		}
		if p.Capabilities.CanExecute {
			h.dispatcher.Trigger()
		}

	default:
		h.log.Printf("session: %v from %s: %s", modules.ErrUnknownFrameType, sess.WorkerID, env.Type)
	}
}

// disconnect releases a session's registry entry and marks the worker
// offline in the durable store. Any job left assigned to this worker is
// recovered by the watchdog's next pass, once it observes the registry
// entry gone.
func (h *Hub) disconnect(sess *registry.Session, sink *wsSink) {
	h.registry.Unregister(sess.WorkerID, sink)
	if err := h.store.SetWorkerStatus(sess.WorkerID, modules.WorkerOffline); err != nil {
		h.log.Printf("session: failed to mark worker %s offline on disconnect: %v", sess.WorkerID, err)
	}
	sink.conn.Close()
	h.log.Printf("session: worker %s disconnected", sess.WorkerID)
}
