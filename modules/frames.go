package modules

import "encoding/json"

// FrameType discriminates the closed set of session frames defined by the
// protocol (spec.md section 4.4). Decode does not inspect the discriminant;
// the session's frame router logs a frame with an unknown discriminant as
// ErrUnknownFrameType and drops it.
type FrameType string

// The closed set of frame types. hello, hb, job_started, job_log and
// job_result originate from the worker; hello_ack, auth_error, assign_job
// and advisory originate from the coordinator. capabilities_update is an
// additive worker->coordinator frame (SPEC_FULL.md section D.4).
const (
	FrameHello               FrameType = "hello"
	FrameHelloAck            FrameType = "hello_ack"
	FrameAuthError           FrameType = "auth_error"
	FrameHeartbeat           FrameType = "hb"
	FrameAssignJob           FrameType = "assign_job"
	FrameJobStarted          FrameType = "job_started"
	FrameJobLog              FrameType = "job_log"
	FrameJobResult           FrameType = "job_result"
	FrameCapabilitiesUpdate  FrameType = "capabilities_update"
	FrameAdvisory            FrameType = "advisory"
)

// Envelope is the wire shape every frame is encoded as: a type discriminant
// plus a type-specific payload. This mirrors the teacher's typed
// RPCRead/RPCWrite helpers, adapted from length-prefixed binary RPC to a
// JSON envelope suited to a websocket text frame.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is sent by a worker opening a session.
type HelloPayload struct {
	WorkerID     string       `json:"worker_id"`
	OwnerID      string       `json:"owner_id"`
	Token        string       `json:"token"`
	Capabilities Capabilities `json:"capabilities"`
}

// HelloAckPayload is sent by the coordinator on successful handshake.
type HelloAckPayload struct {
	WorkerID string `json:"worker_id"`
}

// AuthErrorPayload explains why a hello was rejected.
type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

// HeartbeatPayload carries no fields; its presence alone refreshes
// last-seen. Declared for symmetry with the other frame payloads.
type HeartbeatPayload struct{}

// AssignJobPayload is sent by the coordinator to hand a job to a worker.
type AssignJobPayload struct {
	JobID          string `json:"job_id"`
	Language       string `json:"language"`
	Source         string `json:"source"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// JobStartedPayload is informational; it lets the coordinator move a job
// from assigned to running.
type JobStartedPayload struct {
	JobID string `json:"job_id"`
}

// JobLogPayload is accepted and, per SPEC_FULL.md section D.1, persisted;
// the core invariants do not depend on it.
type JobLogPayload struct {
	JobID string `json:"job_id"`
	Line  string `json:"line"`
}

// JobResultPayload is the single terminal message a worker sends per job.
type JobResultPayload struct {
	JobID             string  `json:"job_id"`
	ExitCode          int     `json:"exit_code"`
	Stdout            string  `json:"stdout"`
	Stderr            string  `json:"stderr"`
	DurationSeconds   float64 `json:"duration_seconds,omitempty"`
	HasDuration       bool    `json:"has_duration,omitempty"`
}

// CapabilitiesUpdatePayload lets a worker refresh its advertised
// capabilities without a reconnect (SPEC_FULL.md section D.4).
type CapabilitiesUpdatePayload struct {
	Capabilities Capabilities `json:"capabilities"`
}

// AdvisoryPayload is a coordinator->worker broadcast string (SPEC_FULL.md
// section D.2).
type AdvisoryPayload struct {
	Message string `json:"message"`
}

// Encode marshals a typed payload into an Envelope of the given type.
func Encode(t FrameType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals an Envelope's payload into dst. Callers select dst's
// concrete type by switching on env.Type first.
func Decode(env Envelope, dst interface{}) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, dst)
}
