package tracking

import "encoding/json"

// FailureKind classifies why an operation ended in the Failed phase. The UI
// uses the kind to decide presentation: a cancellation is not an error toast,
// a transport failure is not a job bug.
type FailureKind string

const (
	// FailureKindJob indicates the server-side job itself reported failure.
	// The payload carries the server's failure detail verbatim.
	FailureKindJob FailureKind = "job_failure"

	// FailureKindTransport indicates the engine could no longer observe the
	// job: the status endpoint permanently rejected the fetch or every
	// channel became unusable.
	FailureKindTransport FailureKind = "transport_failure"

	// FailureKindCancelled indicates the client stopped observation via
	// Cancel. The server-side job may still be running.
	FailureKindCancelled FailureKind = "cancelled"
)

// FailureDetail describes a terminal failure. It is set once on the
// authoritative state and immutable thereafter.
type FailureDetail struct {
	kind    FailureKind
	reason  string
	payload json.RawMessage
}

// NewJobFailure wraps a server-reported failure payload.
func NewJobFailure(reason string, payload json.RawMessage) *FailureDetail {
	return &FailureDetail{kind: FailureKindJob, reason: reason, payload: payload}
}

// NewTransportFailure records a permanently failed observation channel.
func NewTransportFailure(reason string) *FailureDetail {
	return &FailureDetail{kind: FailureKindTransport, reason: reason}
}

// NewCancellation records a client-initiated stop of observation.
func NewCancellation(reason string) *FailureDetail {
	return &FailureDetail{kind: FailureKindCancelled, reason: reason}
}

// Kind returns the failure classification.
func (f *FailureDetail) Kind() FailureKind { return f.kind }

// Reason returns the human-readable failure description.
func (f *FailureDetail) Reason() string { return f.reason }

// Payload returns the raw server failure payload, if one was carried.
func (f *FailureDetail) Payload() json.RawMessage { return f.payload }

// IsCancellation reports whether the failure was a client-side cancellation.
func (f *FailureDetail) IsCancellation() bool { return f != nil && f.kind == FailureKindCancelled }
