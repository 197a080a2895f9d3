// Package models holds the data types shared across the gateway: the
// request/response envelope, routing decisions, model cache entries, queue
// entries, and resource snapshots.
package models

import (
	"encoding/json"
	"time"
)

// ── Priority ─────────────────────────────────────────────────

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ── Request ──────────────────────────────────────────────────

// Request is the MCP envelope accepted from a transport collaborator.
type Request struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   Priority        `json:"priority"`
	Context    string          `json:"context,omitempty"`
	// Tags declares the request's task kind(s) — e.g. "code", "math",
	// "reasoning", "creative", "chat" — consulted by the TaskSpecialized
	// ensemble strategy to match against a candidate's declared
	// ModelSpec.Specialties.
	Tags       []string        `json:"tags,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
}

// RemainingDeadline returns the duration until the request's deadline, and
// whether a deadline was set at all.
func (r *Request) RemainingDeadline(now time.Time) (time.Duration, bool) {
	if r.Deadline == nil {
		return 0, false
	}
	return r.Deadline.Sub(now), true
}

// ── Response ─────────────────────────────────────────────────

type ResponseStatus string

const (
	StatusOk          ResponseStatus = "ok"
	StatusFailedLocal ResponseStatus = "failed_local"
	StatusFailedCloud ResponseStatus = "failed_cloud"
	StatusQueued      ResponseStatus = "queued"
)

// Response is returned from the Orchestrator's single entry point.
type Response struct {
	RequestID  string          `json:"request_id"`
	Status     ResponseStatus  `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProducedBy string          `json:"produced_by,omitempty"`
	LatencyMs  int64           `json:"latency_ms"`
	Confidence float64         `json:"confidence,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	EntryID    string          `json:"entry_id,omitempty"`
}

// ErrorInfo is the user-visible error shape; it never carries the request
// payload (see error taxonomy propagation policy).
type ErrorInfo struct {
	Kind       ErrKind `json:"kind"`
	Message    string  `json:"message"`
	RetryAfter int64   `json:"retry_after_ms,omitempty"`
}

// ErrKind enumerates the error taxonomy. These are kinds, not Go error
// types — translation to/from a wrapped error happens at component
// boundaries (see internal/gwerr).
type ErrKind string

const (
	ErrMalformedRequest     ErrKind = "malformed_request"
	ErrRateLimited          ErrKind = "rate_limited"
	ErrAttestFailed         ErrKind = "attest_failed"
	ErrNoCapableModel       ErrKind = "no_capable_model"
	ErrLocalInferenceFailed ErrKind = "local_inference_failed"
	ErrCloudTransient       ErrKind = "cloud_transient"
	ErrCloudPermanent       ErrKind = "cloud_permanent"
	ErrQueueFull            ErrKind = "queue_full"
	ErrTimeout              ErrKind = "timeout"
)

// ── RoutingDecision ──────────────────────────────────────────

type DecisionKind int

const (
	DecisionLocal DecisionKind = iota
	DecisionEnsemble
	DecisionCloud
	DecisionQueue
)

type QueueReason string

const (
	ReasonOffline         QueueReason = "offline"
	ReasonCloudUnhealthy  QueueReason = "cloud_unhealthy"
	ReasonLocalOverloaded QueueReason = "local_overloaded"
	ReasonNoCapableModel  QueueReason = "no_capable_model"
)

// RoutingDecision is an immutable tagged variant produced once per request.
type RoutingDecision struct {
	Kind             DecisionKind
	Model            ModelID   // valid when Kind == DecisionLocal
	EnsembleModels   []ModelID // valid when Kind == DecisionEnsemble
	EnsembleStrategy EnsembleStrategy
	CloudEndpoint    string      // valid when Kind == DecisionCloud
	QueueReason      QueueReason // valid when Kind == DecisionQueue
}

// ── ModelID / ModelHandle ────────────────────────────────────

// ModelID is a content-addressed, restart-stable model identifier.
type ModelID string

// DriverKind is the closed set of model backend kinds. Dynamic/runtime
// polymorphism from the original source becomes a tagged variant here:
// each kind implements the same execute contract through a capability
// interface (see internal/modelcache.Driver), never open inheritance.
type DriverKind string

const (
	DriverGgml   DriverKind = "ggml"
	DriverOnnx   DriverKind = "onnx"
	DriverTfLite DriverKind = "tflite"
	DriverCustom DriverKind = "custom"
)

// ModelSpec describes a model artifact independent of whether it is loaded.
type ModelSpec struct {
	ID               ModelID
	Kind             DriverKind
	SizeBytes        int64
	PreferredBatch   int
	Specialties      []string // e.g. "code", "math", "reasoning", "creative", "chat"
	MaxContextTokens int
}

// ── ModelPerformanceRecord ───────────────────────────────────

// ModelPerformanceRecord tracks EWMA statistics per ModelID. Mutated only
// by the engine at the end of each invocation; readers may observe values
// at most one update old (eventual consistency is an explicit contract).
type ModelPerformanceRecord struct {
	ModelID          ModelID
	EWMALatencyMs    float64
	EWMASuccessRate  float64
	EWMAConfidence   float64
	TotalInvocations int64
}

// ── QueueEntry ───────────────────────────────────────────────

type QueueState string

const (
	QueuePending   QueueState = "pending"
	QueueInFlight  QueueState = "in_flight"
	QueueCompleted QueueState = "completed"
	QueueDead      QueueState = "dead"
)

// QueueEntry is the durable unit persisted by the Offline Queue.
type QueueEntry struct {
	EntryID        uint64     `json:"entry_id"`
	Request        Request    `json:"request"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	AttemptCount   int        `json:"attempt_count"`
	State          QueueState `json:"state"`
	CachedResponse *Response  `json:"cached_response,omitempty"`
	Priority       Priority   `json:"priority"`
	LastError      string     `json:"last_error,omitempty"`

	// SchemaVersion allows forward migration: a newer process must be able
	// to read records written by an older one.
	SchemaVersion int `json:"schema_version"`
}

const CurrentQueueEntrySchemaVersion = 1

// ── ResourceSnapshot ─────────────────────────────────────────

// ResourceSnapshot is a read-mostly instantaneous view refreshed at a
// bounded cadence (≤1 Hz) by the Clock & Resource Probe.
type ResourceSnapshot struct {
	TakenAt            time.Time
	CPUPercent         float64
	MemPercent         float64
	BatteryPercent     float64 // 100 when not battery-powered / unknown
	TemperatureCelsius float64
	Online             bool
	BandwidthEstimate  float64 // bytes/sec, 0 when unknown
}

// ── Ensemble ─────────────────────────────────────────────────

type EnsembleStrategy string

const (
	StrategyFastestFirst    EnsembleStrategy = "fastest_first"
	StrategyWeightedVoting  EnsembleStrategy = "weighted_voting"
	StrategyTaskSpecialized EnsembleStrategy = "task_specialized"
	StrategyComplexityBased EnsembleStrategy = "complexity_based"
)

// EnsembleOutcome reports, per invocation, which candidates ran and which
// produced the returned output.
type EnsembleOutcome struct {
	Strategy   EnsembleStrategy
	Ran        []ModelID
	Winner     ModelID
	Response   Response
	Confidence float64
}
