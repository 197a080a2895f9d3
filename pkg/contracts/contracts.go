// Package contracts defines the extension-point interfaces for the
// edgemcp gateway.
//
// These are the interfaces an embedding application swaps to retarget the
// gateway at a new device family: a different model-runtime SDK, a
// different cloud-fallback transport, a different hardware attestation
// root of trust. The gateway ships simulated/basic defaults for each; a
// platform integrator registers a real implementation instead of forking
// internal/ packages.
package contracts

import (
	"context"

	"github.com/edgemcp/gateway/internal/modelcache"
	"github.com/edgemcp/gateway/internal/queue"
	"github.com/edgemcp/gateway/internal/security"
	"github.com/edgemcp/gateway/pkg/models"
)

// ── Model Driver ─────────────────────────────────────────────

// ModelDriver is a type alias for the Model Cache's Driver interface.
// Built-in: SimulatedDriver (Ggml/Onnx/TfLite stand-ins for constrained
// test and development targets). A platform integration registers its
// own driver — llama.cpp bindings, ONNX Runtime, TFLite delegate — for
// the kinds its device family actually ships.
type ModelDriver = modelcache.Driver

// LoadedModel is a type alias for the Model Cache's Loaded interface: a
// driver-specific resident model instance.
type LoadedModel = modelcache.Loaded

// ── Cloud Sender ─────────────────────────────────────────────

// CloudSender is a type alias for the queue package's CloudSender
// interface, the capability the offline queue's sync loop dispatches
// through. The orchestrator's own cloud and fallback paths call
// *cloudclient.Client directly rather than through this interface.
// Built-in: cloudclient.Client (pooled HTTP/JSON transport). A platform
// integration can substitute gRPC, MQTT-over-cellular, or a vendor SDK
// transport for the sync loop without touching the router or the queue.
type CloudSender = queue.CloudSender

// ── Attestation Checker ──────────────────────────────────────

// AttestationChecker is a type alias for the security package's
// AttestationChecker interface: the hardware/software attestation root
// of trust consulted by the Security Pipeline when require_attestation
// is set.
// Built-in: NoopAttestation (always succeeds; used when no attestation
// collaborator is configured). A platform integration wires a TPM quote
// verifier, a secure-enclave challenge-response, or a vendor device
// identity service.
type AttestationChecker = security.AttestationChecker

// ── Connectivity Probe ───────────────────────────────────────

// ConnectivityProbe reports whether the device currently has a path to
// the configured cloud endpoint. The Resource Probe calls this on its
// sampling interval and folds the result into the resource snapshot the
// Router decides against.
//
// Built-in: main wires a probe that always reports online, since the
// gateway has no default notion of the device's network stack. A
// platform integration supplies one backed by a real link-state check
// (NetworkManager, a captive-portal probe, a cellular modem's AT
// command set) and registers it via resource.Probe.SetOnlineCheck.
type ConnectivityProbe interface {
	Online() bool
}

// ConnectivityProbeFunc adapts a plain func() bool to a ConnectivityProbe,
// mirroring the http.HandlerFunc adapter idiom.
type ConnectivityProbeFunc func() bool

func (f ConnectivityProbeFunc) Online() bool { return f() }

// ── Ensemble Policy ──────────────────────────────────────────

// EnsemblePolicyProvider resolves a request's method class to the
// ensemble strategy and candidate model set it should run against, if
// any. The Router consults this when building a DecisionInput; a nil
// result (ok == false) means the method class never ensembles.
//
// Built-in: main wires no policy by default (every request is
// single-model). A platform integration can register, say,
// WeightedVoting across a quantized and a full-precision variant of the
// same model for "completion" requests, or TaskSpecialized routing for
// mixed completion/embedding/tool-call workloads.
type EnsemblePolicyProvider interface {
	Resolve(methodClass string) (strategy models.EnsembleStrategy, candidates []models.ModelID, ok bool)
}

// EnsemblePolicyFunc adapts a plain resolver function to an
// EnsemblePolicyProvider.
type EnsemblePolicyFunc func(methodClass string) (models.EnsembleStrategy, []models.ModelID, bool)

func (f EnsemblePolicyFunc) Resolve(methodClass string) (models.EnsembleStrategy, []models.ModelID, bool) {
	return f(methodClass)
}

// ── Queue Storage ────────────────────────────────────────────

// QueueStorage is a type alias for the offline queue's bbolt-backed
// Queue. It is aliased here, rather than abstracted behind a narrower
// interface, because every operation the orchestrator needs — Enqueue,
// AwaitResponse, DequeueForSync, Complete, Fail — is already exercised
// end to end only through *queue.Queue; there is a single storage
// backend in this family of gateways (embedded bbolt, chosen for
// zero-dependency crash-safe persistence on the device itself), so no
// platform so far has needed to swap it. Re-exported for integrations
// that want to inspect queue depth or drain state without importing
// internal/queue directly.
type QueueStorage = queue.Queue

// ── Health Reporter ──────────────────────────────────────────

// HealthReporter summarizes gateway health for the loopback debug
// listener and for an embedding application's own status surface.
// Built-in: debuglisten.Snapshotter composes resource.Probe and
// router.Router directly rather than through this interface, since both
// live in the same binary; HealthReporter exists for integrations that
// assemble the health payload from a different process or a remote
// device-fleet dashboard.
type HealthReporter interface {
	Healthy(ctx context.Context) (ok bool, detail map[string]string)
}
