// Package router implements the gateway's decision core: given a request,
// a fresh resource snapshot, per-model performance history, and
// connectivity state, it produces exactly one RoutingDecision. The router
// never fails — if no dispatch is feasible it returns Queue with a reason,
// leaving failure handling to the Orchestrator.
package router

import (
	"strings"

	"github.com/sony/gobreaker"

	"github.com/edgemcp/gateway/internal/config"
	"github.com/edgemcp/gateway/pkg/models"
)

// PerformanceSource supplies the EWMA history the local-preference score
// blends in. Satisfied by *modelcache.Engine.
type PerformanceSource interface {
	RecordFor(id models.ModelID) models.ModelPerformanceRecord
}

// CacheProbe answers "is this model already resident, or cheap to load
// under the current budget" without acquiring a reference. Satisfied by
// *modelcache.Cache.
type CacheProbe interface {
	IsLoaded(id models.ModelID) bool
	SpecFor(id models.ModelID) (models.ModelSpec, bool)
	UsedBytes() int64
}

// Candidate describes one locally available model the router may choose
// between, paired with the method classes it is considered capable of
// serving.
type Candidate struct {
	Spec        models.ModelSpec
	MethodClass string
}

// Router is the decision core. It holds no per-request state; Decide is
// safe for concurrent use.
type Router struct {
	cfg    *config.Config
	cache  CacheProbe
	perf   PerformanceSource
	budget int64

	cloudBreaker *gobreaker.CircuitBreaker
}

func New(cfg *config.Config, cache CacheProbe, perf PerformanceSource) *Router {
	r := &Router{cfg: cfg, cache: cache, perf: perf, budget: cfg.MemoryBudgetBytes}
	r.cloudBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloud",
		MaxRequests: 1,
		Interval:    cfg.CircuitWindow,
		Timeout:     cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= uint32(cfg.CircuitFailThreshold) {
				return true
			}
			if counts.Requests < 4 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.5
		},
	})
	return r
}

// DecisionInput bundles everything the decision needs beyond the request
// itself; assembled by the Orchestrator once per request.
type DecisionInput struct {
	Request        *models.Request
	Resources      models.ResourceSnapshot
	Online         bool
	Candidates     []Candidate
	EnsemblePolicy func(methodClass string) (models.EnsembleStrategy, []models.ModelID, bool)
}

// Decide implements §4.4. It always returns a decision; it never errors.
func (r *Router) Decide(in DecisionInput) models.RoutingDecision {
	c := ComplexityScore(in.Request)
	res := ResourceScore(in.Resources)

	best, bestOk := r.bestLocalCandidate(in.Request, in.Candidates)
	hist := 0.0
	if bestOk {
		hist = r.perf.RecordFor(best.Spec.ID).EWMASuccessRate
	}
	offlineBias := 0.0
	if !in.Online {
		offlineBias = 1
	}

	w := r.cfg.RouterWeights
	l := w.Complexity*(1-c) + w.Resource*res + w.History*hist + w.Offline*offlineBias

	if l >= r.cfg.RouterLocalThreshold && bestOk && r.cheapToServe(best.Spec) {
		if in.EnsemblePolicy != nil {
			if strategy, ids, ok := in.EnsemblePolicy(best.MethodClass); ok && len(ids) > 1 {
				return models.RoutingDecision{Kind: models.DecisionEnsemble, EnsembleModels: ids, EnsembleStrategy: strategy}
			}
		}
		return models.RoutingDecision{Kind: models.DecisionLocal, Model: best.Spec.ID}
	}

	if in.Online && r.cfg.CloudEndpoint != "" && r.CloudHealthy() {
		return models.RoutingDecision{Kind: models.DecisionCloud, CloudEndpoint: r.cfg.CloudEndpoint}
	}

	return models.RoutingDecision{Kind: models.DecisionQueue, QueueReason: r.queueReason(in.Online, bestOk)}
}

func (r *Router) queueReason(online, haveLocalCandidate bool) models.QueueReason {
	switch {
	case !online:
		return models.ReasonOffline
	case !r.CloudHealthy():
		return models.ReasonCloudUnhealthy
	case !haveLocalCandidate:
		return models.ReasonNoCapableModel
	default:
		return models.ReasonLocalOverloaded
	}
}

// bestLocalCandidate picks, among candidates declared capable of the
// request's method, the one with the highest EWMA success rate; ties
// break toward whichever is already resident (cheaper to serve), which in
// turn satisfies the Local-over-Cloud-over-Queue tie-break rule by making
// residency the deciding factor only among otherwise-equal history.
func (r *Router) bestLocalCandidate(req *models.Request, candidates []Candidate) (Candidate, bool) {
	var best Candidate
	var bestScore float64
	found := false
	for _, cand := range candidates {
		if cand.MethodClass != "" && cand.MethodClass != methodClass(req.Method) {
			continue
		}
		rec := r.perf.RecordFor(cand.Spec.ID)
		score := rec.EWMASuccessRate
		if r.cache.IsLoaded(cand.Spec.ID) {
			score += 0.01
		}
		if !found || score > bestScore {
			best, bestScore, found = cand, score, true
		}
	}
	return best, found
}

// cheapToServe reports whether spec is already resident or would fit
// under budget without requiring an eviction of a referenced entry.
func (r *Router) cheapToServe(spec models.ModelSpec) bool {
	if r.cache.IsLoaded(spec.ID) {
		return true
	}
	if r.budget <= 0 {
		return true
	}
	return r.cache.UsedBytes()+spec.SizeBytes <= r.budget
}

// CloudHealthy reports the circuit breaker's current willingness to admit
// cloud traffic: Closed or HalfOpen both count as healthy enough to try.
func (r *Router) CloudHealthy() bool {
	return r.cloudBreaker.State() != gobreaker.StateOpen
}

// RecordCloudResult feeds a real cloud call's outcome back into the
// breaker. The Orchestrator calls this after each cloud send on its request
// path; the queue sync loop's sends are not recorded.
func (r *Router) RecordCloudResult(err error) {
	_, _ = r.cloudBreaker.Execute(func() (interface{}, error) {
		return nil, err
	})
}

// ComplexityScore implements the complexity score c ∈ [0,1] from §4.4.1:
// monotone in input length and structural depth, reproducible for equal
// inputs.
func ComplexityScore(req *models.Request) float64 {
	score := 0.0

	n := len(req.Params)
	switch {
	case n == 0:
		score += 0.0
	case n < 256:
		score += 0.1
	case n < 2048:
		score += 0.25
	case n < 16384:
		score += 0.4
	default:
		score += 0.55
	}

	payload := string(req.Params)
	if strings.Contains(payload, "```") {
		score += 0.15
	}
	if strings.Contains(payload, `"tool_calls"`) || strings.Contains(payload, `"tools"`) {
		score += 0.15
	}
	if strings.Count(payload, "{") > 20 {
		score += 0.1
	}
	if req.Context != "" {
		score += 0.05 // follow-up turns carry more implicit context than a cold start
	}

	if score > 1 {
		score = 1
	}
	return score
}

// ResourceScore implements the resource score r ∈ [0,1] from §4.4.2: high
// when CPU/memory are free, reduced further under low battery or thermal
// throttle.
func ResourceScore(snap models.ResourceSnapshot) float64 {
	cpuFree := 1 - snap.CPUPercent/100
	memFree := 1 - snap.MemPercent/100
	score := 0.6*cpuFree + 0.4*memFree

	if snap.BatteryPercent < 20 {
		score *= 0.5
	}
	if snap.TemperatureCelsius > 80 {
		score *= 0.5
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// methodClass is the capability-matching key. MCP methods in this gateway
// are already flat, short strings (completion, embedding, tool-call), so
// the class is the method itself.
func methodClass(method string) string {
	return method
}
