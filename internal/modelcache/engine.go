package modelcache

import (
	"context"
	"sync"
	"time"

	"github.com/edgemcp/gateway/internal/gwerr"
	"github.com/edgemcp/gateway/pkg/models"
)

// Engine executes inference against acquired handles and maintains the
// EWMA-based ModelPerformanceRecord for each ModelID. The EWMA blend
// follows the teacher stack's own latency-tracking convention of
// weighting the running average 70/30 against each new sample.
type Engine struct {
	cache *Cache

	mu      sync.RWMutex
	records map[models.ModelID]*models.ModelPerformanceRecord

	failedMu    sync.Mutex
	failedUntil map[models.ModelID]time.Time
}

func NewEngine(cache *Cache) *Engine {
	return &Engine{
		cache:       cache,
		records:     make(map[models.ModelID]*models.ModelPerformanceRecord),
		failedUntil: make(map[models.ModelID]time.Time),
	}
}

// Execute implements execute(handle, R) -> S: acquires the handle, runs
// one serialized inference, and updates the performance record.
func (e *Engine) Execute(ctx context.Context, id models.ModelID, req *models.Request) (*models.Response, error) {
	e.failedMu.Lock()
	until, failing := e.failedUntil[id]
	e.failedMu.Unlock()
	if failing && time.Now().Before(until) {
		return nil, gwerr.New(models.ErrLocalInferenceFailed, "model load cooldown in effect")
	}

	handle, err := e.cache.Acquire(ctx, id)
	if err != nil {
		e.markLoadFailure(id)
		return nil, gwerr.Wrap(models.ErrLocalInferenceFailed, "model load failed", err)
	}
	defer handle.Release()

	start := time.Now()
	resp, err := handle.Execute(ctx, req)
	latencyMs := float64(time.Since(start).Milliseconds())

	success := err == nil
	confidence := 0.0
	if resp != nil {
		confidence = resp.Confidence
	}
	e.recordOutcome(id, latencyMs, success, confidence)

	if err != nil {
		return nil, gwerr.Wrap(models.ErrLocalInferenceFailed, "inference failed", err)
	}
	resp.LatencyMs = int64(latencyMs)
	return resp, nil
}

func (e *Engine) markLoadFailure(id models.ModelID) {
	e.failedMu.Lock()
	defer e.failedMu.Unlock()
	e.failedUntil[id] = time.Now().Add(30 * time.Second)
}

func (e *Engine) recordOutcome(id models.ModelID, latencyMs float64, success bool, confidence float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		rec = &models.ModelPerformanceRecord{ModelID: id, EWMALatencyMs: latencyMs, EWMAConfidence: confidence}
		if success {
			rec.EWMASuccessRate = 1
		}
		rec.TotalInvocations = 1
		e.records[id] = rec
		return
	}
	successVal := 0.0
	if success {
		successVal = 1
	}
	// 70/30 blend against the running average, matching the teacher's own
	// EWMA convention for per-provider latency tracking.
	rec.EWMALatencyMs = (rec.EWMALatencyMs*7 + latencyMs*3) / 10
	rec.EWMASuccessRate = (rec.EWMASuccessRate*7 + successVal*3) / 10
	rec.EWMAConfidence = (rec.EWMAConfidence*7 + confidence*3) / 10
	rec.TotalInvocations++
}

// RecordFor returns a snapshot copy of the performance record for id, or a
// zero-value record when nothing has been recorded yet.
func (e *Engine) RecordFor(id models.ModelID) models.ModelPerformanceRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.records[id]; ok {
		return *rec
	}
	return models.ModelPerformanceRecord{ModelID: id}
}

// Cache exposes the underlying cache, used by the Router to check whether
// a candidate is cheap to load under the current budget.
func (e *Engine) Cache() *Cache { return e.cache }
