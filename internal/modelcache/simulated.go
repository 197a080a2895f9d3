package modelcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgemcp/gateway/pkg/models"
)

// SimulatedDriver is a deterministic stand-in for a concrete ML inference
// library (ggml.cpp, ONNX Runtime, TFLite, ...), which this core treats as
// an external collaborator. It lets the cache, single-flight, and eviction
// machinery be exercised and tested without a real weights file.
type SimulatedDriver struct {
	kind       models.DriverKind
	loadDelay  time.Duration
	execDelay  time.Duration
	loadCalls  chan struct{} // test hook: receives on every Load, for counting
}

func NewSimulatedDriver(kind models.DriverKind) *SimulatedDriver {
	return &SimulatedDriver{kind: kind, loadDelay: time.Millisecond, execDelay: time.Millisecond}
}

// WithLoadCounter attaches a channel that receives a value each time Load
// runs, so tests can assert single-flight collapsed N concurrent misses
// into exactly one load.
func (d *SimulatedDriver) WithLoadCounter(ch chan struct{}) *SimulatedDriver {
	d.loadCalls = ch
	return d
}

func (d *SimulatedDriver) Kind() models.DriverKind { return d.kind }

func (d *SimulatedDriver) Load(ctx context.Context, spec models.ModelSpec) (Loaded, error) {
	select {
	case <-time.After(d.loadDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.loadCalls != nil {
		select {
		case d.loadCalls <- struct{}{}:
		default:
		}
	}
	return &simulatedLoaded{spec: spec, execDelay: d.execDelay}, nil
}

type simulatedLoaded struct {
	spec      models.ModelSpec
	execDelay time.Duration
}

func (l *simulatedLoaded) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	select {
	case <-time.After(l.execDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	confidence := scoreConfidence(req)
	return &models.Response{
		RequestID:  req.ID,
		Status:     models.StatusOk,
		Payload:    []byte(fmt.Sprintf(`{"model":%q,"echo":true}`, l.spec.ID)),
		ProducedBy: string(l.spec.ID),
		Confidence: confidence,
	}, nil
}

func (l *simulatedLoaded) Unload() error { return nil }

// scoreConfidence derives a deterministic, monotone-comparable confidence
// in [0,1] from declared request features — standing in for the
// per-model scoring function (length, truncation, self-declared refusal)
// the contract requires without committing to any concrete model's logic.
func scoreConfidence(req *models.Request) float64 {
	n := len(req.Params)
	refusal := strings.Contains(strings.ToLower(string(req.Params)), "cannot help")
	switch {
	case refusal:
		return 0.1
	case n == 0:
		return 0.5
	case n > 4096:
		return 0.6
	default:
		return 0.9
	}
}
