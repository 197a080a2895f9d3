package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgemcp/gateway/internal/cloudclient"
	"github.com/edgemcp/gateway/internal/config"
	"github.com/edgemcp/gateway/internal/ensemble"
	"github.com/edgemcp/gateway/internal/modelcache"
	"github.com/edgemcp/gateway/internal/orchestrator"
	"github.com/edgemcp/gateway/internal/queue"
	"github.com/edgemcp/gateway/internal/resource"
	"github.com/edgemcp/gateway/internal/router"
	"github.com/edgemcp/gateway/internal/security"
	"github.com/edgemcp/gateway/internal/telemetry"
	"github.com/edgemcp/gateway/pkg/models"
)

func newTestOrchestrator(t *testing.T, cfg *config.Config, autoShutdown bool) *orchestrator.Orchestrator {
	t.Helper()

	reg := modelcache.NewRegistry()
	reg.Register(modelcache.NewSimulatedDriver(models.DriverGgml))
	cache := modelcache.NewCache(cfg.MemoryBudgetBytes, reg, modelcache.DefaultEvictionWeights)
	cache.RegisterSpec(models.ModelSpec{ID: cfg.LocalModelID, Kind: models.DriverGgml, SizeBytes: 1024})
	engine := modelcache.NewEngine(cache)

	rtr := router.New(cfg, cache, engine)
	selector := ensemble.NewSelector(engine, engine, cache, cfg.EnsembleComplexityT1, cfg.EnsembleComplexityT2)

	qPath := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(qPath, queue.Config{
		MaxEntries: cfg.QueueMaxEntries,
		RetryBase:  cfg.RetryBase,
		RetryCap:   cfg.RetryCap,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	cloud := cloudclient.New("https://cloud.invalid/infer", cfg.RequestTimeout, 1<<20)

	probe := resource.NewProbe(time.Second)
	probe.SetOnlineCheck(func() bool { return true })

	sink, err := telemetry.NewSink()
	if err != nil {
		t.Fatalf("telemetry.NewSink: %v", err)
	}

	validator := security.NewValidator()
	limiter := security.NewLimiter(cfg.RateLimitPerMinute, time.Duration(cfg.RateLimitBlockMs)*time.Millisecond, cfg.MaxConnections)
	pipeline := security.NewPipeline(validator, limiter, nil, cfg.RequireAttestation)

	orch := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Security:  pipeline,
		Router:    rtr,
		Engine:    engine,
		Selector:  selector,
		Queue:     q,
		CloudSend: cloud,
		Probe:     probe,
		Telemetry: sink,
		Candidates: []router.Candidate{
			{Spec: models.ModelSpec{ID: cfg.LocalModelID, Kind: models.DriverGgml, SizeBytes: 1024}, MethodClass: "completion"},
		},
	})
	orch.Start()
	if autoShutdown {
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			orch.Shutdown(ctx)
		})
	}
	return orch
}

func baseConfig() *config.Config {
	return &config.Config{
		MaxConnections:       10,
		RequestTimeout:       time.Second,
		LocalModelID:         "m1",
		MemoryBudgetBytes:    1 << 30,
		QueueMaxEntries:      10,
		QueueSyncInterval:    10 * time.Millisecond,
		RetryBase:            10 * time.Millisecond,
		RetryCap:             100 * time.Millisecond,
		MaxRetries:           2,
		RateLimitPerMinute:   1000,
		RateLimitBlockMs:     1000,
		CircuitFailThreshold: 5,
		CircuitWindow:        30 * time.Second,
		CircuitCooldown:      30 * time.Second,
		RouterWeights: config.RouterWeights{
			Complexity: 0.4, Resource: 0.3, History: 0.2, Offline: 0.1,
		},
		RouterLocalThreshold: 0.0, // force Local in happy-path test regardless of history
		EnsembleComplexityT1: 0.3,
		EnsembleComplexityT2: 0.7,
	}
}

func TestHandleLocalHappyPath(t *testing.T) {
	cfg := baseConfig()
	orch := newTestOrchestrator(t, cfg, true)

	resp := orch.Handle(context.Background(), &models.Request{Method: "completion", Params: []byte(`"hello"`)})
	if resp.Status != models.StatusOk {
		t.Fatalf("expected Ok, got %v (err=%v)", resp.Status, resp.Error)
	}
	if resp.ProducedBy != "m1" {
		t.Fatalf("expected produced_by m1, got %s", resp.ProducedBy)
	}
}

func TestHandleRejectsInvalidRequest(t *testing.T) {
	cfg := baseConfig()
	orch := newTestOrchestrator(t, cfg, true)

	resp := orch.Handle(context.Background(), &models.Request{Method: ""})
	if resp.Status != models.StatusFailedLocal {
		t.Fatalf("expected FailedLocal for rejected request, got %v", resp.Status)
	}
	if resp.Error == nil || resp.Error.Kind != models.ErrMalformedRequest {
		t.Fatalf("expected malformed_request error kind, got %+v", resp.Error)
	}
}

func TestHandleQueuesWhenLocalUnreachableAndNoCloud(t *testing.T) {
	cfg := baseConfig()
	cfg.RouterLocalThreshold = 2 // impossible to reach locally, forces queue/cloud path
	orch := newTestOrchestrator(t, cfg, true)

	resp := orch.Handle(context.Background(), &models.Request{Method: "completion", Params: []byte(`"hello"`)})
	if resp.Status != models.StatusQueued {
		t.Fatalf("expected Queued when local threshold unreachable and no cloud endpoint, got %v (err=%v)", resp.Status, resp.Error)
	}
	if resp.EntryID == "" {
		t.Fatal("expected a populated entry_id for a queued response")
	}
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	cfg := baseConfig()
	orch := newTestOrchestrator(t, cfg, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	resp := orch.Handle(context.Background(), &models.Request{Method: "completion", Params: []byte(`"hello"`)})
	if resp.Status != models.StatusFailedLocal {
		t.Fatalf("expected requests to be rejected after shutdown, got %v", resp.Status)
	}
}
