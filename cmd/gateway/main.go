// edgemcp-gateway — an edge-deployed Model Context Protocol gateway.
//
// It routes MCP requests between a locally cached model, an ensemble of
// locally cached models, a configured cloud endpoint, and a durable
// offline queue, choosing per request from the device's current resource
// budget, connectivity, and each candidate's recent performance history.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgemcp/gateway/internal/cloudclient"
	"github.com/edgemcp/gateway/internal/config"
	"github.com/edgemcp/gateway/internal/debuglisten"
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

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("📡 edgemcp-gateway starting...")

	cfg := config.Load()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	sink, err := telemetry.NewSink()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry sink")
	}

	registry := modelcache.NewRegistry()
	registry.Register(modelcache.NewSimulatedDriver(models.DriverGgml))
	registry.Register(modelcache.NewSimulatedDriver(models.DriverOnnx))
	registry.Register(modelcache.NewSimulatedDriver(models.DriverTfLite))

	cache := modelcache.NewCache(cfg.MemoryBudgetBytes, registry, modelcache.DefaultEvictionWeights)
	if cfg.LocalModelID != "" {
		cache.RegisterSpec(models.ModelSpec{
			ID:        cfg.LocalModelID,
			Kind:      models.DriverGgml,
			SizeBytes: cfg.MemoryBudgetBytes / 2,
		})
	}
	engine := modelcache.NewEngine(cache)

	rtr := router.New(cfg, cache, engine)
	selector := ensemble.NewSelector(engine, engine, cache, cfg.EnsembleComplexityT1, cfg.EnsembleComplexityT2)

	if err := os.MkdirAll(filepath.Dir(cfg.QueuePersistPath), 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create queue persist directory")
	}
	q, err := queue.Open(cfg.QueuePersistPath, queue.Config{
		MaxEntries: cfg.QueueMaxEntries,
		RetryBase:  cfg.RetryBase,
		RetryCap:   cfg.RetryCap,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open offline queue")
	}

	cloud := cloudclient.New(cfg.CloudEndpoint, cfg.RequestTimeout, 8*1024)

	probe := resource.NewProbe(time.Second)
	probe.SetOnlineCheck(func() bool { return true }) // wired to a real connectivity collaborator by the embedding application

	validator := security.NewValidator()
	limiter := security.NewLimiter(cfg.RateLimitPerMinute, time.Duration(cfg.RateLimitBlockMs)*time.Millisecond, cfg.MaxConnections)
	pipeline := security.NewPipeline(validator, limiter, nil, cfg.RequireAttestation)

	var candidates []router.Candidate
	if cfg.LocalModelID != "" {
		if spec, ok := cache.SpecFor(cfg.LocalModelID); ok {
			candidates = append(candidates, router.Candidate{Spec: spec, MethodClass: "completion"})
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Security:   pipeline,
		Router:     rtr,
		Engine:     engine,
		Selector:   selector,
		Queue:      q,
		CloudSend:  cloud,
		Probe:      probe,
		Telemetry:  sink,
		Candidates: candidates,
	})
	orch.Start()

	debugSrv := debuglisten.New("127.0.0.1:8089", debuglisten.Snapshotter{Probe: probe, Router: rtr, StartedAt: time.Now()})
	debugCtx, cancelDebug := context.WithCancel(context.Background())
	go func() {
		if err := debugSrv.ListenAndServe(debugCtx); err != nil {
			log.Error().Err(err).Msg("debug listener stopped unexpectedly")
		}
	}()

	log.Info().
		Str("local_model", string(cfg.LocalModelID)).
		Str("cloud_endpoint", cfg.CloudEndpoint).
		Msg("🟢 edgemcp-gateway ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("🛑 shutting down gracefully...")
	cancelDebug()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator shutdown reported an error")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("telemetry shutdown reported an error")
	}
}

