// Package orchestrator implements the gateway's single entry point:
// security pipeline, routing decision, dispatch to Local/Ensemble/Cloud/
// Queue, telemetry, and coordinated shutdown of every background loop.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/edgemcp/gateway/internal/cloudclient"
	"github.com/edgemcp/gateway/internal/config"
	"github.com/edgemcp/gateway/internal/ensemble"
	"github.com/edgemcp/gateway/internal/gwerr"
	"github.com/edgemcp/gateway/internal/modelcache"
	"github.com/edgemcp/gateway/internal/queue"
	"github.com/edgemcp/gateway/internal/resource"
	"github.com/edgemcp/gateway/internal/router"
	"github.com/edgemcp/gateway/internal/security"
	"github.com/edgemcp/gateway/internal/telemetry"
	"github.com/edgemcp/gateway/pkg/models"
)

// Deps bundles every collaborator the Orchestrator dispatches through. All
// fields are required except EnsemblePolicy, which defaults to "never
// ensemble" when nil.
type Deps struct {
	Config     *config.Config
	Security   *security.Pipeline
	Router     *router.Router
	Engine     *modelcache.Engine
	Selector   *ensemble.Selector
	Queue      *queue.Queue
	CloudSend  *cloudclient.Client
	Probe      *resource.Probe
	Telemetry  *telemetry.Sink
	Candidates []router.Candidate

	EnsemblePolicy func(methodClass string) (models.EnsembleStrategy, []models.ModelID, bool)
}

// Orchestrator is the Gateway Orchestrator (§4.7): the only entry point
// transports call into.
type Orchestrator struct {
	deps Deps

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc

	inflight chan struct{} // bounded semaphore; also doubles as a drain barrier at shutdown
	draining chan struct{}
}

func New(deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &Orchestrator{
		deps:     deps,
		group:    g,
		gctx:     gctx,
		cancel:   cancel,
		inflight: make(chan struct{}, deps.Config.MaxConnections),
		draining: make(chan struct{}),
	}
}

// Start launches the background loops: the resource probe and the queue
// sync loop. The sync loop is tracked by the errgroup the Orchestrator uses
// for coordinated shutdown; the probe runs its own goroutine on the same
// context and is stopped explicitly by Shutdown.
func (o *Orchestrator) Start() {
	o.deps.Probe.Start(o.gctx)

	syncLoop := queue.NewSyncLoop(
		o.deps.Queue,
		cloudSenderAdapter{o.deps.CloudSend},
		o.deps.Router,
		func() bool { return o.deps.Probe.Snapshot().Online },
		o.deps.Config.RequestTimeout,
		o.deps.Config.QueueSyncInterval,
	)
	o.group.Go(func() error {
		err := syncLoop.Run(o.gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
}

type cloudSenderAdapter struct{ c *cloudclient.Client }

func (a cloudSenderAdapter) Send(ctx context.Context, req *models.Request) (*models.Response, error) {
	return a.c.Send(ctx, req)
}

// Handle implements handle(R) -> S, §4.7's dispatch sequence.
func (o *Orchestrator) Handle(ctx context.Context, req *models.Request) *models.Response {
	select {
	case <-o.draining:
		return errorResponse(req, gwerr.New(models.ErrQueueFull, "gateway is shutting down"))
	case o.inflight <- struct{}{}:
		defer func() { <-o.inflight }()
	}

	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.ReceivedAt = start

	if err := o.deps.Security.Run(req, start); err != nil {
		resp := errorResponse(req, err)
		o.recordTelemetry(ctx, "rejected", resp, start)
		return resp
	}

	decision := o.deps.Router.Decide(router.DecisionInput{
		Request:        req,
		Resources:      o.deps.Probe.Snapshot(),
		Online:         o.deps.Probe.Snapshot().Online,
		Candidates:     o.deps.Candidates,
		EnsemblePolicy: o.deps.EnsemblePolicy,
	})

	resp := o.dispatch(ctx, req, decision)
	resp.LatencyMs = time.Since(start).Milliseconds()
	o.recordTelemetry(ctx, decisionLabel(decision.Kind), resp, start)
	return resp
}

func (o *Orchestrator) dispatch(ctx context.Context, req *models.Request, decision models.RoutingDecision) *models.Response {
	switch decision.Kind {
	case models.DecisionLocal:
		resp, err := o.deps.Engine.Execute(ctx, decision.Model, req)
		if err != nil {
			return o.fallback(ctx, req, err)
		}
		return resp

	case models.DecisionEnsemble:
		outcome, err := o.deps.Selector.Run(ctx, decision.EnsembleStrategy, decision.EnsembleModels, req)
		if err != nil {
			return o.fallback(ctx, req, err)
		}
		resp := outcome.Response
		resp.ProducedBy = string(outcome.Winner)
		return &resp

	case models.DecisionCloud:
		deadline := ctx
		var cancel context.CancelFunc
		if remaining, ok := req.RemainingDeadline(time.Now()); ok {
			deadline, cancel = context.WithTimeout(ctx, remaining)
			defer cancel()
		}
		resp, err := o.deps.CloudSend.Send(deadline, req)
		o.deps.Router.RecordCloudResult(err)
		if err != nil {
			return o.queueOrFail(req, err)
		}
		return resp

	case models.DecisionQueue:
		return o.enqueueAndWait(req)

	default:
		return errorResponse(req, gwerr.New(models.ErrNoCapableModel, "no routing decision reached"))
	}
}

// fallback re-dispatches once to Cloud or Queue after a failed Local or
// Ensemble execution, per §4.7 step 4's one-retry allowance.
func (o *Orchestrator) fallback(ctx context.Context, req *models.Request, cause error) *models.Response {
	log.Debug().Err(cause).Str("request_id", req.ID).Msg("orchestrator: local/ensemble execution failed, falling back")
	if o.deps.Config.CloudEndpoint != "" && o.deps.Router.CloudHealthy() && o.deps.Probe.Snapshot().Online {
		resp, err := o.deps.CloudSend.Send(ctx, req)
		o.deps.Router.RecordCloudResult(err)
		if err == nil {
			return resp
		}
	}
	return o.enqueueAndWait(req)
}

// queueOrFail enqueues after a Transient cloud failure; a Permanent
// failure is surfaced directly since retrying it would never succeed.
func (o *Orchestrator) queueOrFail(req *models.Request, cause error) *models.Response {
	if ce, ok := cause.(*cloudclient.CloudError); ok && ce.Class == cloudclient.ClassPermanent {
		return errorResponseWithStatus(req, models.StatusFailedCloud, gwerr.Wrap(models.ErrCloudPermanent, "cloud rejected the request permanently", cause))
	}
	return o.enqueueAndWait(req)
}

func (o *Orchestrator) enqueueAndWait(req *models.Request) *models.Response {
	entryID, err := o.deps.Queue.Enqueue(*req, req.Priority)
	if err != nil {
		return errorResponse(req, gwerr.Wrap(models.ErrQueueFull, "offline queue is full", err))
	}
	if req.Deadline == nil {
		return &models.Response{RequestID: req.ID, Status: models.StatusQueued, EntryID: fmt.Sprintf("%d", entryID)}
	}

	entry, ok := o.deps.Queue.AwaitResponse(entryID, *req.Deadline)
	if !ok {
		return &models.Response{RequestID: req.ID, Status: models.StatusQueued, EntryID: fmt.Sprintf("%d", entryID),
			Error: gwerr.ToErrorInfo(gwerr.New(models.ErrTimeout, "queue wait exceeded caller deadline"))}
	}
	if entry.State == models.QueueDead {
		return errorResponseWithStatus(req, models.StatusFailedCloud, gwerr.New(models.ErrCloudPermanent, "queued request exhausted retries: "+entry.LastError))
	}
	if entry.CachedResponse != nil {
		return entry.CachedResponse
	}
	return &models.Response{RequestID: req.ID, Status: models.StatusQueued, EntryID: fmt.Sprintf("%d", entryID)}
}

func (o *Orchestrator) recordTelemetry(ctx context.Context, decision string, resp *models.Response, start time.Time) {
	o.deps.Telemetry.RecordRequest(ctx, decision, resp.Status, time.Since(start).Milliseconds())
}

func decisionLabel(kind models.DecisionKind) string {
	switch kind {
	case models.DecisionLocal:
		return "local"
	case models.DecisionEnsemble:
		return "ensemble"
	case models.DecisionCloud:
		return "cloud"
	case models.DecisionQueue:
		return "queue"
	default:
		return "unknown"
	}
}

func errorResponse(req *models.Request, err error) *models.Response {
	return errorResponseWithStatus(req, models.StatusFailedLocal, err)
}

func errorResponseWithStatus(req *models.Request, status models.ResponseStatus, err error) *models.Response {
	return &models.Response{
		RequestID: req.ID,
		Status:    status,
		Error:     gwerr.ToErrorInfo(err),
	}
}

// Shutdown stops accepting new requests, waits (bounded by ctx) for
// in-flight requests to finish, stops the background loops, and closes the
// queue. It does not release the Model Cache's loaded models or close the
// cloud client's connection pool.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.draining)

	drained := make(chan struct{})
	go func() {
		for i := 0; i < cap(o.inflight); i++ {
			o.inflight <- struct{}{}
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		log.Warn().Msg("orchestrator: shutdown deadline hit before in-flight requests drained")
	}

	o.cancel()
	o.deps.Probe.Stop()
	groupErr := o.group.Wait()

	if err := o.deps.Queue.Close(); err != nil {
		log.Error().Err(err).Msg("orchestrator: queue close failed")
	}
	return groupErr
}
