// Package ensemble implements the multi-model ensemble strategies the
// Router can choose when more than one locally loaded model is capable of
// serving a request: run one or more candidates and either pick one
// output or merge them by weighted vote, reporting which ran and which won.
package ensemble

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/edgemcp/gateway/internal/router"
	"github.com/edgemcp/gateway/pkg/models"
)

// Executor is the capability an ensemble strategy needs from the Model
// Cache & Engine: run one model against one request.
type Executor interface {
	Execute(ctx context.Context, id models.ModelID, req *models.Request) (*models.Response, error)
}

// PerformanceSource supplies the learned weight prior (EWMA success rate,
// confidence, and latency) the strategies rank and blend against.
type PerformanceSource interface {
	RecordFor(id models.ModelID) models.ModelPerformanceRecord
}

// SpecSource resolves a candidate's declared ModelSpec — size and
// specialties — needed by TaskSpecialized and ComplexityBased.
type SpecSource interface {
	SpecFor(id models.ModelID) (models.ModelSpec, bool)
}

// Selector runs an EnsembleStrategy across candidate models.
type Selector struct {
	exec  Executor
	perf  PerformanceSource
	specs SpecSource

	// complexityT1/T2 partition ComplexityBased's numeric complexity
	// score: below T1 picks the smallest candidate, above T2 the
	// largest, between the median.
	complexityT1 float64
	complexityT2 float64
}

func NewSelector(exec Executor, perf PerformanceSource, specs SpecSource, complexityT1, complexityT2 float64) *Selector {
	return &Selector{exec: exec, perf: perf, specs: specs, complexityT1: complexityT1, complexityT2: complexityT2}
}

type candidateResult struct {
	id   models.ModelID
	resp *models.Response
	err  error
}

// Run dispatches req to candidates per strategy and returns the combined
// outcome. At most 3 candidates ever run concurrently, matching the
// bounded fan-out the ensemble contract requires to stay resource-safe on
// constrained hardware.
func (s *Selector) Run(ctx context.Context, strategy models.EnsembleStrategy, candidates []models.ModelID, req *models.Request) (*models.EnsembleOutcome, error) {
	if len(candidates) == 0 {
		return nil, errors.New("ensemble: no candidates provided")
	}
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	switch strategy {
	case models.StrategyFastestFirst:
		return s.fastestFirst(ctx, candidates, req)
	case models.StrategyWeightedVoting:
		return s.weightedVoting(ctx, candidates, req)
	case models.StrategyTaskSpecialized:
		return s.taskSpecialized(ctx, candidates, req)
	case models.StrategyComplexityBased:
		return s.complexityBased(ctx, candidates, req)
	default:
		return s.fastestFirst(ctx, candidates, req)
	}
}

// fastestFirst ranks candidates by EWMA latency ascending and tries them
// in that order, falling through to the next on inference failure. This
// is a ranked sequential fallthrough, not a race: racing every candidate
// concurrently would waste inference work on exactly the constrained
// hardware this gateway targets, and could "win" with a candidate that
// merely happened to run faster once rather than the one with the best
// track record.
func (s *Selector) fastestFirst(ctx context.Context, candidates []models.ModelID, req *models.Request) (*models.EnsembleOutcome, error) {
	ranked := append([]models.ModelID(nil), candidates...)
	sort.Slice(ranked, func(i, j int) bool {
		return s.perf.RecordFor(ranked[i]).EWMALatencyMs < s.perf.RecordFor(ranked[j]).EWMALatencyMs
	})

	var lastErr error
	var ran []models.ModelID
	for _, id := range ranked {
		ran = append(ran, id)
		resp, err := s.exec.Execute(ctx, id, req)
		if err == nil {
			return &models.EnsembleOutcome{
				Strategy:   models.StrategyFastestFirst,
				Ran:        ran,
				Winner:     id,
				Response:   *resp,
				Confidence: resp.Confidence,
			}, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// weightedVoting runs every candidate concurrently, then merges by scoring
// each response with its declared confidence blended against the
// candidate's learned EWMA success rate and confidence — the weighted
// prior resolving the "how much to trust history vs. this call" open
// question in favor of a fixed 50/50 blend between the two.
func (s *Selector) weightedVoting(ctx context.Context, candidates []models.ModelID, req *models.Request) (*models.EnsembleOutcome, error) {
	results := s.runAll(ctx, candidates, req)

	var best *candidateResult
	var bestScore float64
	for i := range results {
		r := &results[i]
		if r.err != nil {
			continue
		}
		prior := s.perf.RecordFor(r.id)
		learned := (prior.EWMASuccessRate + prior.EWMAConfidence) / 2
		score := 0.5*r.resp.Confidence + 0.5*learned

		if best == nil || betterVote(score, r.resp.Confidence, prior.EWMASuccessRate, bestScore, best.resp.Confidence, s.perf.RecordFor(best.id).EWMASuccessRate) {
			best, bestScore = r, score
		}
	}
	if best == nil {
		return nil, firstErr(results)
	}
	return &models.EnsembleOutcome{
		Strategy:   models.StrategyWeightedVoting,
		Ran:        candidates,
		Winner:     best.id,
		Response:   *best.resp,
		Confidence: bestScore,
	}, nil
}

// taskSpecialized classifies the request by its declared Tags and picks
// the candidate whose declared ModelSpec.Specialties cover the largest
// weighted set of those tags (each declared tag counts as weight 1;
// coverage is the size of the intersection), breaking ties by EWMA
// latency ascending. It executes only the chosen candidate — no
// concurrent fan-out — since specialization exists to avoid wasted
// inference, not add it.
func (s *Selector) taskSpecialized(ctx context.Context, candidates []models.ModelID, req *models.Request) (*models.EnsembleOutcome, error) {
	tagSet := make(map[string]struct{}, len(req.Tags))
	for _, t := range req.Tags {
		tagSet[t] = struct{}{}
	}

	type scored struct {
		id       models.ModelID
		coverage int
	}
	ranked := make([]scored, len(candidates))
	for i, id := range candidates {
		coverage := 0
		if spec, ok := s.specs.SpecFor(id); ok {
			for _, specialty := range spec.Specialties {
				if _, hit := tagSet[specialty]; hit {
					coverage++
				}
			}
		}
		ranked[i] = scored{id: id, coverage: coverage}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].coverage != ranked[j].coverage {
			return ranked[i].coverage > ranked[j].coverage
		}
		return s.perf.RecordFor(ranked[i].id).EWMALatencyMs < s.perf.RecordFor(ranked[j].id).EWMALatencyMs
	})

	chosen := ranked[0].id
	resp, err := s.exec.Execute(ctx, chosen, req)
	if err != nil {
		return nil, err
	}
	return &models.EnsembleOutcome{
		Strategy:   models.StrategyTaskSpecialized,
		Ran:        []models.ModelID{chosen},
		Winner:     chosen,
		Response:   *resp,
		Confidence: resp.Confidence,
	}, nil
}

// complexityBased maps the request's numeric complexity score (the same
// ComplexityScore the Router's decision core computes) onto a threshold
// partition over candidate size: below complexityT1 picks the smallest
// candidate by SizeBytes, above complexityT2 the largest, in between the
// median. It executes only the chosen candidate.
func (s *Selector) complexityBased(ctx context.Context, candidates []models.ModelID, req *models.Request) (*models.EnsembleOutcome, error) {
	type sized struct {
		id   models.ModelID
		size int64
	}
	byID := make([]sized, 0, len(candidates))
	for _, id := range candidates {
		spec, ok := s.specs.SpecFor(id)
		if !ok {
			continue
		}
		byID = append(byID, sized{id: id, size: spec.SizeBytes})
	}
	if len(byID) == 0 {
		return nil, errors.New("ensemble: complexity_based: no candidate has a known ModelSpec")
	}
	sort.Slice(byID, func(i, j int) bool { return byID[i].size < byID[j].size })

	c := router.ComplexityScore(req)
	var chosen models.ModelID
	switch {
	case c < s.complexityT1:
		chosen = byID[0].id
	case c > s.complexityT2:
		chosen = byID[len(byID)-1].id
	default:
		chosen = byID[len(byID)/2].id
	}

	resp, err := s.exec.Execute(ctx, chosen, req)
	if err != nil {
		return nil, err
	}
	return &models.EnsembleOutcome{
		Strategy:   models.StrategyComplexityBased,
		Ran:        []models.ModelID{chosen},
		Winner:     chosen,
		Response:   *resp,
		Confidence: resp.Confidence,
	}, nil
}

func (s *Selector) runAll(ctx context.Context, candidates []models.ModelID, req *models.Request) []candidateResult {
	results := make([]candidateResult, len(candidates))
	var wg sync.WaitGroup
	for i, id := range candidates {
		wg.Add(1)
		go func(i int, id models.ModelID) {
			defer wg.Done()
			resp, err := s.exec.Execute(ctx, id, req)
			results[i] = candidateResult{id: id, resp: resp, err: err}
		}(i, id)
	}
	wg.Wait()
	return results
}

// betterVote decides whether candidate a beats the current best b, per
// WeightedVoting's tie-break rule: the blended score wins first, ties
// broken by declared confidence, then by EWMA success rate.
func betterVote(scoreA, confidenceA, successA, scoreB, confidenceB, successB float64) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if confidenceA != confidenceB {
		return confidenceA > confidenceB
	}
	return successA > successB
}

func firstErr(results []candidateResult) error {
	for _, r := range results {
		if r.err != nil {
			return r.err
		}
	}
	return nil
}
