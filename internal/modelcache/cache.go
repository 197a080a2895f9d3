package modelcache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgemcp/gateway/pkg/models"
)

// EvictionWeights are the α/β/γ coefficients of the eviction score
// score = α·age(last_access) + β·(1-hit_frequency) − γ·predicted_next_use.
// Lower score is evicted first.
type EvictionWeights struct {
	Age           float64
	InverseHitFreq float64
	Predicted     float64
}

var DefaultEvictionWeights = EvictionWeights{Age: 1.0, InverseHitFreq: 1.0, Predicted: 1.0}

type cachedEntry struct {
	handle          *Handle
	lastAccess      time.Time
	hitCount        int64
	sizeBytes       int64
	predictedNextUse float64
	elem            *list.Element // position in lru for age ordering
}

// loadGate implements single-flight loading: concurrent Acquire calls for
// the same missing ModelID collapse into one Load, and all waiters are
// woken by closing the gate's done channel once the result is ready,
// mirroring the notify-gate pattern used for model readiness
// elsewhere in this family of routers.
type loadGate struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// Cache owns the set of currently-loaded models, bounded by a memory
// budget B. It is the Model Cache half of the Model Cache & Engine
// component; Engine (engine.go) wraps it with the execution contract.
type Cache struct {
	budget   int64
	weights  EvictionWeights
	registry *Registry

	mu      sync.Mutex
	entries map[models.ModelID]*cachedEntry
	lru     *list.List // front = most recently used
	used    int64

	gatesMu sync.Mutex
	gates   map[models.ModelID]*loadGate

	// coAccess[A][B] counts how often B was acquired shortly after A, for
	// predictive preload.
	coAccessMu sync.Mutex
	coAccess   map[models.ModelID]map[models.ModelID]int
	lastAcquired models.ModelID
	lastAcquiredAt time.Time

	specs map[models.ModelID]models.ModelSpec
}

func NewCache(budget int64, registry *Registry, weights EvictionWeights) *Cache {
	return &Cache{
		budget:   budget,
		weights:  weights,
		registry: registry,
		entries:  make(map[models.ModelID]*cachedEntry),
		lru:      list.New(),
		gates:    make(map[models.ModelID]*loadGate),
		coAccess: make(map[models.ModelID]map[models.ModelID]int),
		specs:    make(map[models.ModelID]models.ModelSpec),
	}
}

// RegisterSpec makes a model artifact known to the cache so it can be
// loaded on a future Acquire miss.
func (c *Cache) RegisterSpec(spec models.ModelSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.ID] = spec
}

func (c *Cache) SpecFor(id models.ModelID) (models.ModelSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.specs[id]
	return s, ok
}

// UsedBytes reports the sum of size_bytes over cached entries. It is safe
// to call outside an eviction critical section, matching the memory-budget
// testable property.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Acquire implements acquire(id): returns a reference-counted Handle,
// loading on miss. Concurrent misses for the same id collapse into one
// load (single-flight); every caller, including the one that triggered
// the load, receives the same Handle.
func (c *Cache) Acquire(ctx context.Context, id models.ModelID) (*Handle, error) {
	c.mu.Lock()
	if entry, ok := c.entries[id]; ok {
		entry.lastAccess = time.Now()
		entry.hitCount++
		c.lru.MoveToFront(entry.elem)
		entry.handle.Acquire()
		c.mu.Unlock()
		c.recordAccess(id)
		return entry.handle, nil
	}
	c.mu.Unlock()

	return c.acquireMiss(ctx, id)
}

func (c *Cache) acquireMiss(ctx context.Context, id models.ModelID) (*Handle, error) {
	c.gatesMu.Lock()
	if g, loading := c.gates[id]; loading {
		c.gatesMu.Unlock()
		return c.waitGate(ctx, g)
	}
	g := &loadGate{done: make(chan struct{})}
	c.gates[id] = g
	c.gatesMu.Unlock()

	handle, err := c.load(ctx, id)

	g.handle, g.err = handle, err
	close(g.done)

	c.gatesMu.Lock()
	delete(c.gates, id)
	c.gatesMu.Unlock()

	if err != nil {
		return nil, err
	}
	c.recordAccess(id)
	c.maybePreload(ctx, id)
	return handle, nil
}

func (c *Cache) waitGate(ctx context.Context, g *loadGate) (*Handle, error) {
	select {
	case <-g.done:
		if g.err != nil {
			return nil, g.err
		}
		g.handle.Acquire()
		return g.handle, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, id models.ModelID) (*Handle, error) {
	spec, ok := c.SpecFor(id)
	if !ok {
		return nil, fmt.Errorf("modelcache: unknown model id %q", id)
	}
	driver, err := c.registry.Get(spec.Kind)
	if err != nil {
		return nil, err
	}
	impl, err := driver.Load(ctx, spec)
	if err != nil {
		return nil, err
	}
	handle := newHandle(spec, impl)

	c.mu.Lock()
	c.evictUntilFits(spec.SizeBytes)
	// The loader's reference is taken before the entry becomes visible, so
	// no concurrent eviction can pick it while its refcount is still zero.
	handle.Acquire()
	entry := &cachedEntry{handle: handle, lastAccess: time.Now(), hitCount: 1, sizeBytes: spec.SizeBytes}
	entry.elem = c.lru.PushFront(entry)
	c.entries[id] = entry
	c.used += spec.SizeBytes
	c.mu.Unlock()

	return handle, nil
}

// evictUntilFits evicts lowest-score entries (never one with outstanding
// references) until sum(size_bytes)+candidate fits under budget. Must be
// called with c.mu held.
func (c *Cache) evictUntilFits(candidateSize int64) {
	if c.budget <= 0 {
		return
	}
	for c.used+candidateSize > c.budget {
		victim := c.pickEvictionVictim()
		if victim == "" {
			return // nothing evictable (all referenced); caller proceeds over-budget rather than deadlock
		}
		c.evictLocked(victim)
	}
}

func (c *Cache) pickEvictionVictim() models.ModelID {
	type scored struct {
		id    models.ModelID
		score float64
	}
	var candidates []scored
	now := time.Now()
	for id, e := range c.entries {
		if e.handle.refs() > 0 {
			continue
		}
		ageSeconds := now.Sub(e.lastAccess).Seconds()
		hitFreq := 1.0
		if e.hitCount > 0 {
			hitFreq = 1.0 - 1.0/float64(e.hitCount+1)
		}
		score := c.weights.Age*ageSeconds + c.weights.InverseHitFreq*(1-hitFreq) - c.weights.Predicted*e.predictedNextUse
		candidates = append(candidates, scored{id, score})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	return candidates[0].id
}

// evictLocked removes an entry from the index. pickEvictionVictim only
// selects entries with a zero refcount, so markEvicted unloads the handle
// immediately here; a reference taken after this point would race with
// eviction and is prevented by holding c.mu across the pick-and-evict
// sequence.
func (c *Cache) evictLocked(id models.ModelID) {
	entry, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	c.lru.Remove(entry.elem)
	c.used -= entry.sizeBytes
	entry.handle.markEvicted()
}

func (c *Cache) recordAccess(id models.ModelID) {
	c.coAccessMu.Lock()
	defer c.coAccessMu.Unlock()
	now := time.Now()
	if c.lastAcquired != "" && c.lastAcquired != id && now.Sub(c.lastAcquiredAt) < 30*time.Second {
		if c.coAccess[c.lastAcquired] == nil {
			c.coAccess[c.lastAcquired] = make(map[models.ModelID]int)
		}
		c.coAccess[c.lastAcquired][id]++
	}
	c.lastAcquired = id
	c.lastAcquiredAt = now
}

// maybePreload opportunistically loads models frequently acquired shortly
// after id, subject to budget and only while no acquire is waiting on a
// gate (a cheap proxy for "no concurrent pressure").
func (c *Cache) maybePreload(ctx context.Context, id models.ModelID) {
	c.gatesMu.Lock()
	waiting := len(c.gates) > 0
	c.gatesMu.Unlock()
	if waiting {
		return
	}

	c.coAccessMu.Lock()
	followers := c.coAccess[id]
	var best models.ModelID
	bestCount := 0
	for f, n := range followers {
		if n > bestCount {
			best, bestCount = f, n
		}
	}
	c.coAccessMu.Unlock()
	if best == "" || bestCount < 2 {
		return
	}

	c.mu.Lock()
	_, alreadyLoaded := c.entries[best]
	spec, known := c.specs[best]
	fits := c.used+spec.SizeBytes <= c.budget
	c.mu.Unlock()
	if alreadyLoaded || !known || !fits {
		return
	}

	go func() {
		h, err := c.load(ctx, best)
		if err == nil {
			h.Release() // preload doesn't hold a caller reference
		}
	}()
}

// IsLoaded reports whether id is currently resident, without taking a
// reference, so the router can estimate "cheap to serve" without a real
// acquire; small helper, not part of the cache contract.
func (c *Cache) IsLoaded(id models.ModelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}
