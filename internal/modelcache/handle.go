package modelcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/edgemcp/gateway/pkg/models"
)

// Handle is owned exclusively by the Cache. It references a loaded model
// resident in memory plus a per-handle mutex serializing inference calls
// on that model, and a refcount held by in-flight inferences that gates
// eviction.
type Handle struct {
	Spec models.ModelSpec
	impl Loaded

	// execMu serializes inference: at most one inference runs concurrently
	// on a given handle.
	execMu sync.Mutex

	refcount int32 // atomic; destroyed deterministically once it drops to 0 after eviction
	evicted  int32 // atomic bool
}

func newHandle(spec models.ModelSpec, impl Loaded) *Handle {
	return &Handle{Spec: spec, impl: impl}
}

// Acquire increments the refcount. Callers must call Release exactly once
// per successful Acquire.
func (h *Handle) Acquire() {
	atomic.AddInt32(&h.refcount, 1)
}

// Release decrements the refcount and, if the handle has already been
// marked evicted and the refcount has drained to zero, unloads it.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refcount, -1) == 0 && atomic.LoadInt32(&h.evicted) == 1 {
		_ = h.impl.Unload()
	}
}

// markEvicted marks the handle for destruction. If its refcount is already
// zero it unloads immediately; otherwise the last Release call will do so.
func (h *Handle) markEvicted() bool {
	atomic.StoreInt32(&h.evicted, 1)
	if atomic.LoadInt32(&h.refcount) == 0 {
		_ = h.impl.Unload()
		return true
	}
	return false
}

func (h *Handle) refs() int32 { return atomic.LoadInt32(&h.refcount) }

// Execute runs one inference serialized on this handle's mutex — the
// Engine half of the Model Cache & Engine contract.
func (h *Handle) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	h.execMu.Lock()
	defer h.execMu.Unlock()
	return h.impl.Execute(ctx, req)
}
