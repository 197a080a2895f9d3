// Package modelcache owns the set of currently-loaded models, bounded by a
// configured memory budget, and executes inference against them. It is the
// Model Cache & Engine component.
package modelcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgemcp/gateway/pkg/models"
)

// Driver is the uniform execute capability every model backend kind
// implements. Dynamic/runtime polymorphism from the original source
// becomes this closed set of kinds plus a capability interface, never open
// inheritance (see design notes): Ggml, Onnx, TfLite, Custom all satisfy
// Driver; none subclasses another.
type Driver interface {
	Kind() models.DriverKind
	Load(ctx context.Context, spec models.ModelSpec) (Loaded, error)
}

// Loaded is a driver-specific resident model. Execute is called with the
// per-handle mutex already held by the engine, so drivers need not
// synchronize internally.
type Loaded interface {
	Execute(ctx context.Context, req *models.Request) (*models.Response, error)
	// Unload releases any driver-native resources (e.g. mmap'd weights).
	Unload() error
}

// Registry is a mutex-guarded map of driver kind to implementation,
// mirroring the driver-registry pattern used for provider/archive/channel
// extensibility elsewhere in this family of gateways.
type Registry struct {
	mu      sync.RWMutex
	drivers map[models.DriverKind]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[models.DriverKind]Driver)}
}

func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

func (r *Registry) Get(kind models.DriverKind) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("modelcache: no driver registered for kind %q", kind)
	}
	return d, nil
}

func (r *Registry) List() []models.DriverKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.DriverKind, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	return kinds
}
