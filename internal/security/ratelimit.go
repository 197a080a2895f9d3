package security

import (
	"sync"
	"time"

	"github.com/edgemcp/gateway/internal/gwerr"
	"github.com/edgemcp/gateway/pkg/models"
	"golang.org/x/time/rate"
)

// deviceWindow tracks one device's sliding-window admission state plus its
// violation/cooldown history for bounded exponential backoff.
type deviceWindow struct {
	mu         sync.Mutex
	hits       []time.Time // timestamps within the last window, oldest first
	violations int
	blockedTil time.Time
}

// Limiter implements admit(device_id, now) -> Ok | RateLimited(retry_after).
// Per-device state is a sliding window; a golang.org/x/time/rate token
// bucket on top enforces the global admission cap so no single device can
// starve others even if every device stays under its own per-device limit.
type Limiter struct {
	perMinute   int
	window      time.Duration
	blockBase   time.Duration
	maxBlock    time.Duration
	globalLimit *rate.Limiter

	mu      sync.Mutex
	devices map[string]*deviceWindow
}

func NewLimiter(perMinute int, blockBase time.Duration, maxConnections int) *Limiter {
	return &Limiter{
		perMinute:   perMinute,
		window:      time.Minute,
		blockBase:   blockBase,
		maxBlock:    blockBase * 8,
		globalLimit: rate.NewLimiter(rate.Limit(maxConnections), maxConnections),
		devices:     make(map[string]*deviceWindow),
	}
}

// Admit enforces the per-device sliding window, its bounded-exponential
// cooldown on repeated violation, and the global admission cap.
func (l *Limiter) Admit(deviceID string, now time.Time) error {
	if !l.globalLimit.AllowN(now, 1) {
		return gwerr.RateLimited(int64(time.Second / time.Millisecond))
	}

	dw := l.deviceFor(deviceID)
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if now.Before(dw.blockedTil) {
		retryAfter := dw.blockedTil.Sub(now)
		return gwerr.RateLimited(retryAfter.Milliseconds())
	}

	cutoff := now.Add(-l.window)
	kept := dw.hits[:0]
	for _, t := range dw.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	dw.hits = kept

	if len(dw.hits) >= l.perMinute {
		dw.violations++
		cooldown := l.blockBase * time.Duration(1<<uint(minInt(dw.violations-1, 6)))
		if cooldown > l.maxBlock {
			cooldown = l.maxBlock
		}
		dw.blockedTil = now.Add(cooldown)
		return gwerr.RateLimited(cooldown.Milliseconds())
	}

	dw.hits = append(dw.hits, now)
	return nil
}

func (l *Limiter) deviceFor(deviceID string) *deviceWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	dw, ok := l.devices[deviceID]
	if !ok {
		dw = &deviceWindow{}
		l.devices[deviceID] = dw
	}
	return dw
}

// GC lazily removes device state whose cooldown has long expired, per the
// "rate-limit state is per-device; entries are GC'd lazily" policy.
func (l *Limiter) GC(now time.Time, idleFor time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, dw := range l.devices {
		dw.mu.Lock()
		idle := len(dw.hits) == 0 || now.Sub(dw.hits[len(dw.hits)-1]) > l.window
		stale := idle && now.Sub(dw.blockedTil) > idleFor
		dw.mu.Unlock()
		if stale {
			delete(l.devices, id)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// AttestationChecker consults an external attestation collaborator.
type AttestationChecker interface {
	Attest(deviceID string) (bool, error)
}

// NoopAttestation always succeeds; used when require_attestation is false
// or no hardware attestation collaborator is wired.
type NoopAttestation struct{}

func (NoopAttestation) Attest(string) (bool, error) { return true, nil }

// Pipeline composes validate -> admit -> optional attest, matching the
// Security Pipeline's operation sequence.
type Pipeline struct {
	Validator          *Validator
	Limiter            *Limiter
	Attestation        AttestationChecker
	RequireAttestation bool
}

func NewPipeline(validator *Validator, limiter *Limiter, attestation AttestationChecker, requireAttestation bool) *Pipeline {
	if attestation == nil {
		attestation = NoopAttestation{}
	}
	return &Pipeline{
		Validator:          validator,
		Limiter:            limiter,
		Attestation:        attestation,
		RequireAttestation: requireAttestation,
	}
}

// Run executes validate -> admit -> attest, short-circuiting at the first
// rejection.
func (p *Pipeline) Run(r *models.Request, now time.Time) error {
	if err := p.Validator.Validate(r); err != nil {
		return err
	}
	if err := p.Limiter.Admit(r.DeviceID, now); err != nil {
		return err
	}
	if p.RequireAttestation {
		ok, err := p.Attestation.Attest(r.DeviceID)
		if err != nil || !ok {
			return gwerr.New(models.ErrAttestFailed, "hardware attestation failed")
		}
	}
	return nil
}
