// Package resource implements the Clock & Resource Probe: monotonic time
// plus a bounded-cadence read of CPU%, memory%, battery%, temperature, and
// connectivity state.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/edgemcp/gateway/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Probe refreshes a ResourceSnapshot at a bounded cadence (≤1 Hz) and
// serves the latest snapshot to readers without blocking on I/O.
type Probe struct {
	interval time.Duration

	mu       sync.RWMutex
	snapshot models.ResourceSnapshot

	// onlineCheck is overridable so tests can force a connectivity state
	// without touching the network.
	onlineCheck func() bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProbe constructs a Probe. interval is clamped to a minimum of 1s (≤1Hz).
func NewProbe(interval time.Duration) *Probe {
	if interval < time.Second {
		interval = time.Second
	}
	p := &Probe{
		interval:    interval,
		onlineCheck: func() bool { return true },
		stopCh:      make(chan struct{}),
	}
	p.snapshot = models.ResourceSnapshot{TakenAt: time.Now(), Online: true, BatteryPercent: 100}
	return p
}

// SetOnlineCheck overrides the connectivity probe, used by tests and by a
// transport collaborator that has a better signal for link state.
func (p *Probe) SetOnlineCheck(fn func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onlineCheck = fn
}

// Start runs the background refresh loop until the context is cancelled or
// Stop is called.
func (p *Probe) Start(ctx context.Context) {
	p.refresh()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.refresh()
			}
		}
	}()
}

// Stop halts the background refresh loop and waits for it to exit.
func (p *Probe) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}

// Snapshot returns the most recently refreshed snapshot. It never blocks
// on I/O — readers always get the last cached reading.
func (p *Probe) Snapshot() models.ResourceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

func (p *Probe) refresh() {
	snap := models.ResourceSnapshot{TakenAt: time.Now()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		log.Debug().Err(err).Msg("resource probe: cpu read failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemPercent = vm.UsedPercent
	} else {
		log.Debug().Err(err).Msg("resource probe: mem read failed")
	}

	// Battery and temperature have no portable gopsutil path across
	// Raspberry Pi / Jetson / ESP-class targets, so they report as
	// "unconstrained" here; a platform-specific collaborator can read the
	// real values from sysfs or a vendor SDK and feed them in separately.
	snap.BatteryPercent = 100
	snap.TemperatureCelsius = 0

	p.mu.RLock()
	check := p.onlineCheck
	p.mu.RUnlock()
	snap.Online = check()

	p.mu.Lock()
	p.snapshot = snap
	p.mu.Unlock()
}
