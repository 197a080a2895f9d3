package security

import (
	"testing"
	"time"

	"github.com/edgemcp/gateway/internal/gwerr"
	"github.com/edgemcp/gateway/pkg/models"
)

func TestAdmitAllowsUpToPerMinuteWithinWindow(t *testing.T) {
	l := NewLimiter(3, 100*time.Millisecond, 1000)
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		if err := l.Admit("dev1", now); err != nil {
			t.Fatalf("hit %d: expected admission, got %v", i, err)
		}
	}
	if err := l.Admit("dev1", now); err == nil {
		t.Fatal("expected the 4th hit within the window to be rejected")
	}
}

func TestAdmitResetsOnceHitsAgeOutOfWindow(t *testing.T) {
	l := NewLimiter(2, 100*time.Millisecond, 1000)
	now := time.Unix(0, 0)
	if err := l.Admit("dev1", now); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := l.Admit("dev1", now); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := l.Admit("dev1", now); err == nil {
		t.Fatal("expected the window to be exhausted")
	}

	later := now.Add(l.window + time.Millisecond)
	if err := l.Admit("dev1", later); err != nil {
		t.Fatalf("expected admission once the prior hits have aged out, got %v", err)
	}
}

func TestAdmitAppliesBoundedExponentialCooldown(t *testing.T) {
	blockBase := 50 * time.Millisecond
	l := NewLimiter(1, blockBase, 1000)
	now := time.Unix(0, 0)

	if err := l.Admit("dev1", now); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	err := l.Admit("dev1", now)
	ge, ok := err.(*gwerr.Error)
	if !ok {
		t.Fatalf("expected a *gwerr.Error, got %T", err)
	}
	if ge.Kind != models.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", ge.Kind)
	}
	if time.Duration(ge.RetryAfter)*time.Millisecond != blockBase {
		t.Fatalf("expected first cooldown to equal blockBase (%v), got %dms", blockBase, ge.RetryAfter)
	}

	// Still inside the first cooldown: Admit reports the remaining time
	// left on the existing block rather than computing a fresh violation.
	afterFirstBlock := now.Add(blockBase / 2)
	err = l.Admit("dev1", afterFirstBlock)
	ge, ok = err.(*gwerr.Error)
	if !ok {
		t.Fatalf("expected a *gwerr.Error, got %T", err)
	}
	if time.Duration(ge.RetryAfter)*time.Millisecond != blockBase/2 {
		t.Fatalf("expected retry while still blocked to report the remaining cooldown (%v), got %dms", blockBase/2, ge.RetryAfter)
	}
}

func TestAdmitCooldownEscalatesAndCapsAtMaxBlock(t *testing.T) {
	blockBase := 10 * time.Millisecond
	l := NewLimiter(1, blockBase, 1000)
	now := time.Unix(0, 0)

	if err := l.Admit("dev1", now); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	// Drive enough violations, each time fast-forwarding past the previous
	// cooldown, that the bounded-exponential schedule would exceed maxBlock
	// (blockBase*8) without the cap.
	cursor := now
	var lastCooldown time.Duration
	for i := 0; i < 10; i++ {
		err := l.Admit("dev1", cursor)
		ge, ok := err.(*gwerr.Error)
		if !ok {
			t.Fatalf("violation %d: expected a *gwerr.Error, got %T", i, err)
		}
		lastCooldown = time.Duration(ge.RetryAfter) * time.Millisecond
		cursor = cursor.Add(lastCooldown + time.Millisecond)
	}
	if lastCooldown != l.maxBlock {
		t.Fatalf("expected cooldown to saturate at maxBlock (%v), got %v", l.maxBlock, lastCooldown)
	}
}

func TestAdmitEnforcesGlobalCap(t *testing.T) {
	l := NewLimiter(1000, time.Second, 2)
	now := time.Unix(0, 0)

	if err := l.Admit("dev1", now); err != nil {
		t.Fatalf("Admit dev1: %v", err)
	}
	if err := l.Admit("dev2", now); err != nil {
		t.Fatalf("Admit dev2: %v", err)
	}
	// A third distinct device still trips the shared global token bucket
	// even though neither device has exhausted its own per-device window.
	if err := l.Admit("dev3", now); err == nil {
		t.Fatal("expected the global admission cap to reject a third concurrent device")
	}
}

func TestGCEvictsOnlyStaleIdleDevices(t *testing.T) {
	l := NewLimiter(5, 10*time.Millisecond, 1000)
	now := time.Unix(0, 0)

	// "idle" has never recorded a hit — its deviceWindow is lazily created
	// with an empty hits slice and a zero blockedTil, which already
	// qualifies as long-expired.
	l.deviceFor("idle")
	// "active" has a live hit within the window and must survive GC.
	if err := l.Admit("active", now); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	l.GC(now, time.Minute)

	l.mu.Lock()
	_, idlePresent := l.devices["idle"]
	_, activePresent := l.devices["active"]
	l.mu.Unlock()
	if idlePresent {
		t.Fatal("expected a never-hit device to be GC'd")
	}
	if !activePresent {
		t.Fatal("expected a device with a live hit in its window to survive GC")
	}
}

type failingAttestation struct{}

func (failingAttestation) Attest(string) (bool, error) { return false, nil }

func TestPipelineRunRejectsMalformedRequestBeforeAdmission(t *testing.T) {
	p := NewPipeline(NewValidator(), NewLimiter(1, time.Second, 1000), nil, false)
	err := p.Run(&models.Request{Method: ""}, time.Unix(0, 0))
	if !gwerr.Is(err, models.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
}

func TestPipelineRunRejectsOverRateLimit(t *testing.T) {
	p := NewPipeline(NewValidator(), NewLimiter(1, time.Second, 1000), nil, false)
	now := time.Unix(0, 0)
	req := &models.Request{Method: "completion", DeviceID: "dev1", Params: []byte(`"hi"`)}
	if err := p.Run(req, now); err != nil {
		t.Fatalf("first request: expected admission, got %v", err)
	}
	if err := p.Run(req, now); !gwerr.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on the second request, got %v", err)
	}
}

func TestPipelineRunEnforcesAttestationWhenRequired(t *testing.T) {
	p := NewPipeline(NewValidator(), NewLimiter(1000, time.Second, 1000), failingAttestation{}, true)
	req := &models.Request{Method: "completion", DeviceID: "dev1", Params: []byte(`"hi"`)}
	err := p.Run(req, time.Unix(0, 0))
	if !gwerr.Is(err, models.ErrAttestFailed) {
		t.Fatalf("expected ErrAttestFailed, got %v", err)
	}
}

func TestPipelineRunSkipsAttestationWhenNotRequired(t *testing.T) {
	p := NewPipeline(NewValidator(), NewLimiter(1000, time.Second, 1000), failingAttestation{}, false)
	req := &models.Request{Method: "completion", DeviceID: "dev1", Params: []byte(`"hi"`)}
	if err := p.Run(req, time.Unix(0, 0)); err != nil {
		t.Fatalf("expected attestation to be skipped, got %v", err)
	}
}

func TestPipelineRunSucceedsWithNoopAttestation(t *testing.T) {
	p := NewPipeline(NewValidator(), NewLimiter(1000, time.Second, 1000), nil, true)
	req := &models.Request{Method: "completion", DeviceID: "dev1", Params: []byte(`"hi"`)}
	if err := p.Run(req, time.Unix(0, 0)); err != nil {
		t.Fatalf("expected the noop attestation collaborator to always succeed, got %v", err)
	}
}
