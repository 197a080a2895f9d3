package queue_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgemcp/gateway/internal/queue"
	"github.com/edgemcp/gateway/pkg/models"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(path, queue.Config{MaxEntries: 10, RetryBase: time.Millisecond, RetryCap: 10 * time.Millisecond, MaxRetries: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(models.Request{ID: "r1", Method: "chat.completion"}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entry, ok, err := q.DequeueForSync(time.Now())
	if err != nil || !ok {
		t.Fatalf("DequeueForSync: ok=%v err=%v", ok, err)
	}
	if entry.EntryID != id {
		t.Fatalf("expected entry_id %d, got %d", id, entry.EntryID)
	}

	if err := q.Complete(id, &models.Response{RequestID: "r1", Status: models.StatusOk}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	result, ok := q.AwaitResponse(id, time.Now().Add(time.Second))
	if !ok {
		t.Fatal("expected AwaitResponse to return the completed entry")
	}
	if result.State != models.QueueCompleted {
		t.Fatalf("expected Completed state, got %v", result.State)
	}
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(path, queue.Config{MaxEntries: 1, RetryBase: time.Millisecond, RetryCap: time.Millisecond, MaxRetries: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	if _, err := q.Enqueue(models.Request{ID: "r1"}, models.PriorityNormal); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := q.Enqueue(models.Request{ID: "r2"}, models.PriorityNormal); err != queue.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestFailTransitionsToDeadAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue(models.Request{ID: "r1"}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, _, err := q.DequeueForSync(time.Now().Add(time.Second)); err != nil {
			t.Fatalf("DequeueForSync: %v", err)
		}
		if err := q.Fail(id, fmt.Errorf("simulated failure %d", i)); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	entry, ok := q.AwaitResponse(id, time.Now().Add(10*time.Millisecond))
	if !ok {
		t.Fatal("expected Dead entry to resolve AwaitResponse")
	}
	if entry.State != models.QueueDead {
		t.Fatalf("expected Dead after exceeding max retries, got %v", entry.State)
	}
}

func TestRecoveryResetsInFlightToPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(path, queue.Config{MaxEntries: 10, RetryBase: time.Millisecond, RetryCap: time.Millisecond, MaxRetries: 5})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := q.Enqueue(models.Request{ID: "r1"}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := q.DequeueForSync(time.Now()); err != nil {
		t.Fatalf("DequeueForSync: %v", err)
	}
	q.Close() // simulates a crash while the entry is InFlight

	reopened, err := queue.Open(path, queue.Config{MaxEntries: 10, RetryBase: time.Millisecond, RetryCap: time.Millisecond, MaxRetries: 5})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entry, ok, err := reopened.DequeueForSync(time.Now())
	if err != nil || !ok {
		t.Fatalf("expected the recovered entry to be dequeueable again: ok=%v err=%v", ok, err)
	}
	if entry.EntryID != id {
		t.Fatalf("expected recovered entry %d, got %d", id, entry.EntryID)
	}
}

func TestBackoffIsBoundedAndGrows(t *testing.T) {
	base := 10 * time.Millisecond
	ceiling := 100 * time.Millisecond
	d1 := queue.Backoff(1, base, ceiling)
	d5 := queue.Backoff(5, base, ceiling)
	if d5 > ceiling*2 { // allow jitter headroom above the nominal cap
		t.Fatalf("expected backoff to stay bounded near cap, got %v", d5)
	}
	if d1 <= 0 || d5 <= 0 {
		t.Fatalf("expected positive backoff durations, got d1=%v d5=%v", d1, d5)
	}
	// d1 is 20ms*[0.5,1.5) < 30ms and d5 is 100ms*[0.5,1.5) >= 50ms, so
	// growth holds whatever the jitter draws.
	if !(d5 > d1) {
		t.Fatalf("expected backoff to grow with attempt count, got d1=%v d5=%v", d1, d5)
	}
}

type fakeSender struct{ succeed bool }

func (f *fakeSender) Send(ctx context.Context, req *models.Request) (*models.Response, error) {
	if !f.succeed {
		return nil, fmt.Errorf("simulated cloud error")
	}
	return &models.Response{RequestID: req.ID, Status: models.StatusOk}, nil
}

type alwaysHealthy struct{}

func (alwaysHealthy) CloudHealthy() bool { return true }

func TestSyncLoopDeliversQueuedEntry(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue(models.Request{ID: "r1"}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	loop := queue.NewSyncLoop(q, &fakeSender{succeed: true}, alwaysHealthy{}, func() bool { return true }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)

	entry, ok := q.AwaitResponse(id, time.Now().Add(200*time.Millisecond))
	if !ok {
		t.Fatal("expected sync loop to deliver and complete the entry")
	}
	if entry.State != models.QueueCompleted {
		t.Fatalf("expected Completed, got %v", entry.State)
	}
}
