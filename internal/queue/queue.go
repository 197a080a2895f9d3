// Package queue implements the Offline Queue: a crash-consistent,
// single-writer, embedded store that persists requests across restarts
// and delivers each at most once successfully to the Cloud Client.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/edgemcp/gateway/pkg/models"
)

var entriesBucket = []byte("queue_entries")

// Queue is the embedded durable store backing the Offline Queue. Keys are
// lexicographic over (priority_descending, enqueued_at) so Cursor scans
// naturally visit the highest-priority, oldest-first entry first.
type Queue struct {
	db *bbolt.DB

	cfg Config

	mu       sync.Mutex
	nextID   uint64
	inFlight map[uint64]chan struct{} // entry_id -> closed on completion, for await_response
}

type Config struct {
	MaxEntries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	MaxRetries int
}

// Open opens (creating if absent) the bbolt file at path and recovers any
// entry left InFlight at startup by resetting it to Pending, since
// delivery outcome from before the crash is indeterminate.
func Open(path string, cfg Config) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	q := &Queue{db: db, cfg: cfg, inFlight: make(map[uint64]chan struct{})}

	if err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var e models.QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // tolerate a corrupt record rather than fail the whole recovery
			}
			if e.EntryID >= q.nextID {
				q.nextID = e.EntryID + 1
			}
			if e.State == models.QueueInFlight {
				e.State = models.QueuePending
				buf, err := json.Marshal(e)
				if err != nil {
					return err
				}
				return b.Put(k, buf)
			}
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: recover: %w", err)
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// ErrQueueFull is returned by Enqueue when the queue already holds the
// configured maximum number of entries.
var ErrQueueFull = fmt.Errorf("queue: full")

// Enqueue implements enqueue(R, priority) -> entry_id | QueueFull. Writes
// for priority ≥ Normal are flushed (bbolt fsyncs every Update) before
// returning; lower priorities use the same path since bbolt has no
// cheaper buffered-write mode, a deliberate simplification.
func (q *Queue) Enqueue(req models.Request, priority models.Priority) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count, err := q.count()
	if err != nil {
		return 0, err
	}
	if count >= q.cfg.MaxEntries {
		return 0, ErrQueueFull
	}

	id := q.nextID
	q.nextID++
	now := time.Now()
	entry := models.QueueEntry{
		EntryID:       id,
		Request:       req,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		State:         models.QueuePending,
		Priority:      priority,
		SchemaVersion: models.CurrentQueueEntrySchemaVersion,
	}

	if err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		buf, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(entryKey(entry), buf)
	}); err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

func (q *Queue) count() (int, error) {
	n := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// DequeueForSync implements dequeue_for_sync() -> Option<QueueEntry>:
// returns the highest-priority Pending entry whose next_attempt_at ≤ now,
// atomically marking it InFlight.
func (q *Queue) DequeueForSync(now time.Time) (*models.QueueEntry, bool, error) {
	var found *models.QueueEntry
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e models.QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.State != models.QueuePending || e.NextAttemptAt.After(now) {
				continue
			}
			e.State = models.QueueInFlight
			buf, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(k, buf); err != nil {
				return err
			}
			found = &e
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("queue: dequeue_for_sync: %w", err)
	}
	return found, found != nil, nil
}

// Complete implements complete(entry_id, S): InFlight -> Completed,
// storing the response for delivery to a still-present caller.
func (q *Queue) Complete(entryID uint64, resp *models.Response) error {
	err := q.mutate(entryID, func(e *models.QueueEntry) {
		e.State = models.QueueCompleted
		e.CachedResponse = resp
	})
	if err != nil {
		return err
	}
	q.signal(entryID)
	return nil
}

// Fail implements fail(entry_id, err): InFlight -> Pending with
// attempt_count incremented and next_attempt_at pushed out by backoff;
// past max_retries transitions to Dead instead.
func (q *Queue) Fail(entryID uint64, cause error) error {
	err := q.mutate(entryID, func(e *models.QueueEntry) {
		e.AttemptCount++
		e.LastError = cause.Error()
		if e.AttemptCount > q.cfg.MaxRetries {
			e.State = models.QueueDead
			return
		}
		e.State = models.QueuePending
		e.NextAttemptAt = time.Now().Add(Backoff(e.AttemptCount, q.cfg.RetryBase, q.cfg.RetryCap))
	})
	if err != nil {
		return err
	}
	final, getErr := q.get(entryID)
	if getErr == nil && final != nil && final.State == models.QueueDead {
		q.signal(entryID)
	}
	return err
}

// Backoff implements backoff(n) = min(base*2^n, cap) with jitter in
// [0.5, 1.5].
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// AwaitResponse implements await_response(entry_id, deadline): blocks
// until Completed, Dead, or deadline, returning the final entry.
//
// The waiter channel is registered before the state is (re-)checked, not
// after: Complete/Fail only ever signal a channel already present in the
// map, so a completion racing this call either lands before our state
// check (we observe it directly) or after our channel is registered (it
// closes the very channel we're about to select on). Checking state
// first and registering second would leave a window where a completion
// lands in between — signal() would find nothing to close, and this
// call would block to the full deadline despite the response already
// being ready.
func (q *Queue) AwaitResponse(entryID uint64, deadline time.Time) (*models.QueueEntry, bool) {
	ch := q.waiter(entryID)

	entry, err := q.get(entryID)
	if err == nil && entry != nil && (entry.State == models.QueueCompleted || entry.State == models.QueueDead) {
		q.signal(entryID) // no one will select on ch; drop it from the map now
		return entry, true
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ch:
		entry, _ := q.get(entryID)
		return entry, entry != nil
	case <-timer.C:
		return nil, false
	}
}

func (q *Queue) waiter(entryID uint64) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.inFlight[entryID]
	if !ok {
		ch = make(chan struct{})
		q.inFlight[entryID] = ch
	}
	return ch
}

func (q *Queue) signal(entryID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.inFlight[entryID]; ok {
		close(ch)
		delete(q.inFlight, entryID)
	}
}

func (q *Queue) mutate(entryID uint64, fn func(*models.QueueEntry)) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e models.QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.EntryID != entryID {
				continue
			}
			// priority/enqueued_at never change, so the key stays valid
			// after mutation even though the bucket is keyed on them.
			fn(&e)
			buf, err := json.Marshal(e)
			if err != nil {
				return err
			}
			return b.Put(k, buf)
		}
		return fmt.Errorf("queue: entry %d not found", entryID)
	})
}

func (q *Queue) get(entryID uint64) (*models.QueueEntry, error) {
	var found *models.QueueEntry
	err := q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e models.QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.EntryID == entryID {
				found = &e
				return nil
			}
		}
		return nil
	})
	return found, err
}

// entryKey encodes (priority_descending, enqueued_at, entry_id) so a
// forward bucket scan visits highest priority first and, within a
// priority, oldest enqueued_at first (FIFO), with entry_id as a final
// tie-break for strict ordering.
func entryKey(e models.QueueEntry) []byte {
	key := make([]byte, 1+8+8)
	key[0] = byte(255 - int(e.Priority)) // descending: higher priority sorts first
	binary.BigEndian.PutUint64(key[1:9], uint64(e.EnqueuedAt.UnixNano()))
	binary.BigEndian.PutUint64(key[9:17], e.EntryID)
	return key
}
