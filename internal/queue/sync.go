package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/edgemcp/gateway/pkg/models"
)

// CloudSender is the Cloud Client capability the sync loop depends on.
type CloudSender interface {
	Send(ctx context.Context, req *models.Request) (*models.Response, error)
}

// CircuitHealth reports whether cloud traffic should currently be
// attempted, satisfied by *router.Router.
type CircuitHealth interface {
	CloudHealthy() bool
}

// SyncLoop drains Pending entries to the Cloud Client whenever the
// circuit breaker is not Open and connectivity is up. It runs until ctx
// is canceled.
type SyncLoop struct {
	q             *Queue
	sender        CloudSender
	health        CircuitHealth
	onlineFn      func() bool
	attemptTimeout time.Duration
	interval      time.Duration
}

func NewSyncLoop(q *Queue, sender CloudSender, health CircuitHealth, onlineFn func() bool, attemptTimeout, interval time.Duration) *SyncLoop {
	return &SyncLoop{q: q, sender: sender, health: health, onlineFn: onlineFn, attemptTimeout: attemptTimeout, interval: interval}
}

// Run blocks until ctx is canceled, polling at the loop's interval.
func (l *SyncLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *SyncLoop) tick(ctx context.Context) {
	if !l.onlineFn() || !l.health.CloudHealthy() {
		return
	}
	entry, ok, err := l.q.DequeueForSync(time.Now())
	if err != nil {
		log.Error().Err(err).Msg("queue: dequeue_for_sync failed")
		return
	}
	if !ok {
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, l.attemptTimeout)
	defer cancel()

	resp, err := l.sender.Send(attemptCtx, &entry.Request)
	if err != nil {
		if ferr := l.q.Fail(entry.EntryID, err); ferr != nil {
			log.Error().Err(ferr).Uint64("entry_id", entry.EntryID).Msg("queue: fail transition failed")
		}
		return
	}
	if cerr := l.q.Complete(entry.EntryID, resp); cerr != nil {
		log.Error().Err(cerr).Uint64("entry_id", entry.EntryID).Msg("queue: complete transition failed")
	}
}

// Reap deletes Completed or Dead entries older than ttl so the store does
// not grow unbounded once a caller has collected (or abandoned) its
// response.
func (q *Queue) Reap(ttl time.Duration) error {
	cutoff := time.Now().Add(-ttl)
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e models.QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if (e.State == models.QueueCompleted || e.State == models.QueueDead) && e.EnqueuedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
