// Package dlq keeps a dead-letter record of downloads the manager gave up on.
//
// When a job exhausts its retry policy the manager deletes its row from the
// job store. The ledger keeps a copy of the job plus the last failure so an
// operator can inspect it and replay it later:
//
//   - Peek:   read (but don't remove) up to N dropped jobs, oldest first.
//   - Len:    how many dropped jobs are recorded.
//   - Replay: re-add a dropped job with fresh retry state and forget it.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/attachq/internal/manager"
	"github.com/snehjoshi/attachq/internal/types"
)

var bucketDropped = []byte("dropped_downloads")

// ErrNotFound is returned by Replay when the key has no dropped record.
var ErrNotFound = errors.New("dlq: job not found")

// Entry is one dead-lettered job.
type Entry struct {
	Job       *types.Job `json:"job"`
	Reason    string     `json:"reason"`
	DroppedAt int64      `json:"dropped_at"`
}

// AddFunc re-queues a job. *manager.Manager's AddJob satisfies it.
type AddFunc func(ctx context.Context, job *types.Job, urgency types.Urgency) error

// Ledger is a bbolt file of dropped jobs keyed by job key.
type Ledger struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("dlq: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDropped)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dlq: init bucket: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the underlying file.
func (l *Ledger) Close() error { return l.db.Close() }

// Observe records every StatusDropped outcome of m.
func (l *Ledger) Observe(m *manager.Manager) {
	m.OnJobCompleted(func(o manager.Outcome) {
		if o.Status != manager.StatusDropped {
			return
		}
		reason := ""
		if o.Err != nil {
			reason = o.Err.Error()
		}
		// Errors are swallowed: losing a ledger entry never affects the job table.
		_ = l.Record(o.Job, reason)
	})
}

// Record stores job under its key, replacing any earlier entry.
func (l *Ledger) Record(job *types.Job, reason string) error {
	e := Entry{Job: job.Clone(), Reason: reason, DroppedAt: l.now().UTC().UnixMilli()}
	e.Job.Active = false
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq: marshal %s: %w", job.Key(), err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDropped).Put([]byte(job.Key().String()), val)
	})
}

// Peek returns up to limit entries ordered by drop time. limit <= 0 means all.
func (l *Ledger) Peek(limit int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDropped).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("dlq: decode %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByDroppedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	n := 0
	_ = l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketDropped).Stats().KeyN
		return nil
	})
	return n
}

// Replay hands the dropped job for key back to add with fresh retry state.
// The entry is removed only after add succeeds.
func (l *Ledger) Replay(ctx context.Context, key string, urgency types.Urgency, add AddFunc) error {
	var e Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDropped).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return err
	}

	job := e.Job.Clone()
	job.ResetRetryState()
	job.LastAttemptTimestamp = 0
	if err := add(ctx, job, urgency); err != nil {
		return fmt.Errorf("dlq.Replay: re-add %s: %w", key, err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDropped).Delete([]byte(key))
	})
}

func sortByDroppedAt(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool { return es[i].DroppedAt < es[j].DroppedAt })
}
