// Package local is the embedded, single-file implementation of
// storage.JobStore.
package local

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/attachq/internal/storage"
	"github.com/snehjoshi/attachq/internal/types"
)

var bucketJobs = []byte("attachment_downloads")

// Store is a bbolt-backed job table keyed by types.JobKey.String().
//
// bbolt gives ACID single-writer transactions in a pure-Go single file, which
// is exactly the atomicity storage.JobStore asks for. Rows are JSON encoded
// so new optional attachment fields never need a migration.
type Store struct {
	db *bbolt.DB
}

var _ storage.JobStore = (*Store)(nil)

// Open opens (or creates) the job table at path.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 0}
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// UpsertJob implements storage.JobStore.
func (s *Store) UpsertJob(ctx context.Context, job *types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row := job.Clone()
	row.ResetRetryState()
	val, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("local: marshal job %s: %w", row.Key(), err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(row.Key().String()), val)
	})
}

// GetNextJobs implements storage.JobStore.
func (s *Store) GetNextJobs(ctx context.Context, opts storage.NextJobsOptions) ([]*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Limit < 1 {
		return nil, nil
	}

	var eligible []*types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			job, err := decode(k, v)
			if err != nil {
				return err
			}
			if job.Eligible(opts.NowMs) && !opts.Excluded(job.Key()) {
				eligible = append(eligible, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	types.SortByPriority(eligible, opts.IsVisible())
	if len(eligible) > opts.Limit {
		eligible = eligible[:opts.Limit]
	}
	return eligible, nil
}

// MarkJobActive implements storage.JobStore.
func (s *Store) MarkJobActive(ctx context.Context, key types.JobKey, active bool) error {
	return s.modify(ctx, key, func(job *types.Job) {
		job.Active = active
	})
}

// UpdateJob implements storage.JobStore.
func (s *Store) UpdateJob(ctx context.Context, job *types.Job) error {
	row := job.Clone()
	return s.modify(ctx, row.Key(), func(existing *types.Job) {
		*existing = *row
	})
}

// RemoveJob implements storage.JobStore.
func (s *Store) RemoveJob(ctx context.Context, key types.JobKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(key.String()))
	})
}

// ResetActive implements storage.JobStore.
func (s *Store) ResetActive(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)

		// The bucket must not be modified inside ForEach; collect first.
		var stale []*types.Job
		if err := b.ForEach(func(k, v []byte) error {
			job, err := decode(k, v)
			if err != nil {
				return err
			}
			if job.Active {
				stale = append(stale, job)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, job := range stale {
			job.Active = false
			val, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(job.Key().String()), val); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

// ListJobs implements storage.JobStore.
func (s *Store) ListJobs(ctx context.Context) ([]*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var jobs []*types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			job, err := decode(k, v)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	types.SortByPriority(jobs, nil)
	return jobs, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// modify runs fn on the decoded row for key inside one write transaction.
func (s *Store) modify(ctx context.Context, key types.JobKey, fn func(*types.Job)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := []byte(key.String())
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		v := b.Get(k)
		if v == nil {
			return fmt.Errorf("local: job %s: %w", key, storage.ErrNotFound)
		}
		job, err := decode(k, v)
		if err != nil {
			return err
		}
		fn(job)
		val, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("local: marshal job %s: %w", key, err)
		}
		return b.Put(k, val)
	})
}

func decode(k, v []byte) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(v, &job); err != nil {
		return nil, fmt.Errorf("local: decode job %s: %w", k, err)
	}
	return &job, nil
}
