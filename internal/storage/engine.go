// Package storage defines the JobStore abstraction behind the download queue.
//
// The manager and every layer above it only touch persisted jobs through this
// interface. The store, not the manager, is the authority on persisted state:
// every method is atomic with respect to concurrent callers.
package storage

import (
	"context"
	"errors"

	"github.com/snehjoshi/attachq/internal/types"
)

// ErrNotFound is returned when no job exists for a key.
var ErrNotFound = errors.New("storage: not found")

// NextJobsOptions narrows and orders a GetNextJobs query.
type NextJobsOptions struct {
	// Limit is the maximum number of jobs returned. Values < 1 return nothing.
	Limit int

	// NowMs is the UTC millisecond used to decide whether RetryAfter elapsed.
	NowMs int64

	// Visible lists message ids on screen. Their jobs sort before all others.
	Visible []string

	// Exclude holds keys the caller already knows to be active.
	Exclude map[types.JobKey]struct{}
}

// IsVisible returns a lookup over o.Visible suitable for types.Less.
func (o NextJobsOptions) IsVisible() func(string) bool {
	set := make(map[string]struct{}, len(o.Visible))
	for _, id := range o.Visible {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

// Excluded reports whether key is in o.Exclude.
func (o NextJobsOptions) Excluded(key types.JobKey) bool {
	_, ok := o.Exclude[key]
	return ok
}

// JobStore is the durable table of pending download jobs.
//
// Implementations:
//   - local.Store    — embedded bbolt file (default)
//   - postgres.Store — SQL table via lib/pq
//
// All methods must be safe for concurrent use.
type JobStore interface {
	// UpsertJob inserts job, or overwrites the row sharing its key. Either way
	// Attempts, Active and RetryAfter are reset.
	UpsertJob(ctx context.Context, job *types.Job) error

	// GetNextJobs returns up to opts.Limit non-active, eligible jobs not in
	// opts.Exclude, in dispatch order (see types.Less).
	GetNextJobs(ctx context.Context, opts NextJobsOptions) ([]*types.Job, error)

	// MarkJobActive flips the active flag. Returns ErrNotFound for unknown keys.
	MarkJobActive(ctx context.Context, key types.JobKey, active bool) error

	// UpdateJob overwrites the row for job.Key() as-is, without resetting
	// retry state. Returns ErrNotFound if the row is gone.
	UpdateJob(ctx context.Context, job *types.Job) error

	// RemoveJob deletes the row. Removing an unknown key is not an error.
	RemoveJob(ctx context.Context, key types.JobKey) error

	// ResetActive clears the active flag on every row and returns how many
	// rows changed. Called once at startup: nothing can be running yet.
	ResetActive(ctx context.Context) (int, error)

	// ListJobs returns every pending job in dispatch order, ignoring
	// visibility and eligibility.
	ListJobs(ctx context.Context) ([]*types.Job, error)

	// Close releases the underlying database.
	Close() error
}
