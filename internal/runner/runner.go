// Package runner executes a single attachment download job.
//
// A job fetches exactly one rendition of its attachment per run, picked to
// trade bandwidth for immediacy:
//
//	visible, backup locator, no local thumbnail:
//	    ThumbnailFromBackup → success: done, OnlyAttemptedBackupThumbnail
//	                        → failure: fall through to Default
//	otherwise:
//	    Default → success: done
//	            → failure and backup locator (thumbnail not tried yet):
//	                  ThumbnailFromBackup → success: done
//	            → failure: error (the Default error)
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/attachq/internal/types"
)

// Downloader fetches, decrypts and stores one variant of an attachment.
// Timeouts are the Downloader's responsibility; a timeout is just an error.
type Downloader interface {
	DownloadAttachment(ctx context.Context, att types.Attachment, variant types.Variant) (types.LocalFile, error)
}

// Result is the outcome of a successful run.
type Result struct {
	// Job is a copy of the input job whose attachment carries the new file.
	Job *types.Job

	// Variant is the rendition that was stored.
	Variant types.Variant

	// OnlyAttemptedBackupThumbnail is true when a visible message got its
	// backup thumbnail and full resolution was deliberately not attempted.
	// The caller is expected to queue a follow-up run for the full size.
	OnlyAttemptedBackupThumbnail bool
}

// Runner executes download jobs. Safe for concurrent use if its Downloader is.
type Runner struct {
	dl     Downloader
	logger *slog.Logger
}

// New returns a Runner backed by dl. A nil logger uses slog.Default().
func New(dl Downloader, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{dl: dl, logger: logger}
}

// Run downloads the variant job needs. isVisible says whether the owning
// message is on screen right now. Any error means the run should be retried.
func (r *Runner) Run(ctx context.Context, job *types.Job, isVisible bool) (Result, error) {
	if job == nil {
		return Result{}, errors.New("runner: nil job")
	}
	att := job.Attachment
	log := r.logger.With("key", job.Key().String(), "attempts", job.Attempts, "visible", isVisible)

	preferThumbnail := isVisible && att.HasBackupLocator() && !att.HasThumbnailFromBackup()
	if preferThumbnail {
		file, err := r.dl.DownloadAttachment(ctx, att, types.VariantThumbnailFromBackup)
		if err == nil {
			return withFile(job, types.VariantThumbnailFromBackup, file, true), nil
		}
		log.Warn("runner: backup thumbnail failed, falling back to full size", "err", err)
	}

	file, err := r.dl.DownloadAttachment(ctx, att, types.VariantDefault)
	if err == nil {
		return withFile(job, types.VariantDefault, file, false), nil
	}

	if att.HasBackupLocator() && !preferThumbnail {
		log.Warn("runner: full size failed, falling back to backup thumbnail", "err", err)
		thumb, thumbErr := r.dl.DownloadAttachment(ctx, att, types.VariantThumbnailFromBackup)
		if thumbErr == nil {
			return withFile(job, types.VariantThumbnailFromBackup, thumb, false), nil
		}
		log.Warn("runner: backup thumbnail fallback failed", "err", thumbErr)
	}

	return Result{}, fmt.Errorf("runner: download %s: %w", types.VariantDefault, err)
}

func withFile(job *types.Job, variant types.Variant, file types.LocalFile, onlyThumb bool) Result {
	out := job.Clone()
	f := file
	switch variant {
	case types.VariantThumbnailFromBackup:
		out.Attachment.ThumbnailFromBackup = &f
	default:
		out.Attachment.Downloaded = &f
	}
	return Result{Job: out, Variant: variant, OnlyAttemptedBackupThumbnail: onlyThumb}
}
