// Package types contains the core domain types shared across all attachq
// internal packages. It has zero imports of other attachq packages so that the
// storage layer, the runner and the manager can all import it without cycles.
package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AttachmentType tags which part of a message an attachment belongs to. It is
// one third of a job's identity.
type AttachmentType string

const (
	AttachmentTypeAttachment  AttachmentType = "attachment"
	AttachmentTypeLongMessage AttachmentType = "long-message"
	AttachmentTypePreview     AttachmentType = "preview"
	AttachmentTypeQuote       AttachmentType = "quote"
	AttachmentTypeContact     AttachmentType = "contact"
	AttachmentTypeSticker     AttachmentType = "sticker"
)

// Valid reports whether t is one of the known attachment types.
func (t AttachmentType) Valid() bool {
	switch t {
	case AttachmentTypeAttachment, AttachmentTypeLongMessage, AttachmentTypePreview,
		AttachmentTypeQuote, AttachmentTypeContact, AttachmentTypeSticker:
		return true
	}
	return false
}

// Urgency is an enqueue-time hint. It only decides whether AddJob wakes the
// scheduler right away; it is never persisted.
type Urgency uint8

const (
	// UrgencyStandard jobs wait for the next regular tick.
	UrgencyStandard Urgency = iota
	// UrgencyImmediate forces an out-of-band scheduling pass.
	UrgencyImmediate
)

// String returns a human-readable representation of the urgency.
func (u Urgency) String() string {
	switch u {
	case UrgencyStandard:
		return "standard"
	case UrgencyImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// ParseUrgency parses "standard" / "immediate". The empty string is standard.
func ParseUrgency(s string) (Urgency, error) {
	switch strings.ToLower(s) {
	case "", "standard":
		return UrgencyStandard, nil
	case "immediate":
		return UrgencyImmediate, nil
	}
	return UrgencyStandard, fmt.Errorf("unknown urgency %q", s)
}

// Variant is the rendition of an attachment a single download fetches.
type Variant uint8

const (
	// VariantDefault is the full-resolution attachment from the transit CDN.
	VariantDefault Variant = iota
	// VariantThumbnailFromBackup is the small thumbnail kept on the backup tier.
	VariantThumbnailFromBackup
)

// String returns a human-readable representation of the variant.
func (v Variant) String() string {
	switch v {
	case VariantDefault:
		return "default"
	case VariantThumbnailFromBackup:
		return "thumbnail_from_backup"
	default:
		return "unknown"
	}
}

// BackupLocator points at a copy of the attachment on the backup media tier.
type BackupLocator struct {
	MediaName string `json:"media_name"`
	CDNNumber int    `json:"cdn_number"`
}

// LocalFile describes decrypted bytes written to attachment storage.
type LocalFile struct {
	Path          string `json:"path"`
	IV            []byte `json:"iv,omitempty"`
	PlaintextHash string `json:"plaintext_hash"`
	Size          int64  `json:"size"`
}

// Attachment is the descriptor embedded in every job.
//
// Key is the 64-byte AES+HMAC key material; Digest is the base64 SHA-256 of
// the ciphertext as published by the sender.
type Attachment struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest"`
	Key         []byte `json:"key,omitempty"`
	CDNKey      string `json:"cdn_key,omitempty"`
	CDNNumber   int    `json:"cdn_number,omitempty"`

	BackupLocator *BackupLocator `json:"backup_locator,omitempty"`

	// ThumbnailFromBackup is set once the backup thumbnail has been fetched.
	ThumbnailFromBackup *LocalFile `json:"thumbnail_from_backup,omitempty"`

	// Downloaded is set once the full-resolution attachment is on disk.
	Downloaded *LocalFile `json:"downloaded,omitempty"`
}

// HasBackupLocator reports whether a backup-tier copy may exist.
func (a *Attachment) HasBackupLocator() bool {
	return a.BackupLocator != nil && a.BackupLocator.MediaName != ""
}

// HasThumbnailFromBackup reports whether the backup thumbnail is already local.
func (a *Attachment) HasThumbnailFromBackup() bool {
	return a.ThumbnailFromBackup != nil && a.ThumbnailFromBackup.Path != ""
}

// Clone returns a deep copy of the attachment.
func (a Attachment) Clone() Attachment {
	c := a
	if a.Key != nil {
		c.Key = append([]byte(nil), a.Key...)
	}
	if a.BackupLocator != nil {
		bl := *a.BackupLocator
		c.BackupLocator = &bl
	}
	c.ThumbnailFromBackup = a.ThumbnailFromBackup.clone()
	c.Downloaded = a.Downloaded.clone()
	return c
}

func (f *LocalFile) clone() *LocalFile {
	if f == nil {
		return nil
	}
	c := *f
	if f.IV != nil {
		c.IV = append([]byte(nil), f.IV...)
	}
	return &c
}

// JobKey is the composite identity of a job. At most one pending job exists
// per key.
type JobKey struct {
	MessageID      string         `json:"message_id"`
	AttachmentType AttachmentType `json:"attachment_type"`
	Digest         string         `json:"digest"`
}

const keySep = "|"

// String encodes the key as "messageID|type|digest". Used as the bbolt key.
func (k JobKey) String() string {
	return k.MessageID + keySep + string(k.AttachmentType) + keySep + k.Digest
}

// ParseJobKey is the inverse of JobKey.String.
func ParseJobKey(s string) (JobKey, error) {
	parts := strings.SplitN(s, keySep, 3)
	if len(parts) != 3 {
		return JobKey{}, fmt.Errorf("malformed job key %q", s)
	}
	return JobKey{MessageID: parts[0], AttachmentType: AttachmentType(parts[1]), Digest: parts[2]}, nil
}

// Job is one persisted unit of attachment-download work.
//
// All timestamps are UTC milliseconds since Unix epoch. RetryAfter == 0 means
// the job is eligible as soon as it is not active.
type Job struct {
	MessageID      string         `json:"message_id"`
	AttachmentType AttachmentType `json:"attachment_type"`
	Digest         string         `json:"digest"`

	// ReceivedAt is the base priority: newer messages download first.
	ReceivedAt int64 `json:"received_at"`
	SentAt     int64 `json:"sent_at"`

	Active               bool  `json:"active"`
	Attempts             int   `json:"attempts"`
	RetryAfter           int64 `json:"retry_after,omitempty"`
	LastAttemptTimestamp int64 `json:"last_attempt_timestamp,omitempty"`

	Attachment Attachment `json:"attachment"`
}

// Key returns the job's identity.
func (j *Job) Key() JobKey {
	return JobKey{MessageID: j.MessageID, AttachmentType: j.AttachmentType, Digest: j.Digest}
}

// Eligible reports whether the job may be picked at nowMs.
func (j *Job) Eligible(nowMs int64) bool {
	return !j.Active && (j.RetryAfter == 0 || j.RetryAfter <= nowMs)
}

// ResetRetryState clears everything an upsert must reset.
func (j *Job) ResetRetryState() {
	j.Active = false
	j.Attempts = 0
	j.RetryAfter = 0
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Attachment = j.Attachment.Clone()
	return &c
}

// ErrInvalidJob is returned when a job lacks identity or any download locator.
var ErrInvalidJob = errors.New("invalid job")

// Validate checks the fields a job needs to ever succeed.
func (j *Job) Validate() error {
	switch {
	case j.MessageID == "":
		return fmt.Errorf("%w: missing message id", ErrInvalidJob)
	case !j.AttachmentType.Valid():
		return fmt.Errorf("%w: unknown attachment type %q", ErrInvalidJob, j.AttachmentType)
	case j.Digest == "":
		return fmt.Errorf("%w: missing digest", ErrInvalidJob)
	case strings.Contains(j.MessageID, keySep), strings.Contains(j.Digest, keySep):
		return fmt.Errorf("%w: message id and digest must not contain %q", ErrInvalidJob, keySep)
	case j.Attachment.CDNKey == "" && !j.Attachment.HasBackupLocator():
		return fmt.Errorf("%w: attachment has neither a cdn key nor a backup locator", ErrInvalidJob)
	}
	return nil
}

// Less orders jobs for dispatch: jobs whose message is visible first, then
// newest ReceivedAt, then newest SentAt, then key for a total order.
func Less(a, b *Job, isVisible func(messageID string) bool) bool {
	if isVisible != nil {
		va, vb := isVisible(a.MessageID), isVisible(b.MessageID)
		if va != vb {
			return va
		}
	}
	if a.ReceivedAt != b.ReceivedAt {
		return a.ReceivedAt > b.ReceivedAt
	}
	if a.SentAt != b.SentAt {
		return a.SentAt > b.SentAt
	}
	return a.Key().String() < b.Key().String()
}

// SortByPriority sorts jobs in dispatch order. See Less.
func SortByPriority(jobs []*Job, isVisible func(messageID string) bool) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return Less(jobs[i], jobs[j], isVisible)
	})
}
