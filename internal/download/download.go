// Package download fetches encrypted attachment bytes over HTTP, checks and
// decrypts them, and writes the plaintext into local attachment storage.
//
// URL layout:
//
//	Default:             {cdn_base_url}/attachments/{cdn_key}
//	ThumbnailFromBackup: {backup_base_url}/backups/media/{media_name}/thumbnail
//
// Requests share one token-bucket limiter so a burst of queued jobs cannot
// saturate the link. Per-request timeouts come from the http.Client.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/attachq/internal/ids"
	"github.com/snehjoshi/attachq/internal/types"
)

var (
	// ErrNotFound is returned when the CDN answers 404.
	ErrNotFound = errors.New("download: attachment not found on cdn")
	// ErrDigestMismatch is returned when the ciphertext hash differs from the
	// digest the sender published.
	ErrDigestMismatch = errors.New("download: digest mismatch")
	// ErrNoLocator is returned when the attachment lacks a locator for the
	// requested variant.
	ErrNoLocator = errors.New("download: no locator for variant")
	// ErrTooLarge is returned when the response exceeds Config.MaxBytes.
	ErrTooLarge = errors.New("download: response too large")
)

// Config controls an HTTPDownloader.
type Config struct {
	CDNBaseURL    string
	BackupBaseURL string

	// Dir is where plaintext files are written. Created if missing.
	Dir string

	// Timeout bounds one HTTP request, body included.
	Timeout time.Duration

	// RequestsPerSecond and Burst configure the shared limiter. A zero
	// RequestsPerSecond disables limiting.
	RequestsPerSecond float64
	Burst             int

	// MaxBytes caps a single response body. Zero means 100 MiB.
	MaxBytes int64
}

const defaultMaxBytes = 100 << 20

// HTTPDownloader implements runner.Downloader.
type HTTPDownloader struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	dec     Decrypter
}

// New builds an HTTPDownloader. A nil client gets one with cfg.Timeout; a nil
// Decrypter uses CBCHMAC.
func New(cfg Config, client *http.Client, dec Decrypter) (*HTTPDownloader, error) {
	if cfg.Dir == "" {
		return nil, errors.New("download: dir must not be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("download: create dir: %w", err)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if dec == nil {
		dec = CBCHMAC{}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &HTTPDownloader{cfg: cfg, client: client, limiter: limiter, dec: dec}, nil
}

// DownloadAttachment implements runner.Downloader.
func (d *HTTPDownloader) DownloadAttachment(ctx context.Context, att types.Attachment, variant types.Variant) (types.LocalFile, error) {
	u, err := d.urlFor(att, variant)
	if err != nil {
		return types.LocalFile{}, err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return types.LocalFile{}, fmt.Errorf("download: rate limit: %w", err)
	}

	data, err := d.fetch(ctx, u)
	if err != nil {
		return types.LocalFile{}, err
	}

	// The published digest covers the full-size ciphertext only; backup
	// thumbnails are re-encoded by the backup tier.
	if variant == types.VariantDefault && att.Digest != "" {
		sum := sha256.Sum256(data)
		if base64.StdEncoding.EncodeToString(sum[:]) != att.Digest {
			return types.LocalFile{}, ErrDigestMismatch
		}
	}

	plain, iv, err := d.dec.Decrypt(data, att.Key)
	if err != nil {
		return types.LocalFile{}, err
	}
	// Senders pad attachments; the declared size is authoritative.
	if variant == types.VariantDefault && att.Size > 0 && int64(len(plain)) > att.Size {
		plain = plain[:att.Size]
	}

	name, err := d.write(plain)
	if err != nil {
		return types.LocalFile{}, err
	}
	hash := sha256.Sum256(plain)
	return types.LocalFile{
		Path:          name,
		IV:            iv,
		PlaintextHash: hex.EncodeToString(hash[:]),
		Size:          int64(len(plain)),
	}, nil
}

// AbsPath resolves a LocalFile.Path returned by this downloader.
func (d *HTTPDownloader) AbsPath(name string) (string, error) {
	if !ids.Valid(name) {
		return "", fmt.Errorf("download: invalid file name %q", name)
	}
	return filepath.Join(d.cfg.Dir, name), nil
}

func (d *HTTPDownloader) urlFor(att types.Attachment, variant types.Variant) (string, error) {
	switch variant {
	case types.VariantDefault:
		if att.CDNKey == "" {
			return "", fmt.Errorf("%w %s", ErrNoLocator, variant)
		}
		return strings.TrimRight(d.cfg.CDNBaseURL, "/") + "/attachments/" + url.PathEscape(att.CDNKey), nil
	case types.VariantThumbnailFromBackup:
		if !att.HasBackupLocator() {
			return "", fmt.Errorf("%w %s", ErrNoLocator, variant)
		}
		return strings.TrimRight(d.cfg.BackupBaseURL, "/") + "/backups/media/" +
			url.PathEscape(att.BackupLocator.MediaName) + "/thumbnail", nil
	}
	return "", fmt.Errorf("download: unknown variant %d", variant)
}

func (d *HTTPDownloader) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("download: build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: get: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download: read body: %w", err)
	}
	if int64(len(data)) > d.cfg.MaxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// write stores plain under a fresh ULID name via temp file + rename, so a
// crash never leaves a half-written attachment under its final name.
func (d *HTTPDownloader) write(plain []byte) (string, error) {
	name, err := ids.New()
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(d.cfg.Dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("download: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(plain); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download: close: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(d.cfg.Dir, name)); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download: rename: %w", err)
	}
	return name, nil
}
