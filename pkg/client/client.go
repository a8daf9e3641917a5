// Package client is the Go SDK for the attachq control API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Queue a download; immediate wakes the scheduler right away.
//	key, err := c.AddJob(ctx, client.Job{
//	    MessageID:      "msg-1",
//	    AttachmentType: "attachment",
//	    Digest:         digest,
//	    ReceivedAt:     time.Now(),
//	    Attachment:     client.Attachment{CDNKey: cdnKey, Key: keyMaterial},
//	}, client.WithUrgency(client.Immediate))
//
//	// Tell the scheduler what is on screen.
//	err = c.SetVisible(ctx, []string{"msg-1", "msg-2"})
//
//	// Pause downloads during a call.
//	err = c.SetCallActive(ctx, true)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the attachq server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attachq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsInvalid reports whether the server rejected the request as malformed.
func IsInvalid(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// IsNotFound reports whether the server returned 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the API key was missing or wrong.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the attachq API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the attachq server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Urgency decides whether a new job wakes the scheduler right away.
type Urgency string

const (
	Standard  Urgency = "standard"
	Immediate Urgency = "immediate"
)

// BackupLocator names the attachment on the backup tier.
type BackupLocator struct {
	MediaName string `json:"media_name"`
	CDNNumber int    `json:"cdn_number"`
}

// LocalFile is a downloaded rendition as reported by the server.
type LocalFile struct {
	Path          string `json:"path"`
	PlaintextHash string `json:"plaintext_hash"`
	Size          int64  `json:"size"`
}

// Attachment describes what to download. Key is the raw key material.
type Attachment struct {
	ContentType   string         `json:"content_type,omitempty"`
	Size          int64          `json:"size,omitempty"`
	Digest        string         `json:"digest,omitempty"`
	Key           []byte         `json:"key,omitempty"`
	CDNKey        string         `json:"cdn_key,omitempty"`
	CDNNumber     int            `json:"cdn_number,omitempty"`
	BackupLocator *BackupLocator `json:"backup_locator,omitempty"`
}

// Job is a download request.
type Job struct {
	MessageID      string
	AttachmentType string
	Digest         string
	ReceivedAt     time.Time
	SentAt         time.Time
	Attachment     Attachment
}

// JobInfo is a job as stored on the server.
type JobInfo struct {
	Key            string
	MessageID      string
	AttachmentType string
	Digest         string
	ReceivedAt     time.Time
	Active         bool
	Attempts       int
	// RetryAfter is zero when the job is eligible now.
	RetryAfter          time.Time
	ThumbnailFromBackup *LocalFile
	Downloaded          *LocalFile
}

// Stats is the scheduler snapshot from GET /api/stats.
type Stats struct {
	Running           bool `json:"running"`
	Active            int  `json:"active"`
	MaxConcurrentJobs int  `json:"max_concurrent_jobs"`
	Visible           int  `json:"visible"`
	HoldingOff        bool `json:"holding_off"`
	RetriesArmed      int  `json:"retries_armed"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status  string
	NodeID  string
	Uptime  time.Duration
	Version string
	Running bool
}

// ─── AddJob options ───────────────────────────────────────────────────────────

// AddJobOption configures a single AddJob call.
type AddJobOption func(*addJobPayload)

// WithUrgency sets the enqueue urgency. The default is Standard.
func WithUrgency(u Urgency) AddJobOption {
	return func(p *addJobPayload) { p.Urgency = string(u) }
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

// AddJob queues job and returns its key. Re-adding an existing key resets
// its retry state.
func (c *Client) AddJob(ctx context.Context, job Job, opts ...AddJobOption) (string, error) {
	p := addJobPayload{
		MessageID:      job.MessageID,
		AttachmentType: job.AttachmentType,
		Digest:         job.Digest,
		ReceivedAt:     unixMs(job.ReceivedAt),
		SentAt:         unixMs(job.SentAt),
		Attachment:     job.Attachment,
	}
	for _, o := range opts {
		o(&p)
	}
	var resp struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", p, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

// ListJobs returns every stored job and the subset currently running.
func (c *Client) ListJobs(ctx context.Context) (jobs, active []*JobInfo, err error) {
	var resp struct {
		Jobs   []wireJob `json:"jobs"`
		Active []wireJob `json:"active"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &resp); err != nil {
		return nil, nil, err
	}
	return toJobInfos(resp.Jobs), toJobInfos(resp.Active), nil
}

// ─── Scheduler inputs ─────────────────────────────────────────────────────────

// SetVisible replaces the set of on-screen message ids.
func (c *Client) SetVisible(ctx context.Context, messageIDs []string) error {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	return c.do(ctx, http.MethodPut, "/visible", map[string]any{"message_ids": messageIDs}, nil)
}

// SetCallActive pauses (true) or resumes (false) scheduling.
func (c *Client) SetCallActive(ctx context.Context, active bool) error {
	return c.do(ctx, http.MethodPut, "/call-state", map[string]any{"active": active}, nil)
}

// ─── Dead-letter ledger ───────────────────────────────────────────────────────

// DroppedJob is a download the server gave up on.
type DroppedJob struct {
	Job       *JobInfo
	Reason    string
	DroppedAt time.Time
}

// ListDropped returns up to limit dropped jobs (oldest first) and the total
// number recorded. limit <= 0 uses the server default.
func (c *Client) ListDropped(ctx context.Context, limit int) ([]DroppedJob, int, error) {
	path := "/dlq"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Entries []struct {
			Job       wireJob `json:"job"`
			Reason    string  `json:"reason"`
			DroppedAt int64   `json:"dropped_at"`
		} `json:"entries"`
		Total int `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	out := make([]DroppedJob, len(resp.Entries))
	for i, e := range resp.Entries {
		out[i] = DroppedJob{
			Job:       toJobInfos([]wireJob{e.Job})[0],
			Reason:    e.Reason,
			DroppedAt: time.UnixMilli(e.DroppedAt),
		}
	}
	return out, resp.Total, nil
}

// ReplayDropped re-queues a dropped job with fresh retry state.
func (c *Client) ReplayDropped(ctx context.Context, key string, opts ...AddJobOption) error {
	var p addJobPayload
	for _, o := range opts {
		o(&p)
	}
	return c.do(ctx, http.MethodPost, "/dlq/replay", map[string]string{"key": key, "urgency": p.Urgency}, nil)
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
		Running  bool   `json:"running"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
		Running: resp.Running,
	}, nil
}

// Stats returns the scheduler snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("attachq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("attachq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("attachq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("attachq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("attachq: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type addJobPayload struct {
	MessageID      string     `json:"message_id"`
	AttachmentType string     `json:"attachment_type"`
	Digest         string     `json:"digest"`
	ReceivedAt     int64      `json:"received_at"`
	SentAt         int64      `json:"sent_at"`
	Urgency        string     `json:"urgency,omitempty"`
	Attachment     Attachment `json:"attachment"`
}

type wireJob struct {
	MessageID      string `json:"message_id"`
	AttachmentType string `json:"attachment_type"`
	Digest         string `json:"digest"`
	ReceivedAt     int64  `json:"received_at"`
	Active         bool   `json:"active"`
	Attempts       int    `json:"attempts"`
	RetryAfter     int64  `json:"retry_after"`
	Attachment     struct {
		ThumbnailFromBackup *LocalFile `json:"thumbnail_from_backup"`
		Downloaded          *LocalFile `json:"downloaded"`
	} `json:"attachment"`
}

func toJobInfos(in []wireJob) []*JobInfo {
	out := make([]*JobInfo, len(in))
	for i, w := range in {
		info := &JobInfo{
			Key:                 w.MessageID + "|" + w.AttachmentType + "|" + w.Digest,
			MessageID:           w.MessageID,
			AttachmentType:      w.AttachmentType,
			Digest:              w.Digest,
			ReceivedAt:          time.UnixMilli(w.ReceivedAt),
			Active:              w.Active,
			Attempts:            w.Attempts,
			ThumbnailFromBackup: w.Attachment.ThumbnailFromBackup,
			Downloaded:          w.Attachment.Downloaded,
		}
		if w.RetryAfter > 0 {
			info.RetryAfter = time.UnixMilli(w.RetryAfter)
		}
		out[i] = info
	}
	return out
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
