package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/attachq/internal/dlq"
	"github.com/snehjoshi/attachq/internal/manager"
	"github.com/snehjoshi/attachq/internal/storage"
	"github.com/snehjoshi/attachq/internal/types"
)

// maxVisibleIDs caps a single PUT /visible body.
const maxVisibleIDs = 1000

// Handler groups all HTTP request handlers around a Manager.
type Handler struct {
	nodeID  string
	manager *manager.Manager
	store   storage.JobStore
	inCall  *atomic.Bool
	dlq     *dlq.Ledger // may be nil
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type addJobReq struct {
	MessageID      string           `json:"message_id"`
	AttachmentType string           `json:"attachment_type"`
	Digest         string           `json:"digest"`
	ReceivedAt     int64            `json:"received_at"` // unix ms
	SentAt         int64            `json:"sent_at"`     // unix ms
	Urgency        string           `json:"urgency"`     // "standard" | "immediate"
	Attachment     types.Attachment `json:"attachment"`
}

type addJobResp struct {
	Key string `json:"key"`
}

type visibleReq struct {
	MessageIDs []string `json:"message_ids"`
}

type callStateReq struct {
	Active bool `json:"active"`
}

type dlqResp struct {
	Entries []dlq.Entry `json:"entries"`
	Total   int         `json:"total"`
}

type replayReq struct {
	Key     string `json:"key"`
	Urgency string `json:"urgency"`
}

type jobsResp struct {
	Jobs   []*types.Job `json:"jobs"`
	Active []*types.Job `json:"active"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id,omitempty"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
	Running  bool   `json:"running"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
		Running:  h.manager.Stats().Running,
	})
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (h *Handler) addJob(w http.ResponseWriter, r *http.Request) {
	var req addJobReq
	if !decodeJSON(w, r, &req) {
		return
	}
	urgency, err := types.ParseUrgency(req.Urgency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Download results are never accepted from clients.
	att := req.Attachment
	att.Downloaded = nil
	att.ThumbnailFromBackup = nil

	job := &types.Job{
		MessageID:      req.MessageID,
		AttachmentType: types.AttachmentType(req.AttachmentType),
		Digest:         req.Digest,
		ReceivedAt:     req.ReceivedAt,
		SentAt:         req.SentAt,
		Attachment:     att,
	}
	if err := h.manager.AddJob(r.Context(), job, urgency); err != nil {
		if errors.Is(err, manager.ErrInvalidJob) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, addJobResp{Key: job.Key().String()})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, jobsResp{Jobs: jobs, Active: h.manager.ActiveJobs()})
}

// ─── Scheduler inputs ─────────────────────────────────────────────────────────

func (h *Handler) updateVisible(w http.ResponseWriter, r *http.Request) {
	var req visibleReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.MessageIDs) > maxVisibleIDs {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "too many message ids"})
		return
	}
	h.manager.UpdateVisibleTimelineMessages(req.MessageIDs)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateCallState(w http.ResponseWriter, r *http.Request) {
	var req callStateReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.inCall == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "call state is not wired"})
		return
	}
	h.inCall.Store(req.Active)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Stats())
}

// ─── Dead-letter ledger ───────────────────────────────────────────────────────

func (h *Handler) listDropped(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.dlq.Peek(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, dlqResp{Entries: entries, Total: h.dlq.Len()})
}

func (h *Handler) replayDropped(w http.ResponseWriter, r *http.Request) {
	var req replayReq
	if !decodeJSON(w, r, &req) {
		return
	}
	urgency, err := types.ParseUrgency(req.Urgency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = h.dlq.Replay(r.Context(), req.Key, urgency, h.manager.AddJob)
	switch {
	case errors.Is(err, dlq.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, addJobResp{Key: req.Key})
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
