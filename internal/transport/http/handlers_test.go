package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/attachq/internal/config"
	"github.com/snehjoshi/attachq/internal/dlq"
	"github.com/snehjoshi/attachq/internal/manager"
	"github.com/snehjoshi/attachq/internal/metrics"
	"github.com/snehjoshi/attachq/internal/runner"
	"github.com/snehjoshi/attachq/internal/storage/local"
	transphttp "github.com/snehjoshi/attachq/internal/transport/http"
	transportws "github.com/snehjoshi/attachq/internal/transport/websocket"
	"github.com/snehjoshi/attachq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type okRunner struct{}

func (okRunner) Run(_ context.Context, job *types.Job, _ bool) (runner.Result, error) {
	return runner.Result{Job: job.Clone(), Variant: types.VariantDefault}, nil
}

type testEnv struct {
	handler http.Handler
	manager *manager.Manager
	store   *local.Store
	inCall  *atomic.Bool
	hub     *transportws.Hub
	reg     *metrics.Registry
	dlq     *dlq.Ledger
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.API.MaxRate = 0
	if mutate != nil {
		mutate(cfg)
	}

	store, err := local.Open(filepath.Join(cfg.Node.DataDir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	inCall := new(atomic.Bool)
	m, err := manager.New(manager.Options{
		Store:         store,
		Runner:        okRunner{},
		ShouldHoldOff: inCall.Load,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ledger, err := dlq.Open(filepath.Join(cfg.Node.DataDir, "dropped.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	env := &testEnv{
		dlq:     ledger,
		manager: m,
		store:   store,
		inCall:  inCall,
		hub:     transportws.NewHub(),
		reg:     &metrics.Registry{},
	}
	env.reg.Observe(m)
	srv := transphttp.New(transphttp.Deps{
		NodeID:  "01HZX0000000000000000000AB",
		Manager: m,
		Store:   store,
		InCall:  inCall,
		Hub:     env.hub,
		Metrics: env.reg,
		DLQ:     ledger,
	}, cfg)
	env.handler = srv.Handler()
	return env
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			reqBody.WriteString(s)
		} else if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func jobBody(messageID string) map[string]any {
	return map[string]any{
		"message_id":      messageID,
		"attachment_type": "attachment",
		"digest":          "digest-" + messageID,
		"received_at":     1000,
		"sent_at":         900,
		"attachment": map[string]any{
			"content_type": "image/png",
			"cdn_key":      "cdn-" + messageID,
			"size":         42,
		},
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := doRequest(t, env.handler, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]any
	decodeResp(t, rr, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "01HZX0000000000000000000AB", resp["node_id"])
	assert.Equal(t, false, resp["running"])
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func TestHTTP_AddJob_PersistsAndCounts(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := doRequest(t, env.handler, "POST", "/jobs", jobBody("m1"))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp map[string]string
	decodeResp(t, rr, &resp)
	assert.Equal(t, "m1|attachment|digest-m1", resp["key"])

	jobs, err := env.store.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1000), jobs[0].ReceivedAt)
	assert.Equal(t, "cdn-m1", jobs[0].Attachment.CDNKey)
	assert.Equal(t, int64(1), env.reg.Added.Get("attachment"))
}

func TestHTTP_AddJob_IgnoresClientSuppliedResults(t *testing.T) {
	env := newTestEnv(t, nil)
	body := jobBody("m1")
	body["attachment"].(map[string]any)["downloaded"] = map[string]any{"path": "evil"}

	rr := doRequest(t, env.handler, "POST", "/jobs", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	jobs, err := env.store.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Nil(t, jobs[0].Attachment.Downloaded)
}

func TestHTTP_AddJob_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)

	noLocator := jobBody("m1")
	delete(noLocator["attachment"].(map[string]any), "cdn_key")

	badUrgency := jobBody("m2")
	badUrgency["urgency"] = "asap"

	unknownField := jobBody("m3")
	unknownField["priority"] = 7

	cases := map[string]any{
		"no locator":    noLocator,
		"bad urgency":   badUrgency,
		"unknown field": unknownField,
		"malformed":     "{not json",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := doRequest(t, env.handler, "POST", "/jobs", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	jobs, err := env.store.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestHTTP_ListJobs(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := doRequest(t, env.handler, "GET", "/jobs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var empty struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	decodeResp(t, rr, &empty)
	assert.NotNil(t, empty.Jobs)
	assert.Empty(t, empty.Jobs)

	doRequest(t, env.handler, "POST", "/jobs", jobBody("m1"))
	doRequest(t, env.handler, "POST", "/jobs", jobBody("m2"))

	rr = doRequest(t, env.handler, "GET", "/jobs", nil)
	var resp struct {
		Jobs   []types.Job `json:"jobs"`
		Active []types.Job `json:"active"`
	}
	decodeResp(t, rr, &resp)
	assert.Len(t, resp.Jobs, 2)
	assert.Empty(t, resp.Active)
}

// ─── Scheduler inputs ─────────────────────────────────────────────────────────

func TestHTTP_UpdateVisible(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := doRequest(t, env.handler, "PUT", "/visible", map[string]any{"message_ids": []string{"a", "b"}})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.Equal(t, 2, env.manager.Stats().Visible)

	rr = doRequest(t, env.handler, "PUT", "/visible", map[string]any{"message_ids": []string{}})
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, env.manager.Stats().Visible)
}

func TestHTTP_UpdateCallState(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := doRequest(t, env.handler, "PUT", "/call-state", map[string]any{"active": true})
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, env.inCall.Load())
	assert.True(t, env.manager.Stats().HoldingOff)

	doRequest(t, env.handler, "PUT", "/call-state", map[string]any{"active": false})
	assert.False(t, env.inCall.Load())
}

func TestHTTP_Stats(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := doRequest(t, env.handler, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats manager.Stats
	decodeResp(t, rr, &stats)
	assert.Equal(t, 3, stats.MaxConcurrentJobs)
	assert.False(t, stats.Running)
}

func TestHTTP_AddedJobRunsWhenStarted(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.manager.Start(context.Background()))

	body := jobBody("m1")
	body["urgency"] = "immediate"
	rr := doRequest(t, env.handler, "POST", "/jobs", body)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		jobs, err := env.store.ListJobs(context.Background())
		return err == nil && len(jobs) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_AuthRequiresKeyExceptHealth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "s3cret"
	})

	rr := doRequest(t, env.handler, "GET", "/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, env.handler, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_AuthAcceptsBearerToken(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "s3cret"
	})

	for header, want := range map[string]int{
		"Bearer s3cret": http.StatusOK,
		"Bearer nope":   http.StatusUnauthorized,
		"s3cret":        http.StatusUnauthorized,
	} {
		req := httptest.NewRequest("GET", "/api/stats", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, header)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.API.MaxRate = 1
		c.API.Burst = 2
	})

	var limited *httptest.ResponseRecorder
	for i := 0; i < 5 && limited == nil; i++ {
		if rr := doRequest(t, env.handler, "GET", "/health", nil); rr.Code == http.StatusTooManyRequests {
			limited = rr
		}
	}
	require.NotNil(t, limited)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
}

func TestHTTP_OversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	huge := `{"message_ids":["` + strings.Repeat("x", 2<<20) + `"]}`
	rr := doRequest(t, env.handler, "PUT", "/visible", huge)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "too large")
}

func TestHTTP_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("OPTIONS", "/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestHTTP_MetricsUseRoutePattern(t *testing.T) {
	env := newTestEnv(t, nil)
	doRequest(t, env.handler, "GET", "/api/stats", nil)

	rr := doRequest(t, env.handler, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, `path="/api/stats"`), body)
	assert.True(t, strings.Contains(body, `status="200"`), body)
}

// ─── Events ───────────────────────────────────────────────────────────────────

func TestHTTP_EventsStreamsFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	env.hub.Publish(transportws.Frame{Type: "job_started", Key: "m|attachment|d", MessageID: "m"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f transportws.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "job_started", f.Type)
	assert.Equal(t, "m", f.MessageID)
}

// ─── Dead-letter ledger ───────────────────────────────────────────────────────

func TestHTTP_DLQ_ListAndReplay(t *testing.T) {
	env := newTestEnv(t, nil)

	dropped := &types.Job{
		MessageID:      "m1",
		AttachmentType: types.AttachmentTypeAttachment,
		Digest:         "digest-m1",
		Attempts:       5,
		RetryAfter:     99,
		Attachment:     types.Attachment{CDNKey: "cdn-m1"},
	}
	require.NoError(t, env.dlq.Record(dropped, "cdn unavailable"))

	rr := doRequest(t, env.handler, "GET", "/dlq", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var list struct {
		Entries []dlq.Entry `json:"entries"`
		Total   int         `json:"total"`
	}
	decodeResp(t, rr, &list)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "cdn unavailable", list.Entries[0].Reason)

	rr = doRequest(t, env.handler, "POST", "/dlq/replay", map[string]string{"key": "m1|attachment|digest-m1"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	jobs, err := env.store.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].Attempts)
	assert.Equal(t, 0, env.dlq.Len())
	assert.Equal(t, int64(1), env.reg.Added.Get("attachment"), "replays count as adds")
}

func TestHTTP_DLQ_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := doRequest(t, env.handler, "POST", "/dlq/replay", map[string]string{"key": "missing|attachment|x"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, env.handler, "POST", "/dlq/replay", map[string]string{"key": "k", "urgency": "later"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, env.handler, "GET", "/dlq?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
