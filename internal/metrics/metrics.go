// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for attachq. It avoids the prometheus/client_golang package so the
// binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Added / Started / Retried / Dropped / Active  →  key = "attachment_type"
//	Finished                                     →  key = "attachment_type\tvariant"
//	HTTPReqs                                     →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                       →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/attachq/internal/manager"
	"github.com/snehjoshi/attachq/internal/types"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n. Negative n is allowed for gauges.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key.
func (lc *labelCounter) Get(key string) int64 { return lc.get(key).Load() }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all attachq application metrics.
type Registry struct {
	// Job lifecycle counters.  key = "attachment_type"
	Added   labelCounter
	Started labelCounter
	Retried labelCounter
	Dropped labelCounter
	// Finished is keyed by "attachment_type\tvariant".
	Finished labelCounter
	// Active is a gauge of in-flight runs.  key = "attachment_type"
	Active labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// Observe feeds the job lifecycle counters from m's observer hooks.
func (r *Registry) Observe(m *manager.Manager) {
	m.OnJobAdded(func(job *types.Job, _ types.Urgency) {
		r.Added.Inc(string(job.AttachmentType))
	})
	m.OnJobStarted(func(job *types.Job) {
		t := string(job.AttachmentType)
		r.Started.Inc(t)
		r.Active.Inc(t)
	})
	m.OnJobCompleted(func(out manager.Outcome) {
		t := string(out.Job.AttachmentType)
		r.Active.Add(t, -1)
		switch out.Status {
		case manager.StatusFinished:
			r.Finished.Inc(FinishedKey(out.Job.AttachmentType, out.Result.Variant))
		case manager.StatusRetry:
			r.Retried.Inc(t)
		case manager.StatusDropped:
			r.Dropped.Inc(t)
		}
	})
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── job counters ──────────────────────────────────────────────────────
		byType := func(lc *labelCounter) func(fn func(labels, val string)) {
			return func(fn func(labels, val string)) {
				lc.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`attachment_type=%q`, key), fmt.Sprintf("%d", val))
				})
			}
		}

		writeFamily(&b, "attachq_jobs_added_total",
			"Total download jobs enqueued", "counter", byType(&r.Added))
		writeFamily(&b, "attachq_jobs_started_total",
			"Total download runs started", "counter", byType(&r.Started))
		writeFamily(&b, "attachq_jobs_retried_total",
			"Total failed runs rescheduled with backoff", "counter", byType(&r.Retried))
		writeFamily(&b, "attachq_jobs_dropped_total",
			"Total jobs abandoned after max attempts", "counter", byType(&r.Dropped))
		writeFamily(&b, "attachq_jobs_active",
			"Download runs currently in flight", "gauge", byType(&r.Active))

		writeFamily(&b, "attachq_jobs_finished_total",
			"Total successful runs by stored variant", "counter",
			func(fn func(labels, val string)) {
				r.Finished.Each(func(key string, val int64) {
					typ, variant := splitTwo(key)
					fn(fmt.Sprintf(`attachment_type=%q,variant=%q`, typ, variant),
						fmt.Sprintf("%d", val))
				})
			})

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "attachq_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "attachq_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "attachq_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer lines so the header is skipped for empty families.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// FinishedKey builds the label key used by Finished.
func FinishedKey(t types.AttachmentType, v types.Variant) string {
	return string(t) + "\t" + v.String()
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
