package http

import (
	"bufio"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/attachq/internal/metrics"
)

// statusRecorder remembers the status code and body size a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// Hijack is needed for the /events websocket upgrade.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rec.ResponseWriter).Hijack()
}

// route is the mux pattern path that served r ("/dlq/replay"), or the raw
// path when nothing matched. Only valid after the mux ran.
func route(r *http.Request) string {
	if r.Pattern == "" {
		return r.URL.Path
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// pollRoutes are hit on a timer by supervisors and scrapers.
var pollRoutes = map[string]bool{"/health": true, "/metrics": true, "/api/stats": true}

// LoggingMiddleware writes one slog line per request. Polling routes log at
// debug level and server errors at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)

		path := route(r)
		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelWarn
		case pollRoutes[path]:
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http",
			"method", r.Method,
			"route", path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// MetricsMiddleware counts requests and their latency in reg, labelled by
// route so job keys in query strings never become labels. A nil reg
// disables it.
func MetricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := record(w)
			next.ServeHTTP(rec, r)

			path := route(r)
			durKey := metrics.HTTPDurKey(r.Method, path)
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, path, strconv.Itoa(rec.status)))
			reg.HTTPDurMs.Add(durKey, time.Since(start).Milliseconds())
			reg.HTTPDurCnt.Inc(durKey)
		})
	}
}

// CORSMiddleware lets a timeline UI on another local origin call the API.
// Preflight requests are answered here and never reach the mux.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, Authorization")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// openPaths never require an API key, so supervisors can check liveness.
var openPaths = map[string]bool{"/health": true}

// AuthMiddleware requires the static API key on every path outside
// openPaths when enabled. The key is accepted from X-Api-Key or as an
// Authorization bearer token.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presentedKey(r)), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// clientLimiters hands out one token bucket per client address. Buckets idle
// for longer than limiterIdleTTL are swept once the table reaches
// limiterSweepAt entries.
type clientLimiters struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	byAddr map[string]*clientBucket
}

type clientBucket struct {
	*rate.Limiter
	lastSeen time.Time
}

const (
	limiterIdleTTL = 10 * time.Minute
	limiterSweepAt = 5000
)

func (c *clientLimiters) allow(addr string, now time.Time) bool {
	c.mu.Lock()
	b, ok := c.byAddr[addr]
	if !ok {
		if len(c.byAddr) >= limiterSweepAt {
			for a, old := range c.byAddr {
				if now.Sub(old.lastSeen) > limiterIdleTTL {
					delete(c.byAddr, a)
				}
			}
		}
		b = &clientBucket{Limiter: rate.NewLimiter(c.limit, c.burst)}
		c.byAddr[addr] = b
	}
	b.lastSeen = now
	c.mu.Unlock()
	return b.AllowN(now, 1)
}

// RateLimitMiddleware throttles each client address to rps requests per
// second with bursts of up to burst. Throttled requests get 429 with a
// Retry-After hint.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	limiters := &clientLimiters{
		limit:  rate.Limit(rps),
		burst:  max(burst, 1),
		byAddr: make(map[string]*clientBucket),
	}
	retryAfter := "1"
	if rps > 0 && rps < 1 {
		retryAfter = strconv.Itoa(int(1/rps + 0.5))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(clientIP(r), time.Now()) {
				w.Header().Set("Retry-After", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the first X-Forwarded-For hop when it parses, else the
// RemoteAddr host. X-Forwarded-For is only trustworthy behind a proxy.
func clientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); first != "" {
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// maxRequestBodyBytes bounds POST and PUT bodies. Job descriptors and
// visibility lists are small.
const maxRequestBodyBytes = 1 << 20

// MaxBodyMiddleware caps request bodies on the write routes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut:
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// chain wraps h so that mw[0] sees the request first.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
