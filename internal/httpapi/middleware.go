package httpapi

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"notecollab/internal/apperr"
)

// MiddlewareConfig carries the uniform cross-cutting tunables §4.5 and
// §6.1 ask this layer to apply: CORS, per-IP rate limiting, and body size
// limiting.
type MiddlewareConfig struct {
	AllowedOrigins []string
	BodyLimitBytes int64
	RateLimitRPM   int
}

// Chain wraps h with logging, panic recovery, rate limiting, CORS, and a
// body size cap, in that order — outermost first, adapted from the teacher's
// NewEchoServer middleware ordering (log, recover, body limit, CORS).
func Chain(h http.Handler, logger *zap.Logger, cfg MiddlewareConfig) http.Handler {
	h = bodyLimitMiddleware(h, cfg.BodyLimitBytes)
	h = corsMiddleware(h, cfg.AllowedOrigins)
	h = rateLimitMiddleware(h, cfg.RateLimitRPM)
	h = recoverMiddleware(h, logger)
	h = loggingMiddleware(h, logger)
	return h
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func recoverMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", zap.Any("recover", rec), zap.String("path", r.URL.Path))
				writeError(w, apperr.New(apperr.KindFatal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware echoes the request's Origin header back when it matches
// the configured allow-list (or the list is empty/"*"), per §6.1's "echoes
// the origin on allowed cross-origin preflights".
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware caps request rate per client IP using a token bucket
// per address. Buckets are kept for the life of the process; idle ones are
// not evicted.
func rateLimitMiddleware(next http.Handler, rpm int) http.Handler {
	if rpm <= 0 {
		return next
	}
	limiters := &perIPLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   rpm,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiters.allow(clientIP(r)) {
			writeError(w, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type perIPLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func (p *perIPLimiter) allow(ip string) bool {
	p.mu.Lock()
	l, ok := p.buckets[ip]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.buckets[ip] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// bodyLimitMiddleware caps request bodies at limitBytes, per §6.1 ("bodies
// exceeding the configured maximum receive 413").
func bodyLimitMiddleware(next http.Handler, limitBytes int64) http.Handler {
	if limitBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limitBytes)
		next.ServeHTTP(w, r)
	})
}
