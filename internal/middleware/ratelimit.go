package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/attribution-api/internal/config"
	"github.com/radiusdt/attribution-api/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const webhookPathPrefix = "/api/webhooks/"

// RateLimitMiddleware implements token bucket rate limiting. Webhook
// deliveries share a global bucket and get a per-IP bucket on top;
// dashboard API calls share a separate bucket.
type RateLimitMiddleware struct {
	cfg            config.RateLimitConfig
	logger         *zap.Logger
	metrics        *metrics.Metrics
	webhookLimiter *rate.Limiter
	apiLimiter     *rate.Limiter

	mu         sync.RWMutex
	ipLimiters map[string]*rate.Limiter
}

// NewRateLimitMiddleware creates a new rate limiting middleware. m may be nil.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		webhookLimiter: rate.NewLimiter(rate.Limit(cfg.WebhookRPS), cfg.WebhookBurst),
		apiLimiter:     rate.NewLimiter(rate.Limit(cfg.APIRPS), cfg.APIBurst),
		ipLimiters:     make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		scope := "api"
		var allowed bool
		if strings.HasPrefix(r.URL.Path, webhookPathPrefix) {
			scope = "webhook"
			allowed = rl.webhookLimiter.Allow() && rl.getIPLimiter(rl.getClientIP(r)).Allow()
		} else {
			allowed = rl.apiLimiter.Allow()
		}

		if !allowed {
			rl.logger.Warn("rate limit exceeded",
				zap.String("scope", scope),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitHit(scope)
			}
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getIPLimiter returns or creates a limiter for ip at a tenth of the
// global webhook rate.
func (rl *RateLimitMiddleware) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.ipLimiters[ip]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists = rl.ipLimiters[ip]; exists {
		return limiter
	}

	burst := rl.cfg.WebhookBurst / 10
	if burst < 1 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(rl.cfg.WebhookRPS/10), burst)
	rl.ipLimiters[ip] = limiter
	return limiter
}

func (rl *RateLimitMiddleware) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// CleanupIPLimiters drops all per-IP limiters.
func (rl *RateLimitMiddleware) CleanupIPLimiters() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.ipLimiters = make(map[string]*rate.Limiter)
	rl.logger.Debug("cleaned up IP rate limiters")
}

// RunCleanup calls CleanupIPLimiters every interval until ctx is done.
func (rl *RateLimitMiddleware) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.CleanupIPLimiters()
		}
	}
}
