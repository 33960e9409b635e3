package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/radiusdt/attribution-api/internal/config"
	"go.uber.org/zap"
)

type contextKey string

const (
	APIKeyContextKey contextKey = "api_key"
	AuthHeaderName              = "X-API-Key"
)

// AuthMiddleware guards the dashboard and sync routes with the shared
// API key, sent as X-API-Key or as a bearer token. Webhook routes carry
// per-platform credentials and are listed in SkipPaths.
type AuthMiddleware struct {
	key       []byte
	enabled   bool
	skipPaths []string
	logger    *zap.Logger
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	skip := make([]string, 0, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		if p = strings.TrimSpace(p); p != "" {
			skip = append(skip, p)
		}
	}
	return &AuthMiddleware{
		key:       []byte(cfg.MasterKey),
		enabled:   cfg.Enabled,
		skipPaths: skip,
		logger:    logger,
	}
}

func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || a.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := presentedKey(r)
		switch {
		case key == "":
			a.reject(w, r, "missing API key")
			return
		case subtle.ConstantTimeCompare([]byte(key), a.key) != 1:
			a.reject(w, r, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), APIKeyContextKey, key)))
	})
}

func presentedKey(r *http.Request) string {
	if key := r.Header.Get(AuthHeaderName); key != "" {
		return key
	}
	const bearer = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(bearer) && strings.EqualFold(h[:len(bearer)], bearer) {
		return strings.TrimSpace(h[len(bearer):])
	}
	return ""
}

func (a *AuthMiddleware) skipped(path string) bool {
	for _, prefix := range a.skipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	a.logger.Warn("API key rejected",
		zap.String("reason", reason),
		zap.String("request_id", RequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)
	w.Header().Set("WWW-Authenticate", "ApiKey")
	WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", reason)
}
