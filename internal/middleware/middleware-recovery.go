package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/radiusdt/attribution-api/internal/metrics"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns handler panics into a 500 envelope. An
// aborted handler is re-panicked so net/http drops the connection.
type RecoveryMiddleware struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRecoveryMiddleware creates a recovery middleware. m may be nil.
func NewRecoveryMiddleware(logger *zap.Logger, m *metrics.Metrics) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger, metrics: m}
}

func (rm *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			if rm.metrics != nil {
				rm.metrics.RecordPanic()
			}
			rm.logger.Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
