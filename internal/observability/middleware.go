package observability

import (
	"net/http"
	"runtime/debug"
	"time"

	"secgate/gateway/internal/httputil"

	"github.com/getsentry/sentry-go"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogging writes one access line per request through the request
// scoped logger, which already carries method and path.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		httputil.GetLogger(r.Context()).Info().
			Int("status", rec.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	})
}

// Recover turns a handler panic into a 500 and a Sentry report.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetExtra("panic", rec)
				scope.SetExtra("stack", string(debug.Stack()))
				scope.SetTag("request_id", httputil.GetRequestID(r.Context()))
				sentry.CaptureMessage("panic in request")
			})
			httputil.GetLogger(r.Context()).Error().
				Interface("panic", rec).
				Msg("panic_recovered")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "internal server error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}
