// Package observability reports infrastructure faults to Sentry and recovers
// panics in HTTP handlers.
package observability

import (
	"context"
	"time"

	"secgate/gateway/internal/httputil"

	"github.com/getsentry/sentry-go"
)

// InitSentry is a no-op when dsn is empty.
func InitSentry(dsn, environment string, sampleRate float64) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureInfra reports a fault that forced a request to fail closed.
// Denials caused by the client are never reported here.
func CaptureInfra(ctx context.Context, stage string, err error) {
	if err == nil || sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("stage", stage)
		if rid := httputil.GetRequestID(ctx); rid != "" {
			scope.SetTag("request_id", rid)
		}
		sentry.CaptureException(err)
	})
}
