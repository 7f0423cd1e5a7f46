// Package shield provides the HTTP protection middleware for the ghostwork
// ingestion API. It consolidates request IDs, security headers, CORS for
// the browser extension, body limits and per-device rate limiting into a
// single importable package.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack() {
//	    r.Use(mw)
//	}
//
// The per-device event limiter is not part of the stack: the device
// fingerprint can arrive in the batch body rather than a header, so the
// ingest handler calls DeviceRateLimiter.AllowN once it knows the device.
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Stack returns the standard middleware chain for the ghostwork API,
// ordered: HeadToGet → SecurityHeaders → CORS → RequestID → Tenancy →
// MaxJSONBody. Rate limiting is applied inside the ingest handler, not here.
func Stack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		CORS(DefaultCORS()),
		RequestID,
		Tenancy,
		MaxJSONBody(1 << 20),
	}
}
