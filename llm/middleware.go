package llm

import (
	"context"
	"errors"
	"time"
)

// Middleware wraps a Provider with extra behavior, mirroring how kit
// middleware wraps endpoints.
type Middleware func(Provider) Provider

// Wrap applies middleware so the first listed is the outermost.
func Wrap(p Provider, mw ...Middleware) Provider {
	for i := len(mw) - 1; i >= 0; i-- {
		p = mw[i](p)
	}
	return p
}

type timeoutProvider struct {
	Provider
	d time.Duration
}

// WithTimeout caps every Complete call. Zero or negative durations fall
// back to 30 seconds.
func WithTimeout(d time.Duration) Middleware {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(p Provider) Provider {
		return &timeoutProvider{Provider: p, d: d}
	}
}

func (t *timeoutProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.Provider.Complete(ctx, req)
}

type retryProvider struct {
	Provider
	attempts int
	base     time.Duration
}

// WithRetry retries failed completions up to attempts times with
// exponential backoff starting at base. Context cancellation is never
// retried; a canceled caller stays canceled.
func WithRetry(attempts int, base time.Duration) Middleware {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = time.Second
	}
	return func(p Provider) Provider {
		return &retryProvider{Provider: p, attempts: attempts, base: base}
	}
}

func (r *retryProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.base << (attempt - 1)):
			}
		}
		resp, err := r.Provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
