package shield

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RetryAfterSecs is the value sent in the Retry-After header when a device
// exceeds its event budget. One window, in seconds.
const RetryAfterSecs = "60"

// Counter tallies events per key within the current fixed window and
// returns the running total. Implementations decide where the tally lives:
// memoryCounter for a single node, RedisCounter for a fleet.
type Counter interface {
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
}

// memoryCounter is a fixed-window tally in process memory. Entries from
// past windows are swept whenever the window advances.
type memoryCounter struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]winCount
	swept  int64
}

type winCount struct {
	window int64
	count  int64
}

func newMemoryCounter(window time.Duration) *memoryCounter {
	return &memoryCounter{
		window: window,
		now:    time.Now,
		counts: make(map[string]winCount),
	}
}

func (m *memoryCounter) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	w := m.now().Unix() / int64(m.window/time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	if w > m.swept {
		for k, c := range m.counts {
			if c.window < w {
				delete(m.counts, k)
			}
		}
		m.swept = w
	}

	c := m.counts[key]
	if c.window != w {
		c = winCount{window: w}
	}
	c.count += n
	m.counts[key] = c
	return c.count, nil
}

// DeviceRateLimiter enforces the per-device event budget on the ingest
// path. The budget counts events, not requests: a batch of 100 events
// consumes 100 units.
type DeviceRateLimiter struct {
	counter Counter
	limit   int64
	log     *slog.Logger
}

// RateOption configures a DeviceRateLimiter.
type RateOption func(*DeviceRateLimiter)

// WithLimit overrides the events-per-window budget.
func WithLimit(n int64) RateOption {
	return func(l *DeviceRateLimiter) { l.limit = n }
}

// WithCounter swaps the tally backend, e.g. for a Redis-backed fleet.
func WithCounter(c Counter) RateOption {
	return func(l *DeviceRateLimiter) { l.counter = c }
}

// WithRateLogger sets the logger. Nil keeps slog.Default().
func WithRateLogger(log *slog.Logger) RateOption {
	return func(l *DeviceRateLimiter) {
		if log != nil {
			l.log = log
		}
	}
}

// NewDeviceRateLimiter builds a limiter with a 1000 events/minute budget
// tallied in process memory.
func NewDeviceRateLimiter(opts ...RateOption) *DeviceRateLimiter {
	l := &DeviceRateLimiter{
		counter: newMemoryCounter(time.Minute),
		limit:   1000,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AllowN records n events for the device and reports whether the window
// budget still holds. A failing counter backend fails open: dropping
// telemetry over a limiter outage would be backwards.
func (l *DeviceRateLimiter) AllowN(ctx context.Context, device string, n int) bool {
	if device == "" {
		return true
	}
	total, err := l.counter.IncrBy(ctx, device, int64(n))
	if err != nil {
		l.log.Warn("ratelimit: counter unavailable, allowing", "error", err)
		return true
	}
	if total > l.limit {
		l.log.Warn("ratelimit: device over budget", "device", device, "count", total, "limit", l.limit)
		return false
	}
	return true
}

// Allow records a single event for the device.
func (l *DeviceRateLimiter) Allow(ctx context.Context, device string) bool {
	return l.AllowN(ctx, device, 1)
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
