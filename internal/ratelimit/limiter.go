// Package ratelimit provides per-client sliding-window admission control
// over a shared keyed store, with HTTP middleware for the gateway edge.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudgate/gateway/internal/config"
	"github.com/cloudgate/gateway/internal/metrics"
	"github.com/cloudgate/gateway/internal/ratelimit/store"
)

// Info describes an admission decision for response headers and client
// backoff. Reset is a unix timestamp in seconds.
type Info struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
	Window    int   `json:"window"`
}

// Usage is a read-only view of an identifier's current window occupancy.
type Usage struct {
	Limit     int   `json:"limit"`
	Used      int   `json:"used"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// Limiter decides per-identifier admission over a trailing window. The
// shared store makes the decision consistent across gateway replicas; when
// the store is unreachable the limiter degrades to local token buckets
// rather than failing requests.
type Limiter struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	limit  int
	window int // seconds
	prefix string

	fallbackMu sync.Mutex
	fallback   map[string]*fallbackClient

	now func() time.Time
}

type fallbackClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Limiter backed by st with the given settings.
func New(st store.Store, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:    st,
		logger:   logger,
		limit:    cfg.RequestsPerWindow,
		window:   cfg.WindowSeconds,
		prefix:   cfg.KeyPrefix,
		fallback: make(map[string]*fallbackClient),
		now:      time.Now,
	}
}

// UpdateConfig hot-reloads the window settings. Fallback buckets are
// cleared so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	l.limit = cfg.RequestsPerWindow
	l.window = cfg.WindowSeconds
	l.prefix = cfg.KeyPrefix
	l.mu.Unlock()

	l.fallbackMu.Lock()
	l.fallback = make(map[string]*fallbackClient)
	l.fallbackMu.Unlock()
}

func (l *Limiter) key(identifier string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fmt.Sprintf("%s:%s", l.prefix, identifier)
}

func (l *Limiter) settings() (limit, window int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limit, l.window
}

// Allow decides admission for identifier. The store atomically purges
// entries that slid out of the window, counts the survivors, and inserts
// the new entry; the decision is made on the count BEFORE the insert. A
// rejected request's entry is removed again so the window only tracks
// admitted traffic (best-effort, see the note on Remove below).
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, Info) {
	limit, window := l.settings()

	now := l.now()
	nowSec := now.Unix()
	windowStart := nowSec - int64(window)
	key := l.key(identifier)

	// Unique member per request so same-second arrivals don't collide.
	member := fmt.Sprintf("%d:%d", nowSec, now.UnixNano())
	ttl := time.Duration(window+1) * time.Second

	count, err := l.store.SlideWindow(ctx, key, windowStart, nowSec, member, ttl)
	if err != nil {
		return l.allowFallback(identifier, err, limit, window, nowSec)
	}

	info := Info{
		Limit:  limit,
		Reset:  nowSec + int64(window),
		Window: window,
	}

	allowed := count < int64(limit)
	if !allowed {
		// Compensate for the insert so the window stays representative of
		// admitted requests. Failure here is non-fatal: the entry expires
		// with the window anyway, and blocking the rejection response on
		// it would help nobody.
		if err := l.store.RemoveMember(ctx, key, member); err != nil {
			l.logger.Debug("failed to remove rejected entry", "key", key, "error", err)
		}
		info.Remaining = 0
		return false, info
	}

	info.Remaining = remaining(limit, int(count)+1)
	return true, info
}

// Usage returns the identifier's current occupancy without recording an
// attempt. Repeated calls yield the same result absent other traffic.
func (l *Limiter) Usage(ctx context.Context, identifier string) (Usage, error) {
	limit, window := l.settings()

	nowSec := l.now().Unix()
	windowStart := nowSec - int64(window)

	count, err := l.store.PurgeCount(ctx, l.key(identifier), windowStart)
	if err != nil {
		return Usage{}, fmt.Errorf("reading usage for %q: %w", identifier, err)
	}

	return Usage{
		Limit:     limit,
		Used:      int(count),
		Remaining: remaining(limit, int(count)),
		Reset:     nowSec + int64(window),
	}, nil
}

// allowFallback admits via a local token bucket when the shared store is
// down. The bucket refills at the configured window rate, so a store
// outage loosens cross-replica accuracy but keeps shedding abusive
// clients instead of taking the gateway down with the store.
func (l *Limiter) allowFallback(identifier string, cause error, limit, window int, nowSec int64) (bool, Info) {
	metrics.RateLimitStoreErrors.Inc()
	l.logger.Warn("rate-limit store unavailable, using local fallback",
		"identifier", identifier, "error", cause)

	l.fallbackMu.Lock()
	fc, ok := l.fallback[identifier]
	if !ok {
		perSecond := rate.Limit(float64(limit) / float64(window))
		fc = &fallbackClient{limiter: rate.NewLimiter(perSecond, limit)}
		l.fallback[identifier] = fc
	}
	fc.lastSeen = time.Now()
	l.dropStaleFallbacks()
	l.fallbackMu.Unlock()

	allowed := fc.limiter.Allow()

	info := Info{
		Limit:  limit,
		Reset:  nowSec + int64(window),
		Window: window,
	}
	if allowed {
		// Estimate the countdown from the bucket's current fill so the
		// X-RateLimit-Remaining header stays meaningful during the outage.
		tokens := int(fc.limiter.Tokens())
		switch {
		case tokens < 0:
			tokens = 0
		case tokens > limit:
			tokens = limit
		}
		info.Remaining = tokens
	}
	return allowed, info
}

// dropStaleFallbacks evicts buckets idle for over ten minutes so a long
// store outage doesn't grow the map without bound. Must be called with
// fallbackMu held.
func (l *Limiter) dropStaleFallbacks() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, fc := range l.fallback {
		if fc.lastSeen.Before(cutoff) {
			delete(l.fallback, id)
		}
	}
}

func remaining(limit, used int) int {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}
