package ratelimit

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
}

var _ RateLimiter = (*SimpleRateLimiter)(nil)

// SimpleRateLimiter spaces calls to a single upstream by a jittered delay
// between minDelay and maxDelay.
type SimpleRateLimiter struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	jitter     bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.lastAction)
	delay := r.calculateDelay()

	if elapsed < delay {
		if err := sleep(ctx, delay-elapsed); err != nil {
			return err
		}
	}

	r.lastAction = time.Now()
	return nil
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	return jitterBetween(r.minDelay, r.maxDelay, r.jitter)
}

func jitterBetween(min, max time.Duration, jitter bool) time.Duration {
	if !jitter || max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HostRateLimiter keeps one token bucket per host and adds a jittered pause
// after each granted token. Hosts never wait on each other.
type HostRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	jitterMin time.Duration
	jitterMax time.Duration
}

type HostOptions struct {
	RequestsPerSecond float64
	Burst             int
	JitterMin         time.Duration
	JitterMax         time.Duration
}

func NewHostRateLimiter(opts HostOptions) *HostRateLimiter {
	limit := rate.Limit(opts.RequestsPerSecond)
	if opts.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &HostRateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     limit,
		burst:     burst,
		jitterMin: opts.JitterMin,
		jitterMax: opts.JitterMax,
	}
}

func (h *HostRateLimiter) limiter(host string) *rate.Limiter {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))

	h.mu.Lock()
	defer h.mu.Unlock()

	lim, ok := h.limiters[host]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = lim
	}
	return lim
}

// Wait blocks until a request to host may proceed or ctx is done.
func (h *HostRateLimiter) Wait(ctx context.Context, host string) error {
	if err := h.limiter(host).Wait(ctx); err != nil {
		return err
	}
	return sleep(ctx, jitterBetween(h.jitterMin, h.jitterMax, true))
}

func (h *HostRateLimiter) Hosts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.limiters)
}
