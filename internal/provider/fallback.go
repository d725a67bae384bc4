package provider

import (
	"context"
	"sync"
	"time"
)

// Health is the per-backend bookkeeping driving failover decisions.
// Never persisted; mutated only by the fallback routing algorithm.
type Health struct {
	Provider         string
	FailureCount     int
	LastFailure      time.Time
	RateLimitedUntil time.Time
	CooldownUntil    time.Time
	Available        bool
}

// Observer is notified when a backend's availability changes.
type Observer func(provider string, available bool, reason string)

// Options configures the fallback thresholds. These are contractual defaults,
// not hard invariants.
type Options struct {
	FailureThreshold       int           // consecutive transient failures before cooldown
	Cooldown               time.Duration // how long a tripped backend stays out
	DefaultRateLimitWindow time.Duration // used when a rate-limit error has no retry-after
	Clock                  func() time.Time
}

// DefaultOptions returns the documented default thresholds.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:       3,
		Cooldown:               5 * time.Minute,
		DefaultRateLimitWindow: 60 * time.Second,
		Clock:                  time.Now,
	}
}

// Fallback presents N AI backends as one, routing every call through the
// first available backend and failing over on qualifying errors.
type Fallback struct {
	providers []AIProvider
	opts      Options

	mu        sync.Mutex
	health    map[string]*Health
	observers []Observer
}

// NewFallback wraps the given backends in priority order.
func NewFallback(providers []AIProvider, opts Options) *Fallback {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.DefaultRateLimitWindow <= 0 {
		opts.DefaultRateLimitWindow = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	f := &Fallback{
		providers: providers,
		opts:      opts,
		health:    make(map[string]*Health, len(providers)),
	}
	for _, p := range providers {
		f.health[p.Name()] = &Health{Provider: p.Name(), Available: true}
	}
	return f
}

// Name implements AIProvider so a Fallback can wrap another Fallback.
func (f *Fallback) Name() string { return "fallback" }

// Subscribe registers an observer for availability changes.
func (f *Fallback) Subscribe(obs Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, obs)
}

// Health returns a snapshot of the backend's health state.
func (f *Fallback) HealthOf(name string) (Health, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[name]
	if !ok {
		return Health{}, false
	}
	f.refreshLocked(h)
	return *h, true
}

// GenerateFix routes the call through the first available backend, failing
// over on rate limits and transient errors. Non-retryable errors abort
// immediately without failover.
func (f *Fallback) GenerateFix(ctx context.Context, req FixRequest) (*Fix, error) {
	candidates := f.availableProviders()
	if len(candidates) == 0 {
		// Last-resort recovery: reset everything once and recompute.
		f.resetAll()
		candidates = f.availableProviders()
		if len(candidates) == 0 {
			return nil, ErrAllProvidersUnavailable
		}
	}

	var lastErr error
	for _, p := range candidates {
		fix, err := p.GenerateFix(ctx, req)
		if err == nil {
			f.recordSuccess(p.Name())
			return fix, nil
		}

		if rl, ok := IsRateLimit(err); ok {
			window := rl.RetryAfter
			if window <= 0 {
				window = f.opts.DefaultRateLimitWindow
			}
			f.recordRateLimit(p.Name(), window)
			lastErr = err
			continue
		}
		if IsRetryable(err) {
			f.recordFailure(p.Name())
			lastErr = err
			continue
		}

		// Not a failover condition: propagate as-is.
		return nil, err
	}

	return nil, lastErr
}

// availableProviders returns the backends currently eligible for routing,
// in configured priority order.
func (f *Fallback) availableProviders() []AIProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AIProvider
	for _, p := range f.providers {
		h := f.health[p.Name()]
		f.refreshLocked(h)
		if h.Available {
			out = append(out, p)
		}
	}
	return out
}

// refreshLocked applies elapsed-window recovery: an expired rate-limit window
// auto-clears, and an expired cooldown restores availability and resets the
// failure count.
func (f *Fallback) refreshLocked(h *Health) {
	now := f.opts.Clock()
	if !h.RateLimitedUntil.IsZero() && !now.Before(h.RateLimitedUntil) {
		h.RateLimitedUntil = time.Time{}
		if h.CooldownUntil.IsZero() {
			h.Available = true
		}
	}
	if !h.CooldownUntil.IsZero() && !now.Before(h.CooldownUntil) {
		h.CooldownUntil = time.Time{}
		h.FailureCount = 0
		if h.RateLimitedUntil.IsZero() {
			h.Available = true
		}
	}
}

func (f *Fallback) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health[name]
	h.FailureCount = 0
	h.LastFailure = time.Time{}
}

func (f *Fallback) recordRateLimit(name string, window time.Duration) {
	f.mu.Lock()
	h := f.health[name]
	h.RateLimitedUntil = f.opts.Clock().Add(window)
	h.LastFailure = f.opts.Clock()
	h.Available = false
	observers := append([]Observer(nil), f.observers...)
	f.mu.Unlock()

	for _, obs := range observers {
		obs(name, false, "rate limited")
	}
}

func (f *Fallback) recordFailure(name string) {
	f.mu.Lock()
	h := f.health[name]
	h.FailureCount++
	h.LastFailure = f.opts.Clock()
	tripped := h.FailureCount >= f.opts.FailureThreshold
	if tripped {
		h.CooldownUntil = f.opts.Clock().Add(f.opts.Cooldown)
		h.Available = false
	}
	observers := append([]Observer(nil), f.observers...)
	f.mu.Unlock()

	if tripped {
		for _, obs := range observers {
			obs(name, false, "failure threshold reached")
		}
	}
}

func (f *Fallback) resetAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.health {
		h.Available = true
		h.FailureCount = 0
		h.RateLimitedUntil = time.Time{}
		h.CooldownUntil = time.Time{}
	}
}
