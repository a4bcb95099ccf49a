package provider

import (
	"log/slog"
	"sync"
	"time"
)

// State is a provider's routing health.
type State int

const (
	// Healthy providers are routed to normally.
	Healthy State = iota
	// Degraded providers are skipped until their cool-down ends.
	Degraded
	// Probing providers have one trial request in flight after a cool-down.
	Probing
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// Health defaults.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

type breaker struct {
	state         State
	failures      int
	degradedUntil time.Time
}

// Health tracks consecutive failures per provider. After threshold failures a
// provider is degraded until now+cooldown; afterwards a single probe request
// is allowed through, and its outcome either restores or re-degrades it.
type Health struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewHealth creates a health table. Non-positive arguments select the defaults.
func NewHealth(threshold int, cooldown time.Duration) *Health {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Health{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		breakers:  make(map[string]*breaker),
	}
}

func (h *Health) get(name string) *breaker {
	b, ok := h.breakers[name]
	if !ok {
		b = &breaker{}
		h.breakers[name] = b
	}
	return b
}

// Available reports whether name could be tried now, without claiming a probe.
func (h *Health) Available(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.get(name)
	switch b.state {
	case Degraded:
		return !h.now().Before(b.degradedUntil)
	case Probing:
		return false
	default:
		return true
	}
}

// Allow reports whether a request may be sent to name. When a degraded
// provider's cool-down has ended, the first caller gets the probe and the
// provider moves to Probing until the probe is recorded.
func (h *Health) Allow(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.get(name)
	switch b.state {
	case Healthy:
		return true
	case Degraded:
		if h.now().Before(b.degradedUntil) {
			return false
		}
		b.state = Probing
		slog.Info("provider probing", "provider", name)
		return true
	default:
		return false
	}
}

// RecordSuccess marks name healthy.
func (h *Health) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.get(name)
	if b.state != Healthy {
		slog.Info("provider recovered", "provider", name)
	}
	b.state = Healthy
	b.failures = 0
}

// RecordFailure counts a failure against name and degrades it at the threshold.
// A failed probe degrades it again immediately.
func (h *Health) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.get(name)
	b.failures++
	if b.state == Probing || b.failures >= h.threshold {
		b.state = Degraded
		b.degradedUntil = h.now().Add(h.cooldown)
		slog.Warn("provider degraded", "provider", name, "failures", b.failures, "until", b.degradedUntil)
	}
}

// Release gives back a probe whose outcome is unknown because the caller gave
// up. The provider returns to Degraded with its expired cool-down, so the next
// Allow claims a fresh probe. It has no effect in any other state.
func (h *Health) Release(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b := h.get(name); b.state == Probing {
		b.state = Degraded
	}
}

// State returns the current state of name. A degraded provider whose
// cool-down has ended still reports Degraded until a probe is claimed.
func (h *Health) State(name string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.get(name).state
}
