package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	murmur "github.com/Paranoid-AF/murmur"
)

// Descriptor is a provider plus its routing metadata.
type Descriptor struct {
	Name         string
	Capabilities []TaskClass
	// Priority orders candidates; lower values are tried first.
	Priority int
	Enabled  bool
	// Timeout bounds a single attempt. Zero means murmur.DefaultProviderTimeout.
	Timeout  time.Duration
	Provider Provider
}

// Supports reports whether the descriptor covers task.
func (d Descriptor) Supports(task TaskClass) bool {
	return slices.Contains(d.Capabilities, task)
}

// Observer receives the result of every provider attempt.
type Observer func(provider, result string, elapsed time.Duration)

// Outcome is the result of routing one request.
type Outcome struct {
	Items    []murmur.Item
	Provider string
	// Attempts lists the failures before the successful provider, if any.
	Attempts []*Error
}

// Router tries providers in a fixed order.
type Router struct {
	descriptors []Descriptor
	health      *Health
	observe     Observer
}

// NewRouter sorts descriptors by priority (stable, so configuration order
// breaks ties) and returns a router over them.
func NewRouter(descriptors []Descriptor, health *Health) *Router {
	sorted := slices.Clone(descriptors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	if health == nil {
		health = NewHealth(0, 0)
	}
	return &Router{descriptors: sorted, health: health}
}

// SetObserver installs an attempt observer. Call before serving requests.
func (r *Router) SetObserver(o Observer) {
	r.observe = o
}

// Health returns the router's health table.
func (r *Router) Health() *Health {
	return r.health
}

// Candidates returns the providers eligible for task, in try order.
func (r *Router) Candidates(task TaskClass) []Descriptor {
	var out []Descriptor
	for _, d := range r.descriptors {
		if d.Enabled && d.Supports(task) && r.health.Available(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Configured returns the names of every registered provider in try order.
func (r *Router) Configured() []string {
	names := make([]string, len(r.descriptors))
	for i, d := range r.descriptors {
		names[i] = d.Name
	}
	return names
}

// Active returns the names of enabled providers that are not degraded.
func (r *Router) Active() []string {
	names := []string{}
	for _, d := range r.descriptors {
		if d.Enabled && r.health.Available(d.Name) {
			names = append(names, d.Name)
		}
	}
	return names
}

// HealthReport returns the health state of every registered provider.
func (r *Router) HealthReport() []murmur.ProviderHealth {
	report := make([]murmur.ProviderHealth, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		state := r.health.State(d.Name).String()
		if !d.Enabled {
			state = "disabled"
		}
		report = append(report, murmur.ProviderHealth{Name: d.Name, State: state})
	}
	return report
}

// Complete asks each candidate in turn until one succeeds.
//
// Every attempt gets its own timeout; a timeout, error or panic moves on to
// the next candidate. When all candidates fail, or there are none, the outcome
// has an empty item list and the error is an *ExhaustedError describing the
// attempts. If ctx ends, ctx.Err() is returned and no failure is recorded for
// the interrupted provider; a probe it held is released.
func (r *Router) Complete(ctx context.Context, p *Prompt) (Outcome, error) {
	var attempts []*Error
	for _, d := range r.Candidates(p.Task) {
		if !r.health.Allow(d.Name) {
			continue
		}

		start := time.Now()
		items, err := r.attempt(ctx, d, p)
		elapsed := time.Since(start)
		if err == nil {
			r.health.RecordSuccess(d.Name)
			r.record(d.Name, "success", elapsed)
			if items == nil {
				items = []murmur.Item{}
			}
			return Outcome{Items: items, Provider: d.Name, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			r.health.Release(d.Name)
			return Outcome{Items: []murmur.Item{}, Attempts: attempts}, ctx.Err()
		}

		var pe *Error
		if !errors.As(err, &pe) {
			pe = &Error{Provider: d.Name, Kind: KindFailed, Err: err}
		}
		r.health.RecordFailure(d.Name)
		r.record(d.Name, string(pe.Kind), elapsed)
		slog.Warn("provider failed", "provider", d.Name, "kind", pe.Kind, "elapsed", elapsed, "error", pe.Err)
		attempts = append(attempts, pe)
	}
	return Outcome{Items: []murmur.Item{}, Attempts: attempts}, &ExhaustedError{Task: p.Task, Attempts: attempts}
}

type attemptResult struct {
	items []murmur.Item
	err   error
}

// attempt runs one provider call on its own goroutine so that neither a panic
// nor a provider that ignores its context can hold up failover.
func (r *Router) attempt(ctx context.Context, d Descriptor, p *Prompt) ([]murmur.Item, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = murmur.DefaultProviderTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- attemptResult{err: &Error{Provider: d.Name, Kind: KindPanic, Err: fmt.Errorf("%v", rec)}}
			}
		}()
		items, err := d.Provider.Complete(actx, p)
		ch <- attemptResult{items: items, err: err}
	}()

	select {
	case res := <-ch:
		if res.err == nil {
			return res.items, nil
		}
		var pe *Error
		if errors.As(res.err, &pe) {
			return nil, pe
		}
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &Error{Provider: d.Name, Kind: KindTimeout, Err: res.err}
		}
		return nil, &Error{Provider: d.Name, Kind: KindFailed, Err: res.err}
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Provider: d.Name, Kind: KindTimeout, Err: fmt.Errorf("no response within %s", timeout)}
	}
}

func (r *Router) record(provider, result string, elapsed time.Duration) {
	if r.observe != nil {
		r.observe(provider, result, elapsed)
	}
}
