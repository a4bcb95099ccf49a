// Package generate runs the completion pipeline: debounce, context gathering,
// fingerprinting, cache lookup with single-flight fetch, provider routing and
// speculative prefetch.
package generate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	murmur "github.com/Paranoid-AF/murmur"
	"github.com/Paranoid-AF/murmur/cache"
	"github.com/Paranoid-AF/murmur/debounce"
	"github.com/Paranoid-AF/murmur/gather"
	"github.com/Paranoid-AF/murmur/history"
	"github.com/Paranoid-AF/murmur/provider"
)

// ErrSuppressed is returned for a request superseded by a newer keystroke
// from the same session. No response should be sent for it.
var ErrSuppressed = errors.New("completion superseded")

// DefaultShell is assumed when a request names none.
const DefaultShell = "zsh"

// maxFetchItems caps how many suggestions a provider is asked for.
const maxFetchItems = 10

// Collector supplies context snapshots.
type Collector interface {
	Collect(ctx context.Context, cwd, shell string) *gather.Snapshot
	Relevant(ctx context.Context, input string) []string
	Invalidate(cwd string)
}

// Router sends prompts to providers.
type Router interface {
	Complete(ctx context.Context, p *provider.Prompt) (provider.Outcome, error)
	Active() []string
	Configured() []string
	HealthReport() []murmur.ProviderHealth
}

// Deps are the components an Engine drives. Cache, Debounce, Router,
// Collector and History are required.
type Deps struct {
	Cache     *cache.Cache
	Debounce  *debounce.Coordinator
	Router    Router
	Collector Collector
	History   *history.Store
	Prompts   *PromptBuilder
}

// Options tunes an Engine.
type Options struct {
	Prefetch       bool
	MaxPredictions int
	// PrefetchConcurrency bounds speculative fetches in flight.
	PrefetchConcurrency int
	VoiceEnabled        bool
	// OnPrefetch, if set, is told the outcome of each prediction:
	// "started", "skipped" (already cached or in flight) or "dropped"
	// (concurrency limit reached).
	OnPrefetch func(result string)
}

// Engine is safe for concurrent use.
type Engine struct {
	deps    Deps
	opts    Options
	started time.Time

	sem    *semaphore.Weighted
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine wires an engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if deps.Prompts == nil {
		deps.Prompts = NewPromptBuilder("")
	}
	if opts.MaxPredictions <= 0 {
		opts.MaxPredictions = 3
	}
	if opts.PrefetchConcurrency <= 0 {
		opts.PrefetchConcurrency = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:    deps,
		opts:    opts,
		started: time.Now(),
		sem:     semaphore.NewWeighted(int64(opts.PrefetchConcurrency)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Normalize strips the line terminators shell clients append, clamps the
// cursor into the input and fills in the default shell.
func Normalize(req murmur.CompletionRequest) murmur.CompletionRequest {
	req.Input = strings.TrimRight(req.Input, "\r\n")
	req.Cwd = strings.TrimRight(req.Cwd, "\r\n")
	if req.CursorPos > len(req.Input) {
		req.CursorPos = len(req.Input)
	}
	if req.CursorPos < 0 {
		req.CursorPos = 0
	}
	if req.Shell == "" {
		req.Shell = DefaultShell
	}
	if req.MaxItems <= 0 {
		req.MaxItems = provider.DefaultMaxItems
	}
	return req
}

// Complete answers one completion request.
//
// It returns ErrSuppressed when a newer request from the same session
// superseded this one, before or after the fetch. On a cache miss the fetch
// starts only once the debounce window has passed. Provider exhaustion is not
// an error: the result has no items and a diagnostic. If ctx ends, ctx.Err()
// is returned but a fetch already started still completes and is cached.
func (e *Engine) Complete(ctx context.Context, req murmur.CompletionRequest) (*murmur.CompleteResult, error) {
	start := time.Now()
	req = Normalize(req)
	if strings.TrimSpace(req.Input) == "" {
		return &murmur.CompleteResult{Items: []murmur.Item{}}, nil
	}

	var onQuiet func()
	if e.opts.Prefetch {
		onQuiet = func() { e.prefetch(req) }
	}
	ticket := e.deps.Debounce.Admit(req.SessionID, req.Input, onQuiet)

	snap := e.deps.Collector.Collect(ctx, req.Cwd, req.Shell)
	fp := e.fingerprint(req, snap)
	if ticket.Superseded() {
		slog.Debug("completion superseded before fetch", "session", req.SessionID, "fingerprint", fp.Short())
		return nil, ErrSuppressed
	}

	// A miss issues no provider work until the window closes, so a burst of
	// keystrokes costs one fetch. Hits and joins to a pending fetch go ahead.
	if !e.deps.Cache.Contains(fp) && !ticket.Settle(ctx) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("completion superseded before fetch", "session", req.SessionID, "fingerprint", fp.Short())
		return nil, ErrSuppressed
	}

	result := &murmur.CompleteResult{Items: []murmur.Item{}}
	res, err := e.deps.Cache.GetOrFetch(ctx, fp, cache.Confirmed, e.fetcher(req, snap))
	var exhausted *provider.ExhaustedError
	switch {
	case err == nil:
		result.Items = limitItems(res.Items, req.MaxItems)
		result.Provider = res.Provider
		result.Cached = res.Cached
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exhausted):
		result.Diagnostic = &murmur.Error{Code: murmur.CodeProviderUnavailable, Message: exhausted.Error()}
	default:
		slog.Error("completion fetch failed", "fingerprint", fp.Short(), "error", err)
		result.Diagnostic = &murmur.Error{Code: murmur.CodeProviderUnavailable, Message: err.Error()}
	}

	if !ticket.Settle(ctx) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("completion superseded after fetch", "session", req.SessionID, "fingerprint", fp.Short())
		return nil, ErrSuppressed
	}
	result.LatencyMS = time.Since(start).Milliseconds()
	slog.Debug("completion", "fingerprint", fp.Short(), "items", len(result.Items), "provider", result.Provider,
		"cached", result.Cached, "latency_ms", result.LatencyMS)
	return result, nil
}

func (e *Engine) fingerprint(req murmur.CompletionRequest, snap *gather.Snapshot) cache.Fingerprint {
	return cache.NewFingerprint(cache.Key{
		Input:         req.Input,
		CursorPos:     req.CursorPos,
		Cwd:           req.Cwd,
		Shell:         req.Shell,
		ContextDigest: snap.Digest(),
	})
}

// fetcher builds the cache fetch for req. Exhaustion is returned as an error
// so that an empty answer is never cached.
func (e *Engine) fetcher(req murmur.CompletionRequest, snap *gather.Snapshot) cache.FetchFunc {
	return func(ctx context.Context) (cache.Value, error) {
		enriched := gather.Snapshot{}
		if snap != nil {
			enriched = *snap
		}
		enriched.Relevant = e.deps.Collector.Relevant(ctx, req.Input)

		task := provider.Classify(req.Input, enriched.Project)
		prompt := e.deps.Prompts.Build(req, &enriched, task, min(max(req.MaxItems, provider.DefaultMaxItems), maxFetchItems))
		out, err := e.deps.Router.Complete(ctx, prompt)
		if err != nil {
			return cache.Value{}, err
		}
		return cache.Value{Items: out.Items, Provider: out.Provider}, nil
	}
}

// prefetch warms the cache with the inputs likely to follow req. It runs
// after the session has gone quiet.
func (e *Engine) prefetch(req murmur.CompletionRequest) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("prefetch panicked", "input", req.Input, "panic", r)
		}
	}()
	if e.ctx.Err() != nil {
		return
	}
	snap := e.deps.Collector.Collect(e.ctx, req.Cwd, req.Shell)
	for _, next := range Predict(req.Input, snap.History, e.opts.MaxPredictions) {
		guess := req
		guess.Input = next
		guess.CursorPos = len(next)
		fp := e.fingerprint(guess, snap)
		if e.deps.Cache.Contains(fp) {
			e.notePrefetch("skipped")
			continue
		}
		if !e.sem.TryAcquire(1) {
			e.notePrefetch("dropped")
			continue
		}
		if !e.track() {
			e.sem.Release(1)
			return
		}
		e.notePrefetch("started")
		go func() {
			defer e.wg.Done()
			defer e.sem.Release(1)
			if _, err := e.deps.Cache.GetOrFetch(e.ctx, fp, cache.Speculative, e.fetcher(guess, snap)); err != nil {
				slog.Debug("prefetch failed", "input", guess.Input, "error", err)
			}
		}()
	}
}

// track registers a background fetch unless the engine is closing.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Engine) notePrefetch(result string) {
	if e.opts.OnPrefetch != nil {
		e.opts.OnPrefetch(result)
	}
}

// RecordHistory appends a command reported by a client. Cached directory
// context for the command's cwd is dropped since the command may have changed it.
func (e *Engine) RecordHistory(p murmur.ContextUpdateParams) murmur.HistoryRecord {
	rec := e.deps.History.Append(murmur.HistoryRecord{
		Source:    p.Source,
		Command:   p.Command,
		Cwd:       p.Cwd,
		ExitCode:  p.ExitCode,
		SessionID: p.SessionID,
	})
	e.deps.Collector.Invalidate(p.Cwd)
	return rec
}

// ListHistory returns up to limit records, newest first, optionally filtered by cwd.
func (e *Engine) ListHistory(cwd string, limit int) []murmur.HistoryRecord {
	return e.deps.History.List(cwd, limit)
}

// Status reports daemon state.
func (e *Engine) Status() murmur.StatusResult {
	return murmur.StatusResult{
		Status:              "running",
		ProvidersActive:     e.deps.Router.Active(),
		ProvidersConfigured: e.deps.Router.Configured(),
		Providers:           e.deps.Router.HealthReport(),
		CacheEntries:        e.deps.Cache.Len(),
		Cache:               e.deps.Cache.Stats(),
		HistoryEntries:      e.deps.History.Len(),
		VoiceEnabled:        e.opts.VoiceEnabled,
		UptimeSeconds:       int64(time.Since(e.started).Seconds()),
	}
}

// Close stops quiet-period callbacks and waits for speculative fetches.
func (e *Engine) Close() {
	e.deps.Debounce.Close()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func limitItems(items []murmur.Item, n int) []murmur.Item {
	if items == nil {
		return []murmur.Item{}
	}
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
