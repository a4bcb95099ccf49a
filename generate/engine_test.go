package generate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	murmur "github.com/Paranoid-AF/murmur"
	"github.com/Paranoid-AF/murmur/cache"
	"github.com/Paranoid-AF/murmur/debounce"
	"github.com/Paranoid-AF/murmur/gather"
	"github.com/Paranoid-AF/murmur/history"
	"github.com/Paranoid-AF/murmur/provider"
)

func TestMain(m *testing.M) {
	// Started by an init in the genai dependency tree.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// stubCollector returns a fixed snapshot per cwd.
type stubCollector struct {
	mu          sync.Mutex
	branch      map[string]string
	history     []string
	invalidated []string
	// panicAfter, if positive, makes every Collect after the first panicAfter calls panic.
	panicAfter int
	collects   int
}

func (s *stubCollector) Collect(_ context.Context, cwd, shell string) *gather.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collects++
	if s.panicAfter > 0 && s.collects > s.panicAfter {
		panic("collector exploded")
	}
	return &gather.Snapshot{
		Cwd:     cwd,
		Shell:   shell,
		Git:     &gather.Git{Branch: s.branch[cwd]},
		History: s.history,
	}
}

func (s *stubCollector) Relevant(context.Context, string) []string { return nil }

func (s *stubCollector) Invalidate(cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, cwd)
}

// echoProvider suggests "<input> --ok" and counts calls per input.
type echoProvider struct {
	name  string
	err   error
	delay time.Duration

	mu     sync.Mutex
	inputs []string
	calls  atomic.Int32
}

func (p *echoProvider) Name() string { return p.name }

func (p *echoProvider) Complete(ctx context.Context, pr *provider.Prompt) ([]murmur.Item, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.inputs = append(p.inputs, pr.Input)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return []murmur.Item{
		{Text: pr.Input + " --ok"},
		{Text: pr.Input + " --also"},
		{Text: pr.Input + " --third"},
	}, nil
}

func (p *echoProvider) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inputs...)
}

type harness struct {
	engine    *Engine
	cache     *cache.Cache
	provider  *echoProvider
	collector *stubCollector
	history   *history.Store
}

type harnessOptions struct {
	window   time.Duration
	quiet    time.Duration
	prefetch bool
	provider *echoProvider
	noRoute  bool
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	p := o.provider
	if p == nil {
		p = &echoProvider{name: "echo"}
	}
	var descs []provider.Descriptor
	if !o.noRoute {
		descs = append(descs, provider.Descriptor{
			Name:         p.name,
			Capabilities: []provider.TaskClass{provider.TaskShell, provider.TaskCode},
			Enabled:      true,
			Timeout:      time.Second,
			Provider:     p,
		})
	}
	h := &harness{
		cache:     cache.New(cache.Options{Capacity: 100}),
		provider:  p,
		collector: &stubCollector{branch: map[string]string{"/repo": "main", "/other": "dev"}},
		history:   history.New(history.Options{MaxEntries: 100}),
	}
	h.engine = NewEngine(Deps{
		Cache:     h.cache,
		Debounce:  debounce.New(o.window, o.quiet),
		Router:    provider.NewRouter(descs, provider.NewHealth(3, time.Minute)),
		Collector: h.collector,
		History:   h.history,
	}, Options{Prefetch: o.prefetch, MaxPredictions: 3, PrefetchConcurrency: 3, VoiceEnabled: true})
	t.Cleanup(h.engine.Close)
	return h
}

func req(input, cwd, session string) murmur.CompletionRequest {
	return murmur.CompletionRequest{Input: input, CursorPos: len(input), Cwd: cwd, Shell: "zsh", SessionID: session}
}

func texts(items []murmur.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Text
	}
	return out
}

func TestCompleteEmptyInput(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	res, err := h.engine.Complete(context.Background(), req("  \n", "/repo", "s"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Items == nil || len(res.Items) != 0 {
		t.Errorf("items = %#v, want empty non-nil", res.Items)
	}
	if h.provider.calls.Load() != 0 {
		t.Error("provider called for empty input")
	}
}

func TestCompleteCachesByFingerprint(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first, err := h.engine.Complete(ctx, req("git comm", "/repo", "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || first.Provider != "echo" {
		t.Errorf("first = %+v, want fresh result from echo", first)
	}

	second, err := h.engine.Complete(ctx, req("git comm", "/repo", "s2"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("identical request was not served from cache")
	}
	if diff := cmp.Diff(first.Items, second.Items); diff != "" {
		t.Errorf("cached items differ (-first +second):\n%s", diff)
	}
	if n := h.provider.calls.Load(); n != 1 {
		t.Fatalf("provider calls = %d, want 1", n)
	}

	if _, err := h.engine.Complete(ctx, req("git comm", "/other", "s3")); err != nil {
		t.Fatal(err)
	}
	if n := h.provider.calls.Load(); n != 2 {
		t.Errorf("changing cwd should force one fresh call; calls = %d", n)
	}
}

func TestCompleteTrimsTrailingNewlineAndClampsCursor(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	r := murmur.CompletionRequest{Input: "ls\n", CursorPos: 99, Cwd: "/repo"}
	res, err := h.engine.Complete(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ls --ok", "ls --also", "ls --third"}, texts(res.Items)); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleteMaxItems(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	r := req("ls", "/repo", "s")
	r.MaxItems = 1
	res, err := h.engine.Complete(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ls --ok"}, texts(res.Items)); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleteExhaustedReturnsDiagnostic(t *testing.T) {
	p := &echoProvider{name: "broken", err: errors.New("boom")}
	h := newHarness(t, harnessOptions{provider: p})

	res, err := h.engine.Complete(context.Background(), req("git st", "/repo", "s"))
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if len(res.Items) != 0 || res.Items == nil {
		t.Errorf("items = %#v, want empty", res.Items)
	}
	if res.Diagnostic == nil || res.Diagnostic.Code != murmur.CodeProviderUnavailable {
		t.Fatalf("diagnostic = %+v", res.Diagnostic)
	}

	// Failures are not cached.
	if _, err := h.engine.Complete(context.Background(), req("git st", "/repo", "s2")); err != nil {
		t.Fatal(err)
	}
	if n := p.calls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

func TestCompleteWithoutProviders(t *testing.T) {
	h := newHarness(t, harnessOptions{noRoute: true})
	res, err := h.engine.Complete(context.Background(), req("git st", "/repo", "s"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Diagnostic == nil || res.Diagnostic.Code != murmur.CodeProviderUnavailable {
		t.Errorf("diagnostic = %+v", res.Diagnostic)
	}
}

func TestCompleteSupersededWithinWindow(t *testing.T) {
	h := newHarness(t, harnessOptions{window: 150 * time.Millisecond})
	ctx := context.Background()

	type outcome struct {
		res *murmur.CompleteResult
		err error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		res, err := h.engine.Complete(ctx, req("git c", "/repo", "tty1"))
		firstDone <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	res, err := h.engine.Complete(ctx, req("git co", "/repo", "tty1"))
	if err != nil {
		t.Fatalf("latest request failed: %v", err)
	}
	if len(res.Items) == 0 {
		t.Error("latest request got no items")
	}
	first := <-firstDone
	if !errors.Is(first.err, ErrSuppressed) {
		t.Errorf("first request: %+v, %v; want ErrSuppressed", first.res, first.err)
	}
}

func TestCompleteBurstIssuesOneFetch(t *testing.T) {
	h := newHarness(t, harnessOptions{window: 100 * time.Millisecond})
	ctx := context.Background()

	inputs := []string{"git c", "git co", "git com", "git comm"}
	errs := make([]error, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Complete(ctx, req(in, "/repo", "tty1"))
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs[:len(errs)-1] {
		if !errors.Is(err, ErrSuppressed) {
			t.Errorf("request %q: err = %v, want ErrSuppressed", inputs[i], err)
		}
	}
	if err := errs[len(errs)-1]; err != nil {
		t.Fatalf("last request failed: %v", err)
	}
	if diff := cmp.Diff([]string{"git comm"}, h.provider.seen()); diff != "" {
		t.Errorf("provider inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleteHitWithinWindowUsesCache(t *testing.T) {
	h := newHarness(t, harnessOptions{window: 100 * time.Millisecond})
	ctx := context.Background()
	if _, err := h.engine.Complete(ctx, req("make", "/repo", "a")); err != nil {
		t.Fatal(err)
	}
	res, err := h.engine.Complete(ctx, req("make", "/repo", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || h.provider.calls.Load() != 1 {
		t.Errorf("cached = %v, calls = %d; want a cache hit", res.Cached, h.provider.calls.Load())
	}
}

func TestCompleteSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, harnessOptions{window: 100 * time.Millisecond})
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Complete(ctx, req("git c", "/repo", s))
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("session %d: %v", i, err)
		}
	}
}

func TestCompleteConcurrentIdenticalRequestsShareFetch(t *testing.T) {
	p := &echoProvider{name: "slow", delay: 50 * time.Millisecond}
	h := newHarness(t, harnessOptions{provider: p})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Complete(ctx, req("make", "/repo", string(rune('a'+i)))); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := p.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestCompleteCanceledContext(t *testing.T) {
	p := &echoProvider{name: "slow", delay: 100 * time.Millisecond}
	h := newHarness(t, harnessOptions{provider: p})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.engine.Complete(ctx, req("make", "/repo", "s")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The abandoned fetch still fills the cache.
	deadline := time.Now().Add(2 * time.Second)
	for h.cache.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	res, err := h.engine.Complete(context.Background(), req("make", "/repo", "s2"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || p.calls.Load() != 1 {
		t.Errorf("cached = %v, calls = %d; want cached result from the first fetch", res.Cached, p.calls.Load())
	}
}

func TestPrefetchWarmsPredictions(t *testing.T) {
	var started atomic.Int32
	h := newHarness(t, harnessOptions{quiet: 20 * time.Millisecond, prefetch: true})
	h.engine.opts.OnPrefetch = func(result string) {
		if result == "started" {
			started.Add(1)
		}
	}

	if _, err := h.engine.Complete(context.Background(), req("git c", "/repo", "s")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.cache.Len() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.cache.Len() != 4 {
		t.Fatalf("cache holds %d entries, want the request plus 3 predictions; inputs: %v", h.cache.Len(), h.provider.seen())
	}
	if started.Load() != 3 {
		t.Errorf("started = %d, want 3", started.Load())
	}

	calls := h.provider.calls.Load()
	res, err := h.engine.Complete(context.Background(), req("git commit", "/repo", "s2"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("predicted input was not served from cache")
	}
	if h.provider.calls.Load() != calls {
		t.Error("predicted input caused a provider call")
	}
}

func TestPrefetchPanicIsContained(t *testing.T) {
	h := newHarness(t, harnessOptions{quiet: 10 * time.Millisecond, prefetch: true})
	h.collector.panicAfter = 1
	if _, err := h.engine.Complete(context.Background(), req("git c", "/repo", "s")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.collector.mu.Lock()
		n := h.collector.collects
		h.collector.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.provider.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want only the request's own fetch", n)
	}
	if st := h.engine.Status(); st.CacheEntries != 1 {
		t.Errorf("cache entries = %d, want 1", st.CacheEntries)
	}
}

func TestPrefetchDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{quiet: 10 * time.Millisecond})
	if _, err := h.engine.Complete(context.Background(), req("git c", "/repo", "s")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.provider.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestRecordAndListHistory(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.engine.RecordHistory(murmur.ContextUpdateParams{Source: "codex", Command: "make", Cwd: "/repo"})
	h.engine.RecordHistory(murmur.ContextUpdateParams{Source: "zsh", Command: "ls", Cwd: "/other", ExitCode: 1})
	h.engine.RecordHistory(murmur.ContextUpdateParams{Source: "zsh", Command: "make test", Cwd: "/repo"})

	got := h.engine.ListHistory("/repo", 10)
	want := []string{"make test", "make"}
	var cmds []string
	for _, r := range got {
		cmds = append(cmds, r.Command)
	}
	if diff := cmp.Diff(want, cmds); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if len(h.engine.ListHistory("", 0)) != 0 {
		t.Error("limit 0 should return no records")
	}
	if diff := cmp.Diff([]string{"/repo", "/other", "/repo"}, h.collector.invalidated); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	st := h.engine.Status()
	if st.Status != "running" || !st.VoiceEnabled {
		t.Errorf("status = %+v", st)
	}
	if diff := cmp.Diff([]string{"echo"}, st.ProvidersActive); diff != "" {
		t.Errorf("active mismatch (-want +got):\n%s", diff)
	}
	if st.CacheEntries != 0 || st.HistoryEntries != 0 {
		t.Errorf("fresh engine reports entries: %+v", st)
	}

	h.engine.Complete(context.Background(), req("ls", "/repo", "s"))
	h.engine.RecordHistory(murmur.ContextUpdateParams{Source: "zsh", Command: "ls", Cwd: "/repo"})
	st = h.engine.Status()
	if st.CacheEntries != 1 || st.HistoryEntries != 1 || st.Cache.Misses != 1 {
		t.Errorf("status after activity = %+v", st)
	}
}
