package cache

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
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func fp(input string) Fingerprint {
	return NewFingerprint(Key{Input: input, CursorPos: len(input), Cwd: "/repo", Shell: "zsh"})
}

func value(texts ...string) Value {
	items := make([]murmur.Item, len(texts))
	for i, t := range texts {
		items[i] = murmur.Item{Text: t}
	}
	return Value{Items: items, Provider: "stub"}
}

func waitIdle(t *testing.T, c *Cache) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending fetches did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLookupMiss(t *testing.T) {
	c := New(Options{Capacity: 4})
	if _, ok := c.Lookup(fp("git"), Confirmed); ok {
		t.Error("expected miss on empty cache")
	}
	if c.Len() != 0 {
		t.Errorf("expected 0 entries, got %d", c.Len())
	}
}

func TestInsertThenLookup(t *testing.T) {
	c := New(Options{Capacity: 4})
	c.Insert(fp("git"), value("git status"), Confirmed)

	got, ok := c.Lookup(fp("git"), Confirmed)
	if !ok {
		t.Fatal("expected hit")
	}
	if diff := cmp.Diff(value("git status"), got); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
	if s := c.Stats(); s.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", s.Hits)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Capacity: 2, Now: clock.Now})

	c.Insert(fp("a"), value("a"), Confirmed)
	clock.Advance(time.Millisecond)
	c.Insert(fp("b"), value("b"), Confirmed)
	clock.Advance(time.Millisecond)
	c.Lookup(fp("a"), Confirmed)
	clock.Advance(time.Millisecond)
	c.Insert(fp("c"), value("c"), Confirmed)

	if _, ok := c.Lookup(fp("b"), Confirmed); ok {
		t.Error("expected b evicted as least recently used")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Lookup(fp(k), Confirmed); !ok {
			t.Errorf("expected %s retained", k)
		}
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", s.Evictions)
	}
}

func TestEvictsSpeculativeBeforeConfirmedAtEqualRecency(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Capacity: 2, Now: clock.Now})

	// Same instant: confirmed inserted first, speculative second.
	c.Insert(fp("confirmed"), value("x"), Confirmed)
	c.Insert(fp("speculative"), value("y"), Speculative)
	clock.Advance(time.Millisecond)
	c.Insert(fp("new"), value("z"), Confirmed)

	if c.Contains(fp("speculative")) {
		t.Error("expected speculative entry evicted first")
	}
	if !c.Contains(fp("confirmed")) {
		t.Error("expected confirmed entry retained")
	}
}

func TestEvictionTieBreaksByInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Capacity: 2, Now: clock.Now})

	c.Insert(fp("first"), value("1"), Speculative)
	c.Insert(fp("second"), value("2"), Speculative)
	clock.Advance(time.Millisecond)
	c.Insert(fp("third"), value("3"), Confirmed)

	if c.Contains(fp("first")) {
		t.Error("expected earliest inserted entry evicted")
	}
	if !c.Contains(fp("second")) {
		t.Error("expected second entry retained")
	}
}

func TestConfirmedLookupPromotesSpeculative(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Capacity: 2, Now: clock.Now})

	c.Insert(fp("b"), value("b"), Confirmed)
	c.Insert(fp("a"), value("a"), Speculative)
	// Touch both at the same instant; a becomes confirmed, so b goes first by insertion order.
	clock.Advance(time.Millisecond)
	c.Lookup(fp("a"), Confirmed)
	c.Lookup(fp("b"), Confirmed)
	clock.Advance(time.Millisecond)
	c.Insert(fp("c"), value("c"), Confirmed)

	if c.Contains(fp("b")) {
		t.Error("expected b evicted by insertion order once a was promoted")
	}
	if !c.Contains(fp("a")) {
		t.Error("expected promoted entry retained")
	}
}

func TestTTLExpiresEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Capacity: 4, TTL: time.Minute, Now: clock.Now})
	c.Insert(fp("git"), value("git status"), Confirmed)

	clock.Advance(2 * time.Minute)
	if _, ok := c.Lookup(fp("git"), Confirmed); ok {
		t.Error("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry removed, got %d entries", c.Len())
	}
}

func TestGetOrFetchMissThenHit(t *testing.T) {
	c := New(Options{Capacity: 4})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (Value, error) {
		calls.Add(1)
		return value("git commit"), nil
	}

	res, err := c.GetOrFetch(context.Background(), fp("git comm"), Confirmed, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached {
		t.Error("expected first call uncached")
	}

	res, err = c.GetOrFetch(context.Background(), fp("git comm"), Confirmed, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("expected second call cached")
	}
	if diff := cmp.Diff(value("git commit").Items, res.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", calls.Load())
	}
}

func TestGetOrFetchDeduplicatesConcurrentMisses(t *testing.T) {
	c := New(Options{Capacity: 4})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (Value, error) {
		calls.Add(1)
		<-release
		return value("make test"), nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), fp("make"), Confirmed, fetch)
		}(i)
	}

	// Wait until every caller has attached before releasing the fetch.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := c.Stats()
		if s.Misses+s.Joins == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("callers did not attach: %+v", s)
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 fetch, got %d", calls.Load())
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(value("make test").Items, results[i].Items); diff != "" {
			t.Errorf("caller %d items mismatch (-want +got):\n%s", i, diff)
		}
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
}

func TestGetOrFetchCallerCancelDoesNotAbortFetch(t *testing.T) {
	c := New(Options{Capacity: 4})
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(ctx context.Context) (Value, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return Value{}, ctx.Err()
		}
		return value("ls -la"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, fp("ls"), Confirmed, fetch)
		done <- err
	}()

	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	waitIdle(t, c)

	if _, ok := c.Lookup(fp("ls"), Confirmed); !ok {
		t.Error("expected abandoned fetch to still populate the cache")
	}
}

func TestGetOrFetchErrorNotCached(t *testing.T) {
	c := New(Options{Capacity: 4})
	boom := errors.New("all providers failed")
	_, err := c.GetOrFetch(context.Background(), fp("x"), Confirmed, func(ctx context.Context) (Value, error) {
		return Value{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected nothing cached after error, got %d", c.Len())
	}
	if c.Pending() != 0 {
		t.Errorf("expected pending record cleared, got %d", c.Pending())
	}
}

func TestGetOrFetchRecoversPanic(t *testing.T) {
	c := New(Options{Capacity: 4})
	_, err := c.GetOrFetch(context.Background(), fp("x"), Confirmed, func(ctx context.Context) (Value, error) {
		panic("provider exploded")
	})
	if !errors.Is(err, ErrFetchPanicked) {
		t.Fatalf("expected ErrFetchPanicked, got %v", err)
	}

	// The fingerprint is usable again afterwards.
	res, err := c.GetOrFetch(context.Background(), fp("x"), Confirmed, func(ctx context.Context) (Value, error) {
		return value("ok"), nil
	})
	if err != nil || len(res.Items) != 1 {
		t.Fatalf("expected recovery, got %v %+v", err, res)
	}
}

func TestConfirmedJoinUpgradesSpeculativeFetch(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Capacity: 2, Now: clock.Now})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (Value, error) {
		<-release
		return value("docker ps"), nil
	}

	var wg sync.WaitGroup
	for _, origin := range []Origin{Speculative, Confirmed} {
		wg.Add(1)
		go func(o Origin) {
			defer wg.Done()
			c.GetOrFetch(context.Background(), fp("docker"), o, fetch)
		}(origin)
		// Ensure the speculative caller registers the fetch first.
		deadline := time.Now().Add(2 * time.Second)
		for c.Stats().Misses+c.Stats().Joins < 1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Misses+c.Stats().Joins < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	// A speculative entry inserted at the same instant must be evicted before the upgraded one.
	c.Insert(fp("other"), value("o"), Speculative)
	clock.Advance(time.Millisecond)
	c.Insert(fp("third"), value("t"), Confirmed)
	if !c.Contains(fp("docker")) {
		t.Error("expected upgraded entry to be treated as confirmed")
	}
}

func TestDistinctFingerprintsFetchIndependently(t *testing.T) {
	c := New(Options{Capacity: 4})
	block := make(chan struct{})
	go c.GetOrFetch(context.Background(), fp("slow"), Confirmed, func(ctx context.Context) (Value, error) {
		<-block
		return value("slow"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := c.GetOrFetch(ctx, fp("fast"), Confirmed, func(ctx context.Context) (Value, error) {
		return value("fast"), nil
	})
	if err != nil {
		t.Fatalf("fast fingerprint blocked by slow one: %v", err)
	}
	if res.Items[0].Text != "fast" {
		t.Errorf("unexpected result %+v", res)
	}

	close(block)
	waitIdle(t, c)
}

func TestDefaultCapacity(t *testing.T) {
	c := New(Options{})
	for i := range DefaultCapacity + 5 {
		c.Insert(fp(string(rune('a'+i%26))+string(rune('0'+i/26))), value("v"), Confirmed)
	}
	if c.Len() != DefaultCapacity {
		t.Errorf("expected %d entries, got %d", DefaultCapacity, c.Len())
	}
}
