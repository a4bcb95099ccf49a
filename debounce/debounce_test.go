package debounce

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIsContinuation(t *testing.T) {
	tests := []struct {
		prev, next string
		want       bool
	}{
		{"git c", "git co", true},
		{"git co", "git c", true},
		{"git commit", "git commit", true},
		{"git comit", "git commit", true},
		{"git status", "git stash", false},
		{"ls", "cd", false},
		{"docker compose up", "kubectl get pods", false},
		{"", "git", true},
	}
	for _, tt := range tests {
		if got := IsContinuation(tt.prev, tt.next); got != tt.want {
			t.Errorf("IsContinuation(%q, %q) = %v, want %v", tt.prev, tt.next, got, tt.want)
		}
	}
}

func TestContinuationWithinWindowSupersedes(t *testing.T) {
	c := New(200*time.Millisecond, 0)
	defer c.Close()

	first := c.Admit("s1", "git c", nil)
	second := c.Admit("s1", "git co", nil)

	if !first.Superseded() {
		t.Error("expected first ticket superseded")
	}
	if first.Settle(context.Background()) {
		t.Error("expected superseded ticket not to settle")
	}
	if !second.Settle(context.Background()) {
		t.Error("expected final ticket of the burst to settle")
	}
}

func TestRequestsOutsideWindowBothSettle(t *testing.T) {
	c := New(20*time.Millisecond, 0)
	defer c.Close()

	first := c.Admit("s1", "git c", nil)
	time.Sleep(40 * time.Millisecond)
	second := c.Admit("s1", "git co", nil)

	if first.Superseded() {
		t.Error("expected first ticket answered independently")
	}
	if !first.Settle(context.Background()) || !second.Settle(context.Background()) {
		t.Error("expected both tickets to settle")
	}
}

func TestDifferentBufferDoesNotSupersede(t *testing.T) {
	c := New(200*time.Millisecond, 0)
	defer c.Close()

	first := c.Admit("s1", "git status", nil)
	c.Admit("s1", "kubectl get pods", nil)
	if first.Superseded() {
		t.Error("expected unrelated buffer to leave the first ticket alone")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	c := New(200*time.Millisecond, 0)
	defer c.Close()

	a := c.Admit("a", "git c", nil)
	c.Admit("b", "git co", nil)
	if a.Superseded() {
		t.Error("expected other session not to supersede")
	}
}

func TestSettleWaitsForWindow(t *testing.T) {
	c := New(30*time.Millisecond, 0)
	defer c.Close()

	start := time.Now()
	tk := c.Admit("s1", "ls", nil)
	if !tk.Settle(context.Background()) {
		t.Fatal("expected ticket to settle")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("settled after %s, before the window closed", elapsed)
	}
}

func TestSettleReturnsOnContextCancel(t *testing.T) {
	c := New(time.Hour, 0)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Admit("s1", "ls", nil).Settle(ctx) {
		t.Error("expected cancelled context to abort settle")
	}
}

func TestZeroWindowNeverSupersedes(t *testing.T) {
	c := New(0, 0)
	defer c.Close()

	first := c.Admit("s1", "git c", nil)
	c.Admit("s1", "git co", nil)
	if first.Superseded() {
		t.Error("expected no suppression with a zero window")
	}
	if c.Sessions() != 0 {
		t.Errorf("expected no session state, got %d", c.Sessions())
	}
}

func TestQuietCallbackFiresForLastTicket(t *testing.T) {
	c := New(10*time.Millisecond, 30*time.Millisecond)
	defer c.Close()

	var firstCalls, lastCalls atomic.Int32
	fired := make(chan struct{})
	c.Admit("s1", "git c", func() { firstCalls.Add(1) })
	c.Admit("s1", "git co", func() {
		lastCalls.Add(1)
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("quiet callback did not fire")
	}
	if firstCalls.Load() != 0 {
		t.Error("expected superseded ticket's callback not to run")
	}
	if lastCalls.Load() != 1 {
		t.Errorf("expected 1 quiet callback, got %d", lastCalls.Load())
	}
	if c.Sessions() != 0 {
		t.Errorf("expected session state released, got %d", c.Sessions())
	}
}

func TestCloseStopsQuietCallbacks(t *testing.T) {
	c := New(0, 20*time.Millisecond)
	var calls atomic.Int32
	c.Admit("s1", "ls", func() { calls.Add(1) })
	c.Close()

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("expected no callback after Close")
	}
}
