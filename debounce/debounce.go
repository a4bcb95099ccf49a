// Package debounce suppresses completion requests superseded by newer keystrokes.
//
// Each request is admitted as a Ticket. When another request from the same
// session arrives within the window and merely extends or lightly edits the
// previous buffer, the previous ticket is superseded and its response is
// dropped. A ticket is never superseded by a request that arrives after its
// window closes, so the last request of a burst is always answered.
package debounce

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Ticket tracks one admitted request.
type Ticket struct {
	session    string
	input      string
	arrived    time.Time
	window     time.Duration
	once       sync.Once
	superseded chan struct{}
}

func (t *Ticket) supersede() {
	t.once.Do(func() { close(t.superseded) })
}

// Superseded reports whether a newer request replaced this one.
func (t *Ticket) Superseded() bool {
	select {
	case <-t.superseded:
		return true
	default:
		return false
	}
}

// Done is closed when the ticket is superseded.
func (t *Ticket) Done() <-chan struct{} {
	return t.superseded
}

// Settle blocks until the ticket's window has passed since admission.
// It returns false if the ticket was superseded or ctx ended first.
func (t *Ticket) Settle(ctx context.Context) bool {
	remaining := t.window - time.Since(t.arrived)
	if remaining <= 0 {
		return !t.Superseded()
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !t.Superseded()
	case <-t.superseded:
		return false
	case <-ctx.Done():
		return false
	}
}

type session struct {
	ticket *Ticket
	timer  *time.Timer
}

// Coordinator tracks the latest ticket per session.
type Coordinator struct {
	window time.Duration
	quiet  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates a coordinator. window is the supersede window; quiet is the idle
// period after which a ticket's quiet callback fires. Either may be zero.
func New(window, quiet time.Duration) *Coordinator {
	return &Coordinator{
		window:   window,
		quiet:    quiet,
		sessions: make(map[string]*session),
	}
}

// Admit registers a request for the session key and returns its ticket.
//
// onQuiet, if non-nil, runs on its own goroutine once the session has seen no
// newer request for the quiet period (and the window has closed). It does not
// run for superseded tickets.
func (c *Coordinator) Admit(key, input string, onQuiet func()) *Ticket {
	t := &Ticket{
		session:    key,
		input:      input,
		arrived:    time.Now(),
		window:     c.window,
		superseded: make(chan struct{}),
	}

	idle := max(c.window, c.quiet)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return t
	}

	s, ok := c.sessions[key]
	if ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		prev := s.ticket
		if t.arrived.Sub(prev.arrived) < c.window && IsContinuation(prev.input, input) {
			prev.supersede()
		}
	} else {
		if idle <= 0 {
			return t
		}
		s = &session{}
		c.sessions[key] = s
	}

	s.ticket = t
	s.timer = time.AfterFunc(idle, func() { c.expire(key, t, onQuiet) })
	return t
}

func (c *Coordinator) expire(key string, t *Ticket, onQuiet func()) {
	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok || s.ticket != t {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, key)
	c.mu.Unlock()

	if onQuiet != nil && c.quiet > 0 && !t.Superseded() {
		onQuiet()
	}
}

// Sessions returns the number of sessions with live state.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close stops all timers. Admit keeps working but no longer tracks sessions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, s := range c.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.sessions, key)
	}
}

// maxEditDistance bounds how far a buffer may drift and still count as the same line.
const maxEditDistance = 2

// IsContinuation reports whether next is a trivial extension or edit of prev:
// typing more, deleting from the end, or changing a couple of characters.
func IsContinuation(prev, next string) bool {
	prev = strings.TrimSpace(prev)
	next = strings.TrimSpace(next)
	if strings.HasPrefix(next, prev) || strings.HasPrefix(prev, next) {
		return true
	}
	// Short buffers a couple of edits apart are different commands ("ls" and "cd").
	if min(len(prev), len(next)) <= 2*maxEditDistance {
		return false
	}
	return editDistanceWithin(prev, next, maxEditDistance)
}

// editDistanceWithin reports whether the Levenshtein distance between a and b is at most k.
func editDistanceWithin(a, b string, k int) bool {
	ra, rb := []rune(a), []rune(b)
	if d := len(ra) - len(rb); d > k || -d > k {
		return false
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, cur[j])
		}
		if rowMin > k {
			return false
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)] <= k
}
