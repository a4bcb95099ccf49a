// Package index reads shell history files, redacts secrets from commands and
// keeps a semantic index of past commands for context gathering.
package index

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

const indexBatchSize = 32

// Index is an in-memory nearest-neighbour index over redacted commands.
type Index struct {
	embedder    *Embedder
	maxCommands int

	mu       sync.RWMutex
	graph    *hnsw.Graph[string] // keyed by command hash
	commands map[string]string   // hash -> redacted command

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an index. A nil embedder disables it: Add and Search become
// no-ops.
func New(embedder *Embedder, maxCommands int) *Index {
	if maxCommands <= 0 {
		maxCommands = 2000
	}
	return &Index{
		embedder:    embedder,
		maxCommands: maxCommands,
		graph:       hnsw.NewGraph[string](),
		commands:    make(map[string]string),
		ready:       make(chan struct{}),
	}
}

// Enabled reports whether the index has an embedder.
func (x *Index) Enabled() bool { return x.embedder != nil }

// Ready is closed once the index holds its first batch, from a loaded cache
// or the first refresh.
func (x *Index) Ready() <-chan struct{} { return x.ready }

func (x *Index) markReady() {
	x.readyOnce.Do(func() { close(x.ready) })
}

// Len returns the number of indexed commands.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.graph.Len()
}

type pendingCommand struct {
	hash     string
	redacted string
}

// Add embeds the commands not yet indexed and returns how many were added.
// Only the last maxCommands entries of cmds are considered. A failed batch is
// logged and skipped; the error of the last failure is returned.
func (x *Index) Add(ctx context.Context, cmds []string) (int, error) {
	if x.embedder == nil || len(cmds) == 0 {
		return 0, nil
	}
	if len(cmds) > x.maxCommands {
		cmds = cmds[len(cmds)-x.maxCommands:]
	}

	seen := make(map[string]bool, len(cmds))
	var todo []pendingCommand
	x.mu.RLock()
	for _, cmd := range cmds {
		redacted := RedactCommand(cmd)
		hash := hashCommand(redacted)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		if _, exists := x.graph.Lookup(hash); !exists {
			todo = append(todo, pendingCommand{hash: hash, redacted: redacted})
		}
	}
	x.mu.RUnlock()

	var nodes []hnsw.Node[string]
	texts := make(map[string]string, len(todo))
	var lastErr error
	for i := 0; i < len(todo); i += indexBatchSize {
		batch := todo[i:min(i+indexBatchSize, len(todo))]
		input := make([]string, len(batch))
		for j, p := range batch {
			input[j] = p.redacted
		}
		vectors, err := x.embedder.EmbedBatch(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return len(nodes), ctx.Err()
			}
			slog.Warn("embed batch failed", "size", len(batch), "error", err)
			lastErr = err
			continue
		}
		for j, p := range batch {
			nodes = append(nodes, hnsw.MakeNode(p.hash, vectors[j]))
			texts[p.hash] = p.redacted
		}
	}

	if len(nodes) > 0 {
		x.mu.Lock()
		x.graph.Add(nodes...)
		for k, v := range texts {
			x.commands[k] = v
		}
		x.mu.Unlock()
	}
	return len(nodes), lastErr
}

// Search returns up to k indexed commands closest to query.
func (x *Index) Search(ctx context.Context, query string, k int) ([]string, error) {
	if x.embedder == nil || k <= 0 || x.Len() == 0 {
		return nil, nil
	}
	vec, err := x.embedder.Embed(ctx, RedactCommand(query))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	neighbors := x.graph.Search(vec, k)
	out := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if cmd, ok := x.commands[n.Key]; ok {
			out = append(out, cmd)
		}
	}
	return out, nil
}

// Run indexes source() immediately and again on every tick of interval or
// signal on changes, until ctx ends. A nil changes channel is never ready.
func (x *Index) Run(ctx context.Context, source func() []string, changes <-chan struct{}, interval time.Duration) {
	if x.embedder == nil {
		x.markReady()
		return
	}
	refresh := func() {
		n, err := x.Add(ctx, source())
		if err != nil && ctx.Err() == nil {
			slog.Warn("history indexing incomplete", "added", n, "error", err)
		} else if n > 0 {
			slog.Debug("history indexed", "added", n, "total", x.Len())
		}
	}
	refresh()
	x.markReady()

	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		case <-changes:
			refresh()
		}
	}
}

func hashCommand(cmd string) string {
	h := sha256.Sum256([]byte(cmd))
	return fmt.Sprintf("%x", h)
}
