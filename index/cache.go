package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coder/hnsw"
	"github.com/google/renameio"
)

type cacheFile struct {
	Model   string       `json:"model"`
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Hash      string    `json:"hash"`
	Command   string    `json:"command"`
	Embedding []float32 `json:"embedding"`
}

// Save writes the indexed commands and their embeddings to path. The file is
// replaced atomically so a crash never leaves a torn cache behind.
func (x *Index) Save(path string) error {
	if x.embedder == nil {
		return nil
	}
	x.mu.RLock()
	entries := make([]cacheEntry, 0, len(x.commands))
	for hash, cmd := range x.commands {
		vec, ok := x.graph.Lookup(hash)
		if !ok {
			continue
		}
		entries = append(entries, cacheEntry{Hash: hash, Command: cmd, Embedding: vec})
	}
	x.mu.RUnlock()

	data, err := json.Marshal(cacheFile{Model: x.embedder.Model(), Entries: entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return renameio.WriteFile(path, data, 0o600)
}

// Load restores a cache written by Save. A cache built with another model is
// ignored, as is a missing file.
func (x *Index) Load(path string) error {
	if x.embedder == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse index cache: %w", err)
	}
	if cf.Model != x.embedder.Model() {
		return nil
	}

	x.mu.Lock()
	nodes := make([]hnsw.Node[string], 0, len(cf.Entries))
	for _, e := range cf.Entries {
		if _, exists := x.graph.Lookup(e.Hash); exists || len(e.Embedding) == 0 {
			continue
		}
		nodes = append(nodes, hnsw.MakeNode(e.Hash, e.Embedding))
		x.commands[e.Hash] = e.Command
	}
	if len(nodes) > 0 {
		x.graph.Add(nodes...)
	}
	x.mu.Unlock()

	if len(nodes) > 0 {
		x.markReady()
	}
	return nil
}
