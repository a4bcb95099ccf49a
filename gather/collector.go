// Package gather collects the shell context a completion is computed from:
// git state, project type, whitelisted environment variables, directory
// contents, shell history and commands recorded by other tools.
package gather

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/Paranoid-AF/murmur/history"
	"github.com/Paranoid-AF/murmur/index"
)

// Defaults for Options fields left zero.
const (
	DefaultTTL          = 5 * time.Second
	DefaultHistoryLines = 500
	gatherTimeout       = 5 * time.Second
	recentCommands      = 20
	toolCommands        = 10
	relevantCommands    = 5
	relevantTimeout     = time.Second
)

// EnvWhitelist names the environment variables a snapshot may carry.
var EnvWhitelist = []string{
	"EDITOR", "VISUAL", "SHELL", "TERM", "LANG",
	"VIRTUAL_ENV", "CONDA_DEFAULT_ENV", "NODE_ENV", "RUST_LOG",
	"GOPATH", "CARGO_HOME", "NVM_DIR", "PYENV_VERSION", "RBENV_VERSION",
}

// Options configures a Collector.
type Options struct {
	// HistoryLines is how many shell history lines are read per shell.
	HistoryLines int
	// TTL is how long directory context is reused.
	TTL            time.Duration
	GitEnabled     bool
	ProjectEnabled bool
	// WatchHistory follows shell history files with fsnotify instead of
	// re-reading them on every request.
	WatchHistory bool

	// Getenv and HistoryPath override os.Getenv and index.HistoryPath.
	Getenv      func(string) string
	HistoryPath func(shell string) string
}

// Collector gathers snapshots. Directory context is cached per cwd for the
// configured TTL and concurrent misses for one cwd share a single gather.
type Collector struct {
	opts  Options
	store *history.Store
	index *index.Index

	dirs  *ttlcache.Cache[string, *dirInfo]
	group singleflight.Group

	mu     sync.Mutex
	shells map[string]*index.ShellHistory

	ctx    context.Context
	cancel context.CancelFunc
	pruned chan struct{}
}

// New creates a collector. store and idx are optional.
func New(opts Options, store *history.Store, idx *index.Index) *Collector {
	if opts.HistoryLines <= 0 {
		opts.HistoryLines = DefaultHistoryLines
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.HistoryPath == nil {
		opts.HistoryPath = index.HistoryPath
	}

	dirs := ttlcache.New[string, *dirInfo](
		ttlcache.WithTTL[string, *dirInfo](opts.TTL),
		ttlcache.WithDisableTouchOnHit[string, *dirInfo](),
	)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		opts:   opts,
		store:  store,
		index:  idx,
		dirs:   dirs,
		shells: make(map[string]*index.ShellHistory),
		ctx:    ctx,
		cancel: cancel,
		pruned: make(chan struct{}),
	}
	go c.prune(opts.TTL)
	return c
}

// prune drops expired directory entries every interval until Close.
func (c *Collector) prune(interval time.Duration) {
	defer close(c.pruned)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.dirs.DeleteExpired()
		}
	}
}

// Collect returns the snapshot for (cwd, shell). If ctx ends while directory
// context is still being gathered, the snapshot is returned without it; the
// gather itself finishes in the background and is cached.
func (c *Collector) Collect(ctx context.Context, cwd, shell string) *Snapshot {
	snap := &Snapshot{Cwd: cwd, Shell: shell}

	if info := c.dir(ctx, cwd); info != nil {
		snap.Git = info.git
		snap.Project = info.project
		snap.Listing = info.listing
		snap.Manifests = info.manifests
		snap.PackageManager = info.packageManager
	}
	snap.Env = c.env()
	snap.History = index.RedactCommands(c.Shell(shell).Recent(recentCommands))
	if c.store != nil && cwd != "" {
		snap.ToolHistory = index.RedactCommands(c.store.Commands(cwd, toolCommands))
	}
	return snap
}

// Relevant returns past commands semantically close to input. It never
// waits for the index to be built and gives up after a short timeout.
func (c *Collector) Relevant(ctx context.Context, input string) []string {
	if c.index == nil || !c.index.Enabled() {
		return nil
	}
	select {
	case <-c.index.Ready():
	default:
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, relevantTimeout)
	defer cancel()
	cmds, err := c.index.Search(ctx, input, relevantCommands)
	if err != nil {
		slog.Debug("semantic search failed", "error", err)
		return nil
	}
	return cmds
}

// Shell returns the history reader for shell, creating it on first use.
func (c *Collector) Shell(shell string) *index.ShellHistory {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.shells[shell]; ok {
		return h
	}
	h := index.NewShellHistory(c.opts.HistoryPath(shell), c.opts.HistoryLines)
	if c.opts.WatchHistory {
		if err := h.Watch(); err != nil {
			slog.Debug("not watching shell history", "shell", shell, "path", h.Path(), "error", err)
		}
	}
	c.shells[shell] = h
	return h
}

func (c *Collector) dir(ctx context.Context, cwd string) *dirInfo {
	if cwd == "" {
		return nil
	}
	if item := c.dirs.Get(cwd); item != nil {
		return item.Value()
	}
	ch := c.group.DoChan(cwd, func() (any, error) {
		gctx, cancel := context.WithTimeout(c.ctx, gatherTimeout)
		defer cancel()
		info := gatherDir(gctx, cwd, c.opts.GitEnabled, c.opts.ProjectEnabled)
		if c.ctx.Err() == nil {
			c.dirs.Set(cwd, info, ttlcache.DefaultTTL)
		}
		return info, nil
	})
	select {
	case res := <-ch:
		return res.Val.(*dirInfo)
	case <-ctx.Done():
		return nil
	}
}

func (c *Collector) env() []EnvVar {
	var vars []EnvVar
	for _, name := range EnvWhitelist {
		if v := c.opts.Getenv(name); v != "" {
			vars = append(vars, EnvVar{Name: name, Value: v})
		}
	}
	return vars
}

// Invalidate drops cached directory context for cwd.
func (c *Collector) Invalidate(cwd string) {
	c.dirs.Delete(cwd)
}

// Close stops background work and history watchers.
func (c *Collector) Close() {
	c.cancel()
	<-c.pruned
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.shells {
		h.Close()
	}
}
