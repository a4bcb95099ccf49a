// Command murmurd is the murmur daemon.
// It listens on a Unix domain socket for JSON-RPC requests from shell clients,
// gathers context, and returns AI-generated completions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	murmur "github.com/Paranoid-AF/murmur"
	"github.com/Paranoid-AF/murmur/cache"
	"github.com/Paranoid-AF/murmur/debounce"
	"github.com/Paranoid-AF/murmur/gather"
	"github.com/Paranoid-AF/murmur/generate"
	"github.com/Paranoid-AF/murmur/history"
	"github.com/Paranoid-AF/murmur/index"
	"github.com/Paranoid-AF/murmur/metrics"
	"github.com/Paranoid-AF/murmur/provider"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		socketPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:           "murmurd",
		Short:         "murmur completion daemon",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := murmur.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			setupLogging(murmur.ResolveLogLevel(cfg), verbose)
			for _, w := range murmur.ValidateConfig(cfg) {
				slog.Warn("config", "warning", w)
			}
			if socketPath == "" {
				socketPath = murmur.ResolveSocketPath(cfg)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, socketPath); err != nil {
				slog.Error("daemon failed", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: "+murmur.ConfigPath()+")")
	cmd.Flags().StringVarP(&socketPath, "socket", "s", "", "socket path (overrides config and $MURMUR_SOCKET)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every request and response")
	return cmd
}

func setupLogging(level string, verbose bool) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	if verbose {
		l = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// daemon owns every long-lived component.
type daemon struct {
	engine    *generate.Engine
	collector *gather.Collector
	history   *history.Store
	index     *index.Index
	metrics   *metrics.Metrics

	indexCancel context.CancelFunc
	indexDone   chan struct{}
}

// newDaemon builds the pipeline from cfg. Nothing is listening yet.
func newDaemon(ctx context.Context, cfg *murmur.Config) (*daemon, error) {
	d := &daemon{}
	if cfg.Daemon.MetricsListen != "" {
		d.metrics = metrics.New()
	}

	var journal *history.Journal
	if cfg.History.DBPath != "" {
		j, err := history.OpenJournal(cfg.History.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open history journal: %w", err)
		}
		journal = j
	}
	d.history = history.New(history.Options{MaxEntries: cfg.History.MaxEntries, Journal: journal})

	if murmur.IndexEnabled(cfg) {
		emb := index.NewEmbedder(cfg.Index.BaseURL, murmur.ResolveIndexAPIKey(cfg), cfg.Index.Model, nil)
		d.index = index.New(emb, cfg.Index.MaxCommands)
		if err := d.index.Load(murmur.IndexCachePath()); err != nil {
			slog.Warn("failed to load index cache", "error", err)
		}
	} else {
		d.index = index.New(nil, 0)
	}

	d.collector = gather.New(gather.Options{
		HistoryLines:   cfg.Context.HistoryLines,
		TTL:            cfg.Context.TTL,
		GitEnabled:     cfg.Context.GitEnabled,
		ProjectEnabled: cfg.Context.ProjectDetection,
		WatchHistory:   true,
	}, d.history, d.index)

	c := cache.New(cache.Options{Capacity: cfg.Cache.Capacity, TTL: cfg.Cache.TTL})
	d.metrics.WatchCache(c)
	d.metrics.WatchHistory(d.history)

	descs := provider.FromConfig(ctx, cfg.Providers, &http.Client{})
	if len(descs) == 0 {
		slog.Warn("no providers configured; completions will be empty")
	}
	router := provider.NewRouter(descs, provider.NewHealth(cfg.Router.FailureThreshold, cfg.Router.Cooldown))
	if d.metrics != nil {
		router.SetObserver(d.metrics.ObserveAttempt)
	}

	opts := generate.Options{
		Prefetch:            cfg.Prefetch.Enabled,
		MaxPredictions:      cfg.Prefetch.MaxPredictions,
		PrefetchConcurrency: cfg.Prefetch.Concurrency,
		VoiceEnabled:        cfg.Voice.Enabled,
	}
	if d.metrics != nil {
		opts.OnPrefetch = d.metrics.ObservePrefetch
	}
	d.engine = generate.NewEngine(generate.Deps{
		Cache:     c,
		Debounce:  debounce.New(cfg.Debounce.Window, cfg.Prefetch.Quiet),
		Router:    router,
		Collector: d.collector,
		History:   d.history,
		Prompts:   generate.NewPromptBuilder(generate.LoadCustomPrompt(murmur.PromptPath())),
	}, opts)
	return d, nil
}

// startIndex keeps the semantic index in step with the default shell's
// history and commands reported by other tools.
func (d *daemon) startIndex(refresh time.Duration) {
	if !d.index.Enabled() {
		return
	}
	sh := d.collector.Shell(generate.DefaultShell)
	source := func() []string {
		return append(sh.Recent(sh.Limit()), d.history.Commands("", d.history.Len())...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.indexCancel = cancel
	d.indexDone = make(chan struct{})
	go func() {
		defer close(d.indexDone)
		d.index.Run(ctx, source, sh.Changes(), refresh)
	}()
}

func (d *daemon) Close() {
	d.engine.Close()
	if d.indexCancel != nil {
		d.indexCancel()
		<-d.indexDone
		if err := d.index.Save(murmur.IndexCachePath()); err != nil {
			slog.Warn("failed to save index cache", "error", err)
		}
	}
	d.collector.Close()
	if err := d.history.Close(); err != nil {
		slog.Warn("failed to close history journal", "error", err)
	}
}

func run(ctx context.Context, cfg *murmur.Config, socketPath string) error {
	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	d.startIndex(cfg.Index.Refresh)

	srv, err := NewServer(socketPath, d.engine, d.metrics)
	if err != nil {
		return err
	}

	if d.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		hs := &http.Server{Addr: cfg.Daemon.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("serving metrics", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer hs.Close()
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		srv.Close()
	}()

	slog.Info("ready", "socket", socketPath, "version", Version)
	return srv.Serve()
}
