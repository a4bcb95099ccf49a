// Command murmur-repl is an interactive client for a running murmurd.
// It tracks the cursor natively in a raw terminal and writes a TOML
// transcript of every completion to stdout.
//
// Usage:
//
//	murmur-repl                     # interactive, transcript on screen
//	murmur-repl > log.toml          # prompt on screen, transcript to file
//	murmur-repl --plain < cases.txt # scripted; mark the cursor with {|}
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	murmur "github.com/Paranoid-AF/murmur"
)

const prompt = "> "

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	socketPath string
	session    string
	shell      string
	plain      bool
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "murmur-repl",
		Short:        "Interactive client for the murmur daemon",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file used to locate the socket")
	f.StringVarP(&opts.socketPath, "socket", "s", "", "daemon socket path")
	f.StringVar(&opts.session, "session", fmt.Sprintf("repl-%d", os.Getpid()), "session id sent with completions")
	f.StringVar(&opts.shell, "shell", "zsh", "shell reported to the daemon")
	f.BoolVar(&opts.plain, "plain", false, "read lines from stdin instead of the terminal")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	return cmd
}

func run(opts options) error {
	sockPath := opts.socketPath
	if sockPath == "" {
		cfg, err := murmur.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		sockPath = murmur.ResolveSocketPath(cfg)
	}
	client, err := Dial(sockPath, opts.timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine cwd: %w", err)
	}

	var (
		reader LineReader
		ui     io.Writer
	)
	if opts.plain {
		reader = NewPlainReader(os.Stdin, nil)
		ui = os.Stderr
	} else {
		ed, err := NewEditor()
		if err != nil {
			return err
		}
		reader, ui = ed, ed.Tty()
		fmt.Fprint(ui, "\033[2J\033[H")
	}
	defer reader.Close()

	s := &session{client: client, ui: ui, out: termWriter(os.Stdout), cwd: cwd, opts: opts}
	fmt.Fprintf(ui, "murmur repl (%s)\ncwd: %s\n\n", sockPath, cwd)
	fmt.Fprint(ui, helpText)
	return s.loop(reader)
}

const helpText = `commands:
  :cwd <path>      set working directory
  :status          show daemon status
  :history [n]     list recent commands for the cwd
  :record <cmd>    report an executed command
  :quit            exit

`

type session struct {
	client *Client
	ui     io.Writer
	out    io.Writer
	cwd    string
	opts   options
}

func (s *session) loop(reader LineReader) error {
	for {
		text, cursor, err := reader.ReadLine(prompt)
		if err == io.EOF || err == ErrInterrupt {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if strings.HasPrefix(text, ":") {
			if s.command(text) {
				return nil
			}
			continue
		}
		s.complete(text, cursor)
	}
}

// command runs a ":" command and reports whether the session should end.
func (s *session) command(text string) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(text, ":"), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "q", "quit":
		return true
	case "cwd":
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			fmt.Fprintf(s.ui, "error: not a directory: %s\n\n", arg)
			return false
		}
		s.cwd = arg
		fmt.Fprintf(s.ui, "cwd: %s\n\n", s.cwd)
	case "status":
		var st murmur.StatusResult
		if err := s.client.Call(murmur.MethodStatus, nil, &st); err != nil {
			fmt.Fprintf(s.ui, "error: %v\n\n", err)
			return false
		}
		printStatus(s.ui, st)
	case "history":
		limit := 10
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				fmt.Fprintf(s.ui, "error: bad limit %q\n\n", arg)
				return false
			}
			limit = n
		}
		var res murmur.HistoryListResult
		if err := s.client.Call(murmur.MethodHistoryList, murmur.HistoryListParams{Cwd: s.cwd, Limit: &limit}, &res); err != nil {
			fmt.Fprintf(s.ui, "error: %v\n\n", err)
			return false
		}
		for _, r := range res.Records {
			fmt.Fprintf(s.ui, "  %s  [%s, exit %d]  %s\n", r.Timestamp.Local().Format("15:04:05"), r.Source, r.ExitCode, r.Command)
		}
		fmt.Fprintln(s.ui)
	case "record":
		if arg == "" {
			fmt.Fprint(s.ui, "usage: :record <command>\n\n")
			return false
		}
		p := murmur.ContextUpdateParams{Source: "repl", Command: arg, Cwd: s.cwd, SessionID: s.opts.session}
		if err := s.client.Call(murmur.MethodContextUpdate, p, nil); err != nil {
			fmt.Fprintf(s.ui, "error: %v\n\n", err)
			return false
		}
		fmt.Fprint(s.ui, "recorded\n\n")
	default:
		fmt.Fprint(s.ui, helpText)
	}
	return false
}

func (s *session) complete(text string, cursor int) {
	req := murmur.CompletionRequest{Input: text, CursorPos: cursor, Cwd: s.cwd, Shell: s.opts.shell, SessionID: s.opts.session}
	params := murmur.CompleteParams{
		Input:     &req.Input,
		CursorPos: &req.CursorPos,
		Cwd:       &req.Cwd,
		Shell:     req.Shell,
		SessionID: req.SessionID,
	}
	var res murmur.CompleteResult
	err := s.client.Call(murmur.MethodComplete, params, &res)
	if err != nil {
		summarize(s.ui, nil, err)
		writeEntry(s.out, req, nil, err, time.Now())
		return
	}
	summarize(s.ui, &res, nil)
	writeEntry(s.out, req, &res, nil, time.Now())
}

func printStatus(w io.Writer, st murmur.StatusResult) {
	fmt.Fprintf(w, "status: %s, up %ds\n", st.Status, st.UptimeSeconds)
	for _, p := range st.Providers {
		fmt.Fprintf(w, "  provider %s: %s\n", p.Name, p.State)
	}
	fmt.Fprintf(w, "cache: %d entries, %d hits, %d misses, %d joins, %d evictions\n",
		st.CacheEntries, st.Cache.Hits, st.Cache.Misses, st.Cache.Joins, st.Cache.Evictions)
	fmt.Fprintf(w, "history: %d entries, voice: %v\n\n", st.HistoryEntries, st.VoiceEnabled)
}
