package index

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ShellHistory reads the tail of one shell's history file. Without a watcher
// every read goes to disk; once Watch succeeds the parsed tail is kept in
// memory and reloaded only after the file changes.
type ShellHistory struct {
	path  string
	limit int

	mu    sync.Mutex
	cmds  []string
	stale bool

	watcher   *fsnotify.Watcher
	changes   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// HistoryPath returns the history file for shell. HISTFILE wins for zsh and
// bash; fish keeps its history under the XDG data directory.
func HistoryPath(shell string) string {
	home, _ := os.UserHomeDir()
	switch shell {
	case "fish":
		data := os.Getenv("XDG_DATA_HOME")
		if data == "" {
			data = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(data, "fish", "fish_history")
	case "bash":
		if hf := os.Getenv("HISTFILE"); hf != "" {
			return hf
		}
		return filepath.Join(home, ".bash_history")
	default:
		if hf := os.Getenv("HISTFILE"); hf != "" {
			return hf
		}
		return filepath.Join(home, ".zsh_history")
	}
}

// NewShellHistory reads at most limit commands from the end of path.
func NewShellHistory(path string, limit int) *ShellHistory {
	if limit <= 0 {
		limit = 500
	}
	return &ShellHistory{
		path:    filepath.Clean(path),
		limit:   limit,
		stale:   true,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Path returns the history file path.
func (h *ShellHistory) Path() string { return h.path }

// Limit is the most commands Recent can return.
func (h *ShellHistory) Limit() int { return h.limit }

// Recent returns up to n of the latest commands, oldest first.
func (h *ShellHistory) Recent(n int) []string {
	if n <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stale || h.watcher == nil {
		h.cmds = readCommands(h.path, h.limit)
		h.stale = false
	}
	cmds := h.cmds
	if len(cmds) > n {
		cmds = cmds[len(cmds)-n:]
	}
	out := make([]string, len(cmds))
	copy(out, cmds)
	return out
}

// Changes delivers a signal after the history file is written. Signals are
// coalesced.
func (h *ShellHistory) Changes() <-chan struct{} { return h.changes }

// Watch starts following the history file. The parent directory is watched
// because shells commonly replace the file on save.
func (h *ShellHistory) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		w.Close()
		return err
	}
	h.mu.Lock()
	h.watcher = w
	h.stale = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.watchLoop(w)
	return nil
}

func (h *ShellHistory) watchLoop(w *fsnotify.Watcher) {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != h.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			h.mu.Lock()
			h.stale = true
			h.mu.Unlock()
			select {
			case h.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("history watch error", "path", h.path, "error", err)
		}
	}
}

// Close stops the watcher.
func (h *ShellHistory) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		w := h.watcher
		h.mu.Unlock()
		if w != nil {
			err = w.Close()
		}
		h.wg.Wait()
	})
	return err
}

// readCommands parses the last limit commands of a history file. Missing or
// unreadable files yield nil.
func readCommands(path string, limit int) []string {
	lines := readLastLines(path, limit*2)
	cmds := make([]string, 0, len(lines))
	for _, line := range lines {
		if cmd := parseHistoryLine(line); cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	if len(cmds) > limit {
		cmds = cmds[len(cmds)-limit:]
	}
	return cmds
}

// parseHistoryLine extracts the command from one history line.
//
//	zsh extended:  ": 1700000000:0;git status"
//	fish:          "- cmd: git status"
//	bash:          "git status", with "#1700000000" timestamp lines skipped
//
// Fish metadata lines ("  when: ...", "  paths:") yield "".
func parseHistoryLine(line string) string {
	if strings.HasPrefix(line, "  ") {
		return ""
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(line, "- cmd: "); ok {
		return strings.ReplaceAll(strings.TrimSpace(rest), `\n`, " ")
	}
	if strings.HasPrefix(line, ": ") {
		if i := strings.IndexByte(line, ';'); i != -1 {
			return strings.TrimSpace(line[i+1:])
		}
	}
	if len(line) > 1 && line[0] == '#' && strings.Trim(line[1:], "0123456789") == "" {
		return ""
	}
	return line
}

func readLastLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}

	// Assume about 100 bytes per line and seek near the end of large files.
	estimated := int64(n) * 100
	if estimated < info.Size() {
		if _, err := f.Seek(-estimated, io.SeekEnd); err == nil {
			reader := bufio.NewReader(f)
			reader.ReadString('\n')
			lines := scanLines(reader)
			if len(lines) >= n {
				return lines[len(lines)-n:]
			}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil
		}
	}

	lines := scanLines(f)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func scanLines(r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
