package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"

	murmur "github.com/Paranoid-AF/murmur"
)

// termWriter converts \n to \r\n when f is a terminal, since raw mode turns
// off the kernel's translation. Redirected output passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	_, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n")))
	return len(p), err
}

type transcriptEntry struct {
	Request transcriptRequest `toml:"request"`
	Result  *transcriptResult `toml:"result,omitempty"`
	Error   *transcriptError  `toml:"error,omitempty"`
}

type transcriptRequest struct {
	Timestamp time.Time `toml:"timestamp"`
	Input     string    `toml:"input"`
	CursorPos int       `toml:"cursor_pos"`
	Cwd       string    `toml:"cwd"`
	Shell     string    `toml:"shell"`
}

type transcriptResult struct {
	Provider   string           `toml:"provider,omitempty"`
	Cached     bool             `toml:"cached"`
	LatencyMS  int64            `toml:"latency_ms"`
	Diagnostic *transcriptError `toml:"diagnostic,omitempty"`
	Items      []transcriptItem `toml:"items,omitempty"`
}

type transcriptItem struct {
	Text        string `toml:"text"`
	Description string `toml:"description,omitempty"`
}

type transcriptError struct {
	Code    int    `toml:"code"`
	Message string `toml:"message"`
}

// writeEntry appends one TOML document describing a completion round trip.
// Exactly one of res and callErr is expected to be set.
func writeEntry(w io.Writer, req murmur.CompletionRequest, res *murmur.CompleteResult, callErr error, now time.Time) error {
	entry := transcriptEntry{Request: transcriptRequest{
		Timestamp: now.UTC().Truncate(time.Second),
		Input:     req.Input,
		CursorPos: req.CursorPos,
		Cwd:       req.Cwd,
		Shell:     req.Shell,
	}}
	switch {
	case callErr != nil:
		entry.Error = toTranscriptError(callErr)
	case res != nil:
		r := &transcriptResult{Provider: res.Provider, Cached: res.Cached, LatencyMS: res.LatencyMS}
		if res.Diagnostic != nil {
			r.Diagnostic = &transcriptError{Code: res.Diagnostic.Code, Message: res.Diagnostic.Message}
		}
		for _, it := range res.Items {
			r.Items = append(r.Items, transcriptItem{Text: it.Text, Description: it.Description})
		}
		entry.Result = r
	}

	fmt.Fprintf(w, "# %s\n\n", strings.Repeat("═", 60))
	if err := toml.NewEncoder(w).Encode(entry); err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	_, err := fmt.Fprintln(w)
	return err
}

func toTranscriptError(err error) *transcriptError {
	if e, ok := err.(*murmur.Error); ok {
		return &transcriptError{Code: e.Code, Message: e.Message}
	}
	return &transcriptError{Message: err.Error()}
}

// summarize renders a result the way the prompt area shows it.
func summarize(w io.Writer, res *murmur.CompleteResult, err error) {
	switch {
	case err != nil:
		fmt.Fprintf(w, "error: %v\n", err)
	case res.Diagnostic != nil:
		fmt.Fprintf(w, "unavailable [%d]: %s\n", res.Diagnostic.Code, res.Diagnostic.Message)
	case len(res.Items) == 0:
		fmt.Fprintln(w, "(no suggestions)")
	default:
		source := res.Provider
		if res.Cached {
			source += ", cached"
		}
		fmt.Fprintf(w, "  (%s, %dms)\n", strings.TrimPrefix(source, ", "), res.LatencyMS)
		for i, it := range res.Items {
			if it.Description != "" {
				fmt.Fprintf(w, "  %d. %s  # %s\n", i+1, it.Text, it.Description)
			} else {
				fmt.Fprintf(w, "  %d. %s\n", i+1, it.Text)
			}
		}
	}
	fmt.Fprintln(w)
}
