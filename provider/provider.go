// Package provider routes completion requests to language-model backends.
//
// A Router holds an ordered list of Descriptors. For each request it picks
// the enabled, healthy providers whose capabilities cover the task class and
// tries them in priority order, each under its own timeout, until one
// succeeds. Failures feed a per-provider health table that takes repeatedly
// failing backends out of rotation for a cool-down period.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	murmur "github.com/Paranoid-AF/murmur"
)

// TaskClass is the kind of completion a request needs.
type TaskClass string

const (
	// TaskShell completes shell command lines.
	TaskShell TaskClass = "shell-completion"
	// TaskCode fills in code around the cursor.
	TaskCode TaskClass = "code-fill-in-middle"
)

// Prompt is the assembled context handed to a provider.
type Prompt struct {
	Task TaskClass
	// System and User are the chat-style prompt.
	System string
	User   string
	// Prefix and Suffix surround the cursor, for fill-in-middle backends.
	Prefix string
	Suffix string
	// Input is the raw buffer and CursorPos the byte offset of the cursor in it.
	Input     string
	CursorPos int
	MaxItems  int
}

// Provider is a completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p *Prompt) ([]murmur.Item, error)
}

// ErrorKind classifies a failed attempt.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindFailed  ErrorKind = "error"
	KindPanic   ErrorKind = "panic"
)

// Error is a failed attempt against one provider.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoCandidates means no enabled, healthy provider covers the task class.
var ErrNoCandidates = errors.New("no provider available for task")

// ExhaustedError is returned when every candidate failed or none was available.
type ExhaustedError struct {
	Task     TaskClass
	Attempts []*Error
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: %v", e.Task, ErrNoCandidates)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("all providers failed for %s: %s", e.Task, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	if len(e.Attempts) == 0 {
		return []error{ErrNoCandidates}
	}
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}
