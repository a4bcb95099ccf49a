// Package murmur defines the wire types for the murmur daemon.
// Messages are JSON-RPC 2.0 objects sent over a Unix domain socket, one per line.
package murmur

import (
	"encoding/json"
	"time"
)

// JSONRPCVersion is the only protocol version the daemon speaks.
const JSONRPCVersion = "2.0"

// Method names accepted by the daemon.
const (
	MethodComplete      = "complete"
	MethodStatus        = "status"
	MethodContextUpdate = "context/update"
	MethodHistoryList   = "history/list"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeProviderUnavailable is reported when every backend for a request failed.
	CodeProviderUnavailable = -32001
)

// Request is a JSON-RPC request from a shell client.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	// ID correlates the response. Absent for notifications.
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	// ID is echoed from the request, or null when the request could not be parsed.
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// CompleteParams are the parameters of a "complete" request.
// Pointer fields distinguish a missing value from a zero value.
type CompleteParams struct {
	// Input is the current command line buffer.
	Input *string `json:"input"`
	// CursorPos is the byte offset of the cursor within Input.
	CursorPos *int `json:"cursor_pos"`
	// Cwd is the working directory of the shell.
	Cwd *string `json:"cwd"`
	// Shell identifies the client shell (zsh, bash, fish).
	Shell string `json:"shell,omitempty"`
	// SessionID groups requests from one shell for debouncing.
	SessionID string `json:"session_id,omitempty"`
	// MaxItems caps the number of suggestions returned.
	MaxItems int `json:"max_items,omitempty"`
}

// CompletionRequest is a validated "complete" request.
type CompletionRequest struct {
	Input     string
	CursorPos int
	Cwd       string
	Shell     string
	SessionID string
	MaxItems  int
}

// Item is a single completion suggestion.
type Item struct {
	// Text is the full suggested command line.
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
}

// CompleteResult is the result of a "complete" request.
type CompleteResult struct {
	Items []Item `json:"items"`
	// Provider names the backend that produced Items, empty for cache hits of unknown origin.
	Provider  string `json:"provider,omitempty"`
	Cached    bool   `json:"cached"`
	LatencyMS int64  `json:"latency_ms"`
	// Diagnostic explains an empty result when every provider failed.
	Diagnostic *Error `json:"diagnostic,omitempty"`
}

// ProviderHealth reports the routing state of one provider.
type ProviderHealth struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Joins     uint64 `json:"joins"`
	Evictions uint64 `json:"evictions"`
}

// StatusResult is the result of a "status" request.
type StatusResult struct {
	Status              string           `json:"status"`
	ProvidersActive     []string         `json:"providers_active"`
	ProvidersConfigured []string         `json:"providers_configured"`
	Providers           []ProviderHealth `json:"providers"`
	CacheEntries        int              `json:"cache_entries"`
	Cache               CacheStats       `json:"cache"`
	HistoryEntries      int              `json:"history_entries"`
	VoiceEnabled        bool             `json:"voice_enabled"`
	UptimeSeconds       int64            `json:"uptime_seconds"`
}

// ContextUpdateParams are the parameters of a "context/update" notification.
type ContextUpdateParams struct {
	// Source names the reporting tool (zsh, bash, fish, vim, ...).
	Source    string `json:"source"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
	ExitCode  int    `json:"exit_code"`
	SessionID string `json:"session_id,omitempty"`
}

// ContextUpdateResult acknowledges a context update.
type ContextUpdateResult struct {
	Recorded bool `json:"recorded"`
}

// HistoryListParams are the parameters of a "history/list" request.
type HistoryListParams struct {
	Cwd   string `json:"cwd,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

// HistoryListResult is the result of a "history/list" request.
type HistoryListResult struct {
	Records []HistoryRecord `json:"records"`
}

// HistoryRecord is one executed command reported by a client.
type HistoryRecord struct {
	Source    string    `json:"source"`
	Command   string    `json:"command"`
	Cwd       string    `json:"cwd"`
	ExitCode  int       `json:"exit_code"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
