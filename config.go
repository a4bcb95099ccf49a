package murmur

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	defaults "github.com/Paranoid-AF/murmur/default"
)

// Config represents the daemon configuration.
type Config struct {
	Daemon    DaemonConfig     `toml:"daemon" yaml:"daemon"`
	Cache     CacheConfig      `toml:"cache" yaml:"cache"`
	Debounce  DebounceConfig   `toml:"debounce" yaml:"debounce"`
	Prefetch  PrefetchConfig   `toml:"prefetch" yaml:"prefetch"`
	Router    RouterConfig     `toml:"router" yaml:"router"`
	History   HistoryConfig    `toml:"history" yaml:"history"`
	Context   ContextConfig    `toml:"context" yaml:"context"`
	Index     IndexConfig      `toml:"index" yaml:"index"`
	Voice     VoiceConfig      `toml:"voice" yaml:"voice"`
	Providers []ProviderConfig `toml:"providers" yaml:"providers"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	SocketPath    string `toml:"socket_path" yaml:"socket_path"`
	LogLevel      string `toml:"log_level" yaml:"log_level"`
	MetricsListen string `toml:"metrics_listen" yaml:"metrics_listen"`
}

// CacheConfig sizes the completion cache.
type CacheConfig struct {
	Capacity int           `toml:"capacity" yaml:"capacity"`
	TTL      time.Duration `toml:"ttl" yaml:"ttl"`
}

// DebounceConfig sets the per-session suppression window.
type DebounceConfig struct {
	Window time.Duration `toml:"window" yaml:"window"`
}

// PrefetchConfig controls speculative completion.
type PrefetchConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Quiet is how long a session must be idle before predictions are fetched.
	Quiet          time.Duration `toml:"quiet" yaml:"quiet"`
	MaxPredictions int           `toml:"max_predictions" yaml:"max_predictions"`
	Concurrency    int           `toml:"concurrency" yaml:"concurrency"`
}

// RouterConfig tunes provider health tracking.
type RouterConfig struct {
	FailureThreshold int           `toml:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `toml:"cooldown" yaml:"cooldown"`
}

// HistoryConfig bounds the cross-tool history log.
type HistoryConfig struct {
	MaxEntries int    `toml:"max_entries" yaml:"max_entries"`
	DBPath     string `toml:"db_path" yaml:"db_path"`
}

// ContextConfig controls context gathering.
type ContextConfig struct {
	HistoryLines     int           `toml:"history_lines" yaml:"history_lines"`
	TTL              time.Duration `toml:"ttl" yaml:"ttl"`
	GitEnabled       bool          `toml:"git_enabled" yaml:"git_enabled"`
	ProjectDetection bool          `toml:"project_detection" yaml:"project_detection"`
}

// IndexConfig holds settings for the embedding API behind semantic history search.
type IndexConfig struct {
	BaseURL     string `toml:"base_url" yaml:"base_url"`
	APIKey      string `toml:"api_key" yaml:"api_key"`
	Model       string `toml:"model" yaml:"model"`
	MaxCommands int    `toml:"max_commands" yaml:"max_commands"`
	// Refresh is the fallback re-index interval when the history file is not watched.
	Refresh time.Duration `toml:"refresh" yaml:"refresh"`
}

// VoiceConfig is reported by status only; voice capture runs out of process.
type VoiceConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// ProviderConfig describes one completion backend.
type ProviderConfig struct {
	Name string `toml:"name" yaml:"name"`
	// Type selects the adapter: anthropic, openai, codestral, ollama or gemini.
	Type      string `toml:"type" yaml:"type"`
	Endpoint  string `toml:"endpoint" yaml:"endpoint"`
	APIKey    string `toml:"api_key" yaml:"api_key"`
	APIKeyEnv string `toml:"api_key_env" yaml:"api_key_env"`
	Model     string `toml:"model" yaml:"model"`
	// APIType picks the OpenAI dialect: "responses" or "chat_completions".
	APIType      string        `toml:"api_type" yaml:"api_type"`
	Capabilities []string      `toml:"capabilities" yaml:"capabilities"`
	Priority     int           `toml:"priority" yaml:"priority"`
	Enabled      *bool         `toml:"enabled" yaml:"enabled"`
	Timeout      time.Duration `toml:"timeout" yaml:"timeout"`
	MaxTokens    int           `toml:"max_tokens" yaml:"max_tokens"`
	Temperature  float64       `toml:"temperature" yaml:"temperature"`
}

// IsEnabled reports whether the provider should be routed to. Providers are enabled unless disabled explicitly.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Provider types understood by the router.
var providerTypes = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"codestral": true,
	"ollama":    true,
	"gemini":    true,
}

// Capability tags understood by the router.
var capabilityTags = map[string]bool{
	"shell-completion":    true,
	"code-fill-in-middle": true,
}

// DefaultProviderTimeout bounds a single provider attempt when none is configured.
const DefaultProviderTimeout = 5 * time.Second

// ConfigDir returns the config directory path.
// Resolution order: $MURMUR_CONFIG_DIR > $XDG_CONFIG_HOME/murmur > ~/.config/murmur
func ConfigDir() string {
	if dir := os.Getenv("MURMUR_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "murmur")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "murmur-config")
	}
	return filepath.Join(home, ".config", "murmur")
}

// ConfigPath returns the config file to load: config.toml if present, else config.yaml or config.yml.
func ConfigPath() string {
	dir := ConfigDir()
	for _, name := range []string{"config.toml", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.toml")
}

// DataDir returns the directory for persistent state.
// Resolution order: $XDG_DATA_HOME/murmur > ~/.local/share/murmur
func DataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "murmur")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "murmur-data")
	}
	return filepath.Join(home, ".local", "share", "murmur")
}

// IndexCachePath returns the file holding cached history embeddings.
func IndexCachePath() string {
	return filepath.Join(DataDir(), "index_cache.json")
}

// PromptPath returns the custom prompt template path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.NewDecoder(bytes.NewReader(defaults.DefaultConfigTOML)).Decode(&cfg); err != nil {
		panic("murmur: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads the config at path, overlaid on the defaults.
// An empty path means ConfigPath(). A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.History.DBPath = expandHome(cfg.History.DBPath)
	cfg.Daemon.SocketPath = expandHome(cfg.Daemon.SocketPath)
	return cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if cfg.Cache.Capacity <= 0 {
		warnings = append(warnings, fmt.Sprintf("cache.capacity %d is not positive; the default will be used", cfg.Cache.Capacity))
	}
	if cfg.History.MaxEntries <= 0 {
		warnings = append(warnings, fmt.Sprintf("history.max_entries %d is not positive; the default will be used", cfg.History.MaxEntries))
	}
	if cfg.Debounce.Window < 0 || cfg.Prefetch.Quiet < 0 {
		warnings = append(warnings, "debounce.window and prefetch.quiet must not be negative")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.Name == "" {
			warnings = append(warnings, fmt.Sprintf("providers[%d] has no name", i))
		}
		if seen[p.Name] {
			warnings = append(warnings, fmt.Sprintf("provider %q is defined more than once", p.Name))
		}
		seen[p.Name] = true
		if !providerTypes[p.Type] {
			warnings = append(warnings, fmt.Sprintf("provider %q has unknown type %q", p.Name, p.Type))
		}
		if len(p.Capabilities) == 0 {
			warnings = append(warnings, fmt.Sprintf("provider %q has no capabilities and will never be routed to", p.Name))
		}
		for _, c := range p.Capabilities {
			if !capabilityTags[c] {
				warnings = append(warnings, fmt.Sprintf("provider %q has unknown capability %q", p.Name, c))
			}
		}
		if p.Type != "ollama" && p.IsEnabled() && ResolveProviderAPIKey(p) == "" {
			warnings = append(warnings, fmt.Sprintf("provider %q has no API key configured", p.Name))
		}
	}
	return warnings
}

// ResolveSocketPath returns the socket path.
// Priority: $MURMUR_SOCKET env > config value > $XDG_RUNTIME_DIR/murmur.sock > /tmp/murmur-<uid>.sock
func ResolveSocketPath(cfg *Config) string {
	if p := os.Getenv("MURMUR_SOCKET"); p != "" {
		return p
	}
	if cfg != nil && cfg.Daemon.SocketPath != "" {
		return cfg.Daemon.SocketPath
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "murmur.sock")
	}
	return fmt.Sprintf("/tmp/murmur-%d.sock", os.Getuid())
}

// ResolveLogLevel returns the log level name.
// Priority: $MURMUR_LOG_LEVEL env > config value.
func ResolveLogLevel(cfg *Config) string {
	if level := os.Getenv("MURMUR_LOG_LEVEL"); level != "" {
		return level
	}
	if cfg != nil {
		return cfg.Daemon.LogLevel
	}
	return ""
}

// ResolveProviderAPIKey returns the API key for a provider.
// Priority: $MURMUR_<NAME>_API_KEY env > the variable named by api_key_env > config value.
func ResolveProviderAPIKey(p ProviderConfig) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(p.Name))
	if key := os.Getenv("MURMUR_" + name + "_API_KEY"); key != "" {
		return key
	}
	if p.APIKeyEnv != "" {
		if key := os.Getenv(p.APIKeyEnv); key != "" {
			return key
		}
	}
	return p.APIKey
}

// ResolveProviderTimeout returns the per-attempt timeout for a provider.
func ResolveProviderTimeout(p ProviderConfig) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultProviderTimeout
}

// ResolveIndexAPIKey returns the embedding API key.
// Priority: $MURMUR_INDEX_API_KEY env > config value.
func ResolveIndexAPIKey(cfg *Config) string {
	if key := os.Getenv("MURMUR_INDEX_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Index.APIKey
	}
	return ""
}

// IndexEnabled returns true when both base_url and api_key are configured for embedding.
func IndexEnabled(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	return cfg.Index.BaseURL != "" && ResolveIndexAPIKey(cfg) != ""
}
