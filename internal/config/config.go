package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	SocketPath string `toml:"socket_path" envconfig:"SOCKET_PATH"`
	DataDir    string `toml:"data_dir" envconfig:"DATA_DIR"`

	LogLevel       string `toml:"log_level" envconfig:"LOG_LEVEL"`
	LogDevelopment bool   `toml:"log_development" envconfig:"LOG_DEV"`

	DefaultTerminal string `toml:"default_terminal" envconfig:"DEFAULT_TERMINAL"`
	DefaultRows     int    `toml:"default_rows" envconfig:"DEFAULT_ROWS"`
	DefaultCols     int    `toml:"default_cols" envconfig:"DEFAULT_COLS"`

	ClaudeCommand string `toml:"claude_command" envconfig:"CLAUDE_COMMAND"`
	CodexCommand  string `toml:"codex_command" envconfig:"CODEX_COMMAND"`
	GeminiCommand string `toml:"gemini_command" envconfig:"GEMINI_COMMAND"`

	StatusPollInterval   time.Duration `toml:"status_poll_interval" envconfig:"STATUS_POLL_INTERVAL"`
	StatusSilenceTimeout time.Duration `toml:"status_silence_timeout" envconfig:"STATUS_SILENCE_TIMEOUT"`
	StatusIdleDebounce   time.Duration `toml:"status_idle_debounce" envconfig:"STATUS_IDLE_DEBOUNCE"`

	ChatSilenceTimeout time.Duration `toml:"chat_silence_timeout" envconfig:"CHAT_SILENCE_TIMEOUT"`
	ChatIdleDebounce   time.Duration `toml:"chat_idle_debounce" envconfig:"CHAT_IDLE_DEBOUNCE"`
	ChatForceFlush     time.Duration `toml:"chat_force_flush" envconfig:"CHAT_FORCE_FLUSH"`
	ChatDeferRetries   int           `toml:"chat_defer_retries" envconfig:"CHAT_DEFER_RETRIES"`
	StreamMaxBullets   int           `toml:"stream_max_bullets" envconfig:"STREAM_MAX_BULLETS"`
	StreamReplies      bool          `toml:"stream_replies" envconfig:"STREAM_REPLIES"`
	Locale             string        `toml:"locale" envconfig:"LOCALE"`

	PostReadyStability   time.Duration `toml:"post_ready_stability" envconfig:"POST_READY_STABILITY"`
	PostReadyStepTimeout time.Duration `toml:"post_ready_step_timeout" envconfig:"POST_READY_STEP_TIMEOUT"`
	PostReadyMaxRestarts int           `toml:"post_ready_max_restarts" envconfig:"POST_READY_MAX_RESTARTS"`

	FlowHighWatermark int `toml:"flow_high_watermark" envconfig:"FLOW_HIGH_WATERMARK"`
	FlowLowWatermark  int `toml:"flow_low_watermark" envconfig:"FLOW_LOW_WATERMARK"`

	OutboxPollInterval time.Duration `toml:"outbox_poll_interval" envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxLease        time.Duration `toml:"outbox_lease" envconfig:"OUTBOX_LEASE"`
	OutboxBatchSize    int           `toml:"outbox_batch_size" envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxBackoffBase  time.Duration `toml:"outbox_backoff_base" envconfig:"OUTBOX_BACKOFF_BASE"`
	OutboxBackoffCap   time.Duration `toml:"outbox_backoff_cap" envconfig:"OUTBOX_BACKOFF_CAP"`
	OutboxMaxAttempts  int           `toml:"outbox_max_attempts" envconfig:"OUTBOX_MAX_ATTEMPTS"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DataDir:              defaultDataDir(),
		LogLevel:             "info",
		DefaultRows:          40,
		DefaultCols:          120,
		ClaudeCommand:        "claude",
		CodexCommand:         "codex",
		GeminiCommand:        "gemini",
		StatusPollInterval:   1 * time.Second,
		StatusSilenceTimeout: 3 * time.Second,
		StatusIdleDebounce:   1500 * time.Millisecond,
		ChatSilenceTimeout:   1200 * time.Millisecond,
		ChatIdleDebounce:     800 * time.Millisecond,
		ChatForceFlush:       20 * time.Second,
		ChatDeferRetries:     3,
		StreamMaxBullets:     3,
		StreamReplies:        true,
		Locale:               "en",
		PostReadyStability:   700 * time.Millisecond,
		PostReadyStepTimeout: 20 * time.Second,
		PostReadyMaxRestarts: 3,
		FlowHighWatermark:    256 * 1024,
		FlowLowWatermark:     64 * 1024,
		OutboxPollInterval:   500 * time.Millisecond,
		OutboxLease:          30 * time.Second,
		OutboxBatchSize:      16,
		OutboxBackoffBase:    1 * time.Second,
		OutboxBackoffCap:     5 * time.Minute,
		OutboxMaxAttempts:    8,
	}
}

// Load overlays the TOML file at path (if any) and TERMRELAY_* environment
// variables on top of DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process("termrelay", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.StatusPollInterval <= 0 {
		return fmt.Errorf("status_poll_interval must be positive")
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("outbox_poll_interval must be positive")
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("outbox_max_attempts must be >= 1")
	}
	if c.OutboxBackoffBase <= 0 || c.OutboxBackoffCap < c.OutboxBackoffBase {
		return fmt.Errorf("outbox backoff requires 0 < base <= cap")
	}
	if c.FlowLowWatermark > c.FlowHighWatermark {
		return fmt.Errorf("flow_low_watermark must not exceed flow_high_watermark")
	}
	return nil
}

// WorkspacesDir holds one SQLite file per workspace.
func (c Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// WorkspaceDBPath is the per-workspace SQLite file holding the outbox.
func (c Config) WorkspaceDBPath(workspaceID string) string {
	return filepath.Join(c.WorkspacesDir(), workspaceID+".db")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "termrelay", "termrelayd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termrelayd.sock"
	}
	return filepath.Join(home, ".local", "state", "termrelay", "termrelayd.sock")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "termrelay-data"
	}
	return filepath.Join(home, ".local", "state", "termrelay")
}
