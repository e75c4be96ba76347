package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultReconnectBaseDelay = time.Second
	DefaultMaxReconnects      = 5
	DefaultConnectThrottle    = 2 * time.Second
	DefaultMarkReadDebounce   = 500 * time.Millisecond
	DefaultReadDwellTime      = time.Second
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ServerConfig points the engine at the remote API.
type ServerConfig struct {
	BaseURL string `json:"base_url"`
}

// PushConfig tunes the persistent connection lifecycle.
type PushConfig struct {
	ReconnectBaseDelayMS int `json:"reconnect_base_delay_ms"`
	MaxReconnects        int `json:"max_reconnects"`
	ConnectThrottleMS    int `json:"connect_throttle_ms"`
}

// SyncConfig carries the empirically tuned reconciliation thresholds. The
// similarity ratios and preview length come from observed traffic and are
// kept configurable rather than hard-coded.
type SyncConfig struct {
	MarkReadDebounceMS     int     `json:"mark_read_debounce_ms"`
	ReadDwellTimeMS        int     `json:"read_dwell_time_ms"`
	NotificationSimilarity float64 `json:"notification_similarity"`
	MessageRetrySimilarity float64 `json:"message_retry_similarity"`
	PreviewLength          int     `json:"preview_length"`
}

// UIConfig stores persistent client preferences.
type UIConfig struct {
	LastSelectedChannel int64 `json:"last_selected_channel"`
	DesktopToasts       bool  `json:"desktop_toasts"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Server  ServerConfig  `json:"server"`
	Push    PushConfig    `json:"push"`
	Sync    SyncConfig    `json:"sync"`
	Logging LoggingConfig `json:"logging"`
	UI      UIConfig      `json:"ui"`
}

func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			BaseURL: "",
		},
		Push: PushConfig{
			ReconnectBaseDelayMS: int(DefaultReconnectBaseDelay / time.Millisecond),
			MaxReconnects:        DefaultMaxReconnects,
			ConnectThrottleMS:    int(DefaultConnectThrottle / time.Millisecond),
		},
		Sync: SyncConfig{
			MarkReadDebounceMS:     int(DefaultMarkReadDebounce / time.Millisecond),
			ReadDwellTimeMS:        int(DefaultReadDwellTime / time.Millisecond),
			NotificationSimilarity: 0.8,
			MessageRetrySimilarity: 0.9,
			PreviewLength:          36,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		UI: UIConfig{
			DesktopToasts: true,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by the host and points to the user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	def := Default()
	if c.Push.ReconnectBaseDelayMS <= 0 {
		c.Push.ReconnectBaseDelayMS = def.Push.ReconnectBaseDelayMS
	}
	if c.Push.MaxReconnects <= 0 {
		c.Push.MaxReconnects = def.Push.MaxReconnects
	}
	if c.Push.ConnectThrottleMS <= 0 {
		c.Push.ConnectThrottleMS = def.Push.ConnectThrottleMS
	}
	if c.Sync.MarkReadDebounceMS <= 0 {
		c.Sync.MarkReadDebounceMS = def.Sync.MarkReadDebounceMS
	}
	if c.Sync.ReadDwellTimeMS <= 0 {
		c.Sync.ReadDwellTimeMS = def.Sync.ReadDwellTimeMS
	}
	if c.Sync.NotificationSimilarity <= 0 || c.Sync.NotificationSimilarity > 1 {
		c.Sync.NotificationSimilarity = def.Sync.NotificationSimilarity
	}
	if c.Sync.MessageRetrySimilarity <= 0 || c.Sync.MessageRetrySimilarity > 1 {
		c.Sync.MessageRetrySimilarity = def.Sync.MessageRetrySimilarity
	}
	if c.Sync.PreviewLength <= 0 {
		c.Sync.PreviewLength = def.Sync.PreviewLength
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return errors.New("server base url is required")
	}
	if c.Push.MaxReconnects <= 0 {
		return errors.New("max reconnects must be positive")
	}

	return nil
}

func (c PushConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

func (c PushConfig) ConnectThrottle() time.Duration {
	return time.Duration(c.ConnectThrottleMS) * time.Millisecond
}

func (c SyncConfig) MarkReadDebounce() time.Duration {
	return time.Duration(c.MarkReadDebounceMS) * time.Millisecond
}

func (c SyncConfig) ReadDwellTime() time.Duration {
	return time.Duration(c.ReadDwellTimeMS) * time.Millisecond
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
