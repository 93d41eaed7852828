// Package config loads threadview settings from defaults, an optional TOML
// file and THREADVIEW_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/merger"
	"github.com/leonletto/threadview/internal/overlay"
	"github.com/leonletto/threadview/internal/pagecache"
	"github.com/leonletto/threadview/internal/projection"
	"github.com/leonletto/threadview/internal/types"
)

// EnvPrefix prefixes every environment override. Sections are separated
// by a double underscore: THREADVIEW_SEND__TIMEOUT=30s.
const EnvPrefix = "THREADVIEW_"

// Config is the resolved configuration.
type Config struct {
	Server struct {
		URL   string `koanf:"url"`
		Token string `koanf:"token"`
	} `koanf:"server"`

	Conversation struct {
		PageSize   int    `koanf:"page_size"`
		MaxPending int    `koanf:"max_pending"`
		SenderRole string `koanf:"sender_role"`
		SenderID   string `koanf:"sender_id"`
	} `koanf:"conversation"`

	Send struct {
		Timeout       time.Duration `koanf:"timeout"`
		MaxAttempts   int           `koanf:"max_attempts"`
		RetryInterval time.Duration `koanf:"retry_interval"`
	} `koanf:"send"`

	Reconcile struct {
		MaxAttempts int           `koanf:"max_attempts"`
		Interval    time.Duration `koanf:"interval"`
	} `koanf:"reconcile"`

	Typing struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"typing"`

	View struct {
		Timezone        string `koanf:"timezone"`
		DayBanners      bool   `koanf:"day_banners"`
		UnreadMarker    bool   `koanf:"unread_marker"`
		TypingIndicator bool   `koanf:"typing_indicator"`
		OptimisticEcho  bool   `koanf:"optimistic_echo"`
	} `koanf:"view"`

	Cache struct {
		Path string        `koanf:"path"`
		TTL  time.Duration `koanf:"ttl"`
	} `koanf:"cache"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`

	Metrics struct {
		Addr string `koanf:"addr"`
	} `koanf:"metrics"`
}

// Defaults returns the built-in settings as flat koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"conversation.page_size":   engine.DefaultPageSize,
		"conversation.max_pending": overlay.DefaultMaxPending,
		"conversation.sender_role": string(types.RoleAgent),
		"send.timeout":             engine.DefaultSendTimeout,
		"send.max_attempts":        engine.DefaultMaxSendAttempts,
		"send.retry_interval":      engine.DefaultSendRetryInterval,
		"reconcile.max_attempts":   engine.DefaultReconcileAttempts,
		"reconcile.interval":       engine.DefaultReconcileInterval,
		"typing.ttl":               merger.DefaultTypingTTL,
		"view.timezone":            "Local",
		"view.day_banners":         true,
		"view.unread_marker":       true,
		"view.typing_indicator":    true,
		"view.optimistic_echo":     true,
		"cache.ttl":                pagecache.DefaultTTL,
		"log.level":                "info",
	}
}

// DefaultPaths are tried in order when no config file is given.
var DefaultPaths = []string{"./threadview.toml", "$HOME/.config/threadview/config.toml"}

// Load resolves the configuration. An explicit path must exist; otherwise
// the first readable default path is used, if any. Environment variables
// override both.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := k.Load(file.Provider(p), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load config %s: %w", p, err)
			}
			break
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// envKey maps THREADVIEW_SEND__MAX_ATTEMPTS to send.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Conversation.PageSize <= 0:
		return errors.New("conversation.page_size must be positive")
	case c.Conversation.MaxPending <= 0:
		return errors.New("conversation.max_pending must be positive")
	case !types.SenderRole(c.Conversation.SenderRole).Valid():
		return fmt.Errorf("conversation.sender_role %q is not a known role", c.Conversation.SenderRole)
	case c.Send.Timeout <= 0:
		return errors.New("send.timeout must be positive")
	case c.Send.MaxAttempts <= 0:
		return errors.New("send.max_attempts must be positive")
	case c.Send.RetryInterval < 0:
		return errors.New("send.retry_interval must not be negative")
	case c.Reconcile.MaxAttempts <= 0:
		return errors.New("reconcile.max_attempts must be positive")
	case c.Reconcile.Interval < 0:
		return errors.New("reconcile.interval must not be negative")
	case c.Typing.TTL <= 0:
		return errors.New("typing.ttl must be positive")
	case c.Cache.TTL <= 0:
		return errors.New("cache.ttl must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves view.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.View.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.View.Timezone)
	if err != nil {
		return nil, fmt.Errorf("view.timezone: %w", err)
	}
	return loc, nil
}

// Engine maps the settings onto an engine configuration.
func (c *Config) Engine() (engine.Config, error) {
	if err := c.Validate(); err != nil {
		return engine.Config{}, err
	}
	loc, err := c.Location()
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.DefaultConfig()
	ec.PageSize = c.Conversation.PageSize
	ec.MaxPending = c.Conversation.MaxPending
	ec.SenderRole = types.SenderRole(c.Conversation.SenderRole)
	ec.SenderID = c.Conversation.SenderID
	ec.SendTimeout = c.Send.Timeout
	ec.MaxSendAttempts = c.Send.MaxAttempts
	ec.SendRetryInterval = c.Send.RetryInterval
	ec.ReconcileAttempts = c.Reconcile.MaxAttempts
	ec.ReconcileInterval = c.Reconcile.Interval
	ec.TypingTTL = c.Typing.TTL
	ec.Location = loc
	ec.Features = projection.Features{
		DayBanners:      c.View.DayBanners,
		UnreadMarker:    c.View.UnreadMarker,
		TypingIndicator: c.View.TypingIndicator,
		OptimisticEcho:  c.View.OptimisticEcho,
	}
	return ec, nil
}

// InitConfig writes a sample configuration file.
func InitConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists at %s", path)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o600)
}

const sampleConfig = `# threadview configuration

[server]
url = "wss://chat.example.com/rpc"
token = ""

[conversation]
page_size = 50
max_pending = 50
sender_role = "agent"
sender_id = ""

[send]
timeout = "15s"
max_attempts = 3
retry_interval = "2s"

[reconcile]
max_attempts = 5
interval = "1s"

[typing]
ttl = "8s"

[view]
timezone = "Local"
day_banners = true
unread_marker = true
typing_indicator = true
optimistic_echo = true

[cache]
path = ""
ttl = "24h"

[log]
level = "info"
pretty = false

[metrics]
addr = ""
`
