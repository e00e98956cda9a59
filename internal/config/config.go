// Package config loads canvasd settings with Viper from a YAML file,
// CANVASD_* environment variables and command-line flags.
//
// Keys follow the YAML layout, so canvas.cooldown is set by
//
//	canvas:
//	  cooldown: 5s
//
// or CANVASD_CANVAS_COOLDOWN=5s.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "CANVASD"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Canvas   CanvasConfig   `mapstructure:"canvas"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Bans     BansConfig     `mapstructure:"bans"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Origin must match the request Origin header when CheckOrigin is set.
	Origin            string          `mapstructure:"origin"`
	CheckOrigin       bool            `mapstructure:"check_origin"`
	TrustForwardedFor bool            `mapstructure:"trust_forwarded_for"`
	ReadTimeout       time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration   `mapstructure:"write_timeout"`
	MaxFrameSize      int64           `mapstructure:"max_frame_size"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type CanvasConfig struct {
	Width    int           `mapstructure:"width"`
	Height   int           `mapstructure:"height"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	// Palette lists RGBA colors. Empty means the default palette, which
	// clients already know and is never sent.
	Palette []uint32 `mapstructure:"palette"`
	// Bans seeds the ban registry. Reloading the file adds new entries.
	Bans      []string `mapstructure:"bans"`
	BoardPath string   `mapstructure:"board_path"`
}

type SnapshotConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
	BackupDir      string        `mapstructure:"backup_dir"`
}

type BansConfig struct {
	// DBPath is the bbolt file. Empty keeps bans in memory only.
	DBPath string `mapstructure:"db_path"`
}

type WebhookConfig struct {
	// URL is the chat webhook. Empty disables relaying.
	URL       string        `mapstructure:"url"`
	Suffix    string        `mapstructure:"suffix"`
	Timeout   time.Duration `mapstructure:"timeout"`
	QueueSize int           `mapstructure:"queue_size"`
	PerSecond float64       `mapstructure:"per_second"`
	Burst     int           `mapstructure:"burst"`
}

type AdminConfig struct {
	// Token protects /admin. Empty disables the admin routes.
	Token string `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every default on v. Defaults also make every key
// known to Viper, which AutomaticEnv needs to find environment overrides
// during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.origin", "https://rplace.tk")
	v.SetDefault("server.check_origin", false)
	v.SetDefault("server.trust_forwarded_for", false)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.max_frame_size", 4096)
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.messages_per_second", 100.0)
	v.SetDefault("server.rate_limit.burst", 200)

	v.SetDefault("canvas.width", 1000)
	v.SetDefault("canvas.height", 1000)
	v.SetDefault("canvas.cooldown", 5*time.Second)
	v.SetDefault("canvas.palette", []uint32{})
	v.SetDefault("canvas.bans", []string{})
	v.SetDefault("canvas.board_path", "data/place")

	v.SetDefault("snapshot.interval", 5*time.Minute)
	v.SetDefault("snapshot.backup_interval", time.Hour)
	v.SetDefault("snapshot.backup_dir", "data/backups")

	v.SetDefault("bans.db_path", "data/bans.db")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.suffix", "rplace.tk")
	v.SetDefault("webhook.timeout", 5*time.Second)
	v.SetDefault("webhook.queue_size", 64)
	v.SetDefault("webhook.per_second", 1.0)
	v.SetDefault("webhook.burst", 5)

	v.SetDefault("admin.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindEnv makes v read CANVASD_SECTION_KEY variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load applies defaults, decodes v and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.CheckOrigin && c.Server.Origin == "" {
		errs = append(errs, errors.New("server.origin is required when server.check_origin is set"))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if c.Server.MaxFrameSize < 6 {
		errs = append(errs, fmt.Errorf("server.max_frame_size %d cannot hold a placement", c.Server.MaxFrameSize))
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.MessagesPerSecond <= 0 || c.Server.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("server.rate_limit needs a positive rate and burst when enabled"))
	}

	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		errs = append(errs, fmt.Errorf("canvas dimensions %dx%d must be positive", c.Canvas.Width, c.Canvas.Height))
	}
	if c.Canvas.Cooldown < 0 {
		errs = append(errs, errors.New("canvas.cooldown cannot be negative"))
	}
	if len(c.Canvas.Palette) > 256 {
		errs = append(errs, fmt.Errorf("canvas.palette has %d colors, at most 256 fit in a byte", len(c.Canvas.Palette)))
	}
	if c.Canvas.BoardPath == "" {
		errs = append(errs, errors.New("canvas.board_path is required"))
	}

	if c.Snapshot.Interval < 0 || c.Snapshot.BackupInterval < 0 {
		errs = append(errs, errors.New("snapshot intervals cannot be negative"))
	}

	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook.url %q must be an http(s) URL", c.Webhook.URL))
		}
		if c.Webhook.QueueSize <= 0 {
			errs = append(errs, errors.New("webhook.queue_size must be positive"))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Watch reloads the configuration whenever the file behind v changes and
// passes each valid result to apply. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, logger *slog.Logger, apply func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(v)
		if err != nil {
			logger.Warn("ignoring configuration change", "file", e.Name, "error", err)
			return
		}
		logger.Info("configuration reloaded", "file", e.Name, "op", e.Op.String())
		apply(cfg)
	})
	v.WatchConfig()
}
