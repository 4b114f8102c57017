// Package config
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	// Address wins over Port when both are set.
	Address        string   `koanf:"http_addr"`
	Port           int      `koanf:"port" validate:"gte=0,lt=65536"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	PublicDir      string   `koanf:"public_dir"`

	LogLevel  string `koanf:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"required,oneof=text json"`

	GuildID        string `koanf:"guild_id" validate:"required,numeric"`
	FocusChannelID string `koanf:"focus_channel_id" validate:"omitempty,numeric"`
	DiscordToken   string `koanf:"discord_token" validate:"required"`

	FallbackTotalMembers int    `koanf:"fallback_total_members" validate:"gte=0"`
	PlaceholderName      string `koanf:"placeholder_name" validate:"required"`

	BroadcastInterval    time.Duration `koanf:"broadcast_interval" validate:"gt=0"`
	ReadyTimeout         time.Duration `koanf:"ready_timeout" validate:"gt=0"`
	FetchTimeout         time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	RetryCooldown        time.Duration `koanf:"retry_cooldown" validate:"gte=0"`
	RequestStatsInterval time.Duration `koanf:"request_stats_interval" validate:"gte=0"`
}

var Defaults = Config{
	Port:      3000,
	PublicDir: "public",

	LogLevel:  "info",
	LogFormat: "text",

	FallbackTotalMembers: 269,
	PlaceholderName:      "Community Server",

	BroadcastInterval:    60 * time.Second,
	ReadyTimeout:         30 * time.Second,
	FetchTimeout:         10 * time.Second,
	RetryCooldown:        5 * time.Second,
	RequestStatsInterval: 2 * time.Second,
}

// listKeys are split on commas when read from the environment.
var listKeys = map[string]bool{
	"allowed_origins": true,
}

// dotenvLoader fills the process environment from .env files. Missing files
// are not an error; real environment variables always win.
var dotenvLoader = func(files ...string) {
	_ = godotenv.Load(files...)
}

var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(key)
			value = strings.TrimSpace(value)

			// Set-but-empty variables keep the default.
			if value == "" {
				return "", nil
			}

			if listKeys[key] {
				var parts []string
				for p := range strings.SplitSeq(value, ",") {
					if trimmed := strings.TrimSpace(p); trimmed != "" {
						parts = append(parts, trimmed)
					}
				}
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// Load builds the config from defaults, then env files, then the environment.
func Load(envFiles ...string) (*Config, error) {
	dotenvLoader(envFiles...)

	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if cfg.Address == "" {
		cfg.Address = ":" + strconv.Itoa(cfg.Port)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// OriginAllowed reports whether a browser origin may open a socket.
// An empty list or a "*" entry admits every origin.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" || len(c.AllowedOrigins) == 0 {
		return true
	}

	for _, o := range c.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}

	return false
}
