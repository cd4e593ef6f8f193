package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	yaml "go.yaml.in/yaml/v3"
)

// Duration is a Go duration string in YAML (e.g. "500ms", "10s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must be >= 0", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type DBConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LimitsConfig struct {
	Day    int `yaml:"day" validate:"min=1"`
	Hour   int `yaml:"hour" validate:"min=1"`
	Minute int `yaml:"minute" validate:"min=1"`
}

type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts" validate:"min=1"`
	RateLimitBase   Duration `yaml:"rate_limit_base"`
	ServerErrorBase Duration `yaml:"server_error_base"`
	BackoffCap      Duration `yaml:"backoff_cap"`
	DenialFallback  Duration `yaml:"denial_fallback"`
}

type PublisherConfig struct {
	Mode      string   `yaml:"mode" validate:"oneof=simulate http telegram"`
	Endpoint  string   `yaml:"endpoint"`
	Token     string   `yaml:"token"`
	ChatID    int64    `yaml:"chat_id"`
	MaxPerSec int      `yaml:"max_per_sec"`
	Timeout   Duration `yaml:"timeout"`
}

type Config struct {
	HTTP          HTTPConfig      `yaml:"http"`
	DB            DBConfig        `yaml:"db"`
	Timezone      string          `yaml:"timezone"`
	ContentMaxLen int             `yaml:"content_max_len" validate:"min=1"`
	Limits        LimitsConfig    `yaml:"limits"`
	Retry         RetryConfig     `yaml:"retry"`
	Publisher     PublisherConfig `yaml:"publisher"`
}

func Default() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.DB.Path = "postflow.db"
	c.Timezone = "UTC"
	c.ContentMaxLen = 4096
	c.Limits = LimitsConfig{Day: 150, Hour: 25, Minute: 3}
	c.Retry = RetryConfig{
		MaxAttempts:     5,
		RateLimitBase:   Duration(time.Second),
		ServerErrorBase: Duration(5 * time.Second),
		BackoffCap:      Duration(5 * time.Minute),
		DenialFallback:  Duration(time.Minute),
	}
	c.Publisher = PublisherConfig{Mode: "simulate", MaxPerSec: 1, Timeout: Duration(30 * time.Second)}
	return c
}

// Load reads the YAML file (optional), applies env overrides for secrets, and
// validates. Missing publisher credentials outside simulate mode is fatal.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("POSTFLOW_TOKEN"); v != "" {
		cfg.Publisher.Token = v
	}
	if v := os.Getenv("POSTFLOW_ENDPOINT"); v != "" {
		cfg.Publisher.Endpoint = v
	}
	if v := os.Getenv("POSTFLOW_TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("POSTFLOW_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Publisher.ChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Publisher.Mode {
	case "http":
		if c.Publisher.Endpoint == "" {
			return fmt.Errorf("config: publisher.endpoint is required in http mode")
		}
		if c.Publisher.Token == "" {
			return fmt.Errorf("config: publisher token is required in http mode (set POSTFLOW_TOKEN)")
		}
	case "telegram":
		if c.Publisher.Token == "" {
			return fmt.Errorf("config: publisher token is required in telegram mode (set POSTFLOW_TOKEN)")
		}
		if c.Publisher.ChatID == 0 {
			return fmt.Errorf("config: publisher.chat_id is required in telegram mode")
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: timezone: %w", err)
	}
	return nil
}

// Location resolves the civil timezone used for due-date authoring and rate
// bucket keys.
func (c Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}
