package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigPath is read when no explicit path is given. Its absence is not an
// error; every key has a development default.
const ConfigPath = "config.yaml"

// DefaultAPIBaseURL is the local development backend.
const DefaultAPIBaseURL = "http://localhost:8080"

// FileConfig represents configuration loaded from YAML, overridden by
// environment variables.
type FileConfig struct {
	Port                     string        `yaml:"port" env:"MOMON_PORT"`
	LogLevel                 string        `yaml:"logLevel" env:"MOMON_LOG_LEVEL"`
	APIBaseURL               string        `yaml:"apiBaseURL" env:"MOMON_API_URL"`
	CreateTimeout            time.Duration `yaml:"createTimeout" env:"MOMON_CREATE_TIMEOUT"`
	FetchTimeout             time.Duration `yaml:"fetchTimeout" env:"MOMON_FETCH_TIMEOUT"`
	SlowNoticeAfter          time.Duration `yaml:"slowNoticeAfter" env:"MOMON_SLOW_NOTICE_AFTER"`
	RedisAddr                string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword            string        `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	CreateRateLimitPerMinute int           `yaml:"createRateLimitPerMinute" env:"MOMON_CREATE_RATE_LIMIT_PER_MINUTE"`
	JobTTL                   time.Duration `yaml:"jobTTL" env:"MOMON_JOB_TTL"`
	CookieSecure             bool          `yaml:"cookieSecure" env:"MOMON_COOKIE_SECURE"`
	TrustedProxyCIDRs        []string      `yaml:"trustedProxyCidrs" env:"MOMON_TRUSTED_PROXY_CIDRS" envSeparator:","`
	StateFile                string        `yaml:"stateFile" env:"MOMON_STATE_FILE"`
}

// Defaults returns the development configuration.
func Defaults() FileConfig {
	return FileConfig{
		Port:                     "3000",
		LogLevel:                 "info",
		APIBaseURL:               DefaultAPIBaseURL,
		CreateTimeout:            90 * time.Second,
		FetchTimeout:             10 * time.Second,
		SlowNoticeAfter:          30 * time.Second,
		CreateRateLimitPerMinute: 5,
		JobTTL:                   10 * time.Minute,
	}
}

// Load reads config from path (defaults to config.yaml), then applies
// environment overrides. An explicit path must exist.
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	optional := path == ""
	if optional {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	cfg.TrustedProxyCIDRs = compact(cfg.TrustedProxyCIDRs)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required")
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: apiBaseURL must be an absolute http(s) URL, got %q", cfg.APIBaseURL)
	}
	if cfg.CreateTimeout <= 0 || cfg.FetchTimeout <= 0 || cfg.SlowNoticeAfter <= 0 {
		return errors.New("config: timeouts must be > 0")
	}
	if cfg.CreateRateLimitPerMinute < 0 {
		return errors.New("config: createRateLimitPerMinute must be >= 0")
	}
	if cfg.JobTTL <= cfg.CreateTimeout {
		return errors.New("config: jobTTL must exceed createTimeout so pending jobs outlive their request")
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
