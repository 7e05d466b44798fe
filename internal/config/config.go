package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Environment variables that override the OAuth client credentials, so the
// secret can live in a .env file instead of config.yaml.
const (
	EnvClientID     = "CALSYNC_OAUTH_CLIENT_ID"
	EnvClientSecret = "CALSYNC_OAUTH_CLIENT_SECRET"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// OAuthConfig describes the OAuth calendar provider.
type OAuthConfig struct {
	// Provider is the credential-store key, e.g. "google".
	Provider     string `yaml:"provider" json:"provider"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	// TokenURL overrides the provider's token endpoint (tests, proxies).
	TokenURL string `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	// APIEndpoint overrides the calendar API base URL.
	APIEndpoint string `yaml:"api_endpoint,omitempty" json:"api_endpoint,omitempty"`
}

// Enabled reports whether enough is configured to talk to the provider.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

// SchedulerConfig gates how often syncs may run.
type SchedulerConfig struct {
	// Timer is a cron-style schedule for timer-triggered syncs.
	Timer string `yaml:"timer" json:"timer"`
	// MinInterval is the cooldown between runs; manual triggers bypass it.
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
	// MaxSyncsPerDay is never bypassed.
	MaxSyncsPerDay int `yaml:"max_syncs_per_day" json:"max_syncs_per_day"`
	// ActivityQuietPeriod debounces user-activity triggers.
	ActivityQuietPeriod time.Duration `yaml:"activity_quiet_period" json:"activity_quiet_period"`
	// RunTimeout bounds a whole background run.
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`
}

// FetchConfig controls network behavior of the fetchers.
type FetchConfig struct {
	FeedTimeout   time.Duration `yaml:"feed_timeout" json:"feed_timeout"`
	OAuthTimeout  time.Duration `yaml:"oauth_timeout" json:"oauth_timeout"`
	TokenTimeout  time.Duration `yaml:"token_timeout" json:"token_timeout"`
	RefreshMargin time.Duration `yaml:"refresh_margin" json:"refresh_margin"`
	UserAgent     string        `yaml:"user_agent" json:"user_agent"`
	HorizonDays   int           `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays  int           `yaml:"backfill_days" json:"backfill_days"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone whose calendar day resets the daily
	// sync counter.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DatabasePath is the SQLite file holding credentials, registries,
	// sync state and cached events.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// CacheDir holds the conditional-GET cache for subscription feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogJSON switches log output to JSON lines.
	LogJSON bool `yaml:"log_json" json:"log_json"`

	OAuth     OAuthConfig     `yaml:"oauth" json:"oauth"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Fetch     FetchConfig     `yaml:"fetch" json:"fetch"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health and /metrics.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultPath is where the config file lives when no --config is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "calsync", "config.yaml")
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		Timezone:     "UTC",
		DatabasePath: filepath.Join(xdg.DataHome, "calsync", "calsync.db"),
		CacheDir:     filepath.Join(xdg.CacheHome, "calsync", "feeds"),
		LogLevel:     "info",
		OAuth: OAuthConfig{
			Provider: "google",
		},
		Scheduler: SchedulerConfig{
			Timer:               "*/30 * * * *",
			MinInterval:         30 * time.Minute,
			MaxSyncsPerDay:      5,
			ActivityQuietPeriod: 5 * time.Minute,
			RunTimeout:          2 * time.Minute,
		},
		Fetch: FetchConfig{
			FeedTimeout:   30 * time.Second,
			OAuthTimeout:  15 * time.Second,
			TokenTimeout:  10 * time.Second,
			RefreshMargin: 60 * time.Second,
			UserAgent:     "calsync-feed-fetcher/0.1",
			HorizonDays:   30,
			BackfillDays:  1,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.OAuth.Provider == "" {
		c.OAuth.Provider = def.OAuth.Provider
	}

	s := &c.Scheduler
	if s.Timer == "" {
		s.Timer = def.Scheduler.Timer
	}
	if s.MinInterval <= 0 {
		s.MinInterval = def.Scheduler.MinInterval
	}
	if s.MaxSyncsPerDay <= 0 {
		s.MaxSyncsPerDay = def.Scheduler.MaxSyncsPerDay
	}
	if s.ActivityQuietPeriod <= 0 {
		s.ActivityQuietPeriod = def.Scheduler.ActivityQuietPeriod
	}
	if s.RunTimeout <= 0 {
		s.RunTimeout = def.Scheduler.RunTimeout
	}

	f := &c.Fetch
	if f.FeedTimeout <= 0 {
		f.FeedTimeout = def.Fetch.FeedTimeout
	}
	if f.OAuthTimeout <= 0 {
		f.OAuthTimeout = def.Fetch.OAuthTimeout
	}
	if f.TokenTimeout <= 0 {
		f.TokenTimeout = def.Fetch.TokenTimeout
	}
	if f.RefreshMargin <= 0 {
		f.RefreshMargin = def.Fetch.RefreshMargin
	}
	if f.UserAgent == "" {
		f.UserAgent = def.Fetch.UserAgent
	}
	if f.HorizonDays <= 0 {
		f.HorizonDays = def.Fetch.HorizonDays
	}
	if f.BackfillDays < 0 {
		f.BackfillDays = 0
	}
}

// ApplyEnv overlays environment overrides onto the config.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvClientID)); v != "" {
		c.OAuth.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvClientSecret)); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_MAX_SYNCS_PER_DAY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxSyncsPerDay = n
		}
	}
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied after the file in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.ApplyEnv()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// Save is a convenience wrapper on the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// WriteFileAtomic writes data next to path and renames it into place with
// 0600 permissions, so readers never observe a half-written file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
