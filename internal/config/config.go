// Package config holds process level configuration: an optional YAML file,
// overridden by KIOSK_* environment variables, overridden by flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the kiosk configuration.
type Config struct {
	// FeedURL is the playlist endpoint. Required.
	FeedURL string `yaml:"feed_url"`
	// Port is the HTTP port of the render surface.
	Port int `yaml:"port"`
	// CacheDir is where local copies of remote creatives live.
	CacheDir string `yaml:"cache_dir"`
	// PollInterval is the feed poll period.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DownloadConcurrency bounds parallel asset downloads.
	DownloadConcurrency int `yaml:"download_concurrency"`
	// DownloadRate limits how many origin requests start per second.
	DownloadRate float64 `yaml:"download_rate"`
	// MaxBandwidth caps the HLS rendition mirrored for video ads, in bits
	// per second. Zero picks the best rendition.
	MaxBandwidth int `yaml:"max_bandwidth"`
	// UpdateURL serves the latest build number. Empty disables checks.
	UpdateURL string `yaml:"update_url"`
	// UpdateInterval is the update check period.
	UpdateInterval time.Duration `yaml:"update_interval"`
	// DevMode enables manual navigation and the instrumentation overlay.
	DevMode bool `yaml:"dev_mode"`
	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// Load reads the YAML file at path, if any, and applies environment
// overrides. Call Validate once flags have been applied.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	c.FeedURL = getEnv("KIOSK_FEED_URL", c.FeedURL)
	c.CacheDir = getEnv("KIOSK_CACHE_DIR", c.CacheDir)
	c.UpdateURL = getEnv("KIOSK_UPDATE_URL", c.UpdateURL)

	var err error
	if c.Port, err = getEnvInt("KIOSK_PORT", c.Port); err != nil {
		errs = append(errs, err)
	}
	if c.DownloadConcurrency, err = getEnvInt("KIOSK_DOWNLOAD_CONCURRENCY", c.DownloadConcurrency); err != nil {
		errs = append(errs, err)
	}
	if c.PollInterval, err = getEnvDuration("KIOSK_POLL_INTERVAL", c.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if c.UpdateInterval, err = getEnvDuration("KIOSK_UPDATE_INTERVAL", c.UpdateInterval); err != nil {
		errs = append(errs, err)
	}
	// A malformed value means "not dev mode".
	if v, ok := os.LookupEnv("KIOSK_DEV_MODE"); ok {
		dev, _ := strconv.ParseBool(strings.TrimSpace(v))
		c.DevMode = dev
	}

	return errors.Join(errs...)
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.FeedURL == "" {
		return fmt.Errorf("feed URL is required")
	}
	if err := checkURL(c.FeedURL); err != nil {
		return fmt.Errorf("invalid feed URL %q: %w", c.FeedURL, err)
	}

	if c.UpdateURL != "" {
		if err := checkURL(c.UpdateURL); err != nil {
			return fmt.Errorf("invalid update URL %q: %w", c.UpdateURL, err)
		}
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, or 0 for the default")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	if c.DownloadConcurrency < 0 {
		return fmt.Errorf("download concurrency must not be negative")
	}
	if c.DownloadRate < 0 {
		return fmt.Errorf("download rate must not be negative")
	}
	if c.MaxBandwidth < 0 {
		return fmt.Errorf("max bandwidth must not be negative")
	}

	// Set defaults
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.DownloadConcurrency == 0 {
		c.DownloadConcurrency = 4
	}
	if c.DownloadRate == 0 {
		c.DownloadRate = 2
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = 15 * time.Minute
	}

	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
