// Package config loads settings from defaults, an optional etaexport.yaml,
// a .env file, ETAX_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"etaexport/internal/export"
	"etaexport/internal/traversal"
)

// EnvPrefix prefixes every environment variable, e.g. ETAX_TRAVERSAL_MODE.
const EnvPrefix = "ETAX"

// Config is the effective configuration.
type Config struct {
	Portal     PortalConfig     `mapstructure:"portal" yaml:"portal"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Traversal  TraversalConfig  `mapstructure:"traversal" yaml:"traversal"`
	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	Messaging  MessagingConfig  `mapstructure:"messaging" yaml:"messaging"`
	Details    DetailsConfig    `mapstructure:"details" yaml:"details"`
	Export     ExportConfig     `mapstructure:"export" yaml:"export"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Locale     string           `mapstructure:"locale" yaml:"locale"`
}

// PortalConfig locates the invoice portal.
type PortalConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	BaseURL string `mapstructure:"baseURL" yaml:"baseURL"`
}

// BrowserConfig configures the Chromium instance.
type BrowserConfig struct {
	Headless    bool   `mapstructure:"headless" yaml:"headless"`
	Bin         string `mapstructure:"bin" yaml:"bin"`
	ProxyURL    string `mapstructure:"proxy" yaml:"proxy"`
	UserDataDir string `mapstructure:"userDataDir" yaml:"userDataDir"`
	UserAgent   string `mapstructure:"userAgent" yaml:"userAgent"`

	// LoginTimeout bounds the wait for the invoice table after opening the portal.
	LoginTimeout time.Duration `mapstructure:"loginTimeout" yaml:"loginTimeout"`
}

// TraversalConfig tunes page traversal.
type TraversalConfig struct {
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	BatchSize    int           `mapstructure:"batchSize" yaml:"batchSize"`
	PollInterval time.Duration `mapstructure:"pollInterval" yaml:"pollInterval"`
	PageTimeout  time.Duration `mapstructure:"pageTimeout" yaml:"pageTimeout"`
	Settle       time.Duration `mapstructure:"settle" yaml:"settle"`
	BatchDelay   time.Duration `mapstructure:"batchDelay" yaml:"batchDelay"`
}

// ExtractionConfig tunes row extraction.
type ExtractionConfig struct {
	VATRate string `mapstructure:"vatRate" yaml:"vatRate"`
}

// APIConfig tunes the replayed listing API.
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Burst       int           `mapstructure:"burst" yaml:"burst"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MessagingConfig tunes the command client and the page watcher.
type MessagingConfig struct {
	Attempts      int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff       time.Duration `mapstructure:"backoff" yaml:"backoff"`
	WatchInterval time.Duration `mapstructure:"watchInterval" yaml:"watchInterval"`
}

// DetailsConfig tunes line-item loading.
type DetailsConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	CacheTTL    time.Duration `mapstructure:"cacheTTL" yaml:"cacheTTL"`
}

// ExportConfig sets the default export.
type ExportConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
}

// ServerConfig configures the local command server.
type ServerConfig struct {
	Addr    string        `mapstructure:"addr" yaml:"addr"`
	Secret  string        `mapstructure:"secret" yaml:"secret"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Level  string `mapstructure:"level" yaml:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.url", "https://invoicing.eta.gov.eg/documents/recent")
	v.SetDefault("portal.baseURL", "https://invoicing.eta.gov.eg")

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.userDataDir", "")
	v.SetDefault("browser.userAgent", "")
	v.SetDefault("browser.loginTimeout", 5*time.Minute)

	v.SetDefault("traversal.mode", string(traversal.Balanced))
	v.SetDefault("traversal.batchSize", 0)
	v.SetDefault("traversal.pollInterval", 200*time.Millisecond)
	v.SetDefault("traversal.pageTimeout", 10*time.Second)
	v.SetDefault("traversal.settle", 500*time.Millisecond)
	v.SetDefault("traversal.batchDelay", 300*time.Millisecond)

	v.SetDefault("extraction.vatRate", "0.14")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.interval", 200*time.Millisecond)
	v.SetDefault("api.burst", 2)
	v.SetDefault("api.concurrency", 5)
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("messaging.attempts", 3)
	v.SetDefault("messaging.backoff", 500*time.Millisecond)
	v.SetDefault("messaging.watchInterval", time.Second)

	v.SetDefault("details.concurrency", 5)
	v.SetDefault("details.cacheTTL", 10*time.Minute)

	v.SetDefault("export.format", export.XLSX)
	v.SetDefault("export.dir", ".")

	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.timeout", 10*time.Minute)

	v.SetDefault("log.format", "console")
	v.SetDefault("log.level", "info")

	v.SetDefault("locale", "ar")
}

// Load reads the configuration. path names a config file; when empty,
// etaexport.yaml is looked up in the working directory and the user config
// directory and may be absent. bind may bind flags into the viper instance
// before it is decoded.
func Load(path string, bind func(v *viper.Viper) error) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("etaexport")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(dir + "/etaexport")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if bind != nil {
		if err := bind(v); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and numeric settings. The export format is
// lowercased and "md" becomes markdown.
func (c *Config) Validate() error {
	if _, err := traversal.ParseMode(c.Traversal.Mode); err != nil {
		return fmt.Errorf("traversal.mode: %w", err)
	}
	if _, err := c.VATRate(); err != nil {
		return err
	}
	c.Export.Format = strings.ToLower(c.Export.Format)
	if c.Export.Format == "md" {
		c.Export.Format = export.Markdown
	}
	if !slices.Contains(export.Formats, c.Export.Format) {
		return fmt.Errorf("export.format: unsupported format %q", c.Export.Format)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format: must be console or json, got %q", c.Log.Format)
	}
	if c.Traversal.BatchSize < 0 {
		return fmt.Errorf("traversal.batchSize: must not be negative")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"traversal.pollInterval", c.Traversal.PollInterval},
		{"traversal.pageTimeout", c.Traversal.PageTimeout},
		{"messaging.watchInterval", c.Messaging.WatchInterval},
		{"api.interval", c.API.Interval},
		{"api.timeout", c.API.Timeout},
		{"details.cacheTTL", c.Details.CacheTTL},
		{"browser.loginTimeout", c.Browser.LoginTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", d.key, d.val)
		}
	}
	if c.API.Burst < 1 {
		return fmt.Errorf("api.burst: must be at least 1, got %d", c.API.Burst)
	}
	return nil
}

// Mode returns the parsed traversal mode.
func (c *Config) Mode() traversal.Mode {
	m, err := traversal.ParseMode(c.Traversal.Mode)
	if err != nil {
		return traversal.Balanced
	}
	return m
}

// VATRate returns the configured VAT rate.
func (c *Config) VATRate() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.Extraction.VATRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("extraction.vatRate: %w", err)
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("extraction.vatRate: %s is not a fraction", d)
	}
	return d, nil
}

// Dump writes c as YAML with the server secret masked.
func (c Config) Dump(w io.Writer) error {
	if c.Server.Secret != "" {
		c.Server.Secret = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
