package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"variation-radar/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig          `mapstructure:"app"`
	Logging     logging.Config     `mapstructure:"logging"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Scheduler   SchedulerConfig    `mapstructure:"scheduler"`
	Alerting    AlertingConfig     `mapstructure:"alerting"`
	Instruments []InstrumentConfig `mapstructure:"instruments"`
	Telegram    TelegramConfig     `mapstructure:"telegram"`
	Dispatch    DispatchConfig     `mapstructure:"dispatch"`
	News        NewsConfig         `mapstructure:"news"`
	API         APIConfig          `mapstructure:"api"`
	Report      ReportConfig       `mapstructure:"report"`
	Export      ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// Timezone is the IANA zone used for times shown to subscribers.
	Timezone    string `mapstructure:"timezone"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver       string         `mapstructure:"driver"`
	DataDir      string         `mapstructure:"data_dir"`
	SQLitePath   string         `mapstructure:"sqlite_path"`
	HistoryLimit int            `mapstructure:"history_limit"`
	AlertLimit   int            `mapstructure:"alert_limit"`
	Database     DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AutoStart       bool          `mapstructure:"auto_start"`
}

// AlertingConfig defines the alert threshold.
type AlertingConfig struct {
	ThresholdPct float64 `mapstructure:"threshold_pct"`
}

// InstrumentConfig describes one monitored price feed.
type InstrumentConfig struct {
	Name           string        `mapstructure:"name"`
	Source         string        `mapstructure:"source"`
	URL            string        `mapstructure:"url"`
	PricePath      string        `mapstructure:"price_path"`
	CurrencySymbol string        `mapstructure:"currency_symbol"`
	RPCURL         string        `mapstructure:"rpc_url"`
	Address        string        `mapstructure:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// TelegramConfig describes Telegram delivery and the chat command layer.
type TelegramConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	BotToken    string  `mapstructure:"bot_token"`
	APIBase     string  `mapstructure:"api_base"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	Burst       int     `mapstructure:"burst"`
	Commands    bool    `mapstructure:"commands"`
	PollTimeout int     `mapstructure:"poll_timeout"`
}

// DispatchConfig bounds notification fan-out.
type DispatchConfig struct {
	MaxParallel int `mapstructure:"max_parallel"`
}

// NewsConfig selects the context provider.
type NewsConfig struct {
	Provider  string        `mapstructure:"provider"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
	MaxItems  int           `mapstructure:"max_items"`
	Gemini    GeminiConfig  `mapstructure:"gemini"`
}

// GeminiConfig configures the LLM-backed news provider.
type GeminiConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ReportConfig schedules the periodic price digest.
type ReportConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyInstrumentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "variation-radar")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "America/Sao_Paulo")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.sqlite_path", "data/radar.db")
	v.SetDefault("storage.history_limit", 1000)
	v.SetDefault("storage.alert_limit", 1000)
	v.SetDefault("storage.database.max_open_conns", 10)
	v.SetDefault("storage.database.max_idle_conns", 2)
	v.SetDefault("storage.database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x76617272))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.auto_start", true)

	v.SetDefault("alerting.threshold_pct", 2.0)

	v.SetDefault("instruments", DefaultInstruments())

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.rate_limit", 25.0)
	v.SetDefault("telegram.burst", 5)
	v.SetDefault("telegram.commands", true)
	v.SetDefault("telegram.poll_timeout", 30)

	v.SetDefault("dispatch.max_parallel", 8)

	v.SetDefault("news.provider", "canned")
	v.SetDefault("news.cache_ttl", "1h")
	v.SetDefault("news.cache_size", 128)
	v.SetDefault("news.max_items", 5)
	v.SetDefault("news.gemini.model", "gemini-1.5-flash")
	v.SetDefault("news.gemini.timeout", "20s")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("report.enabled", false)
	v.SetDefault("report.schedule", "0 9 * * *")

	v.SetDefault("export.max_data_points", 1000)
}

// DefaultInstruments returns the two stock feeds: bitcoin and the dollar in reais.
func DefaultInstruments() []map[string]any {
	return []map[string]any{
		{
			"name":            "BTC/USD",
			"source":          "http",
			"url":             "https://query1.finance.yahoo.com/v8/finance/chart/BTC-USD?interval=1d&range=1d",
			"price_path":      DefaultPricePath,
			"currency_symbol": "$",
		},
		{
			"name":            "USD/BRL",
			"source":          "http",
			"url":             "https://query1.finance.yahoo.com/v8/finance/chart/USDBRL=X?interval=1d&range=1d",
			"price_path":      DefaultPricePath,
			"currency_symbol": "R$",
		},
	}
}

// DefaultPricePath locates the price in a Yahoo chart response.
const DefaultPricePath = "chart.result.0.meta.regularMarketPrice"

const (
	defaultRequestTimeout = 10 * time.Second
	defaultUserAgent      = "Mozilla/5.0 (compatible; variation-radar/1.0)"
)

func (c *Config) applyInstrumentDefaults() {
	for i := range c.Instruments {
		inst := &c.Instruments[i]
		if inst.Source == "" {
			inst.Source = "http"
		}
		if inst.PricePath == "" {
			inst.PricePath = DefaultPricePath
		}
		if inst.RequestTimeout <= 0 {
			inst.RequestTimeout = defaultRequestTimeout
		}
		if inst.UserAgent == "" {
			inst.UserAgent = defaultUserAgent
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Storage.HistoryLimit <= 0 || c.Storage.AlertLimit <= 0 {
		return fmt.Errorf("storage.history_limit and storage.alert_limit must be greater than zero")
	}
	switch c.Storage.Driver {
	case "file", "sqlite":
	case "postgres":
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}
	seen := make(map[string]struct{}, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.Name == "" {
			return fmt.Errorf("instruments[%d].name is required", i)
		}
		if _, dup := seen[inst.Name]; dup {
			return fmt.Errorf("instrument %q is configured twice", inst.Name)
		}
		seen[inst.Name] = struct{}{}
		switch inst.Source {
		case "http":
			if inst.URL == "" {
				return fmt.Errorf("instrument %q: url is required", inst.Name)
			}
		case "chainlink":
			if inst.RPCURL == "" || inst.Address == "" {
				return fmt.Errorf("instrument %q: rpc_url and address are required", inst.Name)
			}
		default:
			return fmt.Errorf("instrument %q: unknown source %q", inst.Name, inst.Source)
		}
	}
	if c.Dispatch.MaxParallel <= 0 {
		return fmt.Errorf("dispatch.max_parallel must be greater than zero")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	switch c.News.Provider {
	case "", "none", "canned":
	case "gemini":
		if c.News.Gemini.APIKey == "" {
			return fmt.Errorf("news.gemini.api_key is required for the gemini provider")
		}
	default:
		return fmt.Errorf("news.provider %q is not supported", c.News.Provider)
	}
	return nil
}

// Location resolves app.timezone. An empty zone means UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

// InstrumentNames lists configured instrument names in order.
func (c *Config) InstrumentNames() []string {
	names := make([]string, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		names = append(names, inst.Name)
	}
	return names
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
