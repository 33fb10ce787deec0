package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"escrow-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Correlator  CorrelatorConfig  `mapstructure:"correlator"`
	Sniper      SniperConfig      `mapstructure:"sniper"`
	Rates       RatesConfig       `mapstructure:"rates"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// StreamConfig governs the websocket log subscription lifecycle.
type StreamConfig struct {
	WSURL             string        `mapstructure:"ws_url"`
	ContractAddress   string        `mapstructure:"contract_address"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectFactor   float64       `mapstructure:"reconnect_factor"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

// ChainConfig covers direct contract reads used as enrichment fallback.
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// CorrelatorConfig tunes per-transaction batching.
type CorrelatorConfig struct {
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// SniperConfig drives opportunity detection.
type SniperConfig struct {
	RateScale        int64              `mapstructure:"rate_scale"`
	DefaultThreshold float64            `mapstructure:"default_threshold"`
	DefaultAmount    uint64             `mapstructure:"default_amount"`
	BroadcastChatID  string             `mapstructure:"broadcast_chat_id"`
	BroadcastThread  string             `mapstructure:"broadcast_thread"`
	Verifiers        map[string]Methods `mapstructure:"verifiers"`
}

// Methods maps a verifier identifier onto its fiat currency and platform.
type Methods struct {
	Currency string `mapstructure:"currency"`
	Platform string `mapstructure:"platform"`
}

// RatesConfig configures the external market-rate provider.
type RatesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	UserAgent      string        `mapstructure:"user_agent"`
	Pegged         []string      `mapstructure:"pegged"`
}

// TelegramConfig describes the outbound notification channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// HealthCheckConfig paces the external connection watchdog.
type HealthCheckConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESCROWWATCHER")
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
	v.SetDefault("app.name", "escrowwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.alert_retention", "2160h")

	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.inactivity_timeout", "90s")
	v.SetDefault("stream.reconnect_base", "1s")
	v.SetDefault("stream.reconnect_max", "60s")
	v.SetDefault("stream.reconnect_factor", 2.0)
	v.SetDefault("stream.max_reconnects", 20)
	v.SetDefault("stream.buffer_size", 1024)

	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("correlator.settle_delay", "3s")
	v.SetDefault("correlator.drain_timeout", "10s")

	v.SetDefault("sniper.rate_scale", int64(10_000))
	v.SetDefault("sniper.default_threshold", 3.0)
	v.SetDefault("sniper.default_amount", uint64(1_000_000))

	v.SetDefault("rates.request_timeout", "10s")
	v.SetDefault("rates.cache_ttl", "2m")
	v.SetDefault("rates.user_agent", "escrowwatcher/1.0")
	v.SetDefault("rates.pegged", []string{"USD"})

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")

	v.SetDefault("health_check.interval", "2m")
	v.SetDefault("health_check.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Stream.ReconnectBase <= 0 {
		return fmt.Errorf("stream.reconnect_base must be greater than zero")
	}
	if c.Stream.ReconnectFactor < 1 {
		return fmt.Errorf("stream.reconnect_factor must be at least 1")
	}
	if c.Stream.MaxReconnects <= 0 {
		return fmt.Errorf("stream.max_reconnects must be greater than zero")
	}
	if c.Correlator.SettleDelay <= 0 {
		return fmt.Errorf("correlator.settle_delay must be greater than zero")
	}
	if c.Sniper.RateScale <= 0 {
		return fmt.Errorf("sniper.rate_scale must be greater than zero")
	}
	if c.Sniper.DefaultThreshold < 0 {
		return fmt.Errorf("sniper.default_threshold cannot be negative")
	}
	if c.HealthCheck.Interval <= 0 {
		return fmt.Errorf("health_check.interval must be greater than zero")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
