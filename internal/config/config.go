// Package config
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/kraken-trader/internal/market"
)

/*
YAML config example:

pairs: ["XBT/USD", "ETH/USD"]
strategy: "trend"
dry_run: true
balance: 10000
risk_percent: 25
max_position_percent: 10
max_open_positions: 3
window_size: 100
tick_interval: 5s
staleness_window: 60s
ws_url: "wss://ws.kraken.com"
rest_url: "https://api.kraken.com"
log_level: "info"
log_file: "kraken-trader.log"
*/

// Config holds everything the core needs. Values come from the YAML file
// merged over environment variables, with defaults for anything unset.
type Config struct {
	Pairs    []string `yaml:"pairs"`
	Strategy string   `yaml:"strategy"`

	DryRun             bool    `yaml:"dry_run"`
	Balance            float64 `yaml:"balance"`
	RiskPercent        float64 `yaml:"risk_percent"`
	MaxPositionPercent float64 `yaml:"max_position_percent"`
	MaxOpenPositions   int     `yaml:"max_open_positions"`

	WindowSize      int           `yaml:"window_size"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	StalenessWindow time.Duration `yaml:"staleness_window"`

	WSURL           string        `yaml:"ws_url"`
	RESTURL         string        `yaml:"rest_url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	HealthGrace     time.Duration `yaml:"health_grace"`
	DemoInterval    time.Duration `yaml:"demo_interval"`
	ForceDemoMode   bool          `yaml:"force_demo_mode"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MinuteRateLimit int           `yaml:"minute_rate_limit"`
	HourRateLimit   int           `yaml:"hour_rate_limit"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`

	DBConnStr string `yaml:"db_conn_str"`
	DBMaxOpen int    `yaml:"db_max_open"`
	DBMaxIdle int    `yaml:"db_max_idle"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	LogJSON  bool   `yaml:"log_json"`
}

// Load reads the config file (optional) on top of environment variables.
// A .env file is honored when present, matching how operators run the bot.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := fromEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func fromEnv() Config {
	cfg := Config{
		DBConnStr: os.Getenv("DB_CONN_STR"),
		LogLevel:  os.Getenv("LOG_LEVEL"),
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("BALANCE"); v != "" {
		cfg.Balance, _ = strconv.ParseFloat(v, 64)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Pairs) == 0 {
		c.Pairs = []string{"XBT/USD"}
	}
	if c.Strategy == "" {
		c.Strategy = "trend"
	}
	if c.Balance == 0 {
		c.Balance = 10000
	}
	if c.RiskPercent == 0 {
		c.RiskPercent = 25
	}
	if c.MaxPositionPercent == 0 {
		c.MaxPositionPercent = 10
	}
	if c.MaxOpenPositions == 0 {
		c.MaxOpenPositions = 3
	}
	if c.WindowSize == 0 {
		c.WindowSize = 100
	}
	if c.TickInterval == 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.StalenessWindow == 0 {
		c.StalenessWindow = 60 * time.Second
	}
	if c.WSURL == "" {
		c.WSURL = "wss://ws.kraken.com"
	}
	if c.RESTURL == "" {
		c.RESTURL = "https://api.kraken.com"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthGrace == 0 {
		c.HealthGrace = 5 * time.Minute
	}
	if c.DemoInterval == 0 {
		c.DemoInterval = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MinuteRateLimit == 0 {
		c.MinuteRateLimit = 60
	}
	if c.HourRateLimit == 0 {
		c.HourRateLimit = 600
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.DBMaxOpen == 0 {
		c.DBMaxOpen = 10
	}
	if c.DBMaxIdle == 0 {
		c.DBMaxIdle = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks for values that would break the trading loop.
func (c *Config) Validate() error {
	if c.Balance < 0 {
		return fmt.Errorf("balance cannot be negative: %f", c.Balance)
	}
	if c.RiskPercent <= 0 || c.RiskPercent > 100 {
		return fmt.Errorf("risk_percent must be in (0, 100]: %f", c.RiskPercent)
	}
	if c.MaxPositionPercent <= 0 || c.MaxPositionPercent > 100 {
		return fmt.Errorf("max_position_percent must be in (0, 100]: %f", c.MaxPositionPercent)
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive: %d", c.MaxOpenPositions)
	}
	// The window retention range is fixed; rejecting here beats a silent
	// clamp at window construction.
	if c.WindowSize < market.MinWindowCap || c.WindowSize > market.MaxWindowCap {
		return fmt.Errorf("window_size must be in [%d, %d]: %d",
			market.MinWindowCap, market.MaxWindowCap, c.WindowSize)
	}
	if c.TickInterval < time.Second {
		return fmt.Errorf("tick_interval too short: %v", c.TickInterval)
	}
	for _, p := range c.Pairs {
		if p == "" {
			return fmt.Errorf("empty pair in config")
		}
	}
	return nil
}
