// Package config provides configuration management for the trading assistant.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is left unset.
const (
	defaultSweepInterval  = 5 * time.Second
	defaultBrokerTimeout  = 10 * time.Second
	defaultLookupAttempts = 5
	defaultLookupDelay    = time.Second
	defaultCandleTTL      = 24 * time.Hour
	defaultPort           = 8080
	defaultWatchlistSize  = 3
	defaultSheetsRange    = "HUB_INPUT!A2:A43"
)

var (
	defaultNotionalCap  = decimal.NewFromInt(500)
	defaultStopOffset   = decimal.RequireFromString("0.30")
	defaultIndexSymbols = []string{"QQQ", "SPY", "DIA"}
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Sheets      SheetsConfig      `yaml:"sheets"`
	Trading     TradingConfig     `yaml:"trading"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIKey         string        `yaml:"api_key"`
	AccountID      string        `yaml:"account_id"`
	APIEndpoint    string        `yaml:"api_endpoint"`
	StreamEndpoint string        `yaml:"stream_endpoint"`
	Sandbox        bool          `yaml:"sandbox"`
	Mock           bool          `yaml:"mock"` // simulate orders locally
	Timeout        time.Duration `yaml:"timeout"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // postgres | memory
	DSN    string `yaml:"dsn"`
}

// CacheConfig configures the daily candle cache. An empty RedisURL keeps
// candles in memory.
type CacheConfig struct {
	RedisURL  string        `yaml:"redis_url"`
	CandleTTL time.Duration `yaml:"candle_ttl"`
}

// SheetsConfig names the spreadsheet the watchlist symbols are read from.
// Symbols is used when no spreadsheet is configured.
type SheetsConfig struct {
	SpreadsheetID   string   `yaml:"spreadsheet_id"`
	Range           string   `yaml:"range"`
	CredentialsFile string   `yaml:"credentials_file"`
	CredentialsJSON string   `yaml:"credentials_json"` // raw or base64
	Symbols         []string `yaml:"symbols"`
}

// TradingConfig holds order sizing and stop-loss parameters.
type TradingConfig struct {
	NotionalCap   decimal.Decimal `yaml:"notional_cap"`
	StopOffset    decimal.Decimal `yaml:"stop_offset"`
	IndexSymbols  []string        `yaml:"index_symbols"`
	WatchlistSize int             `yaml:"watchlist_size"`
}

// ReconcileConfig controls how long an event waits for its ledger order.
type ReconcileConfig struct {
	LookupAttempts int           `yaml:"lookup_attempts"`
	LookupDelay    time.Duration `yaml:"lookup_delay"`
}

// ScheduleConfig defines the sweep interval and market hours.
type ScheduleConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	Timezone        string        `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart    string        `yaml:"trading_start"` // "HH:MM"
	TradingEnd      string        `yaml:"trading_end"`   // "HH:MM"
	AfterHoursCheck bool          `yaml:"after_hours_check"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the working directory is loaded first, if present,
// so its variables can be referenced as ${VAR} in the YAML.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config data, expanding environment variables, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// filling in defaults for unset fields.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Broker validation
	if !c.Broker.Mock {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required unless broker.mock is set")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required unless broker.mock is set")
		}
	}
	if c.IsLive() && c.Broker.Mock {
		return fmt.Errorf("broker.mock cannot be used in live mode")
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be > 0")
	}

	// Storage validation
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'postgres' or 'memory'")
	}
	if c.IsLive() && c.Storage.Driver == "memory" {
		return fmt.Errorf("storage.driver memory cannot be used in live mode")
	}

	// Sheets validation
	if c.Sheets.SpreadsheetID != "" && c.Sheets.CredentialsFile == "" && c.Sheets.CredentialsJSON == "" {
		return fmt.Errorf("sheets.credentials_file or sheets.credentials_json is required with sheets.spreadsheet_id")
	}

	// Trading validation
	if !c.Trading.NotionalCap.IsPositive() {
		return fmt.Errorf("trading.notional_cap must be > 0")
	}
	if !c.Trading.StopOffset.IsPositive() {
		return fmt.Errorf("trading.stop_offset must be > 0")
	}
	if c.Trading.WatchlistSize <= 0 {
		return fmt.Errorf("trading.watchlist_size must be > 0")
	}

	// Reconcile validation
	if c.Reconcile.LookupAttempts <= 0 {
		return fmt.Errorf("reconcile.lookup_attempts must be > 0")
	}
	if c.Reconcile.LookupDelay < 0 {
		return fmt.Errorf("reconcile.lookup_delay must be >= 0")
	}

	// Schedule validation
	if c.Schedule.SweepInterval <= 0 {
		return fmt.Errorf("schedule.sweep_interval must be > 0")
	}
	loc := c.location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	return nil
}

func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.CandleTTL == 0 {
		c.Cache.CandleTTL = defaultCandleTTL
	}
	if c.Sheets.Range == "" {
		c.Sheets.Range = defaultSheetsRange
	}
	if c.Trading.NotionalCap.IsZero() {
		c.Trading.NotionalCap = defaultNotionalCap
	}
	if c.Trading.StopOffset.IsZero() {
		c.Trading.StopOffset = defaultStopOffset
	}
	if len(c.Trading.IndexSymbols) == 0 {
		c.Trading.IndexSymbols = append([]string(nil), defaultIndexSymbols...)
	}
	if c.Trading.WatchlistSize == 0 {
		c.Trading.WatchlistSize = defaultWatchlistSize
	}
	if c.Reconcile.LookupAttempts == 0 {
		c.Reconcile.LookupAttempts = defaultLookupAttempts
	}
	if c.Reconcile.LookupDelay == 0 {
		c.Reconcile.LookupDelay = defaultLookupDelay
	}
	if c.Schedule.SweepInterval == 0 {
		c.Schedule.SweepInterval = defaultSweepInterval
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "16:00"
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
}

// IsPaperTrading returns true if the assistant is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsLive returns true in live mode.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation("America/New_York"); err2 == nil {
			return fallbackLoc
		}
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured
// trading hours. It is always true when after_hours_check is set.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	if c.Schedule.AfterHoursCheck {
		return true
	}
	loc := c.location()
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// SheetsCredentials returns the service account JSON from the inline value
// or the credentials file.
func (c *Config) SheetsCredentials() ([]byte, error) {
	if c.Sheets.CredentialsJSON != "" {
		return []byte(c.Sheets.CredentialsJSON), nil
	}
	if c.Sheets.CredentialsFile == "" {
		return nil, fmt.Errorf("sheets credentials not configured")
	}
	data, err := os.ReadFile(c.Sheets.CredentialsFile) // #nosec G304 -- operator-provided path
	if err != nil {
		return nil, fmt.Errorf("reading sheets credentials: %w", err)
	}
	return data, nil
}
