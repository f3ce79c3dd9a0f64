package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	Execution ExecutionConfig `toml:"execution"`
	Alpaca    AlpacaConfig    `toml:"alpaca"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Log       LogConfig       `toml:"log"`
	HTTP      HTTPConfig      `toml:"http"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Risk      RiskConfig      `toml:"risk"`
}

// ExecutionConfig selects the backend and the facade's limits.
type ExecutionConfig struct {
	Mode           string `toml:"mode"` // simulation, paper or live
	ConfirmLive    bool   `toml:"confirm_live_trading"`
	TimeoutSeconds int    `toml:"broker_timeout_seconds"`
	MaxRetries     int    `toml:"broker_max_retries"`
	RetryMinMs     int    `toml:"broker_retry_min_ms"`
	RetryMaxMs     int    `toml:"broker_retry_max_ms"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds"`
	LockWaitMs     int    `toml:"lock_wait_ms"`
}

// AlpacaConfig holds broker credentials and endpoints.
type AlpacaConfig struct {
	KeyID     string `toml:"api_key_id"`
	SecretKey string `toml:"api_secret_key"`
	PaperURL  string `toml:"paper_url"`
	LiveURL   string `toml:"live_url"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite3, pgx or memory
	DSN    string `toml:"dsn"`
}

// RedisConfig enables the distributed lock and the action bus when Addr is set.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	ActionChannel string `toml:"action_channel"`
	ActionStream  string `toml:"action_stream"`
}

type LedgerConfig struct {
	InitialCash  string `toml:"initial_cash"`
	WriteRetries int    `toml:"write_retries"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

type HTTPConfig struct {
	Addr   string `toml:"addr"`
	Prefix string `toml:"api_prefix"`
}

type SchedulerConfig struct {
	TickSpec      string `toml:"tick_spec"`
	ReconcileSpec string `toml:"reconcile_spec"` // Empty disables reconciliation
	Parallelism   int    `toml:"tick_parallelism"`
}

type RiskConfig struct {
	MaxOpenPositions    int    `toml:"max_open_positions"`
	MaxPositionNotional string `toml:"max_position_notional"`
	StopLossPercent     string `toml:"stop_loss_percent"`
	TakeProfitPercent   string `toml:"take_profit_percent"`
	TrimPercent         string `toml:"trim_percent"`
	BreakevenAfterTrim  bool   `toml:"breakeven_after_trim"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Mode:           "simulation",
			TimeoutSeconds: 15,
			MaxRetries:     4,
			RetryMinMs:     200,
			RetryMaxMs:     5000,
			LockTTLSeconds: 30,
			LockWaitMs:     2000,
		},
		Alpaca: AlpacaConfig{
			PaperURL: "https://paper-api.alpaca.markets",
			LiveURL:  "https://api.alpaca.markets",
		},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "./data/ledger.db"},
		Redis:    RedisConfig{ActionChannel: "execution.actions", ActionStream: "execution:actions"},
		Ledger:   LedgerConfig{InitialCash: "100000", WriteRetries: 5},
		Log:      LogConfig{Level: "info", Format: "json"},
		HTTP:     HTTPConfig{Addr: ":8080", Prefix: "/v2"},
		Scheduler: SchedulerConfig{
			TickSpec:      "*/15 * * * * *",
			ReconcileSpec: "0 */5 * * * *",
			Parallelism:   8,
		},
		Risk: RiskConfig{
			MaxOpenPositions:    20,
			MaxPositionNotional: "50000",
			StopLossPercent:     "0.02",
			TakeProfitPercent:   "0.04",
			TrimPercent:         "50",
			BreakevenAfterTrim:  true,
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, a .env file and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	var errs []error
	cfg.applyEnv(&errs)
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) applyEnv(errs *[]error) {
	e := &c.Execution
	e.Mode = getEnv("EXECUTION_MODE", e.Mode)
	e.ConfirmLive = getEnvAsBool("CONFIRM_LIVE_TRADING", e.ConfirmLive, errs)
	e.TimeoutSeconds = getEnvAsInt("BROKER_TIMEOUT_SECONDS", e.TimeoutSeconds, errs)
	e.MaxRetries = getEnvAsInt("BROKER_MAX_RETRIES", e.MaxRetries, errs)
	e.RetryMinMs = getEnvAsInt("BROKER_RETRY_MIN_MS", e.RetryMinMs, errs)
	e.RetryMaxMs = getEnvAsInt("BROKER_RETRY_MAX_MS", e.RetryMaxMs, errs)
	e.LockTTLSeconds = getEnvAsInt("LOCK_TTL_SECONDS", e.LockTTLSeconds, errs)
	e.LockWaitMs = getEnvAsInt("LOCK_WAIT_MS", e.LockWaitMs, errs)

	c.Alpaca.KeyID = getEnv("ALPACA_API_KEY_ID", c.Alpaca.KeyID)
	c.Alpaca.SecretKey = getEnv("ALPACA_API_SECRET_KEY", c.Alpaca.SecretKey)
	c.Alpaca.PaperURL = getEnv("ALPACA_PAPER_URL", c.Alpaca.PaperURL)
	c.Alpaca.LiveURL = getEnv("ALPACA_LIVE_URL", c.Alpaca.LiveURL)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB, errs)
	c.Redis.ActionChannel = getEnv("ACTION_CHANNEL", c.Redis.ActionChannel)
	c.Redis.ActionStream = getEnv("ACTION_STREAM", c.Redis.ActionStream)

	c.Ledger.InitialCash = getEnv("INITIAL_CASH", c.Ledger.InitialCash)
	c.Ledger.WriteRetries = getEnvAsInt("LEDGER_WRITE_RETRIES", c.Ledger.WriteRetries, errs)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.Prefix = getEnv("API_PREFIX", c.HTTP.Prefix)

	c.Scheduler.TickSpec = getEnv("TICK_SPEC", c.Scheduler.TickSpec)
	if v, ok := os.LookupEnv("RECONCILE_SPEC"); ok {
		c.Scheduler.ReconcileSpec = v
	}
	c.Scheduler.Parallelism = getEnvAsInt("TICK_PARALLELISM", c.Scheduler.Parallelism, errs)

	r := &c.Risk
	r.MaxOpenPositions = getEnvAsInt("MAX_OPEN_POSITIONS", r.MaxOpenPositions, errs)
	r.MaxPositionNotional = getEnv("MAX_POSITION_NOTIONAL", r.MaxPositionNotional)
	r.StopLossPercent = getEnv("STOP_LOSS_PERCENT", r.StopLossPercent)
	r.TakeProfitPercent = getEnv("TAKE_PROFIT_PERCENT", r.TakeProfitPercent)
	r.TrimPercent = getEnv("TRIM_PERCENT", r.TrimPercent)
	r.BreakevenAfterTrim = getEnvAsBool("BREAKEVEN_AFTER_TRIM", r.BreakevenAfterTrim, errs)
}

func (c *Config) validate() []error {
	var errs []error

	c.Execution.Mode = strings.ToLower(strings.TrimSpace(c.Execution.Mode))
	switch c.Execution.Mode {
	case "simulation", "paper":
	case "live":
		if !c.Execution.ConfirmLive {
			errs = append(errs, errors.New("EXECUTION_MODE=live requires CONFIRM_LIVE_TRADING=true"))
		}
		if c.Alpaca.KeyID == "" || c.Alpaca.SecretKey == "" {
			errs = append(errs, errors.New("EXECUTION_MODE=live requires ALPACA_API_KEY_ID and ALPACA_API_SECRET_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("EXECUTION_MODE must be simulation, paper or live, got %q", c.Execution.Mode))
	}
	if c.Execution.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("BROKER_TIMEOUT_SECONDS must be positive"))
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, errors.New("BROKER_MAX_RETRIES cannot be negative"))
	}
	if c.Execution.RetryMinMs <= 0 || c.Execution.RetryMaxMs < c.Execution.RetryMinMs {
		errs = append(errs, errors.New("BROKER_RETRY_MIN_MS must be positive and not above BROKER_RETRY_MAX_MS"))
	}
	if c.Execution.LockTTLSeconds <= 0 || c.Execution.LockWaitMs <= 0 {
		errs = append(errs, errors.New("LOCK_TTL_SECONDS and LOCK_WAIT_MS must be positive"))
	}

	switch c.Database.Driver {
	case "sqlite3", "memory":
	case "pgx":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("DB_DSN must be set for DB_DRIVER=pgx"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite3, pgx or memory, got %q", c.Database.Driver))
	}
	if c.Redis.Addr != "" && (c.Redis.ActionChannel == "" || c.Redis.ActionStream == "") {
		errs = append(errs, errors.New("ACTION_CHANNEL and ACTION_STREAM must be set when REDIS_ADDR is"))
	}

	if cash, err := decimal.NewFromString(c.Ledger.InitialCash); err != nil || cash.IsNegative() {
		errs = append(errs, fmt.Errorf("INITIAL_CASH must be a non-negative number, got %q", c.Ledger.InitialCash))
	}
	if c.Ledger.WriteRetries <= 0 {
		errs = append(errs, errors.New("LEDGER_WRITE_RETRIES must be positive"))
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Scheduler.TickSpec); err != nil {
		errs = append(errs, fmt.Errorf("invalid TICK_SPEC %q: %w", c.Scheduler.TickSpec, err))
	}
	if c.Scheduler.ReconcileSpec != "" {
		if _, err := parser.Parse(c.Scheduler.ReconcileSpec); err != nil {
			errs = append(errs, fmt.Errorf("invalid RECONCILE_SPEC %q: %w", c.Scheduler.ReconcileSpec, err))
		}
	}
	if c.Scheduler.Parallelism <= 0 {
		errs = append(errs, errors.New("TICK_PARALLELISM must be positive"))
	}

	if c.Risk.MaxOpenPositions < 0 {
		errs = append(errs, errors.New("MAX_OPEN_POSITIONS cannot be negative"))
	}
	for _, f := range []struct{ key, val string }{
		{"MAX_POSITION_NOTIONAL", c.Risk.MaxPositionNotional},
		{"STOP_LOSS_PERCENT", c.Risk.StopLossPercent},
		{"TAKE_PROFIT_PERCENT", c.Risk.TakeProfitPercent},
	} {
		if d, err := decimal.NewFromString(f.val); err != nil || d.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must be a non-negative number, got %q", f.key, f.val))
		}
	}
	if pct, err := decimal.NewFromString(c.Risk.StopLossPercent); err == nil && pct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("STOP_LOSS_PERCENT must be below 1.0"))
	}
	if trim, err := decimal.NewFromString(c.Risk.TrimPercent); err != nil || !trim.IsPositive() || trim.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("TRIM_PERCENT must be in (0, 100], got %q", c.Risk.TrimPercent))
	}
	return errs
}

// Durations derived from the raw settings.

func (e ExecutionConfig) Timeout() time.Duration  { return time.Duration(e.TimeoutSeconds) * time.Second }
func (e ExecutionConfig) RetryMin() time.Duration { return time.Duration(e.RetryMinMs) * time.Millisecond }
func (e ExecutionConfig) RetryMax() time.Duration { return time.Duration(e.RetryMaxMs) * time.Millisecond }
func (e ExecutionConfig) LockTTL() time.Duration  { return time.Duration(e.LockTTLSeconds) * time.Second }
func (e ExecutionConfig) LockWait() time.Duration { return time.Duration(e.LockWaitMs) * time.Millisecond }

// Decimal reads a validated decimal setting.
func Decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int, errs *[]error) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err))
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool, errs *[]error) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid boolean value '%s' for key %s: %w", valueStr, key, err))
		return defaultValue
	}
	return value
}
