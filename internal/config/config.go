// Package config handles loading and validating the agent's YAML
// configuration document.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration structure, enumerating the
// recognized options spec.md §6 names (not environment variables or CLI
// flags — that surface is a named Non-goal of the core).
type Config struct {
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Portfolio      PortfolioConfig      `yaml:"portfolio"`
	Manager        ManagerConfig        `yaml:"manager"`
	Tracker        TrackerConfig        `yaml:"tracker"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	System         SystemConfig         `yaml:"system"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
}

// ExchangeConfig carries credentials and connection parameters for the
// single exchange the agent targets.
type ExchangeConfig struct {
	APIKey     string `yaml:"api_key" validate:"required"`
	SecretKey  string `yaml:"secret_key" validate:"required"`
	Passphrase string `yaml:"passphrase"`
	BaseURL    string `yaml:"base_url" validate:"required"`
	StreamURL  string `yaml:"stream_url" validate:"required"`
}

// PortfolioConfig holds the portfolio-wide risk and sizing knobs named
// in spec.md §6.
type PortfolioConfig struct {
	QuoteCurrency        string  `yaml:"quote_currency" validate:"required"`
	StopLossRatio        float64 `yaml:"stop_loss_ratio" validate:"required,min=0,max=1"`
	TakeProfitRatio      float64 `yaml:"take_profit_ratio"`
	ConcentrationLimit   float64 `yaml:"concentration_limit" validate:"required,min=0,max=1"`
	POVLimit             float64 `yaml:"pov_limit" validate:"required,min=0,max=1"`
	StopLossCoolDownSecs int     `yaml:"stop_loss_cooldown_seconds" validate:"min=0"`
	MinTickDurationMS    int     `yaml:"min_tick_duration_ms" validate:"required,min=0"`
}

// ManagerConfig holds the tick loop's order-placement policy.
type ManagerConfig struct {
	BuyHorizonSecs   int      `yaml:"buy_horizon_seconds" validate:"min=0"`
	SellHorizonSecs  int      `yaml:"sell_horizon_seconds" validate:"min=0"`
	BuyAgeLimitSecs  int      `yaml:"buy_age_limit_seconds" validate:"required,min=1"`
	SellAgeLimitSecs int      `yaml:"sell_age_limit_seconds" validate:"required,min=1"`
	BuyOrderType     string   `yaml:"buy_order_type" validate:"required,oneof=limit market"`
	SellOrderType    string   `yaml:"sell_order_type" validate:"required,oneof=limit market"`
	TimeInForce      string   `yaml:"time_in_force" validate:"required,oneof=GTC IOC FOK"`
	PostOnly         bool     `yaml:"post_only"`
	LiquidateOnExit  bool     `yaml:"liquidate_on_shutdown"`
	Blacklist        []string `yaml:"blacklist"`
}

// TrackerConfig holds the Order Tracker's policy knobs.
type TrackerConfig struct {
	IgnoreUntracked bool `yaml:"ignore_untracked"`
}

// CircuitBreakerConfig configures the optional portfolio-level circuit
// breaker the manager consults before queue_buys (supplements spec.md
// §4.H; see internal/risk.CircuitBreaker). Disabled by default, since
// spec.md §6 names no equivalent knob.
type CircuitBreakerConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" validate:"min=0"`
	MaxDrawdownAmount    float64 `yaml:"max_drawdown_amount" validate:"min=0"`
	CooldownSecs         int     `yaml:"cooldown_seconds" validate:"min=0"`
}

func (c *Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreaker.CooldownSecs) * time.Second
}

// SystemConfig holds process-level settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig configures the ambient /metrics listener. It lives
// outside the two-thread core, in cmd/agent.
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port" validate:"min=0,max=65535"`
}

// ValidationError represents one configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads and parses a YAML config file, expanding ${VAR} references
// against the process environment, and validates it.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses an in-memory YAML document, used by tests that don't
// want to touch the filesystem.
func LoadBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate performs comprehensive validation, joining every failure into
// one error the way the teacher's config package does.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validatePortfolio(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateManager(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
	}
	if c.Exchange.BaseURL == "" {
		return ValidationError{Field: "exchange.base_url", Message: "base URL is required"}
	}
	if c.Exchange.StreamURL == "" {
		return ValidationError{Field: "exchange.stream_url", Message: "stream URL is required"}
	}
	return nil
}

func (c *Config) validatePortfolio() error {
	if c.Portfolio.QuoteCurrency == "" {
		return ValidationError{Field: "portfolio.quote_currency", Message: "quote currency is required"}
	}
	if c.Portfolio.StopLossRatio <= 0 || c.Portfolio.StopLossRatio > 1 {
		return ValidationError{Field: "portfolio.stop_loss_ratio", Value: c.Portfolio.StopLossRatio, Message: "must be in (0, 1]"}
	}
	if c.Portfolio.ConcentrationLimit <= 0 || c.Portfolio.ConcentrationLimit > 1 {
		return ValidationError{Field: "portfolio.concentration_limit", Value: c.Portfolio.ConcentrationLimit, Message: "must be in (0, 1]"}
	}
	if c.Portfolio.POVLimit <= 0 || c.Portfolio.POVLimit > 1 {
		return ValidationError{Field: "portfolio.pov_limit", Value: c.Portfolio.POVLimit, Message: "must be in (0, 1]"}
	}
	return nil
}

func (c *Config) validateManager() error {
	validOrderType := []string{"limit", "market"}
	if !contains(validOrderType, c.Manager.BuyOrderType) {
		return ValidationError{Field: "manager.buy_order_type", Value: c.Manager.BuyOrderType, Message: "must be limit or market"}
	}
	if !contains(validOrderType, c.Manager.SellOrderType) {
		return ValidationError{Field: "manager.sell_order_type", Value: c.Manager.SellOrderType, Message: "must be limit or market"}
	}
	validTIF := []string{"GTC", "IOC", "FOK"}
	if !contains(validTIF, c.Manager.TimeInForce) {
		return ValidationError{Field: "manager.time_in_force", Value: c.Manager.TimeInForce, Message: "must be one of GTC, IOC, FOK"}
	}
	if c.Manager.BuyAgeLimitSecs <= 0 {
		return ValidationError{Field: "manager.buy_age_limit_seconds", Value: c.Manager.BuyAgeLimitSecs, Message: "must be positive"}
	}
	if c.Manager.SellAgeLimitSecs <= 0 {
		return ValidationError{Field: "manager.sell_age_limit_seconds", Value: c.Manager.SellAgeLimitSecs, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

// BlacklistSet returns the configured blacklist as a lookup set, for
// sizing.Inputs.Blacklist.
func (c *Config) BlacklistSet() map[string]bool {
	out := make(map[string]bool, len(c.Manager.Blacklist))
	for _, m := range c.Manager.Blacklist {
		out[m] = true
	}
	return out
}

func (c *Config) BuyAgeLimit() time.Duration {
	return time.Duration(c.Manager.BuyAgeLimitSecs) * time.Second
}

func (c *Config) SellAgeLimit() time.Duration {
	return time.Duration(c.Manager.SellAgeLimitSecs) * time.Second
}

func (c *Config) BuyHorizon() time.Duration {
	return time.Duration(c.Manager.BuyHorizonSecs) * time.Second
}

func (c *Config) SellHorizon() time.Duration {
	return time.Duration(c.Manager.SellHorizonSecs) * time.Second
}

func (c *Config) MinTickDuration() time.Duration {
	return time.Duration(c.Portfolio.MinTickDurationMS) * time.Millisecond
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
