// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Risk      RiskConfig      `yaml:"risk"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Server    ServerConfig    `yaml:"server"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	LogLevel    string `yaml:"log_level"`
	EngineType  string `yaml:"engine_type"`  // simple or dbos
	DatabaseURL Secret `yaml:"database_url"` // Required for DBOS
	Venue       string `yaml:"venue"`        // bybit or mock
}

// AccountConfig holds one account's venue credentials
type AccountConfig struct {
	ID        int    `yaml:"id"`
	APIKey    Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
	MemberID  int64  `yaml:"member_id"`
}

// AccountsConfig describes the pool of execution accounts
type AccountsConfig struct {
	Max               int             `yaml:"max"`
	BaseURL           string          `yaml:"base_url"`
	Testnet           bool            `yaml:"testnet"`
	RecvWindow        int             `yaml:"recv_window"`
	RequestsPerSecond float64         `yaml:"rate_limit"`
	MainMemberID      int64           `yaml:"main_member_id"`
	List              []AccountConfig `yaml:"list"`
}

// RiskConfig holds the risk defaults seeded into the ledger on first start
type RiskConfig struct {
	DefaultFixedRiskUSD     float64 `yaml:"default_fixed_risk_usd"`
	DefaultBufferPercentage float64 `yaml:"default_buffer_percentage"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// QueueConfig controls the inbound event queue and its single worker
type QueueConfig struct {
	Backend      string        `yaml:"backend"` // memory or sqlite
	MinInterval  time.Duration `yaml:"min_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Capacity     int           `yaml:"capacity"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables the periodic loop
	Workers  int           `yaml:"workers"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	GRPCPort       int      `yaml:"grpc_port"` // 0 disables the gRPC health service
	AdminToken     Secret   `yaml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AlertsConfig struct {
	TelegramToken   Secret `yaml:"telegram_token"`
	TelegramChatID  string `yaml:"telegram_chat_id"`
	SlackWebhookURL Secret `yaml:"slack_webhook_url"`
}

type JournalConfig struct {
	PostgresDSN Secret `yaml:"postgres_dsn"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	TraceToStdout bool   `yaml:"trace_to_stdout"`
	LogToStdout   bool   `yaml:"log_to_stdout"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadEnvFile loads a dotenv file into the process environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadConfig reads the YAML file, expands ${ENV} references, overlays per-account
// environment credentials and validates the result
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overlays the BYBIT_API_KEY_<n>/BYBIT_API_SECRET_<n>/BYBIT_MEMBER_ID_<n> convention
// plus PORT, MAX_SUBACCOUNTS and the risk defaults. Accounts already listed in YAML win.
func (c *Config) ApplyEnv() {
	if v, err := strconv.Atoi(os.Getenv("MAX_SUBACCOUNTS")); err == nil && v > 0 {
		c.Accounts.Max = v
	}
	if v, err := strconv.Atoi(os.Getenv("PORT")); err == nil && v > 0 {
		c.Server.Port = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("DEFAULT_FIXED_RISK_USD"), 64); err == nil {
		c.Risk.DefaultFixedRiskUSD = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("DEFAULT_RISK_BUFFER_PERCENTAGE"), 64); err == nil {
		c.Risk.DefaultBufferPercentage = v
	}
	if v, err := strconv.ParseInt(os.Getenv("BYBIT_MEMBER_ID_MAIN"), 10, 64); err == nil {
		c.Accounts.MainMemberID = v
	}

	listed := make(map[int]bool, len(c.Accounts.List))
	for _, a := range c.Accounts.List {
		listed[a.ID] = true
	}

	for i := 1; i <= c.Accounts.Max; i++ {
		if listed[i] {
			continue
		}
		key := os.Getenv(fmt.Sprintf("BYBIT_API_KEY_%d", i))
		secret := os.Getenv(fmt.Sprintf("BYBIT_API_SECRET_%d", i))
		if key == "" || secret == "" {
			continue
		}
		member, _ := strconv.ParseInt(os.Getenv(fmt.Sprintf("BYBIT_MEMBER_ID_%d", i)), 10, 64)
		c.Accounts.List = append(c.Accounts.List, AccountConfig{
			ID:        i,
			APIKey:    Secret(key),
			APISecret: Secret(secret),
			MemberID:  member,
		})
	}

	sort.Slice(c.Accounts.List, func(i, j int) bool { return c.Accounts.List[i].ID < c.Accounts.List[j].ID })
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	for _, validate := range []func() error{
		c.validateAppConfig,
		c.validateAccounts,
		c.validateRiskConfig,
		c.validateQueueConfig,
		c.validateServerConfig,
	} {
		if err := validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if !contains([]string{"simple", "dbos"}, c.App.EngineType) {
		return ValidationError{Field: "app.engine_type", Value: c.App.EngineType, Message: "must be one of: simple, dbos"}
	}
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "required when engine_type is 'dbos'"}
	}
	if !contains([]string{"bybit", "mock"}, c.App.Venue) {
		return ValidationError{Field: "app.venue", Value: c.App.Venue, Message: "must be one of: bybit, mock"}
	}
	return nil
}

func (c *Config) validateAccounts() error {
	if c.Accounts.Max <= 0 {
		return ValidationError{Field: "accounts.max", Value: c.Accounts.Max, Message: "must be positive"}
	}

	seen := make(map[int]bool, len(c.Accounts.List))
	for _, a := range c.Accounts.List {
		field := fmt.Sprintf("accounts.list[%d]", a.ID)
		if a.ID < 1 || a.ID > c.Accounts.Max {
			return ValidationError{Field: field + ".id", Value: a.ID, Message: fmt.Sprintf("must be within 1..%d", c.Accounts.Max)}
		}
		if seen[a.ID] {
			return ValidationError{Field: field + ".id", Value: a.ID, Message: "duplicate account id"}
		}
		seen[a.ID] = true
		if c.App.Venue == "mock" {
			continue
		}
		if a.APIKey == "" {
			return ValidationError{Field: field + ".api_key", Message: "API key is required"}
		}
		if a.APISecret == "" {
			return ValidationError{Field: field + ".api_secret", Message: "API secret is required"}
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.DefaultFixedRiskUSD <= 0 {
		return ValidationError{Field: "risk.default_fixed_risk_usd", Value: c.Risk.DefaultFixedRiskUSD, Message: "must be positive"}
	}
	if c.Risk.DefaultBufferPercentage < 0 || c.Risk.DefaultBufferPercentage >= 1 {
		return ValidationError{Field: "risk.default_buffer_percentage", Value: c.Risk.DefaultBufferPercentage, Message: "must be within [0, 1)"}
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	if !contains([]string{"memory", "sqlite"}, c.Queue.Backend) {
		return ValidationError{Field: "queue.backend", Value: c.Queue.Backend, Message: "must be one of: memory, sqlite"}
	}
	if c.Queue.MinInterval < 0 {
		return ValidationError{Field: "queue.min_interval", Value: c.Queue.MinInterval, Message: "must not be negative"}
	}
	if c.Queue.MaxAttempts < 1 {
		return ValidationError{Field: "queue.max_attempts", Value: c.Queue.MaxAttempts, Message: "must be at least 1"}
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Value: c.Server.Port, Message: "must be a valid TCP port"}
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return ValidationError{Field: "server.grpc_port", Value: c.Server.GRPCPort, Message: "must be a valid TCP port or 0"}
	}
	return nil
}

// String returns the YAML form of the configuration. Secrets are redacted by their own marshaler.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:   "INFO",
			EngineType: "simple",
			Venue:      "bybit",
		},
		Accounts: AccountsConfig{
			Max:               20,
			RecvWindow:        5000,
			RequestsPerSecond: 10,
		},
		Risk: RiskConfig{
			DefaultFixedRiskUSD:     30,
			DefaultBufferPercentage: 0.25,
		},
		Storage: StorageConfig{
			SQLitePath: "data/signal_router.db",
		},
		Queue: QueueConfig{
			Backend:      "sqlite",
			MinInterval:  150 * time.Millisecond,
			MaxAttempts:  3,
			Capacity:     1000,
			DrainTimeout: 30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval: 5 * time.Minute,
			Workers:  4,
		},
		Server: ServerConfig{
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "signal_router",
		},
	}
}
