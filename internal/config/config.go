// Package config loads process configuration from defaults, an optional YAML
// file (CONFIG_FILE) and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Port     string `mapstructure:"port"`
	RunLocal bool   `mapstructure:"run_local"`
	LogLevel string `mapstructure:"log_level"`

	InternalAPIKey     string   `mapstructure:"internal_api_key"`
	CallbackAllowedIPs []string `mapstructure:"callback_allowed_ips"`

	StoreBackend      string `mapstructure:"store_backend"`
	DatabaseURL       string `mapstructure:"database_url"`
	TransactionsTable string `mapstructure:"transactions_table"`
	CorrelationTable  string `mapstructure:"correlation_table"`
	CallbackQueueURL  string `mapstructure:"callback_queue_url"`

	Metrics MetricsConfig `mapstructure:"metrics"`
	Mpesa   MpesaConfig   `mapstructure:"mpesa"`
}

type MetricsConfig struct {
	CloudWatchNamespace string `mapstructure:"cloudwatch_namespace"`
}

type MpesaConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	ConsumerKey       string        `mapstructure:"consumer_key"`
	ConsumerSecret    string        `mapstructure:"consumer_secret"`
	ShortCode         string        `mapstructure:"shortcode"`
	Passkey           string        `mapstructure:"passkey"`
	STKCallbackURL    string        `mapstructure:"stk_callback_url"`
	AuthPath          string        `mapstructure:"auth_path"`
	STKPushPath       string        `mapstructure:"stk_push_path"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	TokenSafetyMargin time.Duration `mapstructure:"token_safety_margin"`
}

var defaults = map[string]any{
	"port":                         "4000",
	"run_local":                    false,
	"log_level":                    "info",
	"internal_api_key":             "",
	"callback_allowed_ips":         []string{},
	"store_backend":                BackendDynamoDB,
	"database_url":                 "file:mpesa.db?_pragma=busy_timeout(5000)",
	"transactions_table":           "mpesa-transactions",
	"correlation_table":            "mpesa-correlations",
	"callback_queue_url":           "",
	"metrics.cloudwatch_namespace": "",
	"mpesa.base_url":               "https://apisandbox.safaricom.et",
	"mpesa.consumer_key":           "",
	"mpesa.consumer_secret":        "",
	"mpesa.shortcode":              "",
	"mpesa.passkey":                "",
	"mpesa.stk_callback_url":       "",
	"mpesa.auth_path":              "/v1/token/generate?grant_type=client_credentials",
	"mpesa.stk_push_path":          "/mpesa/stkpush/v3/processrequest",
	"mpesa.http_timeout":           30 * time.Second,
	"mpesa.token_safety_margin":    5 * time.Minute,
}

// Load reads configuration. Environment keys are the upper-cased config keys
// with dots replaced by underscores (mpesa.consumer_key -> MPESA_CONSUMER_KEY).
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.TransactionsTable == "" || c.CorrelationTable == "" {
			return fmt.Errorf("config: dynamodb backend needs transactions_table and correlation_table")
		}
	case BackendSQLite, BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: %s backend needs database_url", c.StoreBackend)
		}
	default:
		return fmt.Errorf("config: unknown store_backend %q", c.StoreBackend)
	}
	if c.Mpesa.TokenSafetyMargin < 0 {
		return fmt.Errorf("config: mpesa.token_safety_margin must not be negative")
	}
	return nil
}
