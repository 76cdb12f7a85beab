package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig                 `mapstructure:"server"`
	MySQL          DatabaseConfig               `mapstructure:"mysql"`
	Telemetry      TelemetryConfig              `mapstructure:"telemetry"`
	Fees           FeeConfig                    `mapstructure:"fees"`
	Tax            TaxConfig                    `mapstructure:"tax"`
	Retry          RetryConfig                  `mapstructure:"retry"`
	Fraud          FraudConfig                  `mapstructure:"fraud"`
	Retention      RetentionConfig              `mapstructure:"retention"`
	Gateways       GatewaysConfig               `mapstructure:"gateways"`
	GatewayTimeout time.Duration                `mapstructure:"gateway_timeout"`
	Routing        map[string]GatewayRecordSeed `mapstructure:"routing"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Mode           string   `mapstructure:"mode"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Tracing      bool   `mapstructure:"tracing"`
	OTLPLogs     bool   `mapstructure:"otlp_logs"`
}

// FeeConfig is the processor pricing applied by the amount calculator.
// Fixed fees are per currency; currencies without an entry use FixedDefault.
type FeeConfig struct {
	PercentageRate string            `mapstructure:"percentage_rate"`
	FixedDefault   string            `mapstructure:"fixed_default"`
	Fixed          map[string]string `mapstructure:"fixed"`
}

type TaxConfig struct {
	DeductiblePercentage string `mapstructure:"deductible_percentage"`
	MinimumAmount        string `mapstructure:"minimum_amount"`
}

type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Lookback      time.Duration `mapstructure:"lookback"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`

	// ReconcileAfter is how long a payment may wait for its callback before
	// the sweeper asks the provider directly.
	ReconcileAfter time.Duration `mapstructure:"reconcile_after"`
}

type FraudConfig struct {
	Window                 time.Duration `mapstructure:"window"`
	OriginFailureThreshold int64         `mapstructure:"origin_failure_threshold"`
	RapidWindow            time.Duration `mapstructure:"rapid_window"`
	RapidAttemptThreshold  int64         `mapstructure:"rapid_attempt_threshold"`
	CodeSpikeThreshold     int64         `mapstructure:"code_spike_threshold"`
}

type RetentionConfig struct {
	HorizonDays     int           `mapstructure:"horizon_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	ArchiveBucket   string        `mapstructure:"archive_bucket"`
	ArchivePrefix   string        `mapstructure:"archive_prefix"`
	ArchiveRegion   string        `mapstructure:"archive_region"`
}

type GatewaysConfig struct {
	Stripe     StripeConfig     `mapstructure:"stripe"`
	Shouqianba ShouqianbaConfig `mapstructure:"shouqianba"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type ShouqianbaConfig struct {
	APIURL       string `mapstructure:"api_url"`
	GatewayURL   string `mapstructure:"gateway_url"`
	TerminalSN   string `mapstructure:"terminal_sn"`
	TerminalKey  string `mapstructure:"terminal_key"`
	PublicKeyPEM string `mapstructure:"public_key"`
	NotifyURL    string `mapstructure:"notify_url"`
	ReturnURL    string `mapstructure:"return_url"`
	StoreName    string `mapstructure:"store_name"`
}

// GatewayRecordSeed seeds a gateway_configs row from the config file when
// running migrate.
type GatewayRecordSeed struct {
	Active     bool   `mapstructure:"active"`
	TestMode   bool   `mapstructure:"test_mode"`
	Priority   int    `mapstructure:"priority"`
	Currencies string `mapstructure:"currencies"`
	MinAmount  string `mapstructure:"min_amount"`
	MaxAmount  string `mapstructure:"max_amount"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.trusted_proxies", []string{"127.0.0.1"})

	v.SetDefault("mysql.driver", "mysql")
	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.dbname", "donation")
	v.SetDefault("mysql.max_idle_conns", 15)
	v.SetDefault("mysql.max_open_conns", 120)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("mysql.log_level", "error")

	v.SetDefault("telemetry.service_name", "donation-pay")
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("fees.percentage_rate", "2.9")
	v.SetDefault("fees.fixed_default", "0.30")

	v.SetDefault("tax.deductible_percentage", "100")
	v.SetDefault("tax.minimum_amount", "2.00")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.lookback", 24*time.Hour)
	v.SetDefault("retry.sweep_interval", time.Minute)
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.reconcile_after", 15*time.Minute)

	v.SetDefault("fraud.window", 15*time.Minute)
	v.SetDefault("fraud.origin_failure_threshold", 5)
	v.SetDefault("fraud.rapid_window", time.Minute)
	v.SetDefault("fraud.rapid_attempt_threshold", 3)
	v.SetDefault("fraud.code_spike_threshold", 20)

	v.SetDefault("retention.horizon_days", 365)
	v.SetDefault("retention.cleanup_interval", 24*time.Hour)
	v.SetDefault("retention.batch_size", 500)
	v.SetDefault("retention.archive_prefix", "payment-attempts/")

	v.SetDefault("gateway_timeout", 30*time.Second)
}

// Load reads path, or config.yaml from the working directory and then the
// executable's directory when path is empty. Environment variables prefixed
// DONATION_PAY_ override file values (server.port -> DONATION_PAY_SERVER_PORT).
// A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DONATION_PAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := readDefaultLocations(v); err != nil {
		return nil, err
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

func readDefaultLocations(v *viper.Viper) error {
	candidates := []string{"config.yaml"}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err != nil {
			continue
		}
		v.SetConfigFile(c)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", c, err)
		}
		return nil
	}
	return nil
}

// Validate checks the numeric strings and bounds.
func (c *Config) Validate() error {
	var errs []error
	for name, s := range map[string]string{
		"fees.percentage_rate":      c.Fees.PercentageRate,
		"fees.fixed_default":        c.Fees.FixedDefault,
		"tax.deductible_percentage": c.Tax.DeductiblePercentage,
		"tax.minimum_amount":        c.Tax.MinimumAmount,
	} {
		if _, err := decimal.NewFromString(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a decimal", name, s))
		}
	}
	for cur, s := range c.Fees.Fixed {
		if _, err := decimal.NewFromString(s); err != nil {
			errs = append(errs, fmt.Errorf("fees.fixed.%s: %q is not a decimal", cur, s))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retention.HorizonDays < 1 {
		errs = append(errs, errors.New("retention.horizon_days must be at least 1"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("gateway_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// RetentionHorizon is the age after which attempts are deleted.
func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.Retention.HorizonDays) * 24 * time.Hour
}
