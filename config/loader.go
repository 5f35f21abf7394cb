package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var defaults = map[string]any{
	"telegram.token":          "",
	"telegram.operator_ids":   []int64{},
	"telegram.webhook_url":    "",
	"telegram.webhook_secret": "",
	"telegram.api_timeout":    "10s",
	"telegram.lapse_message":  "",

	"payment.secret":           "",
	"payment.signature_algo":   "hmac-sha256",
	"payment.signature_header": "X-Signature",
	"payment.invite_ttl":       "24h",

	"store.driver":                  DriverFile,
	"store.path":                    "database/entitlements.json",
	"store.sqlite_dsn":              "database/entitlements.db",
	"store.redis.address":           "",
	"store.redis.password":          "",
	"store.redis.db":                0,
	"store.redis.prefix":            "subscribe:",
	"store.sheets.spreadsheet_id":   "",
	"store.sheets.sheet_name":       "Sheet1",
	"store.sheets.credentials_file": "service-account.json",
	"store.timeout":                 "10s",

	"sweeper.interval":     "1m",
	"sweeper.call_timeout": "15s",

	"server.addr":             ":8080",
	"server.tls_p12":          "",
	"server.tls_p12_password": "",

	"logging.level":  "info",
	"logging.format": "json",
}

// Load reads .env, then config.yaml (from configFile, or ./configs and . when
// empty), then environment overrides such as TELEGRAM_TOKEN or STORE_DRIVER.
func Load(configFile string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// overrideEmptyConfig accepts the variable names older deployments used.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Telegram.Token == "" {
		if val := os.Getenv("TG_BOT_TOKEN"); val != "" {
			cfg.Telegram.Token = val
		}
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Payment.SignatureAlgo = strings.ToLower(strings.TrimSpace(cfg.Payment.SignatureAlgo))
}

func validateConfig(cfg *Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}
	if cfg.Payment.InviteTTL <= 0 {
		return fmt.Errorf("payment.invite_ttl must be positive")
	}

	switch cfg.Payment.SignatureAlgo {
	case "hmac-sha256", "blake2b":
	default:
		return fmt.Errorf("payment.signature_algo %q is not supported", cfg.Payment.SignatureAlgo)
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file driver")
		}
	case DriverSQLite:
		if cfg.Store.SQLiteDSN == "" {
			return fmt.Errorf("store.sqlite_dsn is required for the sqlite driver")
		}
	case DriverRedis:
		if cfg.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address is required for the redis driver")
		}
	case DriverSheets:
		if cfg.Store.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("store.sheets.spreadsheet_id is required for the sheets driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}

	if cfg.Server.TLSP12 == "" && cfg.Server.TLSP12Password != "" {
		return fmt.Errorf("server.tls_p12 is required when a bundle password is set")
	}
	return nil
}
