package config

import "time"

// Config is the bot configuration.
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Store    StoreConfig    `mapstructure:"store"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type TelegramConfig struct {
	Token       string  `mapstructure:"token"`
	OperatorIDs []int64 `mapstructure:"operator_ids"`
	// WebhookURL switches update delivery to webhooks; empty means long polling.
	WebhookURL    string        `mapstructure:"webhook_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	APITimeout    time.Duration `mapstructure:"api_timeout"`
	LapseMessage  string        `mapstructure:"lapse_message"`
}

type PaymentConfig struct {
	// Secret enables signature checks on payment notifications.
	Secret          string        `mapstructure:"secret"`
	SignatureAlgo   string        `mapstructure:"signature_algo"`
	SignatureHeader string        `mapstructure:"signature_header"`
	InviteTTL       time.Duration `mapstructure:"invite_ttl"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"`
	Path      string        `mapstructure:"path"`
	SQLiteDSN string        `mapstructure:"sqlite_dsn"`
	Redis     RedisConfig   `mapstructure:"redis"`
	Sheets    SheetsConfig  `mapstructure:"sheets"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type SheetsConfig struct {
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	SheetName       string `mapstructure:"sheet_name"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type SweeperConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	TLSP12         string `mapstructure:"tls_p12"`
	TLSP12Password string `mapstructure:"tls_p12_password"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverSheets = "sheets"
)
