package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileEnv names the optional TOML file layered under the environment.
const ConfigFileEnv = "CARBOOK_CONFIG"

type Config struct {
	// HTTP Server
	Port     string `toml:"port"`
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level"`

	// Database: a postgres:// URL selects Postgres, otherwise SQLite is used.
	DatabaseURL  string `toml:"database_url"`
	SQLiteDBPath string `toml:"sqlite_db_path"`

	// Receipt storage
	ReceiptsBackend    string        `toml:"receipts_backend"`
	ReceiptsDir        string        `toml:"receipts_dir"`
	ReceiptsBucket     string        `toml:"receipts_bucket"`
	ReceiptsPublic     bool          `toml:"receipts_public"`
	ReceiptsSigningKey string        `toml:"receipts_signing_key"`
	ReceiptsURLTTL     time.Duration `toml:"receipts_url_ttl"`

	// Auth
	SessionTTL   time.Duration `toml:"session_ttl"`
	MagicLinkTTL time.Duration `toml:"magic_link_ttl"`
	CookieSecure bool          `toml:"cookie_secure"`
	MailBackend  string        `toml:"mail_backend"`

	// AMQP
	AMQPURL          string `toml:"amqp_url"`
	AMQPExchange     string `toml:"amqp_exchange"`
	AMQPRecordsQueue string `toml:"amqp_records_queue"`
	AMQPMailQueue    string `toml:"amqp_mail_queue"`

	// Google (sheets export and gcs receipts)
	GoogleSpreadsheetID      string `toml:"google_spreadsheet_id"`
	GoogleServiceAccountJSON string `toml:"google_service_account_json"`
	GoogleServiceAccountFile string `toml:"google_service_account_file"`
	GoogleOAuthClientFile    string `toml:"google_oauth_client_file"`
	GoogleOAuthTokenFile     string `toml:"google_oauth_token_file"`

	// Worker
	SyncBatchSize int           `toml:"sync_batch_size"`
	SyncInterval  time.Duration `toml:"sync_interval"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:     "8081",
		BaseURL:  "http://localhost:8081",
		LogLevel: "info",

		SQLiteDBPath: "./data/carbook.db",

		ReceiptsBackend: "local",
		ReceiptsDir:     "./data/receipts",
		ReceiptsURLTTL:  30 * time.Minute,

		SessionTTL:   30 * 24 * time.Hour,
		MagicLinkTTL: 15 * time.Minute,
		MailBackend:  "log",

		AMQPExchange:     "carbook",
		AMQPRecordsQueue: "carbook.records",
		AMQPMailQueue:    "carbook.mail",

		SyncBatchSize: 50,
		SyncInterval:  time.Minute,
	}
}

// Load builds the configuration from defaults, then the optional TOML file
// named by CARBOOK_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(ConfigFileEnv); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.BaseURL = getEnv("BASE_URL", c.BaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SQLiteDBPath = getEnv("SQLITE_DB_PATH", c.SQLiteDBPath)

	c.ReceiptsBackend = getEnv("RECEIPTS_BACKEND", c.ReceiptsBackend)
	c.ReceiptsDir = getEnv("RECEIPTS_DIR", c.ReceiptsDir)
	c.ReceiptsBucket = getEnv("RECEIPTS_BUCKET", c.ReceiptsBucket)
	c.ReceiptsPublic = getEnvBool("RECEIPTS_PUBLIC", c.ReceiptsPublic)
	c.ReceiptsSigningKey = getEnv("RECEIPTS_SIGNING_KEY", c.ReceiptsSigningKey)
	c.ReceiptsURLTTL = getEnvDuration("RECEIPTS_URL_TTL", c.ReceiptsURLTTL)

	c.SessionTTL = getEnvDuration("SESSION_TTL", c.SessionTTL)
	c.MagicLinkTTL = getEnvDuration("MAGIC_LINK_TTL", c.MagicLinkTTL)
	c.CookieSecure = getEnvBool("COOKIE_SECURE", c.CookieSecure)
	c.MailBackend = getEnv("MAIL_BACKEND", c.MailBackend)

	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", c.AMQPExchange)
	c.AMQPRecordsQueue = getEnv("AMQP_RECORDS_QUEUE", c.AMQPRecordsQueue)
	c.AMQPMailQueue = getEnv("AMQP_MAIL_QUEUE", c.AMQPMailQueue)

	c.GoogleSpreadsheetID = getEnv("GOOGLE_SPREADSHEET_ID", c.GoogleSpreadsheetID)
	c.GoogleServiceAccountJSON = getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", c.GoogleServiceAccountJSON)
	c.GoogleServiceAccountFile = getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", c.GoogleServiceAccountFile)
	c.GoogleOAuthClientFile = getEnv("GOOGLE_OAUTH_CLIENT_FILE", c.GoogleOAuthClientFile)
	c.GoogleOAuthTokenFile = getEnv("GOOGLE_OAUTH_TOKEN_FILE", c.GoogleOAuthTokenFile)

	c.SyncBatchSize = getEnvInt("SYNC_BATCH_SIZE", c.SyncBatchSize)
	c.SyncInterval = getEnvDuration("SYNC_INTERVAL", c.SyncInterval)
}

// DatabaseDriver reports which SQL driver the configuration selects.
func (c *Config) DatabaseDriver() string {
	u := strings.ToLower(c.DatabaseURL)
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// HasGoogleCredentials reports whether any Google credential source is set.
func (c *Config) HasGoogleCredentials() bool {
	return c.GoogleServiceAccountJSON != "" || c.GoogleServiceAccountFile != "" ||
		(c.GoogleOAuthClientFile != "" && c.GoogleOAuthTokenFile != "")
}

// SheetsEnabled reports whether records are mirrored to Google Sheets.
// MailQueued reports whether magic link mail goes through the broker.
// "queue" is accepted as an alias of "amqp".
func (c *Config) MailQueued() bool {
	return c.MailBackend == "amqp" || c.MailBackend == "queue"
}

func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid base URL '%s': must be absolute", c.BaseURL))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of [debug info warn error]", c.LogLevel))
	}

	if c.DatabaseDriver() == "sqlite" {
		if c.DatabaseURL != "" {
			errors = append(errors, fmt.Sprintf("unsupported database URL scheme in '%s': use postgres:// or leave empty for SQLite", redact(c.DatabaseURL)))
		}
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when DATABASE_URL is not set")
		} else if err := ensureDir(filepath.Dir(c.SQLiteDBPath)); err != nil {
			errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", filepath.Dir(c.SQLiteDBPath), err))
		}
	}

	switch c.ReceiptsBackend {
	case "local":
		if c.ReceiptsDir == "" {
			errors = append(errors, "RECEIPTS_DIR is required for the local receipts backend")
		}
	case "gcs":
		if c.ReceiptsBucket == "" {
			errors = append(errors, "RECEIPTS_BUCKET is required for the gcs receipts backend")
		}
		if !c.HasGoogleCredentials() {
			errors = append(errors, "Google credentials are required for the gcs receipts backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid receipts backend '%s': must be one of [local gcs]", c.ReceiptsBackend))
	}
	if c.ReceiptsSigningKey != "" && len(c.ReceiptsSigningKey) < 32 {
		errors = append(errors, "RECEIPTS_SIGNING_KEY must be at least 32 characters")
	}
	if c.ReceiptsURLTTL < time.Minute || c.ReceiptsURLTTL > 7*24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid receipts URL TTL %v: must be between 1 minute and 7 days", c.ReceiptsURLTTL))
	}

	if c.SessionTTL < time.Hour {
		errors = append(errors, fmt.Sprintf("invalid session TTL %v: must be at least 1 hour", c.SessionTTL))
	}
	if c.MagicLinkTTL < time.Minute || c.MagicLinkTTL > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid magic link TTL %v: must be between 1 minute and 24 hours", c.MagicLinkTTL))
	}
	switch c.MailBackend {
	case "log":
	case "amqp", "queue":
		if c.AMQPURL == "" {
			errors = append(errors, fmt.Sprintf("AMQP_URL is required when MAIL_BACKEND is '%s'", c.MailBackend))
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid mail backend '%s': must be one of [log amqp]", c.MailBackend))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPRecordsQueue == "" || c.AMQPMailQueue == "" {
			errors = append(errors, "AMQP queue names cannot be empty when AMQP URL is provided")
		}
	}

	if c.SheetsEnabled() {
		if !c.HasGoogleCredentials() {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_OAUTH_CLIENT_FILE with GOOGLE_OAUTH_TOKEN_FILE must be provided for the sheets export")
		}
		for _, f := range []string{c.GoogleServiceAccountFile, c.GoogleOAuthClientFile, c.GoogleOAuthTokenFile} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google credentials file does not exist: %s", f))
			}
		}
	}

	if c.SyncBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at least 1", c.SyncBatchSize))
	} else if c.SyncBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at most 1000", c.SyncBatchSize))
	}

	if c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// redact hides credentials embedded in a URL.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
