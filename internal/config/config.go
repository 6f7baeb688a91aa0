// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/api and cmd/pushctl.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// --------------------------------------------------------------------------
// Database drivers
// --------------------------------------------------------------------------

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseDriver string        `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBPoolMinConns int           `env:"DB_POOL_MIN_CONNS" envDefault:"2"`
	DBPoolMaxConns int           `env:"DB_POOL_MAX_CONNS" envDefault:"10"`
	DBPoolMaxLife  time.Duration `env:"DB_POOL_MAX_LIFE" envDefault:"30m"`
	SQLitePath     string        `env:"SQLITE_PATH" envDefault:"data/pushgate.db"`
	AutoMigrate    bool          `env:"AUTO_MIGRATE" envDefault:"true"`

	// Server identification, copied into every delivery log line
	Game    string `env:"GAME" envDefault:"pushgate"`
	WorldID string `env:"WORLD_ID" envDefault:"0"`

	// API server
	APIHost     string `env:"API_HOST" envDefault:"0.0.0.0"`
	APIPort     int    `env:"API_PORT" envDefault:"8000"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"` // text, json

	// CORS
	CORSAllowOrigins []string `env:"CORS_ALLOW_ORIGINS" envSeparator:"," envDefault:"*"`

	// Rate limiting
	RateLimitEnabled  bool          `env:"RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"1000"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	// Handler paths
	EventsPath        string `env:"EVENTS_PATH" envDefault:"/events"`
	NotificationsPath string `env:"NOTIFICATIONS_PATH" envDefault:"/notifications"`
	MonitorPath       string `env:"MONITOR_PATH" envDefault:"/monitor"`

	// Request processing
	RequestQueueLimit int `env:"REQUEST_QUEUE_LIMIT" envDefault:"1000"`
	RequestWorkers    int `env:"REQUEST_WORKERS" envDefault:"8"`

	// Events
	LoginEventID      int           `env:"LOGIN_EVENT_ID" envDefault:"1"`
	OptOutEventID     int           `env:"TURN_OFF_NOTIFICATION_EVENT_ID" envDefault:"2"`
	DefaultLanguageID int           `env:"DEFAULT_LANGUAGE_ID" envDefault:"1"`
	MaxDevicesPerUser int           `env:"MAX_DEVICES_PER_USER" envDefault:"10"`
	MaxUsersPerDevice int           `env:"MAX_USERS_PER_DEVICE" envDefault:"1"`
	DefaultTTL        time.Duration `env:"DEFAULT_TTL" envDefault:"6h"`

	// Senders
	EnabledSenders   []string      `env:"ENABLED_SENDERS" envSeparator:"," envDefault:"apns,fcm"`
	SendersFile      string        `env:"SENDERS_FILE"`
	SenderQueueLimit int           `env:"SENDER_QUEUE_LIMIT" envDefault:"10000"`
	SenderRetries    int           `env:"CONNECTION_ERROR_RETRIES" envDefault:"3"`
	SenderBackoff    time.Duration `env:"SENDER_BACKOFF" envDefault:"1s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	DryRun           bool          `env:"DRY_RUN" envDefault:"false"`
	BaseDeeplinkURL  string        `env:"BASE_DEEPLINK_URL" envDefault:"pushgate"`

	// APNs
	APNSWorkers             int           `env:"APNS_WORKERS" envDefault:"10"`
	APNSBatchSize           int           `env:"APNS_BATCH_SIZE" envDefault:"100"`
	APNSInterval            time.Duration `env:"APNS_INTERVAL" envDefault:"1s"`
	APNSCertificatePath     string        `env:"APNS_CERTIFICATE_PATH"`
	APNSCertificatePassword string        `env:"APNS_CERTIFICATE_PASSWORD"`
	APNSKeyPath             string        `env:"APNS_KEY_PATH"`
	APNSKeyID               string        `env:"APNS_KEY_ID"`
	APNSTeamID              string        `env:"APNS_TEAM_ID"`
	APNSTopic               string        `env:"APNS_TOPIC"`
	APNSSandbox             bool          `env:"APNS_SANDBOX" envDefault:"false"`

	// FCM (Firebase Admin SDK)
	FCMWorkers         int    `env:"FCM_WORKERS" envDefault:"30"`
	FCMBatchSize       int    `env:"FCM_BATCH_SIZE" envDefault:"100"`
	FCMCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`

	// GCM (legacy HTTP)
	GCMWorkers   int    `env:"GCM_WORKERS" envDefault:"30"`
	GCMAccessKey string `env:"GCM_ACCESS_KEY"`
	GCMEndpoint  string `env:"GCM_ENDPOINT" envDefault:"https://fcm.googleapis.com/fcm/send"`

	// SNS mobile push
	SNSWorkers   int    `env:"SNS_WORKERS" envDefault:"10"`
	SNSRegion    string `env:"SNS_REGION" envDefault:"us-east-1"`
	SNSPlatforms []int  `env:"SNS_PLATFORMS" envSeparator:","`

	// Delivery log
	DeliveryLogDir string `env:"NOTIFICATION_LOG_PATH" envDefault:"logs"`
	KeepLogDays    int    `env:"KEEP_LOG_DAYS" envDefault:"7"`

	// Maintenance
	RegistryReloadInterval  time.Duration `env:"REGISTRY_RELOAD_INTERVAL" envDefault:"5m"`
	SendRecordPruneInterval time.Duration `env:"SEND_RECORD_PRUNE_INTERVAL" envDefault:"1h"`

	// Senders resolved from ENABLED_SENDERS or SENDERS_FILE.
	Senders []SenderConfig `env:"-"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, errors.New("SQLITE_PATH must be set when DB_DRIVER=sqlite")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DatabaseDriver)
	}

	if cfg.RequestWorkers < 1 {
		return nil, fmt.Errorf("REQUEST_WORKERS must be positive, got %d", cfg.RequestWorkers)
	}
	if cfg.RequestQueueLimit < 1 {
		return nil, fmt.Errorf("REQUEST_QUEUE_LIMIT must be positive, got %d", cfg.RequestQueueLimit)
	}

	if cfg.SendersFile != "" {
		cfg.Senders, err = loadSendersFile(cfg.SendersFile)
		if err != nil {
			return nil, err
		}
	} else {
		for _, name := range cfg.EnabledSenders {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Senders = append(cfg.Senders, SenderConfig{Name: name})
			}
		}
	}
	for i := range cfg.Senders {
		cfg.applySenderDefaults(&cfg.Senders[i])
	}

	return &cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
