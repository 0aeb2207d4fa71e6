package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	API        APIConfig
	Worker     WorkerConfig
	WhatsApp   WhatsAppConfig
	CRM        CRMConfig
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
	Phone      PhoneConfig
	Log        LogConfig
	Reconciler ReconcilerConfig
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// APIConfig holds API server configuration
type APIConfig struct {
	Port int
}

// WorkerConfig holds dispatch worker configuration
type WorkerConfig struct {
	TickInterval   time.Duration
	BatchSize      int
	BackoffBase    time.Duration
	MaxAttempts    int
	DeliveryWindow string
	Timezone       string
	StaleAfter     time.Duration
	MetricsPort    int
	DryRun         bool
}

// WhatsAppConfig holds messaging provider configuration
type WhatsAppConfig struct {
	BaseURL       string
	APIVersion    string
	AccessToken   string
	PhoneNumberID string
	SenderLabel   string
	WABAID        string
	DefaultQPS    int
	AppSecret     string
	VerifyToken   string
	Timeout       time.Duration
}

// CRMConfig holds CRM REST and OAuth configuration
type CRMConfig struct {
	PortalURL    string
	OAuthURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Timeout      time.Duration
}

// RedisConfig holds the shared token store configuration
type RedisConfig struct {
	URL      string
	TokenKey string
}

// RabbitMQConfig holds status fan-out configuration
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// PhoneConfig holds phone normalization defaults
type PhoneConfig struct {
	CountryCode    string
	NationalLength int
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string
	File  string
}

// ReconcilerConfig holds webhook correlation options
type ReconcilerConfig struct {
	ReplyPhoneFallback bool
}

// Load reads configuration from environment variables, after loading a .env file if present
func Load() (*Config, error) {
	// A missing .env is normal in containers; real env vars always win.
	_ = godotenv.Load()

	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	apiPort, err := getEnvInt("API_PORT", 8080)
	if err != nil {
		return nil, err
	}

	batchSize, err := getEnvInt("WORKER_BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}

	maxAttempts, err := getEnvInt("WORKER_MAX_ATTEMPTS", 10)
	if err != nil {
		return nil, err
	}

	metricsPort, err := getEnvInt("WORKER_METRICS_PORT", 9091)
	if err != nil {
		return nil, err
	}

	tick, err := getEnvMillis("WORKER_TICK_MS", 300)
	if err != nil {
		return nil, err
	}

	backoff, err := getEnvMillis("WORKER_BACKOFF_MS", 3000)
	if err != nil {
		return nil, err
	}

	staleAfter, err := getEnvDuration("WORKER_STALE_AFTER", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	defaultQPS, err := getEnvInt("WA_DEFAULT_QPS", 5)
	if err != nil {
		return nil, err
	}

	waTimeout, err := getEnvDuration("WA_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	crmTimeout, err := getEnvDuration("CRM_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	nationalLength, err := getEnvInt("PHONE_NATIONAL_LENGTH", 9)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "campaigns"),
			Password: getEnv("DB_PASSWORD", "campaigns"),
			DBName:   getEnv("DB_NAME", "campaigns"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		API: APIConfig{
			Port: apiPort,
		},
		Worker: WorkerConfig{
			TickInterval:   tick,
			BatchSize:      batchSize,
			BackoffBase:    backoff,
			MaxAttempts:    maxAttempts,
			DeliveryWindow: getEnv("DELIVERY_WINDOW", ""),
			Timezone:       getEnv("DELIVERY_TIMEZONE", "America/Lima"),
			StaleAfter:     staleAfter,
			MetricsPort:    metricsPort,
			DryRun:         getEnvBool("WORKER_DRY_RUN", false),
		},
		WhatsApp: WhatsAppConfig{
			BaseURL:       getEnv("WA_BASE_URL", "https://graph.facebook.com"),
			APIVersion:    getEnv("WA_API_VERSION", "v20.0"),
			AccessToken:   getEnv("WA_ACCESS_TOKEN", ""),
			PhoneNumberID: getEnv("WA_PHONE_NUMBER_ID", ""),
			SenderLabel:   getEnv("WA_SENDER_LABEL", "default"),
			WABAID:        getEnv("WA_WABA_ID", ""),
			DefaultQPS:    defaultQPS,
			AppSecret:     getEnv("WA_APP_SECRET", ""),
			VerifyToken:   getEnv("WA_VERIFY_TOKEN", ""),
			Timeout:       waTimeout,
		},
		CRM: CRMConfig{
			PortalURL:    strings.TrimRight(getEnv("CRM_PORTAL_URL", ""), "/"),
			OAuthURL:     getEnv("CRM_OAUTH_URL", "https://oauth.bitrix.info/oauth/token/"),
			ClientID:     getEnv("CRM_CLIENT_ID", ""),
			ClientSecret: getEnv("CRM_CLIENT_SECRET", ""),
			RefreshToken: getEnv("CRM_REFRESH_TOKEN", ""),
			Timeout:      crmTimeout,
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			TokenKey: getEnv("REDIS_TOKEN_KEY", "crm:oauth_token"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "campaign_events"),
		},
		Phone: PhoneConfig{
			CountryCode:    getEnv("PHONE_COUNTRY_CODE", "51"),
			NationalLength: nationalLength,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
		Reconciler: ReconcilerConfig{
			ReplyPhoneFallback: getEnvBool("REPLY_PHONE_FALLBACK", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that cannot be caught while parsing
func (c *Config) Validate() error {
	if c.Worker.TickInterval <= 0 {
		return fmt.Errorf("WORKER_TICK_MS must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if c.Worker.MaxAttempts < 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must not be negative")
	}
	if c.Worker.DeliveryWindow != "" && !validWindow(c.Worker.DeliveryWindow) {
		return fmt.Errorf("invalid DELIVERY_WINDOW %q (want HH:MM-HH:MM)", c.Worker.DeliveryWindow)
	}
	if _, err := time.LoadLocation(c.Worker.Timezone); err != nil {
		return fmt.Errorf("invalid DELIVERY_TIMEZONE: %w", err)
	}
	return nil
}

// DSN returns the database connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func validWindow(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if _, err := time.Parse("15:04", strings.TrimSpace(p)); err != nil {
			return false
		}
	}
	return true
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvMillis(key string, defaultValue int) (time.Duration, error) {
	v, err := getEnvInt(key, defaultValue)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v, err := time.ParseDuration(getEnv(key, defaultValue.String()))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return v
}
