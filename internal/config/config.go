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
	Server   ServerConfig
	MongoDB  MongoDBConfig
	Redis    RedisConfig
	Firebase FirebaseConfig
	JWT      JWTConfig
	OTEL     OTELConfig
	S3       S3Config
	Log      LogConfig
	Epay     EpayConfig
	IMSI     IMSIConfig
	Autopay  AutopayConfig
	Tariff   TariffConfig
	Admin    AdminConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string
	BodyLimitKB    int64
	IdempotencyTTL time.Duration
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
}

// FirebaseConfig holds Firebase Admin SDK configuration
type FirebaseConfig struct {
	ProjectID   string
	PrivateKey  string // Base64 encoded
	ClientEmail string
}

// JWTConfig holds session token settings
type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

// OTELConfig holds OpenTelemetry exporter settings (Grafana Cloud)
type OTELConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	InstanceID     string
	Token          string
}

// S3Config holds the object store used to archive raw webhook payloads.
// Archiving is off when Endpoint is empty.
type S3Config struct {
	Endpoint string
	Region   string
	Bucket   string
}

// LogConfig holds zerolog settings
type LogConfig struct {
	Level  string
	Format string // json | console
}

// EpayConfig holds Halyk ePay gateway configuration
type EpayConfig struct {
	OAuthURL               string
	APIURL                 string
	ClientID               string
	ClientSecret           string
	TerminalID             string
	PostLinkBaseURL        string
	CheckoutBaseURL        string
	PaymentPageJS          string
	DefaultBackLink        string
	DefaultFailureBackLink string
	Timeout                time.Duration
	RequestsPerSecond      float64
}

// IMSIConfig holds the wholesaler API configuration
type IMSIConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// AutopayConfig holds the data-balance recharge policy
type AutopayConfig struct {
	Enabled     bool
	ThresholdMB float64
	PackageMB   float64
	Cooldown    time.Duration
	USDToKZT    float64
}

// TariffConfig holds the wholesale rate feed location
type TariffConfig struct {
	RatesURL string
	CacheTTL time.Duration
}

// AdminConfig holds operator access settings
type AdminConfig struct {
	APIKeyHash string // hex SHA-256 of the X-Admin-Key value
}

// Load reads configuration from environment variables
// It attempts to load from .env file first, then falls back to system env vars
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			BodyLimitKB:    getEnvAsInt64("BODY_LIMIT_KB", 512),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
			Database: getEnv("MONGODB_DATABASE", "vinksim"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Firebase: FirebaseConfig{
			ProjectID:   getEnv("FIREBASE_PROJECT_ID", ""),
			PrivateKey:  getEnv("FIREBASE_PRIVATE_KEY", ""),
			ClientEmail: getEnv("FIREBASE_CLIENT_EMAIL", ""),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			TTL:    getEnvAsDuration("JWT_TTL", 24*time.Hour),
		},
		OTEL: OTELConfig{
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "esimpay-api"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getEnv("OTEL_ENVIRONMENT", "development"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			InstanceID:     getEnv("OTEL_INSTANCE_ID", ""),
			Token:          getEnv("OTEL_TOKEN", ""),
		},
		S3: S3Config{
			Endpoint: getEnv("S3_ENDPOINT", ""),
			Region:   getEnv("S3_REGION", "us-east-1"),
			Bucket:   getEnv("S3_BUCKET", "epay-webhooks"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Epay: EpayConfig{
			OAuthURL:               getEnv("EPAY_OAUTH_URL", "https://testoauth.homebank.kz/epay2/oauth2/token"),
			APIURL:                 getEnv("EPAY_API_URL", "https://testepay.homebank.kz/api"),
			ClientID:               getEnv("EPAY_CLIENT_ID", ""),
			ClientSecret:           getEnv("EPAY_CLIENT_SECRET", ""),
			TerminalID:             getEnv("EPAY_TERMINAL_ID", ""),
			PostLinkBaseURL:        getEnv("EPAY_POSTLINK_BASE_URL", "http://localhost:8080"),
			CheckoutBaseURL:        getEnv("EPAY_CHECKOUT_BASE_URL", "http://localhost:8080"),
			PaymentPageJS:          getEnv("EPAY_PAYMENT_PAGE_JS", "https://test-epay.homebank.kz/payform/payment-api.js"),
			DefaultBackLink:        getEnv("EPAY_DEFAULT_BACK_LINK", ""),
			DefaultFailureBackLink: getEnv("EPAY_DEFAULT_FAILURE_BACK_LINK", ""),
			Timeout:                getEnvAsDuration("EPAY_TIMEOUT", 15*time.Second),
			RequestsPerSecond:      getEnvAsFloat("EPAY_RPS", 10),
		},
		IMSI: IMSIConfig{
			BaseURL:  getEnv("IMSI_API_URL", ""),
			Username: getEnv("IMSI_USERNAME", ""),
			Password: getEnv("IMSI_PASSWORD", ""),
			Timeout:  getEnvAsDuration("IMSI_TIMEOUT", 10*time.Second),
		},
		Autopay: AutopayConfig{
			Enabled:     getEnvAsBool("EPAY_ESIM_AUTOPAY_ENABLED", false),
			ThresholdMB: getEnvAsFloat("EPAY_ESIM_AUTOPAY_THRESHOLD_MB", 300),
			PackageMB:   getEnvAsFloat("EPAY_ESIM_AUTOPAY_PACKAGE_MB", 3000),
			Cooldown:    time.Duration(maxInt64(1, getEnvAsInt64("EPAY_ESIM_AUTOPAY_COOLDOWN_MINUTES", 30))) * time.Minute,
			USDToKZT:    getEnvAsFloat("EPAY_USD_TO_KZT_RATE", 450),
		},
		Tariff: TariffConfig{
			RatesURL: getEnv("TARIFF_RATES_URL", "https://imsimarket.com/js/data/alternative.rates.json"),
			CacheTTL: getEnvAsDuration("TARIFF_CACHE_TTL", time.Hour),
		},
		Admin: AdminConfig{
			APIKeyHash: strings.ToLower(getEnv("ADMIN_API_KEY_HASH", "")),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Firebase.ProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Epay.ClientID == "" || c.Epay.ClientSecret == "" {
		return fmt.Errorf("EPAY_CLIENT_ID and EPAY_CLIENT_SECRET are required")
	}
	if c.Epay.TerminalID == "" {
		return fmt.Errorf("EPAY_TERMINAL_ID is required")
	}
	if c.IMSI.BaseURL == "" {
		return fmt.Errorf("IMSI_API_URL is required")
	}
	if len(c.Admin.APIKeyHash) != 64 {
		return fmt.Errorf("ADMIN_API_KEY_HASH must be a hex SHA-256 digest")
	}
	if c.Autopay.Enabled && (c.Autopay.PackageMB <= 0 || c.Autopay.USDToKZT <= 0) {
		return fmt.Errorf("autopay requires positive EPAY_ESIM_AUTOPAY_PACKAGE_MB and EPAY_USD_TO_KZT_RATE")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt64 retrieves an environment variable as int64 or returns a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("15s", "1h")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
