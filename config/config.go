package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort int
	Database   DatabaseConfig
	Auth       AuthConfig
	RabbitMQ   RabbitMQConfig
	PubSub     PubSubConfig
	Minio      MinioConfig
	GCS        GCSConfig
	Audit      AuditConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// AuthConfig holds the signing key and the lockout/MFA policy knobs.
type AuthConfig struct {
	// JWTSecret is the HMAC signing key for session tokens. Required.
	JWTSecret string
	// TokenTTL is the session token validity window.
	TokenTTL time.Duration
	// MFATokenTTL is the validity window of the intermediate token
	// issued when a login still needs a TOTP code.
	MFATokenTTL time.Duration
	// LockoutThreshold is the failed-attempt count that triggers a lock.
	LockoutThreshold int
	// LockoutDuration is how long a triggered lock lasts.
	LockoutDuration time.Duration
	// MFAIssuer is the issuer name embedded in TOTP provisioning URIs.
	MFAIssuer string
	// LoginRatePerMinute caps login attempts per client IP.
	LoginRatePerMinute int
	// LoginFailureLimit caps recorded failures per email/IP pair within
	// LoginFailureWindow before logins are throttled. Zero disables it.
	LoginFailureLimit int
	// LoginFailureWindow is the lookback window for LoginFailureLimit.
	LoginFailureWindow time.Duration
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	ProjectID       string
	CredentialsFile string
	Bucket          string
}

// AuditConfig controls the security-event pipeline.
type AuditConfig struct {
	// Broker selects the fanout backend: "rabbitmq", "pubsub", or ""
	// to disable broker fanout.
	Broker string
	// Channel is the broker channel security events are published to.
	Channel string
	// BufferSize is the in-process event queue capacity.
	BufferSize int
	// ArchiveBackend selects the archive store: "minio", "gcs", or ""
	// to disable archiving.
	ArchiveBackend string
	// ArchiveInterval is how often buffered events are flushed to
	// object storage.
	ArchiveInterval time.Duration
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "taskhub"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "taskhub_db"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
	}

	authConfig := AuthConfig{
		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenTTL:           getEnvDuration("TOKEN_TTL", 24*time.Hour),
		MFATokenTTL:        getEnvDuration("MFA_TOKEN_TTL", 5*time.Minute),
		LockoutThreshold:   getEnvInt("LOCKOUT_THRESHOLD", 5),
		LockoutDuration:    getEnvDuration("LOCKOUT_DURATION", 30*time.Minute),
		MFAIssuer:          getEnv("MFA_ISSUER", "TaskHub"),
		LoginRatePerMinute: getEnvInt("LOGIN_RATE_PER_MINUTE", 10),
		LoginFailureLimit:  getEnvInt("LOGIN_FAILURE_LIMIT", 20),
		LoginFailureWindow: getEnvDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute),
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		Database:   dbConfig,
		Auth:       authConfig,
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
			QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH_COUNT", 0),
		},
		PubSub: PubSubConfig{
			ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
			CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
			SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
		},
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "taskhub-audit"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		GCS: GCSConfig{
			ProjectID:       getEnv("GCS_PROJECT_ID", ""),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			Bucket:          getEnv("GCS_BUCKET", "taskhub-audit"),
		},
		Audit: AuditConfig{
			Broker:          getEnv("AUDIT_BROKER", ""),
			Channel:         getEnv("AUDIT_CHANNEL", "security-events"),
			BufferSize:      getEnvInt("AUDIT_BUFFER_SIZE", 256),
			ArchiveBackend:  getEnv("AUDIT_ARCHIVE_BACKEND", ""),
			ArchiveInterval: getEnvDuration("AUDIT_ARCHIVE_INTERVAL", 5*time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
