package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// NATS (optional, best-effort snapshot cache)
	NatsURL string

	// Auth
	ValidatorType string // "jwk" or "none"
	JWTJWKSURL    string

	// Replica cache
	ReplicaCacheTTL       time.Duration // in-memory replica lifetime per user
	SnapshotUpdateBacklog int           // compact to a fresh snapshot once this many updates accumulate

	// Sync rate limiting
	SyncRateLimitEnabled bool
	SyncRatePerSecond    float64 `yaml:"sync_rate_per_second"`
	SyncRateBurst        int     `yaml:"sync_rate_burst"`
	SyncRetryAfter       time.Duration

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var (
	AppConfig *Config

	DefaultReplicaCacheTTL = time.Hour
	DefaultSyncRetryAfter  = 30 * time.Second
)

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/chat_sync?sslmode=disable"),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Auth
		ValidatorType: getEnvOrDefault("VALIDATOR_TYPE", "jwk"),
		JWTJWKSURL:    getEnvOrDefault("JWT_JWKS_URL", ""),

		// Replica cache
		ReplicaCacheTTL:       getEnvAsDuration("REPLICA_CACHE_TTL", DefaultReplicaCacheTTL),
		SnapshotUpdateBacklog: getEnvAsInt("SNAPSHOT_UPDATE_BACKLOG", 200),

		// Sync rate limiting
		SyncRateLimitEnabled: getEnvOrDefault("SYNC_RATE_LIMIT_ENABLED", "true") == "true",
		SyncRatePerSecond:    getEnvFloat("SYNC_RATE_PER_SECOND", 2),
		SyncRateBurst:        getEnvAsInt("SYNC_RATE_BURST", 10),
		SyncRetryAfter:       getEnvAsDuration("SYNC_RETRY_AFTER", DefaultSyncRetryAfter),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional configuration file for settings that should not be overridden by
	// environment variables.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		log.Printf("Loading config file: %v", configFilePath)

		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.ValidatorType == "jwk" && AppConfig.JWTJWKSURL == "" {
		log.Println("Warning: JWT_JWKS_URL is not set; token validation runs in development mode.")
	}

	if AppConfig.NatsURL == "" {
		log.Println("NATS_URL not set; distributed snapshot cache disabled")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
