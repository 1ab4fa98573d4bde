package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds all environment configuration values for the client and the relay.
// These values are loaded from a .env file at startup.
type Config struct {
	// WebSocketURL is the endpoint of the persistent message channel.
	// The auth token is appended as the "token" query parameter.
	WebSocketURL string

	// APIBaseURL is the root of the key-storage, user-directory and history APIs
	APIBaseURL string

	// AuthToken is the bearer token used for both the socket and the REST APIs
	AuthToken string

	// UserID is the numeric id of the signed-in user
	UserID int64

	// ReconnectInterval is the fixed delay before each reconnect attempt
	ReconnectInterval time.Duration

	// MaxReconnectAttempts bounds automatic reconnection after an abnormal closure
	MaxReconnectAttempts int

	// FileChunkDelay is the pause between outbound file chunks
	FileChunkDelay time.Duration

	// MaxFileSize is the largest file accepted for sending, in bytes
	MaxFileSize int64

	// DedupCapacity and DedupTTL bound the processed-message-id set
	DedupCapacity int
	DedupTTL      time.Duration

	// TransferTimeout is how long an inbound transfer may sit idle before it is dropped
	TransferTimeout time.Duration

	// CleanupInterval is how often stale transfers are swept
	CleanupInterval time.Duration

	// DownloadDir is where received files are written
	DownloadDir string

	// LogLevel and LogFormat configure logrus ("text" or "json")
	LogLevel  string
	LogFormat string

	// ServerPort is the port the development relay listens on
	ServerPort string

	// CORSOrigins lists the origins the relay accepts
	CORSOrigins []string

	// RedisURL selects the Redis-backed relay store; empty means in-memory
	RedisURL string

	// RelayTokens maps accepted socket tokens to users, "token:userId[:name]" entries
	RelayTokens []string
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment variables.
// Falls back to sensible defaults if values are not set.
func Load() *Config {
	// Attempt to load .env file - not an error if it doesn't exist
	// as we may be running with real environment variables
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using environment variables")
	}

	config := &Config{
		WebSocketURL:         getEnv("WS_URL", "ws://localhost:8080/ws/messages"),
		APIBaseURL:           getEnv("API_BASE_URL", "http://localhost:8080"),
		AuthToken:            getEnv("AUTH_TOKEN", ""),
		UserID:               getEnvInt64("USER_ID", 0),
		ReconnectInterval:    getEnvDuration("RECONNECT_INTERVAL", 3*time.Second),
		MaxReconnectAttempts: int(getEnvInt64("MAX_RECONNECT_ATTEMPTS", 5)),
		FileChunkDelay:       getEnvDuration("FILE_CHUNK_DELAY", 10*time.Millisecond),
		MaxFileSize:          getEnvInt64("MAX_FILE_SIZE", 100*1024*1024),
		DedupCapacity:        int(getEnvInt64("DEDUP_CAPACITY", 10000)),
		DedupTTL:             getEnvDuration("DEDUP_TTL", 30*time.Minute),
		TransferTimeout:      getEnvDuration("TRANSFER_TIMEOUT", 5*time.Minute),
		CleanupInterval:      getEnvDuration("CLEANUP_INTERVAL", time.Minute),
		DownloadDir:          getEnv("DOWNLOAD_DIR", "downloads"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		ServerPort:           getEnv("PORT", "8080"),
		CORSOrigins:          getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		RedisURL:             getEnv("REDIS_URL", ""),
		RelayTokens:          getEnvList("RELAY_TOKENS", nil),
	}

	return config
}

// Validate reports the settings a client cannot run without.
func (c *Config) Validate() []string {
	var missing []string
	if c.AuthToken == "" {
		missing = append(missing, "AUTH_TOKEN")
	}
	if c.UserID == 0 {
		missing = append(missing, "USER_ID")
	}
	return missing
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		log.WithField("key", key).WithError(err).Warn("Invalid integer, using default")
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		log.WithField("key", key).WithError(err).Warn("Invalid duration, using default")
		return defaultValue
	}
	return d
}

// getEnvList splits a comma-separated variable and trims whitespace
func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
