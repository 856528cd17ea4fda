package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the xctf controller.
type Config struct {
	Port     int
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Redis (locks, rate limits, notification pub/sub)
	RedisURL string

	// NATS task queue
	NATSURL string

	// Auth
	JWTSecret     string // shared secret for session cookies
	SessionTTLHrs int    // session lifetime, default 24

	// Public address users are redirected to for sandbox access,
	// e.g. "ctf.example.org:8080". The port is swapped for the
	// sandbox's published host port.
	ServerName string

	// Sandbox volumes
	VolumeBase   string // base directory for loop-backed volume images
	VolumeSizeMB int    // per-sandbox volume size, default 100

	// Firewall
	NftablesRulesFile string // persisted rule dump, empty disables

	// Docker
	DockerBin string // docker binary, default resolved from PATH

	// Rate limiting
	RateLimitEnabled bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     envOrDefaultInt("XCTF_PORT", 8080),
		LogLevel: envOrDefault("XCTF_LOG_LEVEL", "info"),

		DatabaseURL: envOrDefault("XCTF_DATABASE_URL", os.Getenv("DATABASE_URL")),
		RedisURL:    envOrDefault("XCTF_REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:     envOrDefault("XCTF_NATS_URL", "nats://localhost:4222"),

		JWTSecret:     os.Getenv("XCTF_JWT_SECRET"),
		SessionTTLHrs: envOrDefaultInt("XCTF_SESSION_TTL_HOURS", 24),

		ServerName: envOrDefault("XCTF_SERVER_NAME", "localhost:8080"),

		VolumeBase:   envOrDefault("XCTF_VOLUME_BASE", "/tmp/xctf_volumes"),
		VolumeSizeMB: envOrDefaultInt("XCTF_VOLUME_SIZE_MB", 100),

		NftablesRulesFile: envOrDefault("XCTF_NFTABLES_RULES_FILE", "/etc/nftables/xctf-rules.conf"),

		DockerBin: os.Getenv("XCTF_DOCKER_BIN"),

		RateLimitEnabled: envOrDefault("XCTF_RATE_LIMIT", "true") == "true",
	}

	return cfg, nil
}

func envOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func envOrDefaultInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}
