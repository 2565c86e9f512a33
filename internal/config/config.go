// Package config loads the collaboration server's settings from
// environment variables with defaults, the way the teacher reads startup
// flags in crdtserver/main.go, adapted to env vars per the deployment
// surface this server targets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the configuration surface.
type Config struct {
	LogLevel  string // log.level
	LogFormat string // log.format: console|json

	StoreDSN      string // store.dsn
	StoreDatabase string // store.database

	HTTPAddr           string
	HTTPBodyLimit      int64    // http.bodyLimitBytes
	HTTPRateLimitRPM   int      // http.rateLimitRpm
	CORSAllowedOrigins []string // cors.allowedOrigins

	PersistDebounce     time.Duration // persist.debounceMs
	PersistRetryMax     int           // persist.retryMax
	PersistRetryBackoff time.Duration // persist.retryBackoffMs

	AwarenessTTL time.Duration // awareness.ttlMs

	HandshakeTimeout time.Duration // session.handshakeTimeoutMs
	PongTimeout      time.Duration // transport.pongTimeoutMs
	PingInterval     time.Duration // transport.pingIntervalMs
	OutboundBuffer   int           // transport.outboundBufferFrames
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "console"),

		StoreDSN:      getenv("STORE_DSN", "mongodb://localhost:27017"),
		StoreDatabase: getenv("STORE_DATABASE", "notecollab"),

		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		CORSAllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
	}

	var err error
	if cfg.HTTPBodyLimit, err = getenvInt64("HTTP_BODY_LIMIT_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if cfg.HTTPRateLimitRPM, err = getenvInt("HTTP_RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}
	if cfg.PersistDebounce, err = getenvMillis("PERSIST_DEBOUNCE_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.PersistRetryMax, err = getenvInt("PERSIST_RETRY_MAX", 5); err != nil {
		return nil, err
	}
	if cfg.PersistRetryBackoff, err = getenvMillis("PERSIST_RETRY_BACKOFF_MS", 250); err != nil {
		return nil, err
	}
	if cfg.AwarenessTTL, err = getenvMillis("AWARENESS_TTL_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout, err = getenvMillis("SESSION_HANDSHAKE_TIMEOUT_MS", 10000); err != nil {
		return nil, err
	}
	if cfg.PongTimeout, err = getenvMillis("TRANSPORT_PONG_TIMEOUT_MS", 15000); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = getenvMillis("TRANSPORT_PING_INTERVAL_MS", 5000); err != nil {
		return nil, err
	}
	if cfg.OutboundBuffer, err = getenvInt("TRANSPORT_OUTBOUND_BUFFER_FRAMES", 256); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvMillis(key string, defMillis int64) (time.Duration, error) {
	n, err := getenvInt64(key, defMillis)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
