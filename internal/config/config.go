package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ICEModeSTUNTURN = "stun-turn"
	ICEModeSTUNOnly = "stun-only"
	ICEModeTURNOnly = "turn-only"

	DefaultSTUN = "stun:stun.l.google.com:19302"
)

type Config struct {
	LogLevel string
	Server   ServerConfig
	Redis    RedisConfig
	ICE      ICEConfig
	Call     CallConfig
}

type ServerConfig struct {
	Addr           string
	JWTSecret      string
	TokenTTL       time.Duration
	AllowedOrigins []string
	Presence       string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ICEConfig struct {
	Mode         string
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

type CallConfig struct {
	Transport            string
	RelayURL             string
	Token                string
	Media                string
	RecordDir            string
	InboxSize            int
	MailboxSize          int
	MaxPendingCandidates int
	ReconnectDelay       time.Duration
	PublishTimeout       time.Duration
}

// Load reads the configuration from the environment. Unset variables take
// their defaults; malformed numbers fall back to the default as well.
func Load() *Config {
	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Addr:           getEnv("ADDR", ":8080"),
			JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
			TokenTTL:       getDuration("TOKEN_TTL", 24*time.Hour),
			AllowedOrigins: splitAndClean(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
			Presence:       getEnv("PRESENCE_STORE", "memory"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		ICE: ICEConfig{
			Mode:         getEnv("ICE_MODE", ICEModeSTUNTURN),
			STUNURLs:     splitAndClean(getEnv("STUN_URLS", DefaultSTUN)),
			TURNURLs:     splitAndClean(getEnv("TURN_URLS", "")),
			TURNUsername: getEnv("TURN_USERNAME", ""),
			TURNPassword: getEnv("TURN_PASSWORD", ""),
		},
		Call: CallConfig{
			Transport:            getEnv("CALL_TRANSPORT", "ws"),
			RelayURL:             getEnv("RELAY_URL", "ws://localhost:8080/ws"),
			Token:                getEnv("RELAY_TOKEN", ""),
			Media:                getEnv("CALL_MEDIA", "pion"),
			RecordDir:            getEnv("RECORD_DIR", ""),
			InboxSize:            getInt("CALL_INBOX_SIZE", 256),
			MailboxSize:          getInt("CALL_MAILBOX_SIZE", 32),
			MaxPendingCandidates: getInt("CALL_MAX_PENDING_CANDIDATES", 64),
			ReconnectDelay:       getDuration("RECONNECT_DELAY", 5*time.Second),
			PublishTimeout:       getDuration("CALL_PUBLISH_TIMEOUT", 500*time.Millisecond),
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.ICE.Mode {
	case ICEModeSTUNTURN, ICEModeSTUNOnly, ICEModeTURNOnly:
	default:
		errs = append(errs, fmt.Errorf("unknown ICE mode %q", c.ICE.Mode))
	}
	switch c.Call.Transport {
	case "ws", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown call transport %q", c.Call.Transport))
	}
	switch c.Call.Media {
	case "pion", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown call media %q", c.Call.Media))
	}
	switch c.Server.Presence {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown presence store %q", c.Server.Presence))
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("JWT secret must not be empty"))
	}
	if c.Call.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("reconnect delay must be positive"))
	}
	if c.Call.PublishTimeout <= 0 {
		errs = append(errs, errors.New("publish timeout must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
