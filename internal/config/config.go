package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Addr      string
	Env       string
	LogLevel  string
	PublicURL string

	DatabaseDSN string
	RedisAddr   string
	JWTSecret   string
	TokenTTL    time.Duration

	StorageDir     string
	MaxUploadBytes int64

	// Realtime
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
	TypingTTL         time.Duration

	PageSize       int
	AllowedOrigins []string

	// Per-user limit on room and message creation.
	WriteLimit  int
	WriteWindow time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present (development).
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ADDR", ":8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("STORAGE_DIR", "uploads")
	v.SetDefault("MAX_UPLOAD_BYTES", 10<<20)
	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("PRESENCE_TIMEOUT", "90s")
	v.SetDefault("TYPING_TTL", "8s")
	v.SetDefault("PAGE_SIZE", 20)
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("WRITE_LIMIT", 60)
	v.SetDefault("WRITE_WINDOW", "1m")
	return v
}

// Parse builds a Config from v and validates it.
func Parse(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Addr:              v.GetString("ADDR"),
		Env:               v.GetString("ENV"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		PublicURL:         strings.TrimRight(v.GetString("PUBLIC_URL"), "/"),
		DatabaseDSN:       v.GetString("DB_DSN"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		TokenTTL:          v.GetDuration("TOKEN_TTL"),
		StorageDir:        v.GetString("STORAGE_DIR"),
		MaxUploadBytes:    v.GetInt64("MAX_UPLOAD_BYTES"),
		HeartbeatInterval: v.GetDuration("HEARTBEAT_INTERVAL"),
		PresenceTimeout:   v.GetDuration("PRESENCE_TIMEOUT"),
		TypingTTL:         v.GetDuration("TYPING_TTL"),
		PageSize:          v.GetInt("PAGE_SIZE"),
		WriteLimit:        v.GetInt("WRITE_LIMIT"),
		WriteWindow:       v.GetDuration("WRITE_WINDOW"),
	}
	for _, origin := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.IsProduction() && c.DatabaseDSN == "" {
		return errors.New("DB_DSN is required in production")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if c.PresenceTimeout <= c.HeartbeatInterval {
		return errors.New("PRESENCE_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}
	if c.TypingTTL <= 0 {
		return errors.New("TYPING_TTL must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		return errors.New("PAGE_SIZE must be between 1 and 100")
	}
	if c.WriteLimit <= 0 || c.WriteWindow <= 0 {
		return errors.New("WRITE_LIMIT and WRITE_WINDOW must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
