package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the API server needs. Values are resolved
// in order: built-in defaults, optional YAML file, then environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         string `yaml:"port"`
	Env          string `yaml:"env"`
	Debug        bool   `yaml:"debug"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// DatabaseConfig selects the gorm driver. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// JWTConfig configures token signing.
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// SMTPConfig is passed to the mailer at construction time.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
}

// Enabled reports whether enough credentials are present to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Username != "" && c.Password != ""
}

// RateLimitConfig sets requests per minute for each route group.
type RateLimitConfig struct {
	AuthPerMinute    float64 `yaml:"auth_per_minute"`
	DefaultPerMinute float64 `yaml:"default_per_minute"`
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Env:          "development",
			MaxBodyBytes: 15 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "ecoswap.db",
		},
		JWT: JWTConfig{
			AccessTTL:  24 * time.Hour,
			RefreshTTL: 48 * time.Hour,
		},
		SMTP: SMTPConfig{
			Host:     "smtp.gmail.com",
			Port:     587,
			FromName: "EcoSwap",
		},
		RateLimit: RateLimitConfig{
			AuthPerMinute:    10,
			DefaultPerMinute: 300,
		},
	}
}

// Load resolves the configuration. path may be empty; when set the YAML
// file must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, using process environment")
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("ECOSWAP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required (JWT_SECRET_KEY)")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.Env = getEnv("ENV", cfg.Server.Env)
	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("DATABASE_URL", cfg.Database.DSN)
	cfg.JWT.Secret = getEnv("JWT_SECRET_KEY", cfg.JWT.Secret)
	cfg.SMTP.Host = getEnv("SMTP_SERVER", cfg.SMTP.Host)
	cfg.SMTP.Username = getEnv("SMTP_USERNAME", cfg.SMTP.Username)
	cfg.SMTP.Password = getEnv("SMTP_PASSWORD", cfg.SMTP.Password)
	cfg.SMTP.From = getEnv("FROM_EMAIL", cfg.SMTP.From)
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.Username
	}

	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Server.Debug = v == "true"
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_PORT %q: %w", v, err)
		}
		cfg.SMTP.Port = port
	}
	if v := os.Getenv("JWT_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid JWT_ACCESS_TTL %q: %w", v, err)
		}
		cfg.JWT.AccessTTL = d
	}
	if v := os.Getenv("RATE_LIMIT_AUTH_PER_MINUTE"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_AUTH_PER_MINUTE %q: %w", v, err)
		}
		cfg.RateLimit.AuthPerMinute = n
	}
	if v := os.Getenv("RATE_LIMIT_DEFAULT_PER_MINUTE"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_DEFAULT_PER_MINUTE %q: %w", v, err)
		}
		cfg.RateLimit.DefaultPerMinute = n
	}
	if v := os.Getenv("JWT_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid JWT_REFRESH_TTL %q: %w", v, err)
		}
		cfg.JWT.RefreshTTL = d
	}
	return nil
}

// getEnv returns the environment variable or the fallback value. Empty
// variables count as unset.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}
