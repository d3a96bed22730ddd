package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Rewards   RewardsConfig   `yaml:"rewards"`
	Retention RetentionConfig `yaml:"retention"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AppConfig holds deployment settings
type AppConfig struct {
	// Env is "development" or "production"; development exposes error details
	Env string `yaml:"env"`
}

// IsDevelopment reports whether error details may be returned to clients
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development"
}

// IsProduction reports whether cookies must be marked Secure
func (a AppConfig) IsProduction() bool {
	return a.Env == "production"
}

// DatabaseConfig selects and configures the store
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig holds Redis configuration for the shared rate limiter
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AMQPConfig holds RabbitMQ configuration for cross-replica notifications
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// RateLimitConfig selects the limiter backend
type RateLimitConfig struct {
	// Backend is "memory" or "redis"
	Backend       string        `yaml:"backend"`
	MaxEntries    int           `yaml:"max_entries"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// RewardsConfig holds the daily reward calendar
type RewardsConfig struct {
	Timezone string `yaml:"timezone"`
}

// Location resolves the reward calendar zone
func (r RewardsConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// RetentionConfig holds the inactivity sweep settings
type RetentionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Horizon   time.Duration `yaml:"horizon"`
	BatchSize int           `yaml:"batch_size"`
}

// ArchiveConfig holds S3 settings for messages removed by the sweep
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			Host:            "0.0.0.0",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		App:      AppConfig{Env: "production"},
		Database: DatabaseConfig{Driver: DriverPostgres, MaxConns: 20},
		Mongo:    MongoConfig{URI: "mongodb://localhost:27017", Database: "silent_letter"},
		AMQP:     AMQPConfig{Exchange: "silent-letter.events"},
		JWT:      JWTConfig{TTL: 30 * 24 * time.Hour},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			MaxEntries:    100000,
			PruneInterval: time.Minute,
		},
		Rewards: RewardsConfig{Timezone: "UTC"},
		Retention: RetentionConfig{
			Enabled:   true,
			Interval:  time.Hour,
			Horizon:   30 * 24 * time.Hour,
			BatchSize: 100,
		},
		Archive: ArchiveConfig{Region: "us-east-1", Prefix: "retention"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads .env, the YAML file at path (optional) and environment overrides
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("JWT_SECRET", &c.JWT.Secret)
	setString("NODE_ENV", &c.App.Env)
	setString("APP_ENV", &c.App.Env)
	setString("DATABASE_DRIVER", &c.Database.Driver)
	setString("DATABASE_URL", &c.Database.URL)
	setString("MONGO_URI", &c.Mongo.URI)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("AMQP_URL", &c.AMQP.URL)
	setString("LOG_LEVEL", &c.Log.Level)

	if bucket := os.Getenv("ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	return nil
}

// Validate rejects configurations the process cannot start with
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("jwt secret is required (set JWT_SECRET)")
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database url is required for the postgres driver (set DATABASE_URL)")
		}
	case DriverMongo:
		if c.Mongo.URI == "" {
			return errors.New("mongo uri is required for the mongo driver (set MONGO_URI)")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis addr is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive bucket is required when archiving is enabled")
	}
	if _, err := c.Rewards.Location(); err != nil {
		return fmt.Errorf("invalid rewards timezone: %w", err)
	}
	return nil
}
