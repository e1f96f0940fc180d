package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	StoreBackend string `mapstructure:"store_backend"` // filesystem | memory | s3 | postgres | mysql | sqlite
	LockBackend  string `mapstructure:"lock_backend"`  // store | redis
	DataDir      string `mapstructure:"data_dir"`
	DatabaseURL  string `mapstructure:"database_url"`
	SQLitePath   string `mapstructure:"sqlite_path"`

	RedisConfig `mapstructure:",squash"`
	S3Config    `mapstructure:",squash"`

	KFactor         float64 `mapstructure:"elo_k_factor"`
	DefaultRating   float64 `mapstructure:"elo_default_rating"`
	MalformedPolicy string  `mapstructure:"malformed_policy"` // skip | fail

	LockLease         time.Duration `mapstructure:"lock_lease"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	PublishRetries    int           `mapstructure:"publish_retries"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`

	ScheduleInterval time.Duration `mapstructure:"schedule_interval"` // 0 disables
	ScheduleCron     string        `mapstructure:"schedule_cron"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"redis_addr"`
	Password string `mapstructure:"redis_password"`
	DB       int    `mapstructure:"redis_db"`
	Prefix   string `mapstructure:"redis_prefix"`
}

type S3Config struct {
	AccountID         string `mapstructure:"cloudflare_account_id"`
	AccessKeyID       string `mapstructure:"r2_access_key_id"`
	AccessKeySecret   string `mapstructure:"r2_access_key_secret"`
	Bucket            string `mapstructure:"r2_bucket_name"`
	Endpoint          string `mapstructure:"s3_endpoint"`
	Region            string `mapstructure:"s3_region"`
	ConditionalWrites bool   `mapstructure:"s3_conditional_writes"`
}

var defaults = map[string]any{
	"listen_addr":           ":8000",
	"store_backend":         "filesystem",
	"lock_backend":          "store",
	"data_dir":              "./data",
	"database_url":          "",
	"sqlite_path":           "",
	"redis_addr":            "localhost:6379",
	"redis_password":        "",
	"redis_db":              0,
	"redis_prefix":          "league:",
	"cloudflare_account_id": "",
	"r2_access_key_id":      "",
	"r2_access_key_secret":  "",
	"r2_bucket_name":        "",
	"s3_endpoint":           "",
	"s3_region":             "auto",
	"s3_conditional_writes": true,
	"elo_k_factor":          32.0,
	"elo_default_rating":    1200.0,
	"malformed_policy":      "skip",
	"lock_lease":            2 * time.Minute,
	"lock_timeout":          30 * time.Second,
	"publish_retries":       3,
	"generation_timeout":    2 * time.Minute,
	"request_timeout":       90 * time.Second,
	"schedule_interval":     time.Duration(0),
	"schedule_cron":         "",
	"log_level":             "info",
	"log_format":            "json",
}

// Load reads .env (if present), then an optional config.yaml from dir, then
// environment variables, which win.
func Load(dir string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "filesystem", "memory", "sqlite":
	case "s3":
		if c.S3Config.Bucket == "" {
			return errors.New("R2_BUCKET_NAME is required for the s3 store")
		}
	case "postgres", "mysql":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL environment variable not set")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.LockBackend {
	case "store", "redis":
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	switch c.MalformedPolicy {
	case "skip", "fail":
	default:
		return fmt.Errorf("unknown MALFORMED_POLICY %q", c.MalformedPolicy)
	}
	if c.KFactor <= 0 {
		return errors.New("ELO_K_FACTOR must be positive")
	}
	if c.LockLease <= 0 || c.LockTimeout <= 0 {
		return errors.New("LOCK_LEASE and LOCK_TIMEOUT must be positive")
	}
	if c.PublishRetries < 1 {
		c.PublishRetries = 1
	}
	return nil
}
