// Package config 載入與驗證服務配置
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Redis struct {
		Enabled           bool          `yaml:"enabled"`
		Addr              string        `yaml:"addr"`
		Password          string        `yaml:"password"`
		DB                int           `yaml:"db"`
		PoolSize          int           `yaml:"pool_size"`
		MinIdleConns      int           `yaml:"min_idle_conns"`
		MaxRetries        int           `yaml:"max_retries"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		KeyTTL            time.Duration `yaml:"key_ttl"`
		FallbackThreshold int           `yaml:"fallback_threshold"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Like struct {
		// 記憶體快取容量（按讚紀錄數與計數器數各自上限）
		CacheCapacity int `yaml:"cache_capacity"`
		CacheShards   int `yaml:"cache_shards"`

		// 同步排程
		FlushInterval time.Duration `yaml:"flush_interval"`
		BatchSize     int           `yaml:"batch_size"`
		MaxRetries    int           `yaml:"max_retries"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`

		// 快取未命中時回查資料庫
		BackfillTimeout time.Duration `yaml:"backfill_timeout"`

		// 同一 (member, resource) 的切換是否序列化
		SerializePerKey bool `yaml:"serialize_per_key"`

		// 定期以 likes 表重算 like_count（0 表示停用）
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	} `yaml:"like"`

	Notify struct {
		// log、nats 或 kafka
		Driver       string        `yaml:"driver"`
		Workers      int           `yaml:"workers"`
		QueueSize    int           `yaml:"queue_size"`
		Timeout      time.Duration `yaml:"timeout"`
		NATSURL      string        `yaml:"nats_url"`
		NATSSubject  string        `yaml:"nats_subject"`
		KafkaBrokers string        `yaml:"kafka_brokers"`
		KafkaTopic   string        `yaml:"kafka_topic"`
	} `yaml:"notify"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 50
	cfg.Redis.MinIdleConns = 10
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.KeyTTL = 7 * 24 * time.Hour
	cfg.Redis.FallbackThreshold = 3

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "social"
	cfg.Postgres.MaxConns = 20
	cfg.Postgres.MinConns = 2

	cfg.Like.CacheCapacity = 1_000_000
	cfg.Like.CacheShards = 64
	cfg.Like.FlushInterval = 5 * time.Second
	cfg.Like.BatchSize = 100
	cfg.Like.MaxRetries = 3
	cfg.Like.WriteTimeout = 3 * time.Second
	cfg.Like.BackfillTimeout = 200 * time.Millisecond
	cfg.Like.SerializePerKey = true
	cfg.Like.ReconcileInterval = 10 * time.Minute

	cfg.Notify.Driver = "log"
	cfg.Notify.Workers = 4
	cfg.Notify.QueueSize = 1024
	cfg.Notify.Timeout = 2 * time.Second
	cfg.Notify.NATSURL = "nats://localhost:4222"
	cfg.Notify.NATSSubject = "notifications.like"
	cfg.Notify.KafkaBrokers = "localhost:9092"
	cfg.Notify.KafkaTopic = "notifications.like"

	cfg.Auth.Issuer = "social-backend"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 載入配置檔案並套用環境變數覆蓋
//
// 檔案不存在時使用預設值；.env 檔案存在時先載入
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	// #nosec G304 - path 是啟動參數指定的配置檔案路徑
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// 沒有配置檔案，僅依靠預設值與環境變數
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Notify.NATSURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Notify.KafkaBrokers = v
	}
	if v := os.Getenv("NOTIFY_DRIVER"); v != "" {
		c.Notify.Driver = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Like.CacheCapacity <= 0 {
		errs = append(errs, errors.New("like.cache_capacity must be positive"))
	}
	if c.Like.CacheShards <= 0 {
		errs = append(errs, errors.New("like.cache_shards must be positive"))
	}
	if c.Like.FlushInterval <= 0 {
		errs = append(errs, errors.New("like.flush_interval must be positive"))
	}
	if c.Like.BatchSize <= 0 {
		errs = append(errs, errors.New("like.batch_size must be positive"))
	}
	if c.Like.MaxRetries < 0 {
		errs = append(errs, errors.New("like.max_retries must not be negative"))
	}
	if c.Like.ReconcileInterval < 0 {
		errs = append(errs, errors.New("like.reconcile_interval must not be negative"))
	}
	if c.Notify.Workers <= 0 {
		errs = append(errs, errors.New("notify.workers must be positive"))
	}
	if c.Notify.QueueSize <= 0 {
		errs = append(errs, errors.New("notify.queue_size must be positive"))
	}

	switch strings.ToLower(c.Notify.Driver) {
	case "log":
	case "nats":
		if c.Notify.NATSURL == "" {
			errs = append(errs, errors.New("notify.nats_url required for nats driver"))
		}
	case "kafka":
		if c.Notify.KafkaBrokers == "" || c.Notify.KafkaTopic == "" {
			errs = append(errs, errors.New("notify.kafka_brokers and notify.kafka_topic required for kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.driver: %q", c.Notify.Driver))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
