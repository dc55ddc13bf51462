package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
// 1. 加载 .env.{env}（敏感信息）
// 2. 按 common.yaml → {env}.yaml 加载 YAML
// 3. 环境变量覆盖
// 4. 填充默认值
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(yamlCfg)

	cfg := build(env, yamlCfg)
	cfg.validate()
	return cfg, nil
}

// defaultYAMLConfig 默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			WSURL:       "ws://localhost:8080/ws/events",
			SnapshotURL: "http://localhost:8080/api/v1/monitor/snapshot",
		},
		Connection: ConnectionConfig{
			MaxAttempts:       5,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		Batch:    BatchConfig{Size: 10, Timeout: 100 * time.Millisecond},
		Buffer:   BufferConfig{Capacity: 1000},
		Stats:    StatsConfig{RecentErrors: 50, ErrorRateThreshold: 0.1, RTTThreshold: time.Second},
		State:    StateConfig{Persister: "none", QueueSize: 1024, LogLimit: 500},
		Database: DatabaseConfig{Driver: "postgres", Host: "localhost", Port: 5432, User: "opsdash", Name: "opsdash", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0, Channel: "opsdash:notifications"},
		Etcd:     EtcdConfig{Prefix: "/opsdash"},
		MinIO:    MinIOConfig{Bucket: "opsdash"},
		Mongo:    MongoConfig{Database: "opsdash", Collection: "event_buffer_dumps"},
		Archive:  ArchiveConfig{Backend: "none"},
		Auth:     AuthConfig{TokenTTL: 15 * time.Minute, Issuer: "opsdash"},
		Metrics:  MetricsConfig{Listen: ":9464", Namespace: "opsdash"},
		Log:      LogConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) (*YAMLConfig, error) {
	cfg := defaultYAMLConfig()

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range effectiveConfigPaths(env) {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			cfg.loadedFrom = path
			break
		}
	}

	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖 YAML 配置
func applyEnvOverrides(cfg *YAMLConfig) {
	if v := os.Getenv("WS_URL"); v != "" {
		cfg.Server.WSURL = v
	}
	if v := os.Getenv("SNAPSHOT_URL"); v != "" {
		cfg.Server.SnapshotURL = v
	}
	if v := os.Getenv("SESSION_ID"); v != "" {
		cfg.Server.SessionID = v
	}
	if v := os.Getenv("USER_ID"); v != "" {
		cfg.Server.UserID = v
	}
	if v := os.Getenv("TLS_CA_FILE"); v != "" {
		cfg.Server.CAFile = v
	}
	if v := os.Getenv("STATE_PERSISTER"); v != "" {
		cfg.State.Persister = v
	}
	if v := os.Getenv("ARCHIVE_BACKEND"); v != "" {
		cfg.Archive.Backend = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Size = n
		}
	}

	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.MinIO.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	cfg.MinIO.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
}

// build 构建最终配置
func build(env Environment, y *YAMLConfig) *Config {
	databaseURL := os.Getenv("DATABASE_URL")
	if p := strings.ToLower(y.State.Persister); p == "postgres" || p == "sqlite" {
		y.Database.Driver = p
	}
	driver := detectDatabaseDriver(y.Database.Driver, databaseURL)
	y.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(y.Database, getEnv("DB_PASSWORD", ""))
	}

	return &Config{
		Env:            env,
		Server:         y.Server,
		Connection:     y.Connection,
		Batch:          y.Batch,
		Buffer:         y.Buffer,
		Stats:          y.Stats,
		State:          y.State,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		RedisURL:       buildRedisURL(y.Redis),
		RedisChannel:   y.Redis.Channel,
		Etcd:           y.Etcd,
		MinIO:          y.MinIO,
		Mongo:          y.Mongo,
		Archive:        y.Archive,
		Auth:           y.Auth,
		Metrics:        y.Metrics,
		Log:            y.Log,
		Subscriptions:  y.Subscriptions,
		LoadedFrom:     y.loadedFrom,
	}
}

// validate 验证并填充默认值
func (c *Config) validate() {
	d := defaultYAMLConfig()

	if c.Connection.MaxAttempts <= 0 {
		c.Connection.MaxAttempts = d.Connection.MaxAttempts
	}
	if c.Connection.BaseDelay <= 0 {
		c.Connection.BaseDelay = d.Connection.BaseDelay
	}
	if c.Connection.MaxDelay < c.Connection.BaseDelay {
		c.Connection.MaxDelay = d.Connection.MaxDelay
	}
	if c.Connection.HeartbeatInterval <= 0 {
		c.Connection.HeartbeatInterval = d.Connection.HeartbeatInterval
	}
	if c.Connection.DialTimeout <= 0 {
		c.Connection.DialTimeout = d.Connection.DialTimeout
	}
	if c.Batch.Size <= 0 {
		c.Batch.Size = d.Batch.Size
	}
	if c.Batch.Timeout <= 0 {
		c.Batch.Timeout = d.Batch.Timeout
	}
	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = d.Buffer.Capacity
	}
	if c.Stats.RecentErrors <= 0 {
		c.Stats.RecentErrors = d.Stats.RecentErrors
	}
	if c.Stats.ErrorRateThreshold <= 0 {
		c.Stats.ErrorRateThreshold = d.Stats.ErrorRateThreshold
	}
	if c.Stats.RTTThreshold <= 0 {
		c.Stats.RTTThreshold = d.Stats.RTTThreshold
	}
	if c.State.Persister == "" {
		c.State.Persister = "none"
	}
	if c.State.QueueSize <= 0 {
		c.State.QueueSize = d.State.QueueSize
	}
	if c.Archive.Backend == "" {
		c.Archive.Backend = "none"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = d.Auth.TokenTTL
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = d.Etcd.Prefix
	}
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, WS: %s, Persister: %s, Driver: %s, DB: %s, Redis: %s, Archive: %s}",
		c.Env, c.Server.WSURL, c.State.Persister, c.DatabaseDriver,
		maskPassword(c.DatabaseURL), maskPassword(c.RedisURL), c.Archive.Backend)
}
