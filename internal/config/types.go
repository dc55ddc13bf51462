// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（configs/common.yaml → configs/{env}.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或环境变量中（YAML 中不存储任何密码）。
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → /etc/opsdash/prod.yaml
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server        ServerConfig         `yaml:"server"`
	Connection    ConnectionConfig     `yaml:"connection"`
	Batch         BatchConfig          `yaml:"batch"`
	Buffer        BufferConfig         `yaml:"buffer"`
	Stats         StatsConfig          `yaml:"stats"`
	State         StateConfig          `yaml:"state"`
	Database      DatabaseConfig       `yaml:"database"`
	Redis         RedisConfig          `yaml:"redis"`
	Etcd          EtcdConfig           `yaml:"etcd"`
	MinIO         MinIOConfig          `yaml:"minio"`
	Mongo         MongoConfig          `yaml:"mongo"`
	Archive       ArchiveConfig        `yaml:"archive"`
	Auth          AuthConfig           `yaml:"auth"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Log           LogConfig            `yaml:"log"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`

	loadedFrom string
}

// ServerConfig 推送服务端点
type ServerConfig struct {
	WSURL       string `yaml:"ws_url"`       // 事件推送 WebSocket 地址
	SnapshotURL string `yaml:"snapshot_url"` // 初始快照 REST 地址
	SessionID   string `yaml:"session_id"`   // 会话关联标识（为空时自动生成）
	UserID      string `yaml:"user_id"`
	CAFile      string `yaml:"ca_file"`  // wss 自签名 CA
	Insecure    bool   `yaml:"insecure"` // 跳过证书校验（仅开发）
}

// ConnectionConfig 连接管理配置
type ConnectionConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// BatchConfig 批处理配置
type BatchConfig struct {
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

// BufferConfig 诊断事件缓冲区配置
type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

// StatsConfig 统计与健康判定配置
type StatsConfig struct {
	RecentErrors       int           `yaml:"recent_errors"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	RTTThreshold       time.Duration `yaml:"rtt_threshold"`
}

// StateConfig 领域状态持久化配置
type StateConfig struct {
	Persister string `yaml:"persister"` // none, redis, postgres, sqlite
	QueueSize int    `yaml:"queue_size"`
	LogLimit  int    `yaml:"log_limit"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // postgres, sqlite
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
	Path    string `yaml:"path"` // sqlite 文件路径
}

// RedisConfig Redis 配置
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"` // 只从 REDIS_PASSWORD 环境变量读取
	Channel  string `yaml:"channel"`
}

// EtcdConfig etcd 配置（订阅持久化）
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"` // 只从 MINIO_ACCESS_KEY 环境变量读取
	SecretKey string `yaml:"-"` // 只从 MINIO_SECRET_KEY 环境变量读取
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// ArchiveConfig 诊断归档配置
type ArchiveConfig struct {
	Backend string `yaml:"backend"` // none, minio, mongo
}

// AuthConfig 认证配置
// 注意：JWTSecret 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	JWTSecret string        `yaml:"-"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Issuer    string        `yaml:"issuer"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SubscriptionConfig 启动时注册的订阅
type SubscriptionConfig struct {
	Kind   string         `yaml:"kind"`
	Filter map[string]any `yaml:"filter"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	Server         ServerConfig
	Connection     ConnectionConfig
	Batch          BatchConfig
	Buffer         BufferConfig
	Stats          StatsConfig
	State          StateConfig
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	RedisChannel   string
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	Mongo          MongoConfig
	Archive        ArchiveConfig
	Auth           AuthConfig
	Metrics        MetricsConfig
	Log            LogConfig
	Subscriptions  []SubscriptionConfig
	LoadedFrom     string
}
