// Package config 提供 TOML 配置加载与环境变量覆盖
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 跨链桥配置
	Bridge BridgeConfig `mapstructure:"bridge"`
	// 风险网关配置
	Risk RiskConfig `mapstructure:"risk"`
	// 量子密钥配置
	Quantum QuantumConfig `mapstructure:"quantum"`
	// 限流配置
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime    int    `mapstructure:"conn_max_lifetime"`
	LogEnabled         bool   `mapstructure:"log_enabled"`
	SlowQueryThreshold int    `mapstructure:"slow_query_threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	GroupID      string   `mapstructure:"group_id"`
	AuditTopic   string   `mapstructure:"audit_topic"`
	MaxRetries   int      `mapstructure:"max_retries"`
	RetryBackoff int      `mapstructure:"retry_backoff"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// BridgeConfig 跨链桥配置
type BridgeConfig struct {
	// 雪花算法节点 ID
	NodeID int64 `mapstructure:"node_id"`
	// 转账默认截止时长（分钟）
	DefaultDeadlineMinutes int `mapstructure:"default_deadline_minutes"`
	// 链上确认轮询间隔（秒）
	ConfirmPollInterval int `mapstructure:"confirm_poll_interval"`
	// 可重试链错误的最大尝试次数
	MaxChainRetries int `mapstructure:"max_chain_retries"`
	// 超时清扫间隔（秒）
	SweepInterval int `mapstructure:"sweep_interval"`
}

// RiskConfig 风险网关配置
type RiskConfig struct {
	// 风险评分服务地址
	ScorerURL string `mapstructure:"scorer_url"`
	// 评分请求超时（秒）
	ScorerTimeout int `mapstructure:"scorer_timeout"`
	// 自动放行阈值
	LowThreshold float64 `mapstructure:"low_threshold"`
	// 人工审核阈值
	ReviewThreshold float64 `mapstructure:"review_threshold"`
	// 紧急优先级阈值
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
	// SLA 清扫间隔（秒）
	SweepInterval int `mapstructure:"sweep_interval"`
	// 最大升级次数，超过后标记为过期
	MaxEscalations int `mapstructure:"max_escalations"`
}

// QuantumConfig 量子密钥配置
type QuantumConfig struct {
	// 私钥存储加密密钥（hex，32 字节）
	MasterKeyHex string `mapstructure:"master_key_hex"`
	// 密钥默认有效期（天）
	DefaultTTLDays int `mapstructure:"default_ttl_days"`
	// 过期密钥清扫间隔（秒）
	SweepInterval int `mapstructure:"sweep_interval"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// 小时级聚合间隔（秒）
	RollupInterval int `mapstructure:"rollup_interval"`
}

// Load 从 TOML 文件加载配置，支持 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Risk.LowThreshold <= 0 || c.Risk.LowThreshold >= c.Risk.ReviewThreshold {
		return fmt.Errorf("risk thresholds must satisfy 0 < low < review")
	}
	if c.Risk.ReviewThreshold >= c.Risk.CriticalThreshold || c.Risk.CriticalThreshold >= 1 {
		return fmt.Errorf("risk thresholds must satisfy review < critical < 1")
	}
	return nil
}

// DefaultDeadline 转账默认截止时长
func (b BridgeConfig) DefaultDeadline() time.Duration {
	if b.DefaultDeadlineMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(b.DefaultDeadlineMinutes) * time.Minute
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_query_threshold", 1000)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("kafka.audit_topic", "bridge.audit.events")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("bridge.node_id", 0)
	v.SetDefault("bridge.default_deadline_minutes", 30)
	v.SetDefault("bridge.confirm_poll_interval", 5)
	v.SetDefault("bridge.max_chain_retries", 5)
	v.SetDefault("bridge.sweep_interval", 60)
	v.SetDefault("risk.scorer_timeout", 5)
	v.SetDefault("risk.low_threshold", 0.3)
	v.SetDefault("risk.review_threshold", 0.7)
	v.SetDefault("risk.critical_threshold", 0.9)
	v.SetDefault("risk.sweep_interval", 60)
	v.SetDefault("risk.max_escalations", 3)
	v.SetDefault("quantum.default_ttl_days", 90)
	v.SetDefault("quantum.sweep_interval", 300)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rollup_interval", 3600)
}
