// =============================================================================
// 📦 FabFlow 配置加载器
// =============================================================================
// YAML 文件 + 环境变量覆盖
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fabflow.yaml").
//	    WithEnvPrefix("FABFLOW").
//	    Load()
//
// 优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 配置结构
// =============================================================================

// Config 是 FabFlow 的完整配置
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint" env:"CHECKPOINT"`
	Redis        RedisConfig        `yaml:"redis" env:"REDIS"`
	Database     DatabaseConfig     `yaml:"database" env:"DATABASE"`
	Mongo        MongoConfig        `yaml:"mongo" env:"MONGO"`
	Log          LogConfig          `yaml:"log" env:"LOG"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" env:"TELEMETRY"`
	Metrics      MetricsConfig      `yaml:"metrics" env:"METRICS"`
	Events       EventsConfig       `yaml:"events" env:"EVENTS"`
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// 流程未指定时的并行度
	MaxParallelSteps int `yaml:"max_parallel_steps" env:"MAX_PARALLEL_STEPS"`
	// 自动检查点节流间隔，0 表示每个边界都保存
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	// 是否自动保存检查点
	CheckpointEnabled bool `yaml:"checkpoint_enabled" env:"CHECKPOINT_ENABLED"`
	// 事件通道缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// 检查点存储类型
const (
	CheckpointMemory   = "memory"
	CheckpointFile     = "file"
	CheckpointRedis    = "redis"
	CheckpointDatabase = "database"
	CheckpointMongo    = "mongo"
)

// CheckpointConfig 检查点存储配置
type CheckpointConfig struct {
	// 类型: memory, file, redis, database, mongo
	Type string `yaml:"type" env:"TYPE"`
	// file 存储目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// redis 过期时间，0 表示不过期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// database 存储是否自动建表
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TLSEnabled   bool   `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动: postgres, mysql, sqlite (纯 Go), sqlite3 (cgo)
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 为文件路径
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI            string        `yaml:"uri" env:"URI"`
	Database       string        `yaml:"database" env:"DATABASE"`
	Collection     string        `yaml:"collection" env:"COLLECTION"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// 为 true 时使用加固的 TLS 配置（URI 中的 tls 参数同样生效）
	TLSEnabled bool `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry 配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
}

// MetricsConfig Prometheus 指标与健康检查端点
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 同时设置时以 HTTPS 提供服务
	TLSCertFile     string        `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// /status 的 Bearer 令牌校验；/healthz 与 /metrics 不校验
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 认证配置，支持 HS256（Secret）与 RS256（PublicKey）
type JWTConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Secret  string `yaml:"secret" env:"SECRET"`
	// PEM 编码的 RSA 公钥
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// 事件总线驱动
const (
	EventsGoChannel = "gochannel"
	EventsKafka     = "kafka"
)

// EventsConfig 执行事件发布配置
type EventsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// gochannel（进程内）或 kafka
	Driver  string   `yaml:"driver" env:"DRIVER"`
	Brokers []string `yaml:"brokers" env:"BROKERS"`
	Topic   string   `yaml:"topic" env:"TOPIC"`
	// gochannel 订阅端输出缓冲
	BufferSize int64 `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建加载器，默认环境变量前缀 FABFLOW
func NewLoader() *Loader {
	return &Loader{envPrefix: "FABFLOW"}
}

// WithConfigPath 设置 YAML 文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀；空字符串关闭环境变量覆盖
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 追加校验函数，在 Validate 之后执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载并校验配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}

	if l.envPrefix != "" {
		if err := applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
			return nil, fmt.Errorf("failed to load config from env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFile 显式指定的文件必须存在
func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %s not found", l.configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

var durationType = reflect.TypeFor[time.Duration]()

// applyEnv 按 env 标签递归覆盖字段，键为 PREFIX_SECTION_FIELD
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := range v.NumField() {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// =============================================================================
// 🔍 校验与辅助
// =============================================================================

// Validate 校验配置，汇总所有错误
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if c.Orchestrator.MaxParallelSteps <= 0 {
		add("orchestrator.max_parallel_steps must be positive")
	}
	if c.Orchestrator.CheckpointInterval < 0 {
		add("orchestrator.checkpoint_interval must not be negative")
	}
	if c.Orchestrator.EventBuffer < 0 {
		add("orchestrator.event_buffer must not be negative")
	}

	switch c.Checkpoint.Type {
	case CheckpointMemory, CheckpointRedis:
	case CheckpointFile:
		if c.Checkpoint.BaseDir == "" {
			add("checkpoint.base_dir is required for file checkpoints")
		}
	case CheckpointDatabase:
		if !isKnownDriver(c.Database.Driver) {
			add("unsupported database.driver %q", c.Database.Driver)
		}
		if c.Database.Name == "" {
			add("database.name is required for database checkpoints")
		}
	case CheckpointMongo:
		if c.Mongo.URI == "" {
			add("mongo.uri is required for mongo checkpoints")
		}
	default:
		add("unsupported checkpoint.type %q", c.Checkpoint.Type)
	}
	if c.Checkpoint.TTL < 0 {
		add("checkpoint.ttl must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("unsupported log.level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("unsupported log.format %q", c.Log.Format)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		add("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}
	if (c.Metrics.TLSCertFile == "") != (c.Metrics.TLSKeyFile == "") {
		add("metrics.tls_cert_file and metrics.tls_key_file must be set together")
	}
	if c.Metrics.JWT.Enabled && c.Metrics.JWT.Secret == "" && c.Metrics.JWT.PublicKey == "" {
		add("metrics.jwt requires a secret or a public_key when enabled")
	}
	if c.Events.Enabled && c.Events.Topic == "" {
		add("events.topic is required when events are enabled")
	}
	switch c.Events.Driver {
	case "", EventsGoChannel:
	case EventsKafka:
		if c.Events.Enabled && len(c.Events.Brokers) == 0 {
			add("events.brokers is required for the kafka driver")
		}
	default:
		add("unknown events.driver %q", c.Events.Driver)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isKnownDriver(driver string) bool {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg", "mysql", "mariadb", "sqlite", "sqlite3":
		return true
	}
	return false
}

// DSN 返回 gorm 驱动使用的连接字符串
func (d *DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql", "pg":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql", "mariadb":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
