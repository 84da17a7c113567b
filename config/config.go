package config

import (
	"strconv"
	"time"
)

// Config 仓库引擎运行所需的完整配置。
// 功能：承载 HTTP 监听、存储后端、缓存、任务、调度、远程同步与数据集声明。
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Log         LogConfig          `yaml:"log"`
	Storage     StorageConfig      `yaml:"storage"`
	Cache       CacheConfig        `yaml:"cache"`
	Tasks       TaskConfig         `yaml:"tasks"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Remote      RemoteConfig       `yaml:"remote"`
	ObjectStore ObjectStoreConfig  `yaml:"object_store"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Collections []CollectionConfig `yaml:"collections"`
}

type ServerConfig struct {
	Host string `yaml:"host"` // 例如 0.0.0.0
	Port int    `yaml:"port"` // 例如 8030
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig 存储后端：memory / sqlite / postgres / mongo。
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`      // sqlite 文件路径、postgres DSN 或 mongodb URI
	Database string `yaml:"database"` // 仅 mongo 使用
}

type CacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TaskConfig 刷新任务相关参数。
type TaskConfig struct {
	Retention          time.Duration `yaml:"retention"`           // 终态任务保留时长
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`    // 清理周期
	DefaultConcurrency int           `yaml:"default_concurrency"` // 请求未指定并发时的默认值
	MaxConcurrency     int           `yaml:"max_concurrency"`
	RateLimit          float64       `yaml:"rate_limit"`   // 所有 worker 共享的每秒调用上限，0 表示不限
	UnitTimeout        time.Duration `yaml:"unit_timeout"` // 单元超时，0 表示不设
}

type SchedulerConfig struct {
	StateFile string      `yaml:"state_file"`
	Jobs      []JobConfig `yaml:"jobs"`
}

// JobConfig 周期刷新任务。
type JobConfig struct {
	ID          string              `yaml:"id"`
	Cron        string              `yaml:"cron"`
	Collection  string              `yaml:"collection"`
	UpdateType  string              `yaml:"update_type"`
	Mode        string              `yaml:"mode"`
	ParamsList  []map[string]string `yaml:"params_list"`
	Concurrency int                 `yaml:"concurrency"`
	Delay       time.Duration       `yaml:"delay"`
	Paused      bool                `yaml:"paused"`
}

// RemoteConfig remote_sync 模式的节点访问参数。
type RemoteConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	APIKey    string        `yaml:"api_key"`
	ChunkSize int           `yaml:"chunk_size"`
}

// ObjectStoreConfig s3:// 文件导入所用的对象存储（minio 兼容）。
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`     // none / stdout
	SampleRatio float64 `yaml:"sample_ratio"` // 0 或 >=1 表示全采样
}

// CollectionConfig 声明式数据集，由 HTTP JSON 数据源提供数据。
type CollectionConfig struct {
	Name               string             `yaml:"name"`
	DisplayName        string             `yaml:"display_name"`
	UniqueKeys         []string           `yaml:"unique_keys"`
	Fields             []FieldConfig      `yaml:"fields"`
	RequiredParams     []string           `yaml:"required_params"`
	OptionalParams     []string           `yaml:"optional_params"`
	ParamMapping       map[string]string  `yaml:"param_mapping"`
	AddParamColumns    []string           `yaml:"add_param_columns"`
	TimestampField     string             `yaml:"timestamp_field"`
	TimeField          string             `yaml:"time_field"`
	ExistenceCheck     map[string]string  `yaml:"existence_check"`
	BatchSource        *BatchSourceConfig `yaml:"batch_source"`
	DefaultConcurrency int                `yaml:"default_concurrency"`
	Source             SourceConfig       `yaml:"source"`
}

type FieldConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

type BatchSourceConfig struct {
	Collection string `yaml:"collection"`
	Field      string `yaml:"field"`
	Param      string `yaml:"param"`
}

// SourceConfig HTTP 数据源：URL 中的 {param} 会被请求参数替换。
type SourceConfig struct {
	URL         string `yaml:"url"`
	Method      string `yaml:"method"`
	RecordsPath string `yaml:"records_path"`
}

// Addr 监听地址。
func (c Config) Addr() string {
	host := c.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(c.Server.Port)
}

// withDefaults 填充默认值。
func (c *Config) withDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8030
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "warehouse"
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Cache.CleanupInterval <= 0 {
		c.Cache.CleanupInterval = time.Minute
	}
	if c.Tasks.Retention <= 0 {
		c.Tasks.Retention = time.Hour
	}
	if c.Tasks.CleanupInterval <= 0 {
		c.Tasks.CleanupInterval = 10 * time.Minute
	}
	if c.Tasks.DefaultConcurrency <= 0 {
		c.Tasks.DefaultConcurrency = 3
	}
	if c.Tasks.MaxConcurrency <= 0 {
		c.Tasks.MaxConcurrency = 32
	}
	if c.Scheduler.StateFile == "" {
		c.Scheduler.StateFile = "data/scheduler_job_states.json"
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.ChunkSize <= 0 {
		c.Remote.ChunkSize = 1000
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
}

// Default 返回仅含默认值的配置。
func Default() Config {
	var c Config
	c.withDefaults()
	return c
}
