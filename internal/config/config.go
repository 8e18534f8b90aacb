package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"A2A-Advisory/pkg/logger"
)

// Config 描述咨询服务在启动阶段需要加载的核心配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Budget        BudgetConfig        `json:"budget"`
	Confirmations ConfirmationsConfig `json:"confirmations"`
	History       HistoryConfig       `json:"history"`
	Telemetry     TelemetryConfig     `json:"telemetry"`
	Classifier    ClassifierConfig    `json:"classifier"`
	Capabilities  CapabilitiesConfig  `json:"capabilities"`
	Logging       logger.Config       `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// BudgetConfig 控制单次编排的时间预算。
type BudgetConfig struct {
	CeilingMS int64 `json:"ceiling_ms"`
	TailMS    int64 `json:"tail_ms"`
}

// ConfirmationsConfig 描述确认存储的后端与交易提案有效期。
type ConfirmationsConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int64       `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// HistoryConfig 描述咨询历史仓库的后端。
type HistoryConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int64  `json:"conn_max_lifetime_seconds"`
}

// TelemetryConfig 描述遥测事件的去向。
type TelemetryConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述遥测队列的连接信息。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// ClassifierConfig 描述意图分类的实现方式。
type ClassifierConfig struct {
	Driver         string `json:"driver"`
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// CapabilitiesConfig 描述专家能力端点的来源。
// CatalogPath 指向 YAML 目录文件，Endpoints 允许在配置中直接覆盖。
type CapabilitiesConfig struct {
	CatalogPath string            `json:"catalog_path"`
	Endpoints   map[string]string `json:"endpoints"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Budget.CeilingMS <= 0 {
		c.Budget.CeilingMS = 27_000
	}
	if c.Budget.TailMS <= 0 {
		c.Budget.TailMS = 2_000
	}

	if c.Confirmations.Driver == "" {
		c.Confirmations.Driver = "memory"
	}
	if c.Confirmations.TTLSeconds <= 0 {
		c.Confirmations.TTLSeconds = 300
	}
	if c.Confirmations.Redis.KeyPrefix == "" {
		c.Confirmations.Redis.KeyPrefix = "advisory:confirm:"
	}

	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}

	if c.Telemetry.Driver == "" {
		c.Telemetry.Driver = "log"
	}
	if c.Telemetry.RabbitMQ.Queue == "" {
		c.Telemetry.RabbitMQ.Queue = "advisory.telemetry"
	}

	if c.Classifier.Driver == "" {
		c.Classifier.Driver = "rule"
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = 10
	}

	if c.Capabilities.CatalogPath != "" && !filepath.IsAbs(c.Capabilities.CatalogPath) {
		c.Capabilities.CatalogPath = filepath.Join(baseDir, c.Capabilities.CatalogPath)
	}
}
