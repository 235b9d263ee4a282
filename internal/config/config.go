package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	LLM       LLMConfig       `json:"llm"`
	Chains    ChainsConfig    `json:"chains"`
	Merchants MerchantsConfig `json:"merchants"`
	Storage   StorageConfig   `json:"storage"`
	Events    EventsConfig    `json:"events"`
	Swap      SwapConfig      `json:"swap"`
	Session   SessionConfig   `json:"session"`
	Monitor   MonitorConfig   `json:"monitor"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制应用日志与审计日志。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	Gemini   GeminiConfig `json:"gemini"`
}

// GeminiConfig 描述 Gemini 接口的调用参数。
// API Key 只通过环境变量注入，配置文件里保存变量名而不是密钥本身。
type GeminiConfig struct {
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// ChainsConfig 指向网络端点定义文件。
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
}

// MerchantsConfig 指向商户白名单文件。路径为空表示全网放行。
type MerchantsConfig struct {
	Path string `json:"path"`
}

// StorageConfig 统一描述会话存储与流水存储的后端。
type StorageConfig struct {
	SessionStore SessionStoreConfig `json:"session_store"`
	Journal      JournalConfig      `json:"journal"`
}

// SessionStoreConfig 支持 memory 与 redis 两种驱动。
type SessionStoreConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// JournalConfig 支持 memory 与 mysql 两种驱动。
type JournalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig 支持 memory 与 rabbitmq 两种驱动。
type EventsConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url"`
	Queue  string `json:"queue"`
}

// SwapConfig 描述兑换聚合器的调用参数。
type SwapConfig struct {
	BaseURL     string `json:"base_url"`
	SlippageBps int    `json:"slippage_bps"`
	TimeoutMs   int64  `json:"timeout_ms"`
}

// SessionConfig 是创建会话时未指定参数的默认值。
type SessionConfig struct {
	DefaultDurationMs int64 `json:"default_duration_ms"`
}

// MonitorConfig 控制后台监视循环的节奏。
type MonitorConfig struct {
	ExpiryIntervalMs  int64 `json:"expiry_interval_ms"`
	BalanceIntervalMs int64 `json:"balance_interval_ms"`
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

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}

	if c.Chains.DefinitionsPath != "" && !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}
	if c.Merchants.Path != "" && !filepath.IsAbs(c.Merchants.Path) {
		c.Merchants.Path = filepath.Join(baseDir, c.Merchants.Path)
	}

	if c.Storage.SessionStore.Driver == "" {
		c.Storage.SessionStore.Driver = "memory"
	}
	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}

	if c.Session.DefaultDurationMs <= 0 {
		c.Session.DefaultDurationMs = 3600_000
	}
	if c.Monitor.ExpiryIntervalMs <= 0 {
		c.Monitor.ExpiryIntervalMs = 1000
	}
	if c.Monitor.BalanceIntervalMs <= 0 {
		c.Monitor.BalanceIntervalMs = 10_000
	}
}
