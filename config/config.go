package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	LLM      LLMConfig      `yaml:"llm" toml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline" toml:"pipeline"`
}

type ServerConfig struct {
	Port string `yaml:"port" toml:"port"`
	Mode string `yaml:"mode" toml:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type string `yaml:"type" toml:"type"` // sqlite, mysql, postgres
	DSN  string `yaml:"dsn" toml:"dsn"`
}

type LLMConfig struct {
	APIURL            string `yaml:"api_url" toml:"api_url"`
	APIKey            string `yaml:"api_key" toml:"api_key"`
	Model             string `yaml:"model" toml:"model"`
	MaxTokens         int    `yaml:"max_tokens" toml:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" toml:"requests_per_minute"`
	TimeoutSeconds    int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// PipelineConfig 生成流水线的运行参数
type PipelineConfig struct {
	BatchSize           int `yaml:"batch_size" toml:"batch_size"`
	InterBatchDelayMs   int `yaml:"inter_batch_delay_ms" toml:"inter_batch_delay_ms"`
	NominalMinutes      int `yaml:"nominal_minutes" toml:"nominal_minutes"`
	TotalSteps          int `yaml:"total_steps" toml:"total_steps"`
	Workers             int `yaml:"workers" toml:"workers"`
	QueueSize           int `yaml:"queue_size" toml:"queue_size"`
	StuckTimeoutMinutes int `yaml:"stuck_timeout_minutes" toml:"stuck_timeout_minutes"`
}

// InterBatchDelay 批次之间的限流等待时间
func (p PipelineConfig) InterBatchDelay() time.Duration {
	return time.Duration(p.InterBatchDelayMs) * time.Millisecond
}

// StuckTimeout 处理中计划被视为卡住的时长
func (p PipelineConfig) StuckTimeout() time.Duration {
	return time.Duration(p.StuckTimeoutMinutes) * time.Minute
}

// Timeout 单次模型调用的超时时间
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

var (
	cfg  *Config
	once sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		configPath := os.Getenv("CONFIG_PATH")
		if configPath == "" {
			configPath = "config.yaml"
		}
		c, err := Load(configPath)
		if err != nil {
			// 配置文件损坏时退回默认值，保持服务可启动
			c = Default()
			applyEnv(c)
		}
		cfg = c
	})
	return cfg
}

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "./data/bizplan.db",
		},
		LLM: LLMConfig{
			APIURL:            "https://api.openai.com/v1",
			Model:             "gpt-4o",
			MaxTokens:         4096,
			RequestsPerMinute: 60,
			TimeoutSeconds:    60,
		},
		Pipeline: PipelineConfig{
			BatchSize:           3,
			InterBatchDelayMs:   2000,
			NominalMinutes:      10,
			TotalSteps:          40,
			Workers:             2,
			QueueSize:           120,
			StuckTimeoutMinutes: 30,
		},
	}
}

// Load 从指定路径加载配置，文件不存在时仅使用默认值与环境变量
// .toml 后缀使用 toml 解析，其余按 yaml 解析
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 环境变量优先级高于配置文件
	applyEnv(config)
	config.normalize()
	return config, nil
}

func decode(path string, data []byte, out *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, out)
	}
	return yaml.Unmarshal(data, out)
}

func applyEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.LLM.APIURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL_NAME"); model != "" {
		config.LLM.Model = model
	}

	// 数据库环境变量
	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if dbDSN := os.Getenv("DB_DSN"); dbDSN != "" {
		config.Database.DSN = dbDSN
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		config.Server.Port = port
	}
}

// normalize 将非法的零值修正为默认值
func (c *Config) normalize() {
	def := Default()
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = def.Pipeline.BatchSize
	}
	if c.Pipeline.InterBatchDelayMs < 0 {
		c.Pipeline.InterBatchDelayMs = 0
	}
	if c.Pipeline.NominalMinutes <= 0 {
		c.Pipeline.NominalMinutes = def.Pipeline.NominalMinutes
	}
	if c.Pipeline.TotalSteps <= 0 {
		c.Pipeline.TotalSteps = def.Pipeline.TotalSteps
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = def.Pipeline.Workers
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = def.Pipeline.QueueSize
	}
	if c.Pipeline.StuckTimeoutMinutes <= 0 {
		c.Pipeline.StuckTimeoutMinutes = def.Pipeline.StuckTimeoutMinutes
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = def.LLM.TimeoutSeconds
	}
	if c.LLM.RequestsPerMinute <= 0 {
		c.LLM.RequestsPerMinute = def.LLM.RequestsPerMinute
	}
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func UpdateConfig(newCfg *Config) {
	cfg = newCfg
}
