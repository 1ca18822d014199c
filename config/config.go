// =============================================================================
// 📦 FlowDialog 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("FLOWDIALOG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowdialog/audit"
	"github.com/BaSui01/flowdialog/engine"
	"github.com/BaSui01/flowdialog/internal/database"
	"github.com/BaSui01/flowdialog/knowledge"
	"github.com/BaSui01/flowdialog/llm"
)

// Config 是引擎的完整配置结构
type Config struct {
	// Engine 状态机配置
	Engine engine.Config `yaml:"engine"`

	// Database 数据库配置
	Database database.Config `yaml:"database"`

	// Audit 交互审计配置
	Audit AuditConfig `yaml:"audit"`

	// LLM 生成调用器配置
	LLM llm.InvokerConfig `yaml:"llm"`

	// Knowledge 知识检索适配器配置
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`
}

// AuditConfig 审计接收方配置
type AuditConfig struct {
	// Backend: none | log | redis
	Backend string `yaml:"backend"`
	// Redis redis 接收方配置，Backend 为 redis 时生效
	Redis audit.RedisConfig `yaml:"redis"`
}

// KnowledgeConfig 知识适配器配置
type KnowledgeConfig struct {
	// Retry 每知识库重试策略
	Retry knowledge.RetryPolicy `yaml:"retry"`
	// TokenizerModel tiktoken 模型名，空表示使用估算器
	TokenizerModel string `yaml:"tokenizer_model"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level: debug | info | warn | error
	Level string `yaml:"level"`
	// Development 开发模式（彩色控制台输出）
	Development bool `yaml:"development"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Engine:   engine.DefaultConfig(),
		Database: database.DefaultConfig(),
		Audit: AuditConfig{
			Backend: "log",
			Redis:   audit.DefaultRedisConfig(),
		},
		LLM: llm.DefaultInvokerConfig(),
		Knowledge: KnowledgeConfig{
			Retry: knowledge.DefaultRetryPolicy(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "FLOWDIALOG"}
}

// WithConfigPath 指定 YAML 配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 指定环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 按 默认值 → YAML → 环境变量 的优先级加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	l.applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv 应用环境变量覆盖
func (l *Loader) applyEnv(cfg *Config) {
	l.envString("DATABASE_DRIVER", &cfg.Database.Driver)
	l.envString("DATABASE_DSN", &cfg.Database.DSN)
	l.envString("AUDIT_BACKEND", &cfg.Audit.Backend)
	l.envString("AUDIT_REDIS_ADDR", &cfg.Audit.Redis.Addr)
	l.envString("AUDIT_REDIS_PASSWORD", &cfg.Audit.Redis.Password)
	l.envInt("AUDIT_REDIS_DB", &cfg.Audit.Redis.DB)
	l.envString("LLM_MODEL", &cfg.LLM.Model)
	l.envDuration("LLM_TIMEOUT", &cfg.LLM.Timeout)
	l.envInt("ENGINE_MAX_LOOPS_PER_PAIR", &cfg.Engine.MaxLoopsPerPair)
	l.envInt("ENGINE_MAX_EXECUTED_STEPS", &cfg.Engine.MaxExecutedSteps)
	l.envString("KNOWLEDGE_TOKENIZER_MODEL", &cfg.Knowledge.TokenizerModel)
	l.envString("LOG_LEVEL", &cfg.Log.Level)
}

func (l *Loader) envString(key string, dst *string) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		*dst = v
	}
}

func (l *Loader) envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// BuildLogger 按日志配置构造 zap logger
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if c.Level == "" {
		c.Level = "info"
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", c.Level, err)
	}
	zc.Level = level
	return zc.Build()
}
