// =============================================================================
// 📦 npcflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("NPCFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTaskName 是未知任务类型回退使用的档案名。
// 未知任务类型永远不是错误：路由器静默映射到该档案。
const DefaultTaskName = "default"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 npcflow 的完整配置结构
type Config struct {
	// Server HTTP 桥接层配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Ollama 本地文本生成后端配置
	Ollama OllamaConfig `yaml:"ollama" env:"OLLAMA"`

	// Tasks 任务类型 → 模型档案表（加载后不可变）
	Tasks map[string]TaskProfile `yaml:"tasks" env:"-"`

	// History 会话历史存储配置
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig HTTP 桥接层配置
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 等待异步对话结果的上限（桥接层专用，协调器本身永不阻塞）
	ResultWait time.Duration `yaml:"result_wait" env:"RESULT_WAIT"`
	// 每客户端限流: 每秒请求数
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 每客户端限流: 突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// OllamaConfig Ollama 后端配置
type OllamaConfig struct {
	// 端点地址
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// KeepAlive 驻留提示：请求后端将模型保温的时长。
	// 纯延迟优化，与正确性无关。
	KeepAlive time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE"`
	// HTTP 客户端超时（单次尝试的截止时间由 TaskProfile.Timeout 控制）
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TaskProfile 任务类型的模型档案。加载后不可变。
type TaskProfile struct {
	// 首选模型
	PreferredModel string `yaml:"preferred_model"`
	// 降级链：按顺序尝试的模型列表
	FallbackChain []string `yaml:"fallback_chain"`
	// 上下文窗口：保留的最近会话轮数（system 轮无条件保留）
	WindowSize int `yaml:"window_size"`
	// 可选的 token 预算上限（0 表示不启用 token 级裁剪）
	MaxContextTokens int `yaml:"max_context_tokens"`
	// 单次后端尝试的截止时间
	Timeout time.Duration `yaml:"timeout"`
	// 单个模型的最大重试次数（0 表示不重试）
	MaxRetries int `yaml:"max_retries"`
	// 重试之间的固定延迟
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// Chain 返回完整的尝试序列: [首选模型] + 降级链，去除与首选模型重复的条目。
func (p TaskProfile) Chain() []string {
	chain := make([]string, 0, 1+len(p.FallbackChain))
	chain = append(chain, p.PreferredModel)
	for _, m := range p.FallbackChain {
		if m != p.PreferredModel {
			chain = append(chain, m)
		}
	}
	return chain
}

// HistoryConfig 会话历史存储配置
type HistoryConfig struct {
	// sqlite 数据库路径（":memory:" 用于测试）
	Path string `yaml:"path" env:"PATH"`
	// 每个 caller:target 对保留的最大轮数
	MaxTurns int `yaml:"max_turns" env:"MAX_TURNS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Prometheus 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
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

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "NPCFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// =============================================================================
// 🔍 配置验证与查询
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server addr must not be empty")
	}
	if c.Ollama.Endpoint == "" {
		errs = append(errs, "ollama endpoint must not be empty")
	}
	if len(c.Tasks) == 0 {
		errs = append(errs, "at least one task profile is required")
	}
	if _, ok := c.Tasks[DefaultTaskName]; !ok {
		errs = append(errs, fmt.Sprintf("task profile %q is required", DefaultTaskName))
	}
	for name, p := range c.Tasks {
		if p.PreferredModel == "" {
			errs = append(errs, fmt.Sprintf("task %q: preferred_model must not be empty", name))
		}
		if p.WindowSize <= 0 {
			errs = append(errs, fmt.Sprintf("task %q: window_size must be positive", name))
		}
		if p.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("task %q: timeout must be positive", name))
		}
		if p.MaxRetries < 0 {
			errs = append(errs, fmt.Sprintf("task %q: max_retries must not be negative", name))
		}
		for i, m := range p.FallbackChain {
			if m == "" {
				errs = append(errs, fmt.Sprintf("task %q: fallback_chain[%d] must not be empty", name, i))
			}
		}
	}
	if c.History.MaxTurns <= 0 {
		errs = append(errs, "history max_turns must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Profile 返回任务类型的档案。未知任务类型回退到 default 档案。
// 返回的第二个值表示是否发生了回退。
func (c *Config) Profile(taskType string) (TaskProfile, bool) {
	if p, ok := c.Tasks[taskType]; ok {
		return p, false
	}
	return c.Tasks[DefaultTaskName], true
}

// Models 返回所有档案引用的去重模型列表（用于注册和预热）。
func (c *Config) Models() []string {
	seen := make(map[string]struct{})
	var models []string
	for _, p := range c.Tasks {
		for _, m := range p.Chain() {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				models = append(models, m)
			}
		}
	}
	return models
}
