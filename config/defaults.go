package config

import "time"

// DefaultConfig 返回完整的默认配置。
// 任务档案的默认值沿用本地 Ollama 部署的常见配置：
// 日常对话使用 8B 模型，快速应答使用更小的模型并收窄上下文窗口。
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			ResultWait:      15 * time.Second,
			RateLimitRPS:    5,
			RateLimitBurst:  10,
		},
		Ollama: OllamaConfig{
			Endpoint:  "http://localhost:11434",
			KeepAlive: 10 * time.Minute,
			Timeout:   60 * time.Second,
		},
		Tasks: map[string]TaskProfile{
			"dialogue": {
				PreferredModel: "llama3.1:8b",
				FallbackChain:  []string{"llama3.2:latest"},
				WindowSize:     10,
				Timeout:        3 * time.Second,
				MaxRetries:     1,
				RetryBackoff:   200 * time.Millisecond,
			},
			"quick_response": {
				PreferredModel: "llama3.2:latest",
				FallbackChain:  []string{"llama3.1:8b"},
				WindowSize:     3,
				Timeout:        2 * time.Second,
				MaxRetries:     0,
				RetryBackoff:   100 * time.Millisecond,
			},
			"quest_generation": {
				PreferredModel: "llama3.1:8b",
				FallbackChain:  []string{"llama3.2:latest"},
				WindowSize:     20,
				Timeout:        5 * time.Second,
				MaxRetries:     1,
				RetryBackoff:   500 * time.Millisecond,
			},
			DefaultTaskName: {
				PreferredModel: "llama3.1:8b",
				FallbackChain:  []string{"llama3.2:latest"},
				WindowSize:     10,
				Timeout:        3 * time.Second,
				MaxRetries:     1,
				RetryBackoff:   200 * time.Millisecond,
			},
		},
		History: HistoryConfig{
			Path:     "npcflow.db",
			MaxTurns: 50,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Metrics: MetricsConfig{
			Namespace: "npcflow",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "npcflow",
			SampleRate:   1.0,
		},
	}
}
