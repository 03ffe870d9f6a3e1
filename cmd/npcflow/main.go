// =============================================================================
// NPCFlow 主入口
// =============================================================================
// NPC 对话中介服务：会话协调、模型路由、Ollama 后端。
//
// 使用方法:
//
//	npcflow serve                       # 启动服务
//	npcflow serve --config config.yaml  # 指定配置文件
//	npcflow version                     # 显示版本信息
//	npcflow health                      # 健康检查
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/npcflow/config"
	"github.com/BaSui01/npcflow/dialogue"
	"github.com/BaSui01/npcflow/internal/metrics"
	"github.com/BaSui01/npcflow/internal/server"
	"github.com/BaSui01/npcflow/internal/telemetry"
	"github.com/BaSui01/npcflow/llm"
	llmcontext "github.com/BaSui01/npcflow/llm/context"
	"github.com/BaSui01/npcflow/llm/retry"
	"github.com/BaSui01/npcflow/providers/ollama"
	"github.com/BaSui01/npcflow/store"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting NPCFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)

	history, err := store.Open(cfg.History, collector, logger)
	if err != nil {
		logger.Fatal("Failed to open history store", zap.Error(err))
	}
	if err := history.Prune(context.Background()); err != nil {
		logger.Warn("History prune failed", zap.Error(err))
	}

	// 后端适配器与模型注册表：配置涉及的所有模型都走同一个 Ollama 实例
	provider := ollama.New(cfg.Ollama, logger)
	registry := llm.NewRegistry()
	for _, model := range cfg.Models() {
		registry.Register(model, provider)
	}

	builder := llmcontext.NewBuilder(llmcontext.NewTiktokenTokenizer(""), logger)
	executor := retry.NewExecutor(logger)
	router := llm.NewRouter(cfg, registry, builder, executor, collector, logger)

	// 预热是纯延迟优化，失败不阻止启动
	warmCtx, cancelWarm := context.WithTimeout(context.Background(), 30*time.Second)
	router.Warm(warmCtx)
	cancelWarm()

	api := server.NewServer(nil, provider.HealthCheck, cfg.Server, logger)
	coordinator := dialogue.NewCoordinator(router, history, api, collector, logger)
	api.SetCoordinator(coordinator)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	handler := server.Chain(api.Routes(),
		server.Recovery(logger),
		server.RequestID(),
		server.RequestLogger(logger),
		server.Metrics(collector),
		server.RateLimiter(rootCtx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger),
	)

	manager := server.NewManager(handler, cfg.Server, logger)
	if err := manager.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	manager.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if err := history.Close(); err != nil {
		logger.Warn("history store close failed", zap.Error(err))
	}

	logger.Info("NPCFlow stopped")
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("NPCFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`NPCFlow - NPC Dialogue Mediation Service

Usage:
  npcflow <command> [options]

Commands:
  serve     Start the NPCFlow server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  npcflow serve
  npcflow serve --config /etc/npcflow/config.yaml
  npcflow health --addr http://localhost:8080
  npcflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
