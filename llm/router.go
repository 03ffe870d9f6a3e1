package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/npcflow/config"
	"github.com/BaSui01/npcflow/internal/metrics"
	llmcontext "github.com/BaSui01/npcflow/llm/context"
	"github.com/BaSui01/npcflow/llm/retry"
	"github.com/BaSui01/npcflow/types"
)

// =============================================================================
// 🧭 模型路由器
// =============================================================================

// RouteResult 一次路由的结果。
type RouteResult struct {
	// Text 模型生成的文本
	Text string
	// Model 实际产出回答的模型
	Model string
	// TaskType 本次路由的任务类型
	TaskType string
	// Attempts 全部尝试记录（仅用于观测）
	Attempts []types.RouteAttempt
}

// Router 按任务类型选择模型并沿降级链执行。
// 同一 Router 可被任意多个 goroutine 并发调用。
type Router struct {
	cfg       *config.Config
	registry  *Registry
	builder   *llmcontext.Builder
	executor  *retry.Executor
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewRouter 创建模型路由器。
// builder / executor / logger 传 nil 时使用默认实现；collector 可为 nil（不记录指标）。
func NewRouter(cfg *config.Config, registry *Registry, builder *llmcontext.Builder, executor *retry.Executor, collector *metrics.Collector, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if builder == nil {
		builder = llmcontext.NewBuilder(nil, logger)
	}
	if executor == nil {
		executor = retry.NewExecutor(logger)
	}
	return &Router{
		cfg:       cfg,
		registry:  registry,
		builder:   builder,
		executor:  executor,
		collector: collector,
		logger:    logger.With(zap.String("component", "router")),
	}
}

// Route 为给定任务类型执行一次生成。
// 严格按档案的降级链顺序逐个尝试模型，第一个成功者立即返回；
// 全部失败时返回 CHAIN_EXHAUSTED，携带最后一个底层原因。
// 未知的任务类型回退到 default 档案，不是错误。
func (r *Router) Route(ctx context.Context, taskType string, history []types.Message) (*RouteResult, error) {
	profile, fellBack := r.cfg.Profile(taskType)
	if fellBack {
		r.logger.Debug("未知任务类型，回退到默认档案",
			zap.String("task_type", taskType))
	}

	msgs := r.builder.Optimize(history, profile.WindowSize, profile.MaxContextTokens)

	policy := retry.Policy{
		Timeout:    profile.Timeout,
		MaxRetries: profile.MaxRetries,
		Backoff:    profile.RetryBackoff,
	}

	start := time.Now()
	var (
		attempts []types.RouteAttempt
		lastErr  error
	)

	for depth, model := range profile.Chain() {
		provider, err := r.registry.Get(model)
		if err != nil {
			// 未注册的模型算一次失败的尝试，继续沿链前进
			attempts = append(attempts, types.RouteAttempt{
				Model:     model,
				StartTime: time.Now(),
				Outcome:   string(types.ErrModelNotFound),
			})
			r.recordAttempt(model, string(types.ErrModelNotFound))
			r.logger.Warn("模型未注册，跳过",
				zap.String("model", model),
				zap.String("task_type", taskType))
			lastErr = err
			continue
		}

		resp, tries, err := retry.ExecuteTyped(r.executor, ctx, model, policy, func(ctx context.Context) (*ChatResponse, error) {
			return provider.Chat(ctx, &ChatRequest{
				Model:     model,
				Messages:  msgs,
				KeepAlive: r.cfg.Ollama.KeepAlive,
			})
		})
		attempts = append(attempts, tries...)
		for _, a := range tries {
			r.recordAttempt(a.Model, a.Outcome)
		}

		if err == nil {
			if depth > 0 {
				r.logger.Info("降级模型接管",
					zap.String("task_type", taskType),
					zap.String("model", model),
					zap.Int("fallback_depth", depth))
			}
			if r.collector != nil {
				r.collector.RecordRoute(taskType, time.Since(start), depth)
			}
			return &RouteResult{
				Text:     resp.Content,
				Model:    resp.Model,
				TaskType: taskType,
				Attempts: attempts,
			}, nil
		}

		lastErr = err
		r.logger.Warn("模型调用失败，尝试降级",
			zap.String("task_type", taskType),
			zap.String("model", model),
			zap.Error(err))

		// 调用方取消后继续降级没有意义
		if ctx.Err() != nil {
			break
		}
	}

	if r.collector != nil {
		r.collector.RecordChainExhausted(taskType)
	}
	r.logger.Error("降级链耗尽",
		zap.String("task_type", taskType),
		zap.Int("attempts", len(attempts)),
		zap.Error(lastErr))

	return &RouteResult{TaskType: taskType, Attempts: attempts}, types.NewChainExhaustedError(taskType, lastErr)
}

// Warm 并发预热配置涉及的全部模型。
// 预热只是延迟优化：单个模型预热失败记录日志后忽略。
func (r *Router) Warm(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, model := range r.cfg.Models() {
		model := model
		g.Go(func() error {
			provider, err := r.registry.Get(model)
			if err != nil {
				r.logger.Debug("预热跳过未注册模型", zap.String("model", model))
				return nil
			}
			warmer, ok := provider.(Warmer)
			if !ok {
				return nil
			}
			if err := warmer.Warm(ctx, model); err != nil {
				r.logger.Warn("模型预热失败",
					zap.String("model", model),
					zap.Error(err))
				return nil
			}
			r.logger.Info("模型预热完成", zap.String("model", model))
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) recordAttempt(model, outcome string) {
	if r.collector != nil {
		r.collector.RecordRouteAttempt(model, outcome)
	}
}
