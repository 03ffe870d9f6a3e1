// Package retry 提供带截止时间的有界重试执行器。
// 执行器对对话语义一无所知：它只负责在一个模型上运行单次后端调用，
// 超时后按策略重试，并把每次尝试记录为 RouteAttempt。
// 所有失败都以类型化错误值返回，永不向调用方抛出 panic。
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/npcflow/types"
	"go.uber.org/zap"
)

// Policy 定义单个模型的重试策略。
type Policy struct {
	// Timeout 单次尝试的截止时间
	Timeout time.Duration
	// MaxRetries 最大重试次数（0 表示只尝试一次）
	MaxRetries int
	// Backoff 重试之间的固定延迟
	Backoff time.Duration
}

// Call 是一次可超时的后端调用。
// 传入的 context 携带本次尝试的截止时间；调用方应将其透传给底层 HTTP 请求。
type Call func(ctx context.Context) (any, error)

// Executor 在截止时间与重试上限内执行后端调用。
type Executor struct {
	logger *zap.Logger
}

// NewExecutor 创建重试执行器。
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger}
}

// Execute 在 model 上执行 call，最多尝试 1+MaxRetries 次。
// 返回第一个成功结果；全部失败时返回最后一次的类型化错误。
// 每次尝试（无论成败）都会记录一条 RouteAttempt。
//
// 重试只针对被标记为可重试的错误（超时、连接失败）；
// 后端明确拒绝（BACKEND_ERROR）立即返回，不消耗剩余重试次数。
func (e *Executor) Execute(ctx context.Context, model string, policy Policy, call Call) (any, []types.RouteAttempt, error) {
	attempts := make([]types.RouteAttempt, 0, policy.MaxRetries+1)
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Debug("retrying backend call",
				zap.String("model", model),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", policy.MaxRetries),
				zap.Duration("backoff", policy.Backoff),
				zap.Error(lastErr),
			)

			// 等待退避延迟，同时监听 context 取消
			select {
			case <-ctx.Done():
				return nil, attempts, types.NewError(types.ErrBackendTimeout, "retry canceled").
					WithModel(model).
					WithCause(ctx.Err())
			case <-time.After(policy.Backoff):
			}
		}

		result, att, err := e.attempt(ctx, model, policy.Timeout, call)
		attempts = append(attempts, att)

		if err == nil {
			return result, attempts, nil
		}
		lastErr = err

		// 不可重试的错误直接放弃该模型
		if !types.IsRetryable(err) {
			e.logger.Debug("error not retryable, abandoning model",
				zap.String("model", model),
				zap.Error(err),
			)
			return nil, attempts, err
		}

		// 外层 context 已取消时不再重试
		if ctx.Err() != nil {
			return nil, attempts, lastErr
		}
	}

	e.logger.Warn("retries exhausted for model",
		zap.String("model", model),
		zap.Int("attempts", policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return nil, attempts, lastErr
}

// attempt 执行单次带截止时间的调用。
func (e *Executor) attempt(ctx context.Context, model string, timeout time.Duration, call Call) (any, types.RouteAttempt, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	result, err := call(attemptCtx)
	duration := time.Since(start)

	// 截止时间到达时归一化为类型化超时错误。
	// 取消只是建议性的：底层调用可能仍在运行，其结果到达后会被上层丢弃。
	if err != nil && errors.Is(err, context.DeadlineExceeded) && types.AsError(err) == nil {
		err = types.NewBackendTimeoutError(model, err)
	}

	att := types.RouteAttempt{
		Model:     model,
		StartTime: start,
		Duration:  duration,
		Outcome:   outcome(err),
	}
	if err != nil {
		return nil, att, err
	}
	return result, att, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return "error"
}

// ExecuteTyped is a type-safe generic wrapper around Executor.Execute.
// It eliminates the need for type assertions on the return value.
func ExecuteTyped[T any](e *Executor, ctx context.Context, model string, policy Policy, call func(ctx context.Context) (T, error)) (T, []types.RouteAttempt, error) {
	result, attempts, err := e.Execute(ctx, model, policy, func(ctx context.Context) (any, error) {
		return call(ctx)
	})
	if err != nil {
		var zero T
		return zero, attempts, err
	}
	return result.(T), attempts, nil
}
