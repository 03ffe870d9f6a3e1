package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/npcflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExecutor_FirstAttemptSucceeds(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	policy := Policy{Timeout: time.Second, MaxRetries: 3, Backoff: 10 * time.Millisecond}

	calls := 0
	result, attempts, err := e.Execute(context.Background(), "llama3.1:8b", policy, func(ctx context.Context) (any, error) {
		calls++
		return "hello", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", result)
	assert.Equal(t, 1, calls, "应该只调用一次")
	require.Len(t, attempts, 1)
	assert.Equal(t, "success", attempts[0].Outcome)
	assert.Equal(t, "llama3.1:8b", attempts[0].Model)
}

func TestExecutor_RetriesRetryableThenSucceeds(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	policy := Policy{Timeout: time.Second, MaxRetries: 3, Backoff: time.Millisecond}

	calls := 0
	result, attempts, err := e.Execute(context.Background(), "llama3.1:8b", policy, func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, types.NewBackendUnavailableError("llama3.1:8b", errors.New("connection refused"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	require.Len(t, attempts, 3)
	assert.Equal(t, string(types.ErrBackendUnavailable), attempts[0].Outcome)
	assert.Equal(t, "success", attempts[2].Outcome)
}

func TestExecutor_SlowBackendTimesOutAndRetries(t *testing.T) {
	// 规格场景: timeout=50ms, maxRetries=1, 后端调用耗时远超截止时间
	// → 中止、重试一次、然后该模型宣告失败
	e := NewExecutor(zap.NewNop())
	policy := Policy{Timeout: 50 * time.Millisecond, MaxRetries: 1, Backoff: time.Millisecond}

	calls := 0
	_, attempts, err := e.Execute(context.Background(), "llama3.1:8b", policy, func(ctx context.Context) (any, error) {
		calls++
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls, "超时后应重试一次")
	assert.Len(t, attempts, 2)
	assert.True(t, types.IsErrorCode(err, types.ErrBackendTimeout))
	for _, att := range attempts {
		assert.Equal(t, string(types.ErrBackendTimeout), att.Outcome)
		assert.Less(t, att.Duration, time.Second)
	}
}

func TestExecutor_NonRetryableStopsImmediately(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	policy := Policy{Timeout: time.Second, MaxRetries: 5, Backoff: time.Millisecond}

	calls := 0
	_, attempts, err := e.Execute(context.Background(), "llama3.1:8b", policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, types.NewError(types.ErrBackendError, "bad request").
			WithModel("llama3.1:8b").
			WithHTTPStatus(400)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "不可重试错误不应消耗重试次数")
	assert.Len(t, attempts, 1)
	assert.True(t, types.IsErrorCode(err, types.ErrBackendError))
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	policy := Policy{Timeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond}

	calls := 0
	failure := types.NewBackendUnavailableError("llama3.2:latest", errors.New("connection reset"))
	_, attempts, err := e.Execute(context.Background(), "llama3.2:latest", policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, failure
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "初始尝试 + 2 次重试")
	assert.Len(t, attempts, 3)
	assert.True(t, types.IsErrorCode(err, types.ErrBackendUnavailable))
}

func TestExecutor_ContextCanceledDuringBackoff(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	policy := Policy{Timeout: time.Second, MaxRetries: 3, Backoff: time.Second}

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := e.Execute(ctx, "llama3.1:8b", policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, types.NewBackendUnavailableError("llama3.1:8b", errors.New("down"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "退避期间取消后不应再尝试")
}

func TestExecuteTyped(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	policy := Policy{Timeout: time.Second}

	val, attempts, err := ExecuteTyped(e, context.Background(), "llama3.1:8b", policy, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Len(t, attempts, 1)
}
