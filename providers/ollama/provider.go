package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/npcflow/config"
	"github.com/BaSui01/npcflow/llm"
	"github.com/BaSui01/npcflow/types"
)

// Provider 本地 Ollama 服务的适配器。可并发使用。
type Provider struct {
	endpoint  string
	keepAlive time.Duration
	client    *http.Client
	logger    *zap.Logger
}

// New 创建 Ollama 适配器。
func New(cfg config.OllamaConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		keepAlive: cfg.KeepAlive,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With(zap.String("provider", "ollama")),
	}
}

func (p *Provider) Name() string { return "ollama" }

// =============================================================================
// 📡 Wire 格式
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type generateRequest struct {
	Model     string `json:"model"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

// toWireRole 将内部角色翻译为 Ollama 的角色。
// npc 在 wire 上就是 assistant。
func toWireRole(role types.Role) string {
	if role == types.RoleNPC {
		return "assistant"
	}
	return string(role)
}

// =============================================================================
// 💬 Chat
// =============================================================================

// Chat 执行一次非流式生成调用。
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	wireMsgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wireMsgs = append(wireMsgs, chatMessage{
			Role:    toWireRole(m.Role),
			Content: m.Content,
		})
	}

	keepAlive := req.KeepAlive
	if keepAlive <= 0 {
		keepAlive = p.keepAlive
	}
	wireReq := chatRequest{
		Model:    req.Model,
		Messages: wireMsgs,
		Stream:   false,
	}
	if keepAlive > 0 {
		wireReq.KeepAlive = keepAlive.String()
	}

	payload, err := json.Marshal(wireReq)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal chat request").
			WithModel(req.Model).
			WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build chat request").
			WithModel(req.Model).
			WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.mapTransportError(req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, mapHTTPError(req.Model, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wireResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, types.NewError(types.ErrBackendError, "decode chat response").
			WithModel(req.Model).
			WithCause(err)
	}

	return &llm.ChatResponse{
		Content:          wireResp.Message.Content,
		Model:            wireResp.Model,
		PromptTokens:     wireResp.PromptEvalCount,
		CompletionTokens: wireResp.EvalCount,
	}, nil
}

// =============================================================================
// 🔥 预热与健康检查
// =============================================================================

// Warm 触发模型加载。Ollama 收到不带 prompt 的 generate 请求时
// 只把模型载入显存并按 keep_alive 驻留。
func (p *Provider) Warm(ctx context.Context, model string) error {
	wireReq := generateRequest{Model: model}
	if p.keepAlive > 0 {
		wireReq.KeepAlive = p.keepAlive.String()
	}
	payload, err := json.Marshal(wireReq)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "marshal warm request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "build warm request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.mapTransportError(model, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapHTTPError(model, resp.StatusCode, "warm request rejected")
	}
	return nil
}

// HealthCheck 探测 Ollama 是否可达。
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "build health check request").WithCause(err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.mapTransportError("", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return types.NewError(types.ErrBackendUnavailable, fmt.Sprintf("health check returned %d", resp.StatusCode)).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(true)
	}
	return nil
}

// =============================================================================
// 🔧 错误映射
// =============================================================================

// mapTransportError 将传输层失败归一化为类型化错误。
func (p *Provider) mapTransportError(model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewBackendTimeoutError(model, err)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrBackendTimeout, "request canceled").
			WithModel(model).
			WithCause(err)
	}
	// 连接拒绝 / 连接重置 / DNS 失败都归为后端不可达
	return types.NewBackendUnavailableError(model, err)
}

// mapHTTPError 将非 2xx 响应归一化为类型化错误。
func mapHTTPError(model string, status int, msg string) *types.Error {
	switch {
	case status == http.StatusNotFound:
		return types.NewError(types.ErrModelNotFound, msg).
			WithModel(model).
			WithHTTPStatus(status)
	case status == http.StatusTooManyRequests || status >= 500:
		return types.NewError(types.ErrBackendUnavailable, msg).
			WithModel(model).
			WithHTTPStatus(status).
			WithRetryable(true)
	default:
		return types.NewError(types.ErrBackendError, msg).
			WithModel(model).
			WithHTTPStatus(status)
	}
}
