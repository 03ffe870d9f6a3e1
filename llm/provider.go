package llm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/npcflow/types"
)

// ChatRequest 是发送给后端适配器的一次生成请求。
type ChatRequest struct {
	// Model 目标模型 id
	Model string `json:"model"`
	// Messages 已经过上下文优化的有界消息列表
	Messages []types.Message `json:"messages"`
	// KeepAlive 驻留提示：请求后端将模型保温的时长。
	// 纯延迟优化；后端可以忽略，正确性不受影响。
	KeepAlive time.Duration `json:"keep_alive,omitempty"`
}

// ChatResponse 是后端适配器返回的生成结果。
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// Provider 后端适配器契约。
// 失败必须以 *types.Error 返回（timeout / connection / backend_error），
// 实现不得 panic。
type Provider interface {
	// Name 返回适配器名称
	Name() string

	// Chat 执行一次生成调用。ctx 携带本次尝试的截止时间。
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// HealthCheck 探测后端可用性
	HealthCheck(ctx context.Context) error
}

// Warmer 可选接口：支持预加载模型的适配器实现它。
// 预热是建议性的，失败不影响路由。
type Warmer interface {
	Warm(ctx context.Context, model string) error
}

// Registry 模型 id → Provider 的映射。构造完成后不可变，可并发读取。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry 创建空的模型注册表。
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register 注册一个模型。同名模型后注册者覆盖先注册者。
func (r *Registry) Register(model string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[model] = p
}

// Get 返回模型对应的 Provider。
// 未注册的模型返回 MODEL_NOT_FOUND —— 路由器把它当作一次失败的尝试，
// 继续沿降级链前进。
func (r *Registry) Get(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[model]
	if !ok {
		return nil, types.NewError(types.ErrModelNotFound, "model not registered").WithModel(model)
	}
	return p, nil
}

// Models 返回已注册模型的有序列表。
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]string, 0, len(r.providers))
	for m := range r.providers {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
