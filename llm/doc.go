// Package llm 提供模型路由核心：按任务类型选择模型、
// 通过上下文构建器约束上下文大小、驱动重试执行器沿降级链执行。
//
// 路由的结果只有两种：具体的成功，或携带最后一个底层原因的
// CHAIN_EXHAUSTED 类型化错误 —— 永远不会无界等待，也不会向上抛出 panic。
package llm
