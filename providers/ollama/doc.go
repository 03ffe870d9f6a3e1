// Copyright 2026 NPCFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 ollama 提供本地 Ollama 文本生成服务的 Provider 适配实现。
Ollama 在本机常驻运行，通过 HTTP 提供非流式 chat 接口，
本包将通用的路由请求翻译为 Ollama 的 wire 格式并把失败
归一化为统一的类型化错误。

# 核心结构体

  - Provider — 持有 endpoint、keep_alive 驻留提示与共享 http.Client

# 错误映射

  - 连接失败 / 连接重置 → BACKEND_UNAVAILABLE（可重试）
  - 截止时间到达 → BACKEND_TIMEOUT（可重试）
  - HTTP 404 → MODEL_NOT_FOUND
  - HTTP 429 / 5xx → BACKEND_UNAVAILABLE（可重试）
  - 其余非 2xx → BACKEND_ERROR（不可重试，携带状态码）

# 支持能力

  - Chat（同步非流式，POST /api/chat）
  - 模型预热（POST /api/generate 空 prompt 触发加载）
  - 健康检查（GET /api/tags）
*/
package ollama
