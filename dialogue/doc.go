// Copyright 2026 NPCFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 dialogue 提供会话协调器：为每个 caller 维护唯一的对话会话，
保证同一时刻至多一个在途生成请求，并丢弃一切过期结果。

正确性完全由会话 id 匹配定义，而不是由完成顺序定义：
caller 在旧请求解析前切换对话目标时，旧请求只被标记为被取代，
其结果到达 applyResult 时因 id 不匹配而被静默丢弃（带日志）。
取消永远是建议性的，底层后端调用不保证真正停止。

# 锁模型

每个 caller 一把锁，按需通过 sync.Map LoadOrStore 原子创建，
创建后永不移除（上界为出现过的 caller 数量）。
锁只保护纯内存的会话更新，任何 I/O 与 Listener 回调都在锁外执行。

# 失败语义

降级链耗尽时协调器生成中性的角色内兜底回复（Fallback 标记），
原始错误永远不会到达最终用户。
*/
package dialogue
