// Package config 提供 npcflow 的统一配置加载。
// 支持 YAML 文件 + 环境变量覆盖，优先级: 默认值 → YAML → 环境变量。
// 任务类型到模型档案（TaskProfile）的映射在启动时加载一次，
// 之后不可变，可安全地被并发读取。
package config
