// Package config 提供 flowrun 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 FLOWRUN）的顺序叠加，
// 加载后统一校验。Reloader 轮询配置文件，校验通过后把新配置
// 交给订阅者，serve 命令用它在线调整日志级别与限流参数。
package config
