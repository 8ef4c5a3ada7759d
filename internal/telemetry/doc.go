// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 flowrun 安装全局 TracerProvider 与 MeterProvider（OTLP/gRPC 导出）。
// 当遥测功能禁用时，保持 noop 实现，不连接任何外部服务。
package telemetry
