// Package config 负责加载守护进程的 JSON 主配置。
// 链定义与商户白名单是独立的 YAML 文件，主配置只记录它们的路径。
package config
