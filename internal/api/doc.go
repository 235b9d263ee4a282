// Package api 暴露 REST 接口：会话的创建、查询与撤销，
// 以及驱动智能体对话的消息入口。
package api
