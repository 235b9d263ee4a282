package llm

import "context"

// Tool 描述提供给大模型的一个可调用操作的结构化说明。
// Parameters 采用与服务商兼容的 JSON Schema 形式，新增字段由服务商忽略。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 描述发送给大模型的一轮对话上下文。
// Tools 必须在每次调用前根据会话的实时状态重新计算，不得缓存。
type Request struct {
	Prompt string
	Tools  []Tool
}

// FunctionCall 是大模型请求执行的一次结构化操作。
type FunctionCall struct {
	Name string
	Args map[string]any
}

// Response 是大模型的输出：纯文本回复或至多一次函数调用。
type Response struct {
	Text string
	Call *FunctionCall
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
