package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Purpose 标记一次推理调用的用途，便于日志与指标区分。
type Purpose string

const (
	PurposePlan      Purpose = "plan"
	PurposeExecute   Purpose = "execute"
	PurposeSummarize Purpose = "summarize"
)

// Message 是一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述发送给推理服务的完整上下文。
type Request struct {
	Purpose   Purpose
	Messages  []Message
	MaxTokens int
	// JSONMode 要求服务端以 JSON 对象作答。
	JSONMode bool
}

// Response 是推理服务返回的原始文本。
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Client 定义了调用推理服务的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许使用普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client 接口。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// System 构造系统消息。
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User 构造用户消息。
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant 构造助手消息。
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
