package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// 两个保留的标记工具，执行器根据它们的结果判断任务完成或需要人工介入。
const (
	DoneToolName       = "done"
	HumanInputToolName = "require_human_input"
)

// Tool 是可被执行器调度的能力。
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Result 记录一次工具调用的结果，每个已发出的调用恰好产生一个 Result。
type Result struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	OK       bool   `json:"ok"`
	Payload  any    `json:"payload,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Text 返回结果的紧凑文本形式，用于回填给推理服务。
func (r Result) Text() string {
	if !r.OK {
		return fmt.Sprintf("%s: error: %s", r.ToolName, r.Error)
	}
	switch payload := r.Payload.(type) {
	case nil:
		return r.ToolName + ": ok"
	case string:
		return r.ToolName + ": " + payload
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%s: %v", r.ToolName, payload)
		}
		return r.ToolName + ": " + string(encoded)
	}
}

// Func 把普通函数包装成 Tool。
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f Func) Name() string        { return f.ToolName }
func (f Func) Description() string { return f.Desc }

// Execute 实现 Tool 接口。
func (f Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("工具 %s 未实现", f.ToolName)
	}
	return f.Fn(ctx, args)
}

// DonePayload 是完成标记工具的输出。
type DonePayload struct {
	Answer string `json:"answer"`
}

// HumanInputPayload 是人工介入标记工具的输出。
type HumanInputPayload struct {
	Required bool   `json:"required"`
	Prompt   string `json:"prompt"`
}

// DoneTool 返回完成标记工具，answer 参数不能为空。
func DoneTool() Tool {
	return Func{
		ToolName: DoneToolName,
		Desc:     `Declare the task finished. Arguments: {"answer": string}.`,
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			answer := strings.TrimSpace(StringArg(args, "answer"))
			if answer == "" {
				return nil, fmt.Errorf("done 需要非空的 answer")
			}
			return DonePayload{Answer: answer}, nil
		},
	}
}

// HumanInputTool 返回人工介入标记工具。
func HumanInputTool() Tool {
	return Func{
		ToolName: HumanInputToolName,
		Desc:     `Ask a human to intervene when the task cannot proceed autonomously. Arguments: {"prompt": string, "required": bool}.`,
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			required := true
			if v, ok := args["required"].(bool); ok {
				required = v
			}
			return HumanInputPayload{Required: required, Prompt: strings.TrimSpace(StringArg(args, "prompt"))}, nil
		},
	}
}

// StringArg 读取字符串参数，非字符串值按 fmt 格式化。
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
