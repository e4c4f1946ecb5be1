package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCall 是执行器从推理服务输出中解析出的一次具体工具调用。
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ParseToolCalls 解析执行器的输出。接受 {"tool_calls": [...]}、顶层数组或单个调用对象，
// 与 Parse 一样永不失败，无法识别时返回空切片。
func ParseToolCalls(raw string) []ToolCall {
	items := decodeCallList(raw)
	calls := make([]ToolCall, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		call, ok := toolCallFrom(obj)
		if !ok {
			continue
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", len(calls)+1)
		}
		calls = append(calls, call)
	}
	return calls
}

func decodeCallList(raw string) []any {
	text := stripFences(raw)
	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')

	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		if list, ok := decodeAny(extractJSON(text, '[', ']')).([]any); ok {
			return list
		}
	}
	obj, ok := decodeAny(extractJSON(text, '{', '}')).(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"tool_calls", "toolCalls", "calls"} {
		if v, ok := obj[key]; ok {
			list, _ := v.([]any)
			return list
		}
	}
	if _, ok := obj["name"]; ok {
		return []any{obj}
	}
	if _, ok := obj["function"]; ok {
		return []any{obj}
	}
	return nil
}

func decodeAny(text string) any {
	if text == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out
	}
	repaired, ok := repair(text)
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil
	}
	return out
}

// toolCallFrom 兼容 OpenAI 风格的 {"function": {"name", "arguments"}} 结构。
func toolCallFrom(obj map[string]any) (ToolCall, bool) {
	call := ToolCall{ID: strings.TrimSpace(asString(obj["id"]))}
	source := obj
	if fn, ok := obj["function"].(map[string]any); ok {
		source = fn
	}
	call.Name = strings.TrimSpace(asString(source["name"]))
	if call.Name == "" {
		return ToolCall{}, false
	}

	var rawArgs any
	for _, key := range []string{"arguments", "args", "parameters", "input"} {
		if v, ok := source[key]; ok {
			rawArgs = v
			break
		}
	}
	call.Args = argsFrom(rawArgs)
	return call, true
}

func argsFrom(v any) map[string]any {
	switch typed := v.(type) {
	case map[string]any:
		return typed
	case string:
		text := strings.TrimSpace(typed)
		if text == "" {
			return map[string]any{}
		}
		if obj, ok := decodeAny(text).(map[string]any); ok {
			return obj
		}
		return map[string]any{"input": typed}
	default:
		return map[string]any{}
	}
}
