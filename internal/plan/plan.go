package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// MaxProposedActions 是单个规划允许携带的动作上限，多余的动作会被截断。
const MaxProposedActions = 5

// Plan 是规划器的一次输出。
type Plan struct {
	Reasoning       string   `json:"reasoning"`
	ProposedActions []string `json:"proposed_actions"`
	TaskComplete    bool     `json:"task_complete"`
	FinalAnswer     string   `json:"final_answer"`
	TodoMarkdown    string   `json:"todo_markdown,omitempty"`
}

// Normalize 保证 TaskComplete 与 FinalAnswer 互为充要条件，
// 且完成时不再携带待执行动作。
func (p *Plan) Normalize() {
	p.FinalAnswer = strings.TrimSpace(p.FinalAnswer)
	if len(p.ProposedActions) > MaxProposedActions {
		p.ProposedActions = p.ProposedActions[:MaxProposedActions]
	}

	switch {
	case p.TaskComplete && p.FinalAnswer == "":
		// 声称完成却没有答案，视为未完成，交给下一轮继续。
		p.TaskComplete = false
	case !p.TaskComplete && p.FinalAnswer != "" && len(p.ProposedActions) == 0:
		p.TaskComplete = true
	case !p.TaskComplete && p.FinalAnswer != "":
		// 仍有动作待执行时，提前给出的答案不算数。
		p.FinalAnswer = ""
	}

	if p.TaskComplete {
		p.ProposedActions = nil
	}
	if p.ProposedActions == nil {
		p.ProposedActions = []string{}
	}
}

// Valid 报告计划是否满足完成标志与答案、动作之间的约束。
func (p Plan) Valid() bool {
	if p.TaskComplete != (p.FinalAnswer != "") {
		return false
	}
	if p.TaskComplete && len(p.ProposedActions) > 0 {
		return false
	}
	return len(p.ProposedActions) <= MaxProposedActions
}

// Parse 从推理服务返回的文本中解析计划。该函数永不失败：
// 缺失字段取空字符串、空列表或 false，无法解析的文本整体作为 reasoning。
func Parse(raw string) Plan {
	fields, ok := decodeObject(raw)
	if !ok {
		p := Plan{Reasoning: strings.TrimSpace(raw)}
		p.Normalize()
		return p
	}

	p := Plan{
		Reasoning:       stringField(fields, "reasoning", "thought", "thinking"),
		ProposedActions: actionsField(fields, "proposed_actions", "proposedActions", "actions", "next_actions"),
		TaskComplete:    boolField(fields, "task_complete", "taskComplete", "complete", "done"),
		FinalAnswer:     stringField(fields, "final_answer", "finalAnswer", "answer"),
		TodoMarkdown:    stringField(fields, "todo_markdown", "todoMarkdown", "todo"),
	}
	p.Normalize()
	return p
}

// decodeObject 提取文本中的第一个 JSON 对象，必要时使用 jsonrepair 修复。
func decodeObject(raw string) (map[string]any, bool) {
	text := extractJSON(raw, '{', '}')
	if text == "" {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err == nil {
		return fields, true
	}
	repaired, ok := repair(text)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
		return nil, false
	}
	return fields, fields != nil
}

// repair 调用 jsonrepair，并把修复过程中的 panic 视为修复失败。
func repair(text string) (out string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			out, ok = "", false
		}
	}()
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return "", false
	}
	return repaired, true
}

// extractJSON 去掉 Markdown 代码块，截取第一个 open 到最后一个 close 之间的内容。
func extractJSON(raw string, open, close byte) string {
	text := stripFences(raw)
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(text, close)
	if end <= start {
		// 截断的输出没有闭合括号，交给 jsonrepair 补齐。
		return text[start:]
	}
	return text[start : end+1]
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.Contains(text, "```") {
		return text
	}
	start := strings.Index(text, "```")
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func lookup(fields map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := fields[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]any, keys ...string) string {
	v, ok := lookup(fields, keys...)
	if !ok {
		return ""
	}
	return strings.TrimSpace(asString(v))
}

func boolField(fields map[string]any, keys ...string) bool {
	v, ok := lookup(fields, keys...)
	if !ok {
		return false
	}
	switch typed := v.(type) {
	case bool:
		return typed
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && b
	case float64:
		return typed != 0
	default:
		return false
	}
}

func actionsField(fields map[string]any, keys ...string) []string {
	v, ok := lookup(fields, keys...)
	if !ok {
		return []string{}
	}
	var items []any
	switch typed := v.(type) {
	case []any:
		items = typed
	case string:
		items = []any{typed}
	default:
		items = []any{typed}
	}

	actions := make([]string, 0, len(items))
	for _, item := range items {
		text := strings.TrimSpace(actionText(item))
		if text == "" {
			continue
		}
		actions = append(actions, text)
		if len(actions) == MaxProposedActions {
			break
		}
	}
	return actions
}

// actionText 兼容 {"action": "..."} 或 {"description": "..."} 形式的动作对象。
func actionText(item any) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return asString(item)
	}
	for _, key := range []string{"action", "description", "step", "text", "name"} {
		if v, ok := obj[key]; ok {
			return asString(v)
		}
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func asString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprint(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	}
}
