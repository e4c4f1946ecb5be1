package remote

import (
	"encoding/json"
	"strings"
)

// EnvelopeType 标识远程协议中的一条消息。
type EnvelopeType string

// 出站类型。
const (
	TypeSessionCreate EnvelopeType = "session.create"
	TypeMessage       EnvelopeType = "message"
	TypeCancel        EnvelopeType = "cancel"
)

// 入站类型。
const (
	TypeConnection EnvelopeType = "connection"
	TypeInit       EnvelopeType = "init"
	TypeThinking   EnvelopeType = "thinking"
	TypeToolUse    EnvelopeType = "tool_use"
	TypeToolResult EnvelopeType = "tool_result"
	TypeResponse   EnvelopeType = "response"
	TypeCompletion EnvelopeType = "completion"
	TypeError      EnvelopeType = "error"
	TypeCancelled  EnvelopeType = "cancelled"
)

// Envelope 是远程协议的 JSON 消息单元。
type Envelope struct {
	Type      EnvelopeType  `json:"type"`
	UserID    string        `json:"userId,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Content   string        `json:"content,omitempty"`
	Error     string        `json:"error,omitempty"`
	Data      *EnvelopeData `json:"data,omitempty"`
}

// EnvelopeData 携带握手信息。
type EnvelopeData struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ErrorText 返回 error 信封中的错误描述。
func (e Envelope) ErrorText() string {
	if text := strings.TrimSpace(e.Error); text != "" {
		return text
	}
	if text := strings.TrimSpace(e.Content); text != "" {
		return text
	}
	return "remote peer reported an error"
}

// decodeEnvelope 解析入站消息。content 或 error 允许是任意 JSON，非字符串值保留原文。
func decodeEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Type      EnvelopeType    `json:"type"`
		SessionID string          `json:"sessionId"`
		Content   json.RawMessage `json:"content"`
		Error     json.RawMessage `json:"error"`
		Data      *EnvelopeData   `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      EnvelopeType(strings.TrimSpace(string(raw.Type))),
		SessionID: raw.SessionID,
		Content:   rawText(raw.Content),
		Error:     rawText(raw.Error),
		Data:      raw.Data,
	}, nil
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
