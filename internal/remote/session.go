package remote

import "time"

// ConnState 是通道的连接状态。
type ConnState string

const (
	StateDisconnected ConnState = "Disconnected"
	StateConnecting   ConnState = "Connecting"
	StateConnected    ConnState = "Connected"
)

// Session 是远程会话的快照，生命周期跨越多条消息。
type Session struct {
	ID                  string    `json:"session_id"`
	State               ConnState `json:"state"`
	LastEventAt         time.Time `json:"last_event_at"`
	PendingCancellation bool      `json:"pending_cancellation"`
	// Failed 在收到 error 信封后置位，会话不再可用，直到重新连接。
	Failed bool `json:"failed"`
}
