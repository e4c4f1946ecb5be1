// Package remote implements the remote delegation channel: a persistent
// websocket session that forwards a whole task to a remote peer and relays its
// event stream as notifications. The session survives individual messages and
// is closed only by an explicit Disconnect. Strategy adapts the channel to the
// agent.Strategy interface for tasks running in remote mode.
package remote
