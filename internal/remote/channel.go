package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/pkg/logger"
)

// Config 描述远程通道的连接参数。
type Config struct {
	URL              string
	UserID           string
	Token            string
	LivenessTimeout  time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// CancelAckTimeout 是下一条消息发送前等待对端确认取消的上限。
	CancelAckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.URL = strings.TrimSpace(out.URL)
	out.UserID = strings.TrimSpace(out.UserID)
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = 60 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.CancelAckTimeout <= 0 {
		out.CancelAckTimeout = 10 * time.Second
	}
	return out
}

// Result 是一条消息的结局。
type Result struct {
	Answer  string
	Aborted bool
}

// Option 配置 Channel。
type Option func(*Channel)

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer 替换 websocket 拨号器。
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

type inbound struct {
	env Envelope
	err error
}

// link 是一次物理连接，Disconnect 时整体丢弃。
type link struct {
	ws        *websocket.Conn
	events    chan inbound
	done      chan struct{}
	closeOnce sync.Once
}

// Channel 通过持久 websocket 会话把任务委托给远程对端执行。
// 会话在多条消息之间复用，只有显式 Disconnect 才会关闭连接。
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	link    *link
	session Session
	// acked 在对端确认取消时关闭，只在 PendingCancellation 期间非空。
	acked chan struct{}

	writeMu sync.Mutex
	sendMu  sync.Mutex
}

// NewChannel 创建远程通道，调用 Connect 之前不可用。
func NewChannel(cfg Config, opts ...Option) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:  logger.Named("remote"),
		session: Session{State: StateDisconnected},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Session 返回会话快照。
func (c *Channel) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Usable 报告通道是否可以发送消息。
func (c *Channel) Usable() bool {
	s := c.Session()
	return s.State == StateConnected && !s.Failed
}

// Connect 建立连接并完成握手：发送 session.create，首条入站信封必须是携带
// sessionId 的 connection。已连接时直接返回。
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.session.State {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "远程通道正在连接")
	}
	if c.cfg.URL == "" {
		c.mu.Unlock()
		return xerrors.New(xerrors.CodeInvalidArgument, "远程服务地址不能为空")
	}
	c.session = Session{State: StateConnecting}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	ws, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.reset()
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "连接远程服务失败")
	}

	l := &link{ws: ws, events: make(chan inbound, 256), done: make(chan struct{})}
	c.mu.Lock()
	c.link = l
	c.session.LastEventAt = time.Now()
	c.mu.Unlock()
	go c.readLoop(l)

	if err := c.write(l, Envelope{Type: TypeSessionCreate, UserID: c.cfg.UserID}); err != nil {
		c.teardown(l)
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "发送 session.create 失败")
	}

	env, err := c.wait(ctx, l, time.Now())
	if err != nil {
		c.teardown(l)
		if ctx.Err() != nil {
			return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "连接被取消")
		}
		return err
	}
	sessionID := ""
	if env.Data != nil {
		sessionID = strings.TrimSpace(env.Data.SessionID)
	}
	if sessionID == "" {
		sessionID = strings.TrimSpace(env.SessionID)
	}
	if env.Type != TypeConnection || sessionID == "" {
		c.teardown(l)
		metrics.ObserveRemoteEnvelope(string(env.Type), "rejected")
		return xerrors.New(xerrors.CodeProtocolFailure,
			fmt.Sprintf("握手失败: 首条消息必须是携带 sessionId 的 connection，实际为 %q", env.Type))
	}
	metrics.ObserveRemoteEnvelope(string(env.Type), "handshake")

	c.mu.Lock()
	c.session.ID = sessionID
	c.session.State = StateConnected
	c.mu.Unlock()
	c.logger.Info("远程会话已建立", slog.String("session_id", sessionID), slog.String("url", c.cfg.URL))
	return nil
}

// Send 发送一条消息并转发对端事件，直到 completion、error、取消或看门狗超时。
// ctx 被取消时发送 cancel 信封并立即返回 Aborted，不等待对端确认；
// 下一次 Send 会先等到确认再写出新消息。
func (c *Channel) Send(ctx context.Context, content string, stream *notify.Stream) (Result, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if ctx.Err() != nil {
		return Result{Aborted: true}, nil
	}

	c.mu.Lock()
	l := c.link
	sess := c.session
	if l == nil || sess.State != StateConnected {
		c.mu.Unlock()
		return Result{}, xerrors.New(xerrors.CodeProtocolFailure, "远程通道未连接")
	}
	if sess.Failed {
		c.mu.Unlock()
		return Result{}, xerrors.New(xerrors.CodeProtocolFailure, "远程会话已失败，需要重新连接")
	}
	acked := c.acked
	c.mu.Unlock()

	log := logger.FromContext(ctx, c.logger).With(slog.String("session_id", sess.ID))
	if sess.PendingCancellation {
		if aborted, err := c.awaitCancelAck(ctx, l, acked, log); aborted || err != nil {
			return Result{Aborted: aborted}, err
		}
	}
	c.drain(l, "stale")
	if err := c.write(l, Envelope{Type: TypeMessage, Content: content}); err != nil {
		c.markFailed()
		return Result{}, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "发送消息失败")
	}

	start := time.Now()
	for {
		env, err := c.wait(ctx, l, start)
		if err != nil {
			if ctx.Err() != nil {
				c.cancel(l, sess.ID, log)
				return Result{Aborted: true}, nil
			}
			return Result{}, err
		}

		switch env.Type {
		case TypeThinking, TypeToolUse, TypeToolResult, TypeResponse:
			relay(ctx, stream, kindOf(env.Type), env.Content)
			metrics.ObserveRemoteEnvelope(string(env.Type), "relayed")
		case TypeInit:
			relay(ctx, stream, notify.KindStatus, env.Content)
			metrics.ObserveRemoteEnvelope(string(env.Type), "relayed")
		case TypeCompletion:
			metrics.ObserveRemoteEnvelope(string(env.Type), "completed")
			return Result{Answer: env.Content}, nil
		case TypeError:
			metrics.ObserveRemoteEnvelope(string(env.Type), "failed")
			c.markFailed()
			log.Warn("远程会话报告错误", slog.String("error", env.ErrorText()))
			return Result{}, xerrors.New(xerrors.CodeProtocolFailure, "远程会话失败: "+env.ErrorText())
		case TypeCancelled:
			metrics.ObserveRemoteEnvelope(string(env.Type), "cancelled")
			log.Info("对端取消了当前消息")
			return Result{Aborted: true}, nil
		case TypeConnection:
			metrics.ObserveRemoteEnvelope(string(env.Type), "ignored")
			log.Warn("会话中收到重复的 connection 信封")
		default:
			log.Info("未知的远程消息类型", slog.String("type", string(env.Type)))
			if env.Content != "" {
				relay(ctx, stream, notify.KindInfo, env.Content)
				metrics.ObserveRemoteEnvelope(string(env.Type), "relayed")
			} else {
				metrics.ObserveRemoteEnvelope(string(env.Type), "ignored")
			}
		}
	}
}

// Disconnect 关闭连接并使会话 ID 失效，重复调用是安全的。
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	l := c.link
	id := c.session.ID
	c.link = nil
	c.session = Session{State: StateDisconnected}
	c.acked = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	c.logger.Info("远程会话已断开", slog.String("session_id", id))
	return c.close(l)
}

// wait 等待下一条入站信封。看门狗以 start 与最后一次入站时间中较晚者为起点。
func (c *Channel) wait(ctx context.Context, l *link, start time.Time) (Envelope, error) {
	for {
		last := c.lastEventAt()
		if last.Before(start) {
			last = start
		}
		remaining := c.cfg.LivenessTimeout - time.Since(last)
		if remaining <= 0 {
			c.markFailed()
			return Envelope{}, xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("远程对端超过 %s 没有任何消息", c.cfg.LivenessTimeout))
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Envelope{}, ctx.Err()
		case in := <-l.events:
			timer.Stop()
			if in.err != nil {
				c.markFailed()
				return Envelope{}, xerrors.Wrap(xerrors.CodeProtocolFailure, in.err, "远程连接意外关闭")
			}
			return in.env, nil
		case <-l.done:
			timer.Stop()
			return Envelope{}, xerrors.New(xerrors.CodeProtocolFailure, "远程连接已关闭")
		case <-timer.C:
		}
	}
}

// awaitCancelAck 等待上一条消息的取消确认。确认到达之前对端的信封都属于
// 被取消的消息，新消息不能写出；超时后会话标记为失败。
func (c *Channel) awaitCancelAck(ctx context.Context, l *link, acked <-chan struct{}, log *slog.Logger) (bool, error) {
	if acked == nil {
		return false, nil
	}
	log.Info("等待对端确认上一条消息的取消")
	timer := time.NewTimer(c.cfg.CancelAckTimeout)
	defer timer.Stop()
	select {
	case <-acked:
		return false, nil
	case <-ctx.Done():
		return true, nil
	case <-l.done:
		return false, xerrors.New(xerrors.CodeProtocolFailure, "远程连接已关闭")
	case <-timer.C:
		c.markFailed()
		log.Warn("对端没有确认取消", slog.Duration("timeout", c.cfg.CancelAckTimeout))
		return false, xerrors.New(xerrors.CodeProtocolFailure,
			fmt.Sprintf("对端在 %s 内没有确认上一条消息的取消", c.cfg.CancelAckTimeout))
	}
}

// cancel 先标记 PendingCancellation 再发送 cancel 信封，写入受 WriteTimeout 约束。
func (c *Channel) cancel(l *link, sessionID string, log *slog.Logger) {
	c.mu.Lock()
	if c.link == l && !c.session.PendingCancellation {
		c.session.PendingCancellation = true
		c.acked = make(chan struct{})
	}
	c.mu.Unlock()
	c.drain(l, "discarded")
	if err := c.write(l, Envelope{Type: TypeCancel, SessionID: sessionID}); err != nil {
		log.Warn("发送 cancel 失败", slog.Any("error", err))
		return
	}
	log.Info("已请求对端取消当前消息")
}

func (c *Channel) readLoop(l *link) {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			c.deliver(l, inbound{err: err})
			return
		}
		now := time.Now()
		env, decodeErr := decodeEnvelope(data)

		c.mu.Lock()
		current := c.link == l
		if current {
			c.session.LastEventAt = now
		}
		pending := current && c.session.PendingCancellation
		if pending && decodeErr == nil && env.Type == TypeCancelled {
			c.session.PendingCancellation = false
			if c.acked != nil {
				close(c.acked)
				c.acked = nil
			}
		}
		c.mu.Unlock()

		if decodeErr != nil {
			c.logger.Warn("无法解析远程消息", slog.Any("error", decodeErr))
			metrics.ObserveRemoteEnvelope("invalid", "ignored")
			continue
		}
		if pending {
			if env.Type == TypeCancelled {
				c.logger.Info("对端确认取消")
				metrics.ObserveRemoteEnvelope(string(env.Type), "acknowledged")
			} else {
				metrics.ObserveRemoteEnvelope(string(env.Type), "discarded")
			}
			continue
		}
		if !c.deliver(l, inbound{env: env}) {
			return
		}
	}
}

func (c *Channel) deliver(l *link, in inbound) bool {
	select {
	case l.events <- in:
		return true
	case <-l.done:
		return false
	}
}

// drain 丢弃缓冲区中尚未消费的信封。
func (c *Channel) drain(l *link, handling string) {
	for {
		select {
		case in := <-l.events:
			if in.err != nil {
				// 连接错误需要保留给下一次等待。
				c.deliver(l, in)
				return
			}
			metrics.ObserveRemoteEnvelope(string(in.env.Type), handling)
		default:
			return
		}
	}
}

func (c *Channel) write(l *link, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := l.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return l.ws.WriteJSON(env)
}

func (c *Channel) close(l *link) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		c.writeMu.Lock()
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = l.ws.Close()
	})
	return err
}

func (c *Channel) teardown(l *link) {
	_ = c.close(l)
	c.reset()
}

func (c *Channel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = nil
	c.session = Session{State: StateDisconnected}
	c.acked = nil
}

func (c *Channel) markFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Failed = true
}

func (c *Channel) lastEventAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.LastEventAt
}

func kindOf(t EnvelopeType) notify.Kind {
	switch t {
	case TypeThinking:
		return notify.KindThinking
	case TypeToolUse:
		return notify.KindToolUse
	case TypeToolResult:
		return notify.KindToolResult
	default:
		return notify.KindResponse
	}
}

func relay(ctx context.Context, stream *notify.Stream, kind notify.Kind, content string) {
	if stream == nil || content == "" {
		return
	}
	_ = stream.Emit(ctx, kind, content)
}
