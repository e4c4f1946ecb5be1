package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"OpenMCP-Agent/internal/agent"
	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/pkg/logger"
)

// CodeFetchFailure 表示页面抓取失败。
const CodeFetchFailure xerrors.Code = "PAGE_FETCH_FAILED"

func init() {
	xerrors.Register(CodeFetchFailure, xerrors.Attributes{
		Message:  "page fetch failed",
		Severity: xerrors.SeverityInfo,
	})
}

const maxPageBytes = 4 << 20

// Config 描述网页会话。
type Config struct {
	StartURL     string
	UserAgent    string
	FetchTimeout time.Duration
	CacheSize    int
}

// Session 维护当前页面，并实现 agent.Environment。
type Session struct {
	cfg    Config
	client *http.Client
	cache  *lru.Cache[string, *Page]
	logger *slog.Logger

	mu      sync.RWMutex
	current *Page
}

// Option 定义可选配置。
type Option func(*Session)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		if c != nil {
			s.client = c
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession 构造网页会话。StartURL 为空时首次观察返回空内容。
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "OpenMCP-Agent/1.0"
	}
	cache, err := lru.New[string, *Page](cfg.CacheSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建页面缓存失败")
	}
	s := &Session{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		cache:  cache,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("web-env")
	}
	return s, nil
}

// Fork 返回共享 HTTP 客户端与页面缓存、但拥有独立当前页的新会话，
// 并发任务各自导航互不干扰。
func (s *Session) Fork() *Session {
	return &Session{
		cfg:    s.cfg,
		client: s.client,
		cache:  s.cache,
		logger: s.logger,
	}
}

// Observe 实现 agent.Environment，返回当前页面的分区观察。
func (s *Session) Observe(ctx context.Context) (agent.Observation, error) {
	page := s.Current()
	if page == nil {
		if strings.TrimSpace(s.cfg.StartURL) == "" {
			return agent.Observation{}, nil
		}
		var err error
		if page, err = s.Navigate(ctx, s.cfg.StartURL); err != nil {
			return agent.Observation{}, err
		}
	}
	return page.Observation(), nil
}

// Current 返回当前页面，尚未导航时为 nil。
func (s *Session) Current() *Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Navigate 打开页面并设为当前页。相对地址以当前页为基准解析，命中缓存时不再请求。
func (s *Session) Navigate(ctx context.Context, rawURL string) (*Page, error) {
	target, err := s.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	key := target.String()
	page, ok := s.cache.Get(key)
	if !ok {
		if page, err = s.fetch(ctx, target); err != nil {
			return nil, err
		}
		s.cache.Add(key, page)
	}
	s.mu.Lock()
	s.current = page
	s.mu.Unlock()
	s.logger.Debug("页面已打开", slog.String("url", key), slog.Bool("cached", ok), slog.Int("sections", len(page.Sections)))
	return page, nil
}

// Refresh 丢弃当前页的缓存并重新抓取。
func (s *Session) Refresh(ctx context.Context) (*Page, error) {
	page := s.Current()
	if page == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "尚未打开任何页面")
	}
	s.cache.Remove(page.URL)
	return s.Navigate(ctx, page.URL)
}

func (s *Session) resolve(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "url 不能为空")
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "url 格式错误")
	}
	if !ref.IsAbs() {
		current := s.Current()
		if current == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "相对地址需要先打开页面")
		}
		base, err := url.Parse(current.URL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "当前页面地址无效")
		}
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 http 与 https 地址")
	}
	ref.Fragment = ""
	return ref, nil
}

func (s *Session) fetch(ctx context.Context, target *url.URL) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeFetchFailure, err, "构造请求失败")
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(CodeFetchFailure, err, "请求页面失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, xerrors.New(CodeFetchFailure, fmt.Sprintf("页面返回状态码 %d", resp.StatusCode),
			xerrors.WithMetadata("url", target.String()))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, xerrors.Wrap(CodeFetchFailure, err, "读取页面失败")
	}

	// 跟随重定向后的最终地址作为页面地址。
	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "" && !strings.Contains(mediaType, "html") {
		return &Page{
			URL:       final.String(),
			Title:     final.String(),
			Sections:  []agent.ObservationSection{{Title: "Main", Text: strings.TrimSpace(string(body))}},
			FetchedAt: time.Now(),
		}, nil
	}
	page, err := parsePage(final, string(body))
	if err != nil {
		return nil, xerrors.Wrap(CodeFetchFailure, err, "解析页面失败")
	}
	return page, nil
}
