package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"OpenMCP-Agent/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	store Store
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。store 为空时使用 cfg.Seeds 构建内存存储。
func NewService(cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
		if len(cfg.Seeds) > 0 || store != nil {
			mode = ModeStatic
		}
	}
	svc := &Service{mode: mode, store: store, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
		if svc.store == nil {
			mem, err := NewMemoryStore(cfg.Seeds)
			if err != nil {
				return nil, err
			}
			if mem.Len() == 0 {
				return nil, errors.New("static mode requires at least one token")
			}
			svc.store = mem
		}
		return svc, nil
	default:
		return nil, errors.New("unsupported auth mode: " + string(mode))
	}
}

// Mode 返回当前的认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, err := s.store.LookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}
