package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "OpenMCP-Agent/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 作为缺省项。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				s.deny(w, r, status, "access_denied", err, "")
				return
			}
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				s.deny(w, r, http.StatusForbidden, "permission_denied", err, subject.Name)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Name),
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, event string, err error, user string) {
	code := "UNAUTHORIZED"
	if status == http.StatusForbidden {
		code = "FORBIDDEN"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": http.StatusText(status)},
	})
	s.auditLogger().Warn(event,
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("user", user),
	)
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
