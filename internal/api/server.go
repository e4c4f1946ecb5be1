package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Agent/internal/auth"
	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/escalation"
	"OpenMCP-Agent/internal/observability/metrics"
	storage "OpenMCP-Agent/internal/storage/mysql"
	"OpenMCP-Agent/internal/task"
	"OpenMCP-Agent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部提交与管理智能体任务。
type Server struct {
	addr        string
	tasks       *task.Service
	escalations escalation.Store
	audit       storage.AuditRepository
	auth        *auth.Service
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithEscalations 启用人工介入决策接口。
func WithEscalations(store escalation.Store) Option {
	return func(s *Server) {
		s.escalations = store
	}
}

// WithAuditRepository 启用审计记录查询接口。
func WithAuditRepository(repo storage.AuditRepository) Option {
	return func(s *Server) {
		s.audit = repo
	}
}

// WithAuth 为业务接口启用 Bearer Token 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: tasks}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	read := map[string][]string{"*": {auth.PermissionTasksRead}}
	write := map[string][]string{"*": {auth.PermissionTasksWrite}}
	resolve := map[string][]string{
		http.MethodGet:  {auth.PermissionTasksRead},
		http.MethodPost: {auth.PermissionEscalationsResolve},
	}

	s.route(mux, "POST /api/v1/tasks", "tasks.create", write, s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "tasks.list", read, s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/{id}", "tasks.detail", read, s.handleTaskDetail)
	s.route(mux, "POST /api/v1/tasks/{id}/cancel", "tasks.cancel", write, s.handleCancelTask)
	s.route(mux, "GET /api/v1/tasks/{id}/audit", "tasks.audit", read, s.handleTaskAudit)
	s.route(mux, "GET /api/v1/stats", "tasks.stats", read, s.handleStats)
	s.route(mux, "POST /api/v1/escalations", "escalations.resolve", resolve, s.handleResolveEscalation)
	s.route(mux, "GET /api/v1/escalations", "escalations.list", resolve, s.handleListEscalations)

	mux.Handle("GET /healthz", instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, perms map[string][]string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms, AuditEvent: name})(h)
	}
	mux.Handle(pattern, instrument(name, h))
}

// instrument 记录请求耗时与状态码。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	var req task.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "用户取消"
	}
	s.logger.Info("收到取消请求",
		slog.String("task_id", r.PathValue("id")),
		slog.String("user", auth.SubjectName(r.Context(), "anonymous")),
	)
	cancelled, err := s.tasks.Cancel(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cancelled)
}

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "未启用审计存储")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "limit 必须是正整数")
			return
		}
		limit = parsed
	}
	records, err := s.audit.ListByTask(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if records == nil {
		records = []storage.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	if s.escalations == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "未启用人工介入")
		return
	}
	var resp escalation.Response
	if !decodeBody(w, r, &resp) {
		return
	}
	resp.RequestID = strings.TrimSpace(resp.RequestID)
	resp.Action = escalation.Action(strings.ToLower(strings.TrimSpace(string(resp.Action))))
	if err := resp.Validate(); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.escalations.Resolve(r.Context(), resp); err != nil {
		writeFailure(w, err)
		return
	}
	logger.Audit().Info("人工介入已决策",
		slog.String("request_id", resp.RequestID),
		slog.String("action", string(resp.Action)),
		slog.String("user", auth.SubjectName(r.Context(), "anonymous")),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"requestId": resp.RequestID,
		"action":    string(resp.Action),
		"status":    "accepted",
	})
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.escalations.(escalation.Lister)
	if !ok {
		writeError(w, http.StatusNotImplemented, xerrors.CodeInitializationFailure, "当前存储不支持列出待处理请求")
		return
	}
	pending, err := lister.Pending(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if pending == nil {
		pending = []escalation.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败: "+err.Error())
		return false
	}
	return true
}

// listOptionsFromQuery 解析列表与统计共用的查询参数，时间使用 RFC3339。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if mode := strings.TrimSpace(query.Get("mode")); mode != "" {
		opts = append(opts, task.WithMode(mode))
	}
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	for key, with := range map[string]func(time.Time) task.ListOption{
		"updated_since": task.WithUpdatedSince,
		"updated_until": task.WithUpdatedUntil,
	} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是 RFC3339 时间")
		}
		opts = append(opts, with(ts))
	}
	if raw := query.Get("finished"); raw != "" {
		finished, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "finished 必须是布尔值")
		}
		opts = append(opts, task.WithFinished(finished))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 只能是 asc 或 desc")
	}
	return opts, nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeCancelled, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
