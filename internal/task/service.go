package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/pkg/logger"
)

// Canceller 能够中断正在执行的任务，Processor 实现了该接口。
type Canceller interface {
	Cancel(taskID, reason string) bool
}

// Service 负责任务的创建、取消与查询。
type Service struct {
	store      Store
	producer   Producer
	canceller  Canceller
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithCanceller 配置运行中任务的取消入口。
func WithCanceller(c Canceller) ServiceOption {
	return func(s *Service) {
		s.canceller = c
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetCanceller 在处理器构造完成后补充取消入口。
func (s *Service) SetCanceller(c Canceller) {
	s.canceller = c
}

// Submit 创建一个新的任务并推送到队列。调用方提供的 ID 已存在时直接返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	normalized, err := req.normalize()
	if err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := normalized.ID
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:         taskID,
		Goal:       normalized.Goal,
		Mode:       normalized.Mode,
		Steps:      normalized.PredefinedSteps,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, Dispatch{TaskID: taskID, Attempt: 1}); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(context.WithoutCancel(ctx), taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("goal", task.Goal),
		slog.String("mode", string(task.Mode)),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Cancel 取消任务。pending 的任务直接标记为 aborted；running 的任务交给
// Canceller 中断，若本进程没有在执行它则直接改写状态，迟到的结果会被存储层拒绝。
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if reason == "" {
		reason = "用户取消"
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, ErrTaskCompleted
	}
	if task.Status == StatusRunning && s.canceller != nil && s.canceller.Cancel(id, reason) {
		logger.Audit().Info("已请求取消任务", slog.String("task_id", id), slog.String("reason", reason))
		return s.store.Get(ctx, id)
	}
	if err := s.store.MarkAborted(ctx, id, reason); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			// 任务在此期间已经结束。
			latest, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return latest, ErrTaskCompleted
		}
		return nil, err
	}
	logger.Audit().Info("任务已取消", slog.String("task_id", id), slog.String("reason", reason))
	return s.store.Get(ctx, id)
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	var err error
	if s.store != nil {
		err = stdErrors.Join(err, s.store.Close())
	}
	if s.producer != nil {
		err = stdErrors.Join(err, s.producer.Close())
	}
	return err
}

// WaitUntilCompleted 轮询任务状态直到进入终止状态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
