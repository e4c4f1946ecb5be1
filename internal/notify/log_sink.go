package notify

import (
	"context"
	"log/slog"

	"OpenMCP-Agent/pkg/logger"
)

// LogSink 把通知写入结构化日志。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建日志通知下游。
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.Named("notify")
	}
	return &LogSink{logger: l}
}

// Publish 实现 Sink 接口。
func (s *LogSink) Publish(ctx context.Context, update Update) error {
	level := slog.LevelDebug
	switch {
	case update.Kind == KindFailure:
		level = slog.LevelWarn
	case update.Final, update.Kind == KindEscalation:
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "任务通知",
		slog.String("correlation_id", update.CorrelationID),
		slog.Int("sequence", update.Sequence),
		slog.String("kind", string(update.Kind)),
		slog.Bool("final", update.Final),
		slog.String("content", update.Content),
	)
	return nil
}
