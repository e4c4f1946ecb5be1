package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Agent/internal/api"
	"OpenMCP-Agent/internal/bootstrap"
	"OpenMCP-Agent/internal/config"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/pkg/logger"
)

// main 是 OpenMCP Agent 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 OPENMCP_CONFIG 或 configs/openmcp.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("openmcpd 运行失败: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("OPENMCP_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "openmcp.yaml")
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default("."), nil
		}
	}
	return config.Load(path)
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("openmcpd")

	rt, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("释放运行时资源失败", slog.Any("error", err))
		}
	}()

	taskService, processor, err := rt.NewTaskService(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskService.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	authService, err := rt.NewAuth()
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, taskService,
		api.WithEscalations(rt.Escalations),
		api.WithAuditRepository(rt.Audit),
		api.WithAuth(authService),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCancel(processor.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCancel(server.Start(gctx))
	})
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error {
			return ignoreCancel(metrics.StartServer(gctx, cfg.Metrics.Address))
		})
	}

	log.Info("openmcpd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.Int("workers", cfg.TaskQueue.Workers),
		slog.String("auth", string(authService.Mode())),
	)
	err = g.Wait()
	log.Info("openmcpd 已停止", slog.Int("running_tasks", processor.Running()))
	return err
}

func ignoreCancel(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
