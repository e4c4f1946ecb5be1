package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"OpenMCP-Agent/internal/agent"
	"OpenMCP-Agent/internal/api"
	"OpenMCP-Agent/internal/bootstrap"
	"OpenMCP-Agent/internal/config"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/pkg/logger"
)

type runOptions struct {
	mode   string
	steps  []string
	listen string
	quiet  bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a task in-process and print its outcome",
		Long: `Run a dynamic or predefined task inside this process. Progress updates are
printed as they happen. When --listen is set, pending escalations can be
resolved through POST /api/v1/escalations on that address.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := agent.ParseMode(opts.mode)
			if err != nil {
				return err
			}
			if mode == agent.ModeRemote {
				return errors.New("remote 模式请使用 delegate 子命令")
			}
			return runInProcess(cmd, global, opts, agent.Task{
				ID:              uuid.NewString(),
				Goal:            strings.Join(args, " "),
				Mode:            mode,
				PredefinedSteps: opts.steps,
			})
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", string(agent.ModeDynamic), "dynamic or predefined")
	cmd.Flags().StringArrayVar(&opts.steps, "step", nil, "predefined step, repeatable")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "address for the escalation endpoint, e.g. :8090")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not print progress updates")
	return cmd
}

func newDelegateCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "delegate <goal>",
		Short: "Delegate a task to the remote executor configured under remote.url",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInProcess(cmd, global, opts, agent.Task{
				ID:   uuid.NewString(),
				Goal: strings.Join(args, " "),
				Mode: agent.ModeRemote,
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not print progress updates")
	return cmd
}

func runInProcess(cmd *cobra.Command, global *globalOptions, opts *runOptions, task agent.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	cfg, err := loadConfig(global.configPath)
	if err != nil {
		return err
	}
	if task.Mode == agent.ModeRemote && cfg.Remote.URL == "" {
		return errors.New("未配置 remote.url，无法委托远程执行")
	}
	// 标准输出留给进度和结果。
	cfg.Logging.OutputPaths = []string{"stderr"}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bootOpts []bootstrap.Option
	if !opts.quiet && !global.jsonOutput {
		bootOpts = append(bootOpts, bootstrap.WithExtraSink(progressSink(cmd.OutOrStdout())))
	}
	rt, err := bootstrap.New(ctx, cfg, bootOpts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	if opts.listen != "" {
		server := api.NewServer(opts.listen, nil, api.WithEscalations(rt.Escalations))
		serverCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := server.Start(serverCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("升级接口退出", "error", err)
			}
		}()
	}

	outcome, runErr := rt.Router.Run(ctx, task)
	if outcome == nil {
		return runErr
	}
	if err := printOutcome(cmd.OutOrStdout(), outcome, global.jsonOutput); err != nil {
		return err
	}
	if outcome.State != agent.StateDone {
		return fmt.Errorf("任务未完成: %s", outcome.State)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	path = filepath.Join("configs", "openmcp.yaml")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default("."), nil
	}
	return config.Load(path)
}

// progressSink 以 "[kind] content" 的形式逐行打印通知。
func progressSink(w io.Writer) notify.Sink {
	var mu sync.Mutex
	return notify.SinkFunc(func(_ context.Context, update notify.Update) error {
		mu.Lock()
		defer mu.Unlock()
		content := strings.TrimSpace(update.Content)
		if content == "" {
			return nil
		}
		_, err := fmt.Fprintf(w, "[%s] %s\n", update.Kind, content)
		return err
	})
}

func printOutcome(w io.Writer, outcome *agent.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}
	fmt.Fprintf(w, "task:       %s\n", outcome.TaskID)
	fmt.Fprintf(w, "state:      %s\n", outcome.State)
	fmt.Fprintf(w, "iterations: %d\n", outcome.Iterations)
	if outcome.FinalAnswer != "" {
		fmt.Fprintf(w, "answer:     %s\n", outcome.FinalAnswer)
	}
	if outcome.Reason != "" {
		fmt.Fprintf(w, "reason:     %s\n", outcome.Reason)
	}
	if outcome.ErrorCode != "" {
		fmt.Fprintf(w, "error:      %s\n", outcome.ErrorCode)
	}
	if outcome.Todo != "" {
		fmt.Fprintf(w, "\n%s\n", outcome.Todo)
	}
	return nil
}
