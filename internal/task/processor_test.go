package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Agent/internal/agent"
	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/remote"
	"OpenMCP-Agent/pkg/logger"
)

type fakeStrategy struct {
	processed atomic.Int32
	latency   time.Duration
}

func (f *fakeStrategy) Run(ctx context.Context, task agent.Task) (*agent.Outcome, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return &agent.Outcome{TaskID: task.ID, State: agent.StateAborted, Reason: "cancelled"}, nil
		}
	}
	f.processed.Add(1)
	return &agent.Outcome{TaskID: task.ID, State: agent.StateDone, FinalAnswer: "answer for " + task.Goal, Iterations: 1}, nil
}

func startProcessor(t *testing.T, strategy agent.Strategy, workers int) (*Service, *Processor, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	processor := NewProcessor(strategy, store, queue, queue, WithWorkerCount(workers), WithProcessorLogger(logger.Discard()))
	service := NewService(store, queue, 3, WithCanceller(processor))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	stop := func() {
		cancel()
		wg.Wait()
	}
	t.Cleanup(stop)
	return service, processor, cancel
}

func waitForStatus(t *testing.T, service *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	strategy := &fakeStrategy{latency: 10 * time.Millisecond}
	service, _, _ := startProcessor(t, strategy, 8)
	ctx := context.Background()

	total := 200
	for i := 0; i < total; i++ {
		goal := fmt.Sprintf("goal-%d", i)
		if _, err := service.Submit(ctx, SubmitRequest{Goal: goal}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(strategy.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", strategy.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}

	require.Eventually(t, func() bool {
		stats, err := service.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProcessorRecordsOutcome(t *testing.T) {
	service, _, _ := startProcessor(t, &fakeStrategy{}, 1)

	submitted, err := service.Submit(context.Background(), SubmitRequest{Goal: "find the price", Mode: "dynamic"})
	require.NoError(t, err)

	done := waitForStatus(t, service, submitted.ID)
	assert.Equal(t, StatusSucceeded, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "answer for find the price", done.Result.FinalAnswer)
	assert.Equal(t, "DONE", done.Result.State)
	assert.Equal(t, 1, done.Attempts)
}

func TestProcessorRequeuesOnlyRetryableFailures(t *testing.T) {
	var calls atomic.Int32
	strategy := agent.StrategyFunc(func(_ context.Context, task agent.Task) (*agent.Outcome, error) {
		n := calls.Add(1)
		if task.Goal == "flaky" && n == 1 {
			err := xerrors.New(xerrors.CodeProtocolFailure, "remote session dropped")
			return &agent.Outcome{TaskID: task.ID, State: agent.StateFailed, ErrorCode: xerrors.CodeProtocolFailure}, err
		}
		if task.Goal == "doomed" {
			err := xerrors.New(xerrors.CodeIterationLimit, "too many iterations")
			return &agent.Outcome{TaskID: task.ID, State: agent.StateFailed, ErrorCode: xerrors.CodeIterationLimit}, err
		}
		return &agent.Outcome{TaskID: task.ID, State: agent.StateDone, FinalAnswer: "ok"}, nil
	})
	service, _, _ := startProcessor(t, strategy, 1)
	ctx := context.Background()

	flaky, err := service.Submit(ctx, SubmitRequest{Goal: "flaky"})
	require.NoError(t, err)
	recovered := waitForStatus(t, service, flaky.ID)
	assert.Equal(t, StatusSucceeded, recovered.Status)
	assert.Equal(t, 2, recovered.Attempts)

	doomed, err := service.Submit(ctx, SubmitRequest{Goal: "doomed"})
	require.NoError(t, err)
	failed := waitForStatus(t, service, doomed.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "ITERATION_LIMIT", failed.ErrorCode)
}

func TestProcessorCancelMarksAborted(t *testing.T) {
	started := make(chan struct{})
	strategy := agent.StrategyFunc(func(ctx context.Context, task agent.Task) (*agent.Outcome, error) {
		close(started)
		<-ctx.Done()
		return &agent.Outcome{TaskID: task.ID, State: agent.StateAborted, Reason: "cancelled"}, nil
	})
	service, processor, _ := startProcessor(t, strategy, 1)
	ctx := context.Background()

	submitted, err := service.Submit(ctx, SubmitRequest{Goal: "long running"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("strategy never started")
	}
	require.Eventually(t, func() bool { return processor.Running() == 1 }, time.Second, 5*time.Millisecond)

	_, err = service.Cancel(ctx, submitted.ID, "")
	require.NoError(t, err)

	aborted := waitForStatus(t, service, submitted.ID)
	assert.Equal(t, StatusAborted, aborted.Status)
	assert.Equal(t, "CANCELLED", aborted.ErrorCode)
	assert.Equal(t, "用户取消", aborted.LastError)
}

func TestProcessorSkipsAbortedTasks(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	strategy := &fakeStrategy{}
	processor := NewProcessor(strategy, store, queue, queue, WithProcessorLogger(logger.Discard()))
	service := NewService(store, queue, 3)
	ctx := context.Background()

	submitted, err := service.Submit(ctx, SubmitRequest{Goal: "never runs"})
	require.NoError(t, err)
	cancelled, err := service.Cancel(ctx, submitted.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, cancelled.Status)

	require.NoError(t, processor.handle(ctx, Dispatch{TaskID: submitted.ID, Attempt: 1}))
	assert.Zero(t, strategy.processed.Load())

	_, err = service.Cancel(ctx, submitted.ID, "")
	assert.True(t, IsTaskError(err, CodeTaskCompleted))
}

func TestProcessorRetriedRemoteTaskSendsOneTerminalUpdate(t *testing.T) {
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		id := fmt.Sprintf("sess-%d", sessions.Add(1))
		_ = conn.WriteJSON(map[string]any{"type": "connection", "data": map[string]string{"sessionId": id}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]any{"type": "error", "error": "executor unavailable"})
		}
	}))
	t.Cleanup(srv.Close)

	channel := remote.NewChannel(remote.Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		UserID: "tester",
	}, remote.WithLogger(logger.Discard()))
	t.Cleanup(func() { _ = channel.Disconnect() })
	rec := &notify.Recorder{}
	strategy := remote.NewStrategy(channel, remote.WithSink(rec), remote.WithStrategyLogger(logger.Discard()))
	service, _, _ := startProcessor(t, strategy, 1)

	submitted, err := service.Submit(context.Background(), SubmitRequest{Goal: "delegate me", Mode: "remote"})
	require.NoError(t, err)
	failed := waitForStatus(t, service, submitted.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, "PROTOCOL_FAILURE", failed.ErrorCode)

	terminal := rec.Terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, notify.KindFailure, terminal[0].Kind)
	assert.Equal(t, submitted.ID, terminal[0].CorrelationID)
	assert.Contains(t, terminal[0].Content, "executor unavailable")

	retries := rec.OfKind(notify.KindStatus)
	require.Len(t, retries, 2)
	assert.Contains(t, retries[0].Content, "1/3")
	assert.Contains(t, retries[1].Content, "2/3")
	assert.Equal(t, int32(3), sessions.Load())
}
