package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/escalation"
	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/storage/mysql"
	"OpenMCP-Agent/internal/tokenizer"
	"OpenMCP-Agent/internal/tools"
	"OpenMCP-Agent/pkg/logger"
)

func newTestOrchestrator(t *testing.T, client llm.Client, opts ...Option) (*Orchestrator, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	base := []Option{
		WithLogger(logger.Discard()),
		WithSink(rec),
		WithCounter(tokenizer.Heuristic()),
	}
	return NewOrchestrator(client, newTestRegistry(t), append(base, opts...)...), rec
}

func TestRunTwoSuccessfulCallsThenReplan(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions, planComplete).
		reply(llm.PurposeExecute, callsEcho, callsNone)
	o, rec := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{ID: "task-a", Goal: "say a and b"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "X", out.FinalAnswer)
	assert.Equal(t, 2, client.count(llm.PurposePlan))

	require.Len(t, out.History, 2)
	first := out.History[0]
	require.Equal(t, EntryPlan, first.Kind)
	assert.Equal(t, 1, first.Round.Iteration)
	assert.Equal(t, RoundContinued, first.Round.Outcome)
	require.Len(t, first.Round.Results, 2)
	for _, r := range first.Round.Results {
		assert.True(t, r.OK)
	}
	assert.Equal(t, 2, out.Metrics.ToolCalls)
	assert.Equal(t, 0, out.Metrics.Errors)
	assert.Len(t, rec.OfKind(notify.KindToolUse), 2)
	assert.Len(t, rec.OfKind(notify.KindToolResult), 2)

	// 第二次规划能看到第一轮的结果。
	second := client.request(llm.PurposePlan, 1)
	var sawHistory bool
	for _, m := range second.Messages {
		if m.Role == llm.RoleUser && len(m.Content) > 8 && m.Content[:8] == "History:" {
			sawHistory = true
			assert.Contains(t, m.Content, "echo: a")
		}
	}
	assert.True(t, sawHistory)
}

func TestRunCompletePlanEmitsSingleCompletion(t *testing.T) {
	client := newScriptedLLM().reply(llm.PurposePlan, planComplete)
	o, rec := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "answer"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.NotEmpty(t, out.TaskID)
	assert.Equal(t, 1, client.count(llm.PurposePlan))
	assert.Equal(t, 0, client.count(llm.PurposeExecute))

	terminal := rec.Terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, notify.KindCompletion, terminal[0].Kind)
	assert.Equal(t, "X", terminal[0].Content)
	assert.Equal(t, out.TaskID, terminal[0].CorrelationID)
}

func TestRunPlanningFailureStopsAtRetryBudget(t *testing.T) {
	upstream := errors.New("upstream down")
	client := newScriptedLLM().
		fail(llm.PurposePlan, upstream).
		fail(llm.PurposePlan, upstream).
		fail(llm.PurposePlan, upstream).
		fail(llm.PurposePlan, upstream)
	o, rec := newTestOrchestrator(t, client, WithLimits(Limits{MaxRetries: 3}))

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePlanningFailure, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err), "预算耗尽后不再重试")
	require.NotNil(t, out)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "planning_failure", out.Reason)
	assert.Equal(t, 0, out.Iterations)
	assert.Equal(t, 3, client.count(llm.PurposePlan))

	terminal := rec.Terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, notify.KindFailure, terminal[0].Kind)
}

func TestRunEmptyActionsFailsAsStall(t *testing.T) {
	client := newScriptedLLM().reply(llm.PurposePlan, planNoActions)
	o, _ := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeExecutionStall, xerrors.CodeOf(err))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 3, client.count(llm.PurposePlan))
	assert.Equal(t, 3, out.Iterations)
	require.Len(t, out.History, 3)
	for i, entry := range out.History {
		require.Equal(t, EntryPlan, entry.Kind)
		assert.Equal(t, i+1, entry.Round.Iteration)
		assert.Equal(t, RoundStalled, entry.Round.Outcome)
		assert.Empty(t, entry.Round.Results)
	}

	// 第二次规划收到纠正提示。
	second := client.request(llm.PurposePlan, 1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "no actions")
}

func TestRunStalledPlanStaysInHistory(t *testing.T) {
	client := newScriptedLLM().reply(llm.PurposePlan, planNoActions, planComplete)
	o, _ := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 2, client.count(llm.PurposePlan))
	assert.Equal(t, 2, out.Iterations)

	require.Len(t, out.History, 2)
	stalled := out.History[0].Round
	require.NotNil(t, stalled)
	assert.Equal(t, 1, stalled.Iteration)
	assert.Equal(t, RoundStalled, stalled.Outcome)
	assert.Equal(t, "hmm", stalled.Plan.Reasoning)
	assert.Equal(t, RoundDone, out.History[1].Round.Outcome)

	// 第二次规划既能看到空计划的推理，也收到纠正提示。
	second := client.request(llm.PurposePlan, 1)
	var sawStalled bool
	for _, m := range second.Messages {
		if m.Role == llm.RoleUser && strings.HasPrefix(m.Content, "History:") {
			sawStalled = true
			assert.Contains(t, m.Content, "hmm")
		}
	}
	assert.True(t, sawStalled)
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "no actions")
}

func TestRunIterationLimit(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions).
		reply(llm.PurposeExecute, callsEcho, callsNone)
	o, rec := newTestOrchestrator(t, client, WithLimits(Limits{MaxPlannerIterations: 2}))

	out, err := o.Run(context.Background(), Task{Goal: "never ends"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIterationLimit, xerrors.CodeOf(err))
	assert.Equal(t, "iteration_limit", out.Reason)
	assert.Equal(t, 2, out.Iterations)
	assert.Len(t, out.History, 2)
	assert.Len(t, rec.Terminal(), 1)
}

func TestRunCallResultInvariantWhenEveryCallFails(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions, planComplete).
		reply(llm.PurposeExecute,
			`{"tool_calls":[{"name":"broken"},{"name":"missing_tool"},{"name":"broken"}]}`,
			callsNone)
	o, _ := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.NoError(t, err)
	results := out.History[0].Round.Results
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.OK)
		assert.NotEmpty(t, r.Error)
	}
	assert.Contains(t, results[1].Error, "unknown tool")
	assert.Equal(t, 3, out.Metrics.Errors)
}

func TestRunDoneToolFinishesTask(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions).
		reply(llm.PurposeExecute,
			`{"tool_calls":[{"name":"echo","arguments":{"text":"a"}},{"name":"done","arguments":{"answer":"all good"}},{"name":"echo","arguments":{"text":"b"}}]}`)
	o, rec := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "all good", out.FinalAnswer)
	// 完成标记之后的调用仍在同一批内执行。
	require.Len(t, out.History, 1)
	assert.Len(t, out.History[0].Round.Results, 3)
	assert.Equal(t, RoundDone, out.History[0].Round.Outcome)
	assert.Equal(t, 1, client.count(llm.PurposeExecute))
	assert.Equal(t, "all good", rec.Terminal()[0].Content)
}

func TestRunStalledExecutorCountsAsFailure(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions).
		reply(llm.PurposeExecute, callsNone)
	o, _ := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeExecutionStall, xerrors.CodeOf(err))
	require.Len(t, out.History, 3)
	for _, e := range out.History {
		assert.Equal(t, RoundStalled, e.Round.Outcome)
	}
}

func TestRunEscalationResumesAfterDone(t *testing.T) {
	store := escalation.NewMemoryStore()
	gate := escalation.NewGate(store, escalation.WithPollInterval(5*time.Millisecond), escalation.WithLogger(logger.Discard()))
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions, planComplete).
		reply(llm.PurposeExecute, `{"tool_calls":[{"name":"require_human_input","arguments":{"prompt":"solve captcha"}}]}`)
	o, rec := newTestOrchestrator(t, client, WithGate(gate))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resolvePending(t, store, escalation.ActionDone)
	}()

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, RoundEscalated, out.History[0].Round.Outcome)
	assert.Len(t, rec.OfKind(notify.KindEscalation), 1)

	pending, err := store.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunEscalationAbort(t *testing.T) {
	store := escalation.NewMemoryStore()
	gate := escalation.NewGate(store, escalation.WithPollInterval(5*time.Millisecond), escalation.WithLogger(logger.Discard()))
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions).
		reply(llm.PurposeExecute, `{"tool_calls":[{"name":"require_human_input","arguments":{"prompt":"approve?"}}]}`)
	o, rec := newTestOrchestrator(t, client, WithGate(gate))

	go resolvePending(t, store, escalation.ActionAbort)

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, "escalation_abort", out.Reason)
	require.Len(t, rec.Terminal(), 1)
	assert.Equal(t, notify.KindCancelled, rec.Terminal()[0].Kind)
}

func TestRunEscalationTimeoutFails(t *testing.T) {
	gate := escalation.NewGate(escalation.NewMemoryStore(),
		escalation.WithPollInterval(2*time.Millisecond),
		escalation.WithTimeout(20*time.Millisecond),
		escalation.WithLogger(logger.Discard()))
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions).
		reply(llm.PurposeExecute, `{"tool_calls":[{"name":"require_human_input"}]}`)
	o, _ := newTestOrchestrator(t, client, WithGate(gate))

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeHumanTimeout, xerrors.CodeOf(err))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "human_timeout", out.Reason)
}

func TestRunWithoutGateAborts(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions).
		reply(llm.PurposeExecute, `{"tool_calls":[{"name":"require_human_input"}]}`)
	o, _ := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, "escalation_unavailable", out.Reason)
}

func resolvePending(t *testing.T, store *escalation.MemoryStore, action escalation.Action) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := store.Pending(context.Background())
		if err == nil && len(pending) > 0 {
			_ = store.Resolve(context.Background(), escalation.Response{RequestID: pending[0].CorrelationID, Action: action})
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Errorf("no pending escalation appeared")
}

func TestRunCancelledWhilePlanning(t *testing.T) {
	started := make(chan struct{})
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o, rec := newTestOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out, err := o.Run(ctx, Task{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, "cancelled", out.Reason)
	terminal := rec.Terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, notify.KindCancelled, terminal[0].Kind)
}

func TestRunCancelledMidBatchKeepsResultCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelling := tools.Func{
		ToolName: "cancel_now",
		Desc:     "cancels the run",
		Fn: func(context.Context, map[string]any) (any, error) {
			cancel()
			return "ok", nil
		},
	}
	client := newScriptedLLM().
		reply(llm.PurposePlan, planTwoActions).
		reply(llm.PurposeExecute, `{"tool_calls":[{"name":"cancel_now"},{"name":"echo"},{"name":"echo"}]}`)
	rec := &notify.Recorder{}
	o := NewOrchestrator(client, newTestRegistry(t, cancelling),
		WithLogger(logger.Discard()), WithSink(rec), WithCounter(tokenizer.Heuristic()))

	out, err := o.Run(ctx, Task{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, StateAborted, out.State)
	require.Len(t, out.History, 1)
	results := out.History[0].Round.Results
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.Equal(t, "cancelled", results[1].Error)
	assert.Equal(t, "cancelled", results[2].Error)
	assert.Equal(t, RoundAborted, out.History[0].Round.Outcome)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		once.Do(func() { close(entered) })
		<-release
		return &llm.Response{Content: planComplete}, nil
	})
	o, _ := newTestOrchestrator(t, client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(context.Background(), Task{Goal: "first"})
	}()
	<-entered

	_, err := o.Run(context.Background(), Task{Goal: "second"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	close(release)
	<-done
}

func TestRunSanitizesMarkersAndInjectsCorrection(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan,
			`{"reasoning":"thinking <|im_start|> aloud","proposed_actions":["echo a"]}`,
			planComplete).
		reply(llm.PurposeExecute, `{"tool_calls":[{"name":"echo","arguments":{"text":"a"}}]}`, callsNone)
	o, rec := newTestOrchestrator(t, client)

	_, err := o.Run(context.Background(), Task{Goal: "g"})
	require.NoError(t, err)

	thinking := rec.OfKind(notify.KindThinking)
	require.NotEmpty(t, thinking)
	assert.NotContains(t, thinking[0].Content, "<|im_start|>")
	assert.Contains(t, thinking[0].Content, notify.DefaultPlaceholder)

	second := client.request(llm.PurposePlan, 1)
	var corrected bool
	for _, m := range second.Messages {
		if m.Role == llm.RoleSystem && len(m.Content) > 0 && m.Content != second.Messages[0].Content {
			corrected = true
		}
	}
	assert.True(t, corrected)
}

func TestRunPredefinedModeTracksTodo(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan,
			`{"reasoning":"first","proposed_actions":["echo a"],"todo_markdown":"- [x] open\n- [ ] read"}`,
			`{"reasoning":"done","task_complete":true,"final_answer":"read it","todo_markdown":"- [x] open\n- [x] read"}`).
		reply(llm.PurposeExecute, `{"tool_calls":[{"name":"echo","arguments":{"text":"a"}}]}`, callsNone)
	o, _ := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), Task{Goal: "g", Mode: ModePredefined, PredefinedSteps: []string{"open", "read"}})
	require.NoError(t, err)
	assert.Equal(t, "- [x] open\n- [x] read", out.Todo)
	assert.Equal(t, EntryPredefinedPlan, out.History[0].Kind)

	first := client.request(llm.PurposePlan, 0)
	assert.Contains(t, first.Messages[1].Content, "- [ ] open\n- [ ] read")
	second := client.request(llm.PurposePlan, 1)
	assert.Contains(t, second.Messages[1].Content, "- [x] open\n- [ ] read")
}

func TestRunCompactsLongHistory(t *testing.T) {
	client := newScriptedLLM().
		reply(llm.PurposePlan,
			`{"reasoning":"`+longText(600)+`","proposed_actions":["echo a"]}`,
			`{"reasoning":"`+longText(600)+`","proposed_actions":["echo a"]}`,
			planComplete).
		reply(llm.PurposeExecute,
			`{"tool_calls":[{"name":"echo","arguments":{"text":"a"}}]}`, callsNone,
			`{"tool_calls":[{"name":"echo","arguments":{"text":"a"}}]}`, callsNone).
		reply(llm.PurposeSummarize, "condensed")
	audit, err := mysql.NewFileAuditRepository("")
	require.NoError(t, err)
	o, _ := newTestOrchestrator(t, client,
		WithWindow(WindowConfig{TokenBudget: 1500}),
		WithAuditLog(audit))

	out, err := o.Run(context.Background(), Task{ID: "long", Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.count(llm.PurposeSummarize))
	require.Equal(t, EntrySummary, out.History[0].Kind)
	assert.Equal(t, 2, out.History[0].Summary.CoversUpToIteration)

	records, err := audit.ListByTask(context.Background(), "long", 0)
	require.NoError(t, err)
	kinds := map[mysql.AuditKind]int{}
	for _, r := range records {
		kinds[r.Kind]++
	}
	assert.Equal(t, 3, kinds[mysql.AuditPlan])
	assert.Equal(t, 1, kinds[mysql.AuditSummary])
	assert.Equal(t, 1, kinds[mysql.AuditOutcome])
}

func longText(words int) string {
	b := make([]byte, 0, words*6)
	for i := 0; i < words; i++ {
		b = append(b, "word "...)
	}
	return string(b)
}
