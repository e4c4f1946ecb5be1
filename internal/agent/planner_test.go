package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/storage/mysql"
)

func TestPlannerDefaultsMalformedOutput(t *testing.T) {
	client := newScriptedLLM().reply(llm.PurposePlan, "I am not JSON at all")
	p := NewPlanner(client, nil)

	result, err := p.Generate(context.Background(), PlanRequest{Task: Task{Goal: "g"}, Iteration: 1})
	require.NoError(t, err)
	assert.Equal(t, "I am not JSON at all", result.Reasoning)
	assert.Empty(t, result.ProposedActions)
	assert.False(t, result.TaskComplete)
	assert.True(t, result.Valid())
	assert.True(t, client.request(llm.PurposePlan, 0).JSONMode)
}

func TestPlannerTransportFailureIsRetryable(t *testing.T) {
	client := newScriptedLLM().fail(llm.PurposePlan, errors.New("503"))
	p := NewPlanner(client, nil)

	_, err := p.Generate(context.Background(), PlanRequest{Task: Task{Goal: "g"}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePlanningFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestPlannerEmptyResponseIsFailure(t *testing.T) {
	client := newScriptedLLM().reply(llm.PurposePlan, "   ")
	p := NewPlanner(client, nil)

	_, err := p.Generate(context.Background(), PlanRequest{Task: Task{Goal: "g"}})
	assert.Equal(t, xerrors.CodePlanningFailure, xerrors.CodeOf(err))
}

func TestPlannerAuditsBeforeReturning(t *testing.T) {
	audit, err := mysql.NewFileAuditRepository("")
	require.NoError(t, err)
	client := newScriptedLLM().reply(llm.PurposePlan, planTwoActions)
	p := NewPlanner(client, audit)

	_, err = p.Generate(context.Background(), PlanRequest{Task: Task{ID: "t-9", Goal: "g"}, Iteration: 4})
	require.NoError(t, err)

	records, err := audit.ListByTask(context.Background(), "t-9", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, mysql.AuditPlan, records[0].Kind)
	assert.Equal(t, 4, records[0].Iteration)
	assert.Equal(t, planTwoActions, records[0].Content)
}

func TestPlannerMessages(t *testing.T) {
	client := newScriptedLLM().reply(llm.PurposePlan, planComplete)
	p := NewPlanner(client, nil)

	_, err := p.Generate(context.Background(), PlanRequest{
		Task:        Task{Goal: "find the price", Mode: ModePredefined, PredefinedSteps: []string{"open"}},
		Iteration:   2,
		History:     "## Iteration 1",
		Observation: "page text",
		Metrics:     ExecutionMetrics{ToolCalls: 3, Errors: 1},
		Todo:        "- [ ] open",
		Corrections: []string{"fix it"},
	})
	require.NoError(t, err)

	msgs := client.request(llm.PurposePlan, 0).Messages
	require.Len(t, msgs, 5)
	assert.Contains(t, msgs[0].Content, "todo_markdown")
	assert.Contains(t, msgs[1].Content, "find the price")
	assert.Contains(t, msgs[1].Content, "tool_calls=3 errors=1")
	assert.Contains(t, msgs[1].Content, "- [ ] open")
	assert.Equal(t, "History:\n## Iteration 1", msgs[2].Content)
	assert.Equal(t, "Current observation:\npage text", msgs[3].Content)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "fix it"}, msgs[4])
}
