package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Agent/internal/agent"
	"OpenMCP-Agent/internal/auth"
	"OpenMCP-Agent/internal/config"
	"OpenMCP-Agent/internal/environment/web"
	"OpenMCP-Agent/internal/task"
	"OpenMCP-Agent/internal/tools"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.LLM.Provider = "openai"
	cfg.LLM.OpenAI.APIKey = "sk-test"
	cfg.Notify.Sinks = []string{"log"}
	return cfg
}

func TestNewAssemblesMemoryRuntime(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	assert.True(t, rt.Router.Supports(agent.ModeDynamic))
	assert.True(t, rt.Router.Supports(agent.ModePredefined))
	assert.False(t, rt.Router.Supports(agent.ModeRemote))
	assert.Nil(t, rt.Remote)

	names := rt.Registry.Names()
	for _, name := range []string{tools.DoneToolName, tools.HumanInputToolName, web.NavigateToolName, web.FindTextToolName, web.ReadPageToolName} {
		assert.Contains(t, names, name)
	}
	assert.NotNil(t, rt.Audit)
	o, err := rt.NewOrchestrator()
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestNewRegistersRemoteMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.URL = "ws://127.0.0.1:1/ws"
	rt, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()

	assert.True(t, rt.Router.Supports(agent.ModeRemote))
	assert.NotNil(t, rt.Remote)
}

func TestNewRejectsUnknownSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Sinks = []string{"pigeon"}
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewLLMClientRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.OpenAI.APIKey = ""
	_, err := NewLLMClient(cfg)
	assert.Error(t, err)

	cfg.LLM.Provider = "carrier"
	_, err = NewLLMClient(cfg)
	assert.Error(t, err)
}

func TestNewTaskServiceMemory(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	svc, processor, err := rt.NewTaskService(context.Background())
	require.NoError(t, err)
	defer svc.Close()
	require.NotNil(t, processor)

	created, err := svc.Submit(context.Background(), task.SubmitRequest{Goal: "look around"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, rt.Config.TaskQueue.MaxAttempts, created.MaxRetries)
}

func TestNewAuth(t *testing.T) {
	cfg := testConfig(t)
	rt := &Runtime{Config: cfg}

	svc, err := rt.NewAuth()
	require.NoError(t, err)
	assert.Equal(t, auth.ModeDisabled, svc.Mode())

	cfg.Server.BearerToken = "secret"
	svc, err = rt.NewAuth()
	require.NoError(t, err)
	assert.Equal(t, auth.ModeStatic, svc.Mode())

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer secret")
	require.NoError(t, err)
	assert.True(t, subject.HasPermission(auth.PermissionTasksWrite))

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer wrong")
	assert.Error(t, err)
}
