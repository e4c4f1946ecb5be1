package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/tools"
)

// scriptedLLM 按用途依次返回预设响应，队列耗尽后重复最后一个。
type scriptedLLM struct {
	mu       sync.Mutex
	scripts  map[llm.Purpose][]func(llm.Request) (string, error)
	calls    map[llm.Purpose]int
	requests map[llm.Purpose][]llm.Request
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		scripts:  make(map[llm.Purpose][]func(llm.Request) (string, error)),
		calls:    make(map[llm.Purpose]int),
		requests: make(map[llm.Purpose][]llm.Request),
	}
}

func (s *scriptedLLM) reply(purpose llm.Purpose, contents ...string) *scriptedLLM {
	for _, content := range contents {
		content := content
		s.scripts[purpose] = append(s.scripts[purpose], func(llm.Request) (string, error) { return content, nil })
	}
	return s
}

func (s *scriptedLLM) fail(purpose llm.Purpose, err error) *scriptedLLM {
	s.scripts[purpose] = append(s.scripts[purpose], func(llm.Request) (string, error) { return "", err })
	return s
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	idx := s.calls[req.Purpose]
	s.calls[req.Purpose]++
	s.requests[req.Purpose] = append(s.requests[req.Purpose], req)
	script := s.scripts[req.Purpose]
	s.mu.Unlock()

	if len(script) == 0 {
		return nil, errors.New("no script for " + string(req.Purpose))
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	content, err := script[idx](req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: content}, nil
}

func (s *scriptedLLM) count(purpose llm.Purpose) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[purpose]
}

func (s *scriptedLLM) request(purpose llm.Purpose, i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[purpose][i]
}

func newTestRegistry(t *testing.T, extra ...tools.Tool) *tools.Registry {
	t.Helper()
	base := []tools.Tool{
		tools.DoneTool(),
		tools.HumanInputTool(),
		tools.Func{
			ToolName: "echo",
			Desc:     "echo the text argument",
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				return tools.StringArg(args, "text"), nil
			},
		},
		tools.Func{
			ToolName: "broken",
			Desc:     "always fails",
			Fn: func(context.Context, map[string]any) (any, error) {
				return nil, errors.New("boom")
			},
		},
	}
	reg, err := tools.NewRegistry(append(base, extra...)...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

const (
	planTwoActions = `{"reasoning":"look around","proposed_actions":["echo a","echo b"],"task_complete":false,"final_answer":""}`
	planComplete   = `{"reasoning":"finished","proposed_actions":[],"task_complete":true,"final_answer":"X"}`
	planNoActions  = `{"reasoning":"hmm","proposed_actions":[],"task_complete":false}`
	callsEcho      = `{"tool_calls":[{"name":"echo","arguments":{"text":"a"}},{"name":"echo","arguments":{"text":"b"}}]}`
	callsNone      = `{"tool_calls":[]}`
)
