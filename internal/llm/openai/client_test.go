package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Agent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          chatRequest
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": ` {"reasoning":"ok"} `}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Purpose:  llm.PurposePlan,
		Messages: []llm.Message{llm.System("sys"), llm.User("goal")},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != `{"reasoning":"ok"}` {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 3 {
		t.Fatalf("unexpected usage: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model == "" {
		t.Fatalf("model field missing in request")
	}
	if len(captured.Body.Messages) != 2 || captured.Body.Messages[0].Role != "system" {
		t.Fatalf("messages not forwarded: %+v", captured.Body.Messages)
	}
	if captured.Body.ResponseFormat["type"] != "json_object" {
		t.Fatalf("json mode not requested: %+v", captured.Body.ResponseFormat)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.User("x")}}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}

func TestGenerateRejectsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	client.httpClient = srv.Client()

	if _, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.User("x")}}); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestGenerateHonoursRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL, RequestsPerMinute: 1})
	client.httpClient = srv.Client()
	req := llm.Request{Messages: []llm.Message{llm.User("x")}}

	if _, err := client.Generate(context.Background(), req); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Generate(ctx, req); err == nil {
		t.Fatalf("second call should be throttled")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("throttled call must not reach the server")
	}
}
