package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Agent/internal/llm"
)

// Client 通过调用 Python 脚本实现推理。脚本从 stdin 读取 JSON 请求，
// 向 stdout 输出 {"content": "..."}。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeRequest struct {
	Purpose   string        `json:"purpose"`
	Messages  []llm.Message `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	JSONMode  bool          `json:"json_mode"`
	Timestamp int64         `json:"timestamp"`
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{
		Purpose:   string(req.Purpose),
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		JSONMode:  req.JSONMode,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("Python 脚本输出为空")
	}

	return &llm.Response{Content: resp.Content}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
