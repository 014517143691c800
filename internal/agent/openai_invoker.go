package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"loom/internal/errors"
)

const defaultAgentModel = "gpt-4o-mini"

// OpenAIConfig configures the chat-completion backed invoker.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// OpenAIInvoker executes agent tasks through a chat completion. The task
// title, description and context are assembled into the prompt; the model is
// asked for a JSON object which is parsed leniently.
type OpenAIInvoker struct {
	client *openai.Client
	model  string
}

// NewOpenAIInvoker constructs the invoker.
func NewOpenAIInvoker(cfg OpenAIConfig) *OpenAIInvoker {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultAgentModel
	}
	return &OpenAIInvoker{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

// Invoke assembles the prompt, runs one chat completion and parses the
// answer.
func (c *OpenAIInvoker) Invoke(ctx context.Context, agentID string, req Request) (Response, error) {
	const op = "agent.OpenAIInvoker.Invoke"

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "You execute one workflow task. Reply with a single JSON object " +
					`of the form {"output_data": {...}, "summary": "..."} and nothing else.`,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(req),
			},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if stderrors.As(err, &apiErr) && apiErr.HTTPStatusCode != 429 && apiErr.HTTPStatusCode < 500 {
			return Response{}, fmt.Errorf("%w: agent %s: %v", ErrNonRetryable, agentID, err)
		}
		return Response{}, errors.Transient(op, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.Transient(op, fmt.Errorf("agent %s: empty completion", agentID))
	}
	return parseCompletion(resp.Choices[0].Message.Content), nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(req.TaskTitle)
	b.WriteString("\n")
	if req.TaskDescription != "" {
		b.WriteString("Description: ")
		b.WriteString(req.TaskDescription)
		b.WriteString("\n")
	}
	if len(req.Context) > 0 {
		if raw, err := json.Marshal(req.Context); err == nil {
			b.WriteString("Context:\n")
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	if len(req.InputData) > 0 {
		if raw, err := json.Marshal(req.InputData); err == nil {
			b.WriteString("Input:\n")
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// parseCompletion extracts a Response from the model's answer. Models wrap
// JSON in code fences or prose; fall back to treating the whole answer as
// the result text.
func parseCompletion(content string) Response {
	trimmed := strings.TrimSpace(content)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}

	var resp Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err == nil && resp.OutputData != nil {
		return resp
	}
	var direct map[string]any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil && len(direct) > 0 {
		return Response{OutputData: direct}
	}
	return Response{
		OutputData: map[string]any{"result": trimmed},
		Summary:    firstLine(trimmed),
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
