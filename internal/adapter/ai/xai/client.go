// Package xai implements the upstream chat-completion client against the
// xAI API (OpenAI-compatible framing).
package xai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	ai "github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/config"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// Client implements domain.ChatClient over the connection pool. Every
// response passes through the persona sanitiser before reaching callers.
type Client struct {
	cfg   config.Config
	pool  *ai.ConnectionPool
	tools map[string]domain.ToolHandler
}

// New constructs the client. handlers may be nil; unregistered tool
// calls surface as Parse-class errors rather than fabricated results.
func New(cfg config.Config, pool *ai.ConnectionPool, handlers map[string]domain.ToolHandler) *Client {
	return &Client{cfg: cfg, pool: pool, tools: handlers}
}

type chatRequest struct {
	Model       string                  `json:"model"`
	Messages    []domain.Message        `json:"messages"`
	Temperature float64                 `json:"temperature"`
	MaxTokens   int                     `json:"max_tokens"`
	Tools       []domain.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string                  `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string            `json:"content"`
			ToolCalls []domain.ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete issues one chat completion with at most one tool-resolution
// round-trip, summing token usage across both legs.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (domain.RoleOutput, error) {
	start := time.Now()
	out := domain.RoleOutput{Model: c.cfg.XAIModel}
	fail := func(err error) (domain.RoleOutput, error) {
		out.Success = false
		out.DurationMS = time.Since(start).Milliseconds()
		out.Errors = append(out.Errors, err.Error())
		observability.APIRequestsTotal.WithLabelValues(req.Operation, "failure").Inc()
		return out, err
	}

	systemPrompt := req.SystemPrompt
	if req.EnforcePersona {
		systemPrompt = ai.EnvelopeSystemPrompt(req.SystemPrompt)
	}
	messages := make([]domain.Message, 0, 4)
	if systemPrompt != "" {
		messages = append(messages, domain.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, domain.Message{Role: "user", Content: req.UserPrompt})

	resp, err := c.call(ctx, req, messages)
	if err != nil {
		return fail(err)
	}
	out.TokensUsed = resp.Usage.TotalTokens
	if resp.Model != "" {
		out.Model = resp.Model
	}

	choice := resp.Choices[0].Message
	content := choice.Content

	// Tool call loop: maximum one resolution round-trip per call.
	if len(choice.ToolCalls) > 0 {
		messages = append(messages, domain.Message{Role: "assistant", Content: choice.Content, ToolCalls: choice.ToolCalls})
		for _, tc := range choice.ToolCalls {
			slog.Info("tool call received",
				slog.String("tool", tc.Function.Name),
				slog.String("operation", req.Operation))
			handler, ok := c.tools[tc.Function.Name]
			if !ok {
				// Unknown tools are a parse-class defect in the model
				// output; noted on the record, never fabricated.
				out.Errors = append(out.Errors, fmt.Sprintf("%v: unrecognized tool call %q", domain.ErrParse, tc.Function.Name))
				messages = append(messages, domain.Message{Role: "tool", ToolCallID: tc.ID, Content: "tool unavailable"})
				continue
			}
			result, herr := handler(ctx, tc.Function.Arguments)
			if herr != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("tool %s failed: %v", tc.Function.Name, herr))
				result = "tool execution failed"
			}
			messages = append(messages, domain.Message{Role: "tool", ToolCallID: tc.ID, Content: result})
		}

		second, err := c.call(ctx, req, messages)
		if err != nil {
			return fail(err)
		}
		out.TokensUsed += second.Usage.TotalTokens
		content = second.Choices[0].Message.Content
	}

	if req.EnforcePersona {
		content = ai.SanitizePersona(content)
	}
	out.Content = content
	out.DurationMS = time.Since(start).Milliseconds()
	out.Success = content != ""
	if !out.Success {
		err := fmt.Errorf("%w: empty completion content", domain.ErrParse)
		out.Errors = append(out.Errors, err.Error())
		observability.APIRequestsTotal.WithLabelValues(req.Operation, "failure").Inc()
		return out, err
	}
	if out.TokensUsed == 0 {
		p, q := ai.EstimateTokens(systemPrompt, req.UserPrompt, content, out.Model)
		out.TokensUsed = p + q
	}
	observability.APIRequestsTotal.WithLabelValues(req.Operation, "success").Inc()
	return out, nil
}

// call performs one POST to /chat/completions through the pool.
func (c *Client) call(ctx context.Context, req domain.CompletionRequest, messages []domain.Message) (*chatResponse, error) {
	body := chatRequest{
		Model:       c.cfg.XAIModel,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = req.Tools
		body.ToolChoice = "auto"
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrInternal, err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.XAIAPIBase+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrInternal, err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.XAIAPIKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.pool.Send(r)
	if err != nil {
		// The pool's typed timeout keeps its class through the wrap so
		// the retry executor can classify it non-retryable.
		if errors.Is(err, domain.ErrPoolTimeout) {
			return nil, err
		}
		if ctx.Err() != nil || isTimeout(err) {
			return nil, fmt.Errorf("%w: chat completion timed out", domain.ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("%w: transport failure", domain.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body", domain.ErrTransient)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(bodyBytes)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		slog.Warn("upstream non-2xx",
			slog.Int("status", resp.StatusCode),
			slog.String("operation", req.Operation),
			slog.String("body", snippet))
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			return nil, fmt.Errorf("%w: chat status %d", domain.ErrTransient, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: chat status %d", domain.ErrInvalidArgument, resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response", domain.ErrTransient)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", domain.ErrParse)
	}
	return &out, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
