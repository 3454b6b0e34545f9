// Package stub provides a fast, deterministic chat client for local
// development and tests.
package stub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// Client returns canned content per role keyed by a marker in the system
// prompt, and records every call for assertions.
type Client struct {
	mu      sync.Mutex
	calls   []domain.CompletionRequest
	Latency time.Duration
	// Responses maps an operation name to fixed content; unset
	// operations fall back to a generic completion.
	Responses map[string]string
	// Err, when set, fails every call.
	Err error
}

// New constructs a stub with no canned responses.
func New() *Client { return &Client{Responses: map[string]string{}} }

// Complete returns deterministic content without touching the network.
func (c *Client) Complete(_ context.Context, req domain.CompletionRequest) (domain.RoleOutput, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if c.Latency > 0 {
		time.Sleep(c.Latency)
	}
	if c.Err != nil {
		return domain.RoleOutput{
			Success: false,
			Model:   "stub",
			Errors:  []string{c.Err.Error()},
		}, c.Err
	}
	content, ok := c.Responses[req.Operation]
	if !ok {
		content = fmt.Sprintf("stub completion for %s: %s", req.Operation, firstLine(req.UserPrompt))
	}
	return domain.RoleOutput{
		Success:    true,
		Content:    content,
		TokensUsed: (len(req.UserPrompt) + len(content)) / 4,
		Model:      "stub",
		DurationMS: c.Latency.Milliseconds(),
	}, nil
}

// Calls returns a copy of the recorded requests.
func (c *Client) Calls() []domain.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CompletionRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
