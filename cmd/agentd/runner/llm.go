package runner

import (
	"context"

	"github.com/praxisline/agentd/cmd/agentd/tools"
	"github.com/praxisline/agentd/common/models"
)

// CompletionRequest carries one LLM invocation. Stream reflects the
// configuration flag read at invocation time; OnToken receives each
// streamed token when Stream is set.
type CompletionRequest struct {
	Model     string
	Messages  []*models.ThreadMessage
	Tools     []tools.Tool
	MaxTokens int
	Stream    bool
	OnToken   func(token string)
}

// Completion is the assistant's reply for one invocation
type Completion struct {
	Content   string
	ToolCalls []models.ToolCall
	Tokens    int64
	CostUSD   float64
}

// LLM abstracts the provider transport. Implementations live outside the
// core; the runner only depends on this interface.
type LLM interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
