package agent

import (
	"context"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/toolruntime"
	"github.com/solacelabs/sam-core/translator"
)

// ToolCall is one function call requested by the model during a turn.
type ToolCall struct {
	// ID correlates the eventual result back to this call.
	ID string
	// Name is the registered tool name, or a "peer_<agent>" delegation.
	Name string
	// Args are the decoded call arguments.
	Args map[string]any
}

// TokenUsage reports one turn's token consumption for a model.
type TokenUsage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Event is one LLM-adapter event: a text delta, a function call or
// response, inline data, an error, or the final marker. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind  translator.EventKind
	Text  string
	Call  *ToolCall
	Usage *TokenUsage
	Err   error
}

// ToolDecl is one tool's LLM-visible declaration handed to the adapter.
type ToolDecl struct {
	Name        string
	Description string
	Params      []toolruntime.ParamSchema
}

// ToolOutcome feeds one completed tool call's result back into the next
// turn.
type ToolOutcome struct {
	ToolCallID string
	Name       string
	Result     *toolruntime.ToolResult
}

// TurnRequest is the input to one LLM turn: the task's message history plus
// any tool results produced since the previous turn.
type TurnRequest struct {
	TaskID       string
	InvocationID string
	Messages     []*a2a.Message
	ToolResults  []ToolOutcome
	Tools        []ToolDecl
}

// LLM is the abstract adapter over a model provider's wire protocol. Only
// the event stream shape matters to the engine: Stream
// runs one turn, invoking emit for each event in model order, and returns
// once the turn's stream has closed. Cancelling ctx closes the adapter's
// output stream.
type LLM interface {
	Stream(ctx context.Context, req *TurnRequest, emit func(Event) error) error
}
