// Package taskctx implements TaskExecutionContext, the mutable per-task
// state an agent replica holds while a task is running.
// A context is owned by exactly one goroutine at a time — it is never
// shared across tasks or workers — so its methods are not internally
// synchronized.
package taskctx

import (
	"fmt"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/checkpoint"
)

// ParallelGroup is the in-memory mirror of a fan-out group's counters,
// mirrored to the checkpoint store only at checkpoint boundaries.
type ParallelGroup struct {
	TotalExpected  int
	CompletedCount int
	Results        []checkpoint.ParallelResult
}

// TokenUsageBreakdown accumulates per-model, per-source token totals. Source
// keys are "agent" or "tool:<name>"
type TokenUsageBreakdown struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Context is TaskExecutionContext: the mutable state owned by exactly one
// agent replica at a time while a task is in flight.
type Context struct {
	TaskID     string
	A2AContext a2a.A2AContext

	// CurrentInvocationID is a monotonically increasing counter, one per LLM
	// turn within the task; NextInvocationID renders it as a string.
	CurrentInvocationID int

	ProducedArtifacts       []a2a.ArtifactRef
	ArtifactSignalsToReturn []a2a.ArtifactRef

	responseBuffer string

	// ActivePeerSubTasks maps sub_task_id -> PeerCorrelation.
	ActivePeerSubTasks map[string]checkpoint.PeerCorrelation

	// ParallelGroups maps invocation_id -> fan-out counters.
	ParallelGroups map[string]*ParallelGroup

	// Flags is a small opaque dict, e.g. cancel-requested.
	Flags map[string]any

	SecurityContext map[string]any
	TokenUsageRaw   map[string]any

	// TokenUsageByModel breaks totals down by model name then by source
	// ("agent" or "tool:<name>").
	TokenUsageByModel map[string]map[string]TokenUsageBreakdown
}

// New creates a fresh TaskExecutionContext for a newly arrived task.
func New(taskID string, a2aCtx a2a.A2AContext) *Context {
	return &Context{
		TaskID:             taskID,
		A2AContext:         a2aCtx,
		ActivePeerSubTasks: make(map[string]checkpoint.PeerCorrelation),
		ParallelGroups:     make(map[string]*ParallelGroup),
		Flags:              make(map[string]any),
		SecurityContext:    make(map[string]any),
		TokenUsageRaw:      make(map[string]any),
		TokenUsageByModel:  make(map[string]map[string]TokenUsageBreakdown),
	}
}

// NextInvocationID advances and returns the next per-turn invocation id.
func (c *Context) NextInvocationID() string {
	c.CurrentInvocationID++
	return fmt.Sprintf("%d", c.CurrentInvocationID)
}

// AddPeerSubTask registers an in-flight peer delegation, the in-memory
// counterpart of a peer_sub_task row.
func (c *Context) AddPeerSubTask(subTaskID string, corr checkpoint.PeerCorrelation) {
	c.ActivePeerSubTasks[subTaskID] = corr
}

// PopPeerSubTask removes and returns a registered peer correlation, or false
// if none is registered under subTaskID.
func (c *Context) PopPeerSubTask(subTaskID string) (checkpoint.PeerCorrelation, bool) {
	corr, ok := c.ActivePeerSubTasks[subTaskID]
	if ok {
		delete(c.ActivePeerSubTasks, subTaskID)
	}
	return corr, ok
}

// BeginParallelGroup starts tracking a fan-out group's counters in memory.
func (c *Context) BeginParallelGroup(invocationID string, totalExpected int) {
	c.ParallelGroups[invocationID] = &ParallelGroup{TotalExpected: totalExpected}
}

// RecordParallelResult appends one sub-task result to invocationID's group
// and reports whether the group has now collected every expected result.
// Panics are never raised on an unknown invocationID; the call is a no-op
// and reports complete=false, matching defensive handling of a redelivered
// or stale result.
func (c *Context) RecordParallelResult(invocationID string, result checkpoint.ParallelResult) (completed int, total int, allIn bool) {
	g, ok := c.ParallelGroups[invocationID]
	if !ok {
		return 0, 0, false
	}
	g.Results = append(g.Results, result)
	g.CompletedCount = len(g.Results)
	return g.CompletedCount, g.TotalExpected, g.CompletedCount >= g.TotalExpected
}

// AppendResponse appends text to the current turn's response buffer.
func (c *Context) AppendResponse(text string) {
	c.responseBuffer += text
}

// FlushResponse returns and clears the accumulated response buffer,
// matching the streaming coalescer's flush discipline.
func (c *Context) FlushResponse() string {
	text := c.responseBuffer
	c.responseBuffer = ""
	return text
}

// ResponseBuffer returns the current unflushed buffer contents without
// clearing it, for checkpointing mid-turn.
func (c *Context) ResponseBuffer() string { return c.responseBuffer }

// RecordTokenUsage accumulates usage totals broken down by model and
// source ("agent" or "tool:<name>")
func (c *Context) RecordTokenUsage(model, source string, input, output, cached int) {
	bySource, ok := c.TokenUsageByModel[model]
	if !ok {
		bySource = make(map[string]TokenUsageBreakdown)
		c.TokenUsageByModel[model] = bySource
	}
	b := bySource[source]
	b.InputTokens += input
	b.OutputTokens += output
	b.CachedTokens += cached
	bySource[source] = b
}

// HasInFlightPeers reports whether this context has outstanding peer
// delegations, the condition under which it must be checkpointed before
// the handler returns.
func (c *Context) HasInFlightPeers() bool {
	return len(c.ActivePeerSubTasks) > 0
}
