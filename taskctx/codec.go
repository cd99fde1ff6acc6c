package taskctx

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/checkpoint"
)

// tokenUsageEnvelope is the JSON-serializable mirror of TokenUsageByModel,
// used only at the checkpoint boundary; the live map-of-maps shape is kept
// in Context for cheap in-memory mutation.
type tokenUsageEnvelope struct {
	Raw     map[string]any                            `json:"raw,omitempty"`
	ByModel map[string]map[string]TokenUsageBreakdown `json:"byModel,omitempty"`
}

// checkpointSchemaVersion versions the serialized a2a_context envelope so a
// later format change can detect and migrate old rows online.
const checkpointSchemaVersion = 1

// contextEnvelope wraps the serialized A2AContext with a schema version.
type contextEnvelope struct {
	SchemaVersion int            `json:"schemaVersion"`
	Context       a2a.A2AContext `json:"context"`
}

// ToCheckpoint serializes the context into a checkpoint.CheckpointInput
// ready for Store.Checkpoint agentName is supplied by
// the caller since the context itself does not track which agent owns it.
func (c *Context) ToCheckpoint(agentName string) (checkpoint.CheckpointInput, error) {
	a2aCtx, err := json.Marshal(contextEnvelope{SchemaVersion: checkpointSchemaVersion, Context: c.A2AContext})
	if err != nil {
		return checkpoint.CheckpointInput{}, fmt.Errorf("taskctx: marshal a2a context: %w", err)
	}
	produced, err := json.Marshal(c.ProducedArtifacts)
	if err != nil {
		return checkpoint.CheckpointInput{}, fmt.Errorf("taskctx: marshal produced artifacts: %w", err)
	}
	signals, err := json.Marshal(c.ArtifactSignalsToReturn)
	if err != nil {
		return checkpoint.CheckpointInput{}, fmt.Errorf("taskctx: marshal artifact signals: %w", err)
	}
	flags, err := json.Marshal(c.Flags)
	if err != nil {
		return checkpoint.CheckpointInput{}, fmt.Errorf("taskctx: marshal flags: %w", err)
	}
	secCtx, err := json.Marshal(c.SecurityContext)
	if err != nil {
		return checkpoint.CheckpointInput{}, fmt.Errorf("taskctx: marshal security context: %w", err)
	}
	usage, err := json.Marshal(tokenUsageEnvelope{Raw: c.TokenUsageRaw, ByModel: c.TokenUsageByModel})
	if err != nil {
		return checkpoint.CheckpointInput{}, fmt.Errorf("taskctx: marshal token usage: %w", err)
	}

	parallel := make(map[string]checkpoint.ParallelInvocationState, len(c.ParallelGroups))
	for invocationID, g := range c.ParallelGroups {
		parallel[invocationID] = checkpoint.ParallelInvocationState{
			TotalExpected:  g.TotalExpected,
			CompletedCount: g.CompletedCount,
			Results:        g.Results,
		}
	}

	return checkpoint.CheckpointInput{
		LogicalTaskID:       c.TaskID,
		AgentName:           agentName,
		A2AContext:          a2aCtx,
		EffectiveSessionID:  c.A2AContext.ContextID,
		UserID:              c.A2AContext.UserID,
		CurrentInvocationID: strconv.Itoa(c.CurrentInvocationID),
		ProducedArtifacts:   produced,
		ArtifactSignals:     signals,
		ResponseBuffer:      c.responseBuffer,
		Flags:               flags,
		SecurityContext:     secCtx,
		TokenUsage:          usage,
		ActivePeerSubTasks:  c.ActivePeerSubTasks,
		ParallelInvocations: parallel,
	}, nil
}

// FromCheckpoint reconstructs a Context from a restored paused-task
// snapshot plus its peer-sub-task and parallel-invocation rows. Round-
// tripping a Context through ToCheckpoint then FromCheckpoint is the
// identity modulo map-iteration ordering.
func FromCheckpoint(snap *checkpoint.PausedTaskSnapshot, peers []checkpoint.PeerSubTaskRow, parallel map[string]checkpoint.ParallelInvocationState) (*Context, error) {
	var a2aCtx a2a.A2AContext
	if len(snap.A2AContext) > 0 {
		var env contextEnvelope
		if err := json.Unmarshal(snap.A2AContext, &env); err != nil {
			return nil, fmt.Errorf("taskctx: unmarshal a2a context: %w", err)
		}
		if env.SchemaVersion == 0 {
			// Unversioned row written before the envelope existed: the
			// payload is the bare context.
			if err := json.Unmarshal(snap.A2AContext, &a2aCtx); err != nil {
				return nil, fmt.Errorf("taskctx: unmarshal legacy a2a context: %w", err)
			}
		} else {
			a2aCtx = env.Context
		}
	}

	c := New(snap.LogicalTaskID, a2aCtx)
	c.responseBuffer = snap.ResponseBuffer

	if n, err := strconv.Atoi(snap.CurrentInvocationID); err == nil {
		c.CurrentInvocationID = n
	}

	if len(snap.ProducedArtifacts) > 0 {
		if err := json.Unmarshal(snap.ProducedArtifacts, &c.ProducedArtifacts); err != nil {
			return nil, fmt.Errorf("taskctx: unmarshal produced artifacts: %w", err)
		}
	}
	if len(snap.ArtifactSignals) > 0 {
		if err := json.Unmarshal(snap.ArtifactSignals, &c.ArtifactSignalsToReturn); err != nil {
			return nil, fmt.Errorf("taskctx: unmarshal artifact signals: %w", err)
		}
	}
	if len(snap.Flags) > 0 {
		if err := json.Unmarshal(snap.Flags, &c.Flags); err != nil {
			return nil, fmt.Errorf("taskctx: unmarshal flags: %w", err)
		}
	}
	if len(snap.SecurityContext) > 0 {
		if err := json.Unmarshal(snap.SecurityContext, &c.SecurityContext); err != nil {
			return nil, fmt.Errorf("taskctx: unmarshal security context: %w", err)
		}
	}
	if len(snap.TokenUsage) > 0 {
		var env tokenUsageEnvelope
		if err := json.Unmarshal(snap.TokenUsage, &env); err != nil {
			return nil, fmt.Errorf("taskctx: unmarshal token usage: %w", err)
		}
		if env.Raw != nil {
			c.TokenUsageRaw = env.Raw
		}
		if env.ByModel != nil {
			c.TokenUsageByModel = env.ByModel
		}
	}

	for _, row := range peers {
		c.ActivePeerSubTasks[row.SubTaskID] = row.Correlation
	}
	for invocationID, state := range parallel {
		c.ParallelGroups[invocationID] = &ParallelGroup{
			TotalExpected:  state.TotalExpected,
			CompletedCount: state.CompletedCount,
			Results:        state.Results,
		}
	}

	return c, nil
}
