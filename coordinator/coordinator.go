// Package coordinator implements peer delegation: single and fan-out
// dispatch of sub-tasks to other agents, fan-in of peer
// responses through the checkpoint store's atomic claim primitive, a
// timeout sweeper, and cancellation fan-out.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/broker"
	"github.com/solacelabs/sam-core/checkpoint"
	"github.com/solacelabs/sam-core/errs"
	"github.com/solacelabs/sam-core/internal/telemetry"
	"github.com/solacelabs/sam-core/taskctx"
)

// Store is the subset of *checkpoint.Store the coordinator depends on,
// narrowed to an interface so tests can substitute a fake rather than a
// real PostgreSQL connection.
type Store interface {
	ClaimPeerSubTaskWithTask(ctx context.Context, subTaskID string) (logicalTaskID string, correlation *checkpoint.PeerCorrelation, err error)
	RecordParallelResult(ctx context.Context, logicalTaskID, invocationID string, result checkpoint.ParallelResult) (completed, total int, err error)
	GetParallelResults(ctx context.Context, logicalTaskID, invocationID string) ([]checkpoint.ParallelResult, error)
	ResetTimeoutDeadline(ctx context.Context, subTaskID string, newDeadline float64) (bool, error)
	GetPeerSubTasksForTask(ctx context.Context, logicalTaskID string) ([]checkpoint.PeerSubTaskRow, error)
	CleanupTask(ctx context.Context, logicalTaskID string) error
	SweepExpiredTimeouts(ctx context.Context, agentName string, limit int) ([]checkpoint.ExpiredTimeout, error)
}

// Resumer re-enters a paused task's LLM loop once its peer delegation (or
// delegations) have resolved. What "resuming" means — replaying the
// remainder of an LLM turn — lives in the agent package; the coordinator
// only knows how to produce the result(s) the resumption needs.
type Resumer interface {
	// ResumeSingle is called when a non-parallel delegation's correlation
	// is claimed, with the one ToolResult payload it resolved.
	ResumeSingle(ctx context.Context, taskID, subTaskID string, result checkpoint.ParallelResult) error
	// ResumeParallel is called once every expected reply of a fan-out group
	// has landed, with all results in arrival order.
	ResumeParallel(ctx context.Context, taskID, invocationID string, results []checkpoint.ParallelResult) error
}

// Config bounds the coordinator's behavior.
type Config struct {
	AgentName      string
	SweepInterval  time.Duration
	SweepLimit     int
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default sweep cadence: every 5s, 10 rows per
// sweep.
func DefaultConfig(agentName string) Config {
	return Config{
		AgentName:      agentName,
		SweepInterval:  5 * time.Second,
		SweepLimit:     10,
		DefaultTimeout: 60 * time.Second,
	}
}

// Coordinator drives peer delegation over a checkpoint.Store and a
// broker.Client.
type Coordinator struct {
	cfg     Config
	store   Store
	pub     broker.Publisher
	topics  a2a.Topics
	resumer Resumer
	log     telemetry.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Coordinator. resumer may be nil until the agent wires
// itself in; calls made before it is set return errs.CodeSystemError.
func New(cfg Config, store Store, pub broker.Publisher, topics a2a.Topics, resumer Resumer, log telemetry.Logger) *Coordinator {
	if log == nil {
		log = telemetry.Noop{}
	}
	return &Coordinator{cfg: cfg, store: store, pub: pub, topics: topics, resumer: resumer, log: log}
}

// DelegateToPeer publishes a single peer sub-task request and records its
// correlation so the reply can be matched back to the parent task.
func (c *Coordinator) DelegateToPeer(ctx context.Context, tc *taskctx.Context, peerAgentName, toolCallID string, payload *a2a.Message, timeout time.Duration) error {
	subTaskID := uuid.NewString()
	invocationID := tc.NextInvocationID()
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	corr := checkpoint.PeerCorrelation{
		InvocationID:   invocationID,
		PeerAgentName:  peerAgentName,
		ToolCallID:     toolCallID,
		TimeoutSeconds: int(timeout.Seconds()),
	}
	tc.AddPeerSubTask(subTaskID, corr)

	if err := c.publishRequest(ctx, tc, peerAgentName, subTaskID, payload); err != nil {
		tc.PopPeerSubTask(subTaskID)
		return errs.Wrap(errs.CodePeerPublishFailed, "publish peer delegation", err)
	}
	return nil
}

// DelegateParallel fans a single LLM turn's N peer calls out under one
// invocation_id. All requests are dispatched before the group is
// checkpointed by the caller.
func (c *Coordinator) DelegateParallel(ctx context.Context, tc *taskctx.Context, calls []ParallelCall) (invocationID string, err error) {
	invocationID = tc.NextInvocationID()
	tc.BeginParallelGroup(invocationID, len(calls))

	dispatched := make([]string, 0, len(calls))
	for _, call := range calls {
		subTaskID := uuid.NewString()
		timeout := call.Timeout
		if timeout <= 0 {
			timeout = c.cfg.DefaultTimeout
		}
		corr := checkpoint.PeerCorrelation{
			InvocationID:    invocationID,
			PeerAgentName:   call.PeerAgentName,
			ToolCallID:      call.ToolCallID,
			TimeoutSeconds:  int(timeout.Seconds()),
			ParallelGroupID: invocationID,
		}
		tc.AddPeerSubTask(subTaskID, corr)

		if err := c.publishRequest(ctx, tc, call.PeerAgentName, subTaskID, call.Payload); err != nil {
			for _, id := range dispatched {
				tc.PopPeerSubTask(id)
			}
			tc.PopPeerSubTask(subTaskID)
			return "", errs.Wrap(errs.CodePeerPublishFailed, "publish parallel peer delegation", err)
		}
		dispatched = append(dispatched, subTaskID)
	}
	return invocationID, nil
}

// ParallelCall is one outbound peer request within a fan-out group.
type ParallelCall struct {
	PeerAgentName string
	ToolCallID    string
	Payload       *a2a.Message
	Timeout       time.Duration
}

func (c *Coordinator) publishRequest(ctx context.Context, tc *taskctx.Context, peerAgentName, subTaskID string, payload *a2a.Message) error {
	req := &a2a.Request{
		JSONRPC: "2.0",
		Method:  a2a.MethodMessageSend,
	}
	if payload != nil {
		payload.TaskID = subTaskID
		payload.ContextID = tc.A2AContext.ContextID
		raw, err := json.Marshal(map[string]any{
			"message":         payload,
			"replyToTopic":    c.topics.AgentResponse(c.cfg.AgentName),
			"statusTopic":     c.topics.AgentResponse(c.cfg.AgentName),
			"parentSubTaskId": subTaskID,
		})
		if err != nil {
			return err
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.pub.Publish(ctx, c.topics.AgentRequest(peerAgentName), body, nil)
}

// HandlePeerResponse implements the fan-in path: claim the
// correlation, route a parallel result through the store's counters or
// resume a single delegation immediately.
func (c *Coordinator) HandlePeerResponse(ctx context.Context, subTaskID string, status *a2a.TaskStatusUpdateEvent, result checkpoint.ParallelResult) error {
	if status != nil && !status.Status.State.IsTerminal() {
		return c.handleIntermediateStatus(ctx, subTaskID, status)
	}

	logicalTaskID, corr, err := c.store.ClaimPeerSubTaskWithTask(ctx, subTaskID)
	if err != nil {
		return errs.Wrap(errs.CodeSystemError, "claim peer sub-task", err)
	}
	if corr == nil {
		c.log.Debug(ctx, "peer response dropped: already claimed or redelivered", "subTaskId", subTaskID)
		return nil
	}

	if corr.ParallelGroupID != "" {
		return c.handleParallelResult(ctx, logicalTaskID, corr, result)
	}
	return c.resume(ctx, logicalTaskID, subTaskID, result)
}

func (c *Coordinator) resume(ctx context.Context, taskID, subTaskID string, result checkpoint.ParallelResult) error {
	if c.resumer == nil {
		return errs.New(errs.CodeSystemError, "coordinator: no resumer wired")
	}
	return c.resumer.ResumeSingle(ctx, taskID, subTaskID, result)
}

func (c *Coordinator) handleParallelResult(ctx context.Context, logicalTaskID string, corr *checkpoint.PeerCorrelation, result checkpoint.ParallelResult) error {
	completed, total, err := c.store.RecordParallelResult(ctx, logicalTaskID, corr.InvocationID, result)
	if err != nil {
		return errs.Wrap(errs.CodeSystemError, "record parallel result", err)
	}
	if completed < total {
		return nil
	}
	results, err := c.store.GetParallelResults(ctx, logicalTaskID, corr.InvocationID)
	if err != nil {
		return errs.Wrap(errs.CodeSystemError, "load parallel results", err)
	}
	if c.resumer == nil {
		return errs.New(errs.CodeSystemError, "coordinator: no resumer wired")
	}
	return c.resumer.ResumeParallel(ctx, logicalTaskID, corr.InvocationID, results)
}

func (c *Coordinator) handleIntermediateStatus(ctx context.Context, subTaskID string, _ *a2a.TaskStatusUpdateEvent) error {
	ok, err := c.store.ResetTimeoutDeadline(ctx, subTaskID, nowSeconds()+float64(c.cfg.DefaultTimeout.Seconds()))
	if err != nil {
		return errs.Wrap(errs.CodeSystemError, "reset peer timeout deadline", err)
	}
	if !ok {
		c.log.Debug(ctx, "intermediate status for unknown or already-claimed sub-task", "subTaskId", subTaskID)
	}
	return nil
}

// CancelTask publishes a cancel message to every peer a task has
// outstanding delegations with, then best-effort purges its checkpoint
// rows.
func (c *Coordinator) CancelTask(ctx context.Context, logicalTaskID string) error {
	rows, err := c.store.GetPeerSubTasksForTask(ctx, logicalTaskID)
	if err != nil {
		return errs.Wrap(errs.CodeSystemError, "list peer sub-tasks for cancel", err)
	}
	for _, row := range rows {
		req := &a2a.Request{JSONRPC: "2.0", Method: a2a.MethodTasksCancel}
		params, merr := json.Marshal(map[string]any{"taskId": row.SubTaskID})
		if merr == nil {
			req.Params = params
		}
		body, merr := json.Marshal(req)
		if merr != nil {
			continue
		}
		if perr := c.pub.Publish(ctx, c.topics.AgentRequest(row.Correlation.PeerAgentName), body, nil); perr != nil {
			c.log.Warn(ctx, "cancel publish failed", "peer", row.Correlation.PeerAgentName, "error", perr)
		}
	}
	if err := c.store.CleanupTask(ctx, logicalTaskID); err != nil {
		c.log.Warn(ctx, "best-effort cleanup after cancel failed", "taskId", logicalTaskID, "error", err)
	}
	return nil
}

// Start launches the timeout sweeper goroutine. Calling Start twice is a
// no-op.
func (c *Coordinator) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.sweepLoop(ctx)
}

// Stop cancels the sweeper and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	expired, err := c.store.SweepExpiredTimeouts(ctx, c.cfg.AgentName, c.cfg.SweepLimit)
	if err != nil {
		c.log.Error(ctx, "sweep expired timeouts failed", "error", err)
		return
	}
	for _, e := range expired {
		logicalTaskID, corr, err := c.store.ClaimPeerSubTaskWithTask(ctx, e.SubTaskID)
		if err != nil {
			c.log.Error(ctx, "claim expired sub-task failed", "subTaskId", e.SubTaskID, "error", err)
			continue
		}
		if corr == nil {
			// another replica claimed it first between sweep and claim.
			continue
		}
		payload, _ := json.Marshal(map[string]any{"status": "error", "errorCode": string(errs.CodePeerTimeout)})
		result := checkpoint.ParallelResult{SubTaskID: e.SubTaskID, Payload: payload}

		if corr.ParallelGroupID != "" {
			if err := c.handleParallelResult(ctx, logicalTaskID, corr, result); err != nil {
				c.log.Error(ctx, "resume after timeout failed", "subTaskId", e.SubTaskID, "error", err)
			}
			continue
		}
		if err := c.resume(ctx, logicalTaskID, e.SubTaskID, result); err != nil {
			c.log.Error(ctx, "resume after timeout failed", "subTaskId", e.SubTaskID, "error", err)
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
