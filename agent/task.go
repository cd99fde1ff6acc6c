package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/artifacts"
	"github.com/solacelabs/sam-core/blobstore"
	"github.com/solacelabs/sam-core/broker"
	"github.com/solacelabs/sam-core/checkpoint"
	"github.com/solacelabs/sam-core/coordinator"
	"github.com/solacelabs/sam-core/errs"
	"github.com/solacelabs/sam-core/internal/retry"
	"github.com/solacelabs/sam-core/sandbox"
	"github.com/solacelabs/sam-core/taskctx"
	"github.com/solacelabs/sam-core/toolruntime"
	"github.com/solacelabs/sam-core/translator"
)

// peerToolPrefix marks a tool call as a peer delegation: "peer_<agent>"
// delegates to the named agent instead of a local tool.
const peerToolPrefix = "peer_"

// flagCancelRequested is the context flag a gateway cancel sets.
const flagCancelRequested = "cancelRequested"

// flagPendingToolResults carries local tool outcomes across a suspension
// when a turn mixes local calls with peer delegations.
const flagPendingToolResults = "pendingToolResults"

// sendMessageParams is the decoded params shape of message/send and
// message/stream requests.
type sendMessageParams struct {
	Message         *a2a.Message   `json:"message"`
	ReplyToTopic    string         `json:"replyToTopic"`
	StatusTopic     string         `json:"statusTopic"`
	ParentSubTaskID string         `json:"parentSubTaskId"`
	UserID          string         `json:"userId"`
	GatewayID       string         `json:"gatewayId"`
	UserProfile     map[string]any `json:"userProfile"`
}

// cancelParams is the decoded params shape of tasks/cancel requests.
type cancelParams struct {
	TaskID string `json:"taskId"`
}

// handleRequest dispatches one inbound message on the agent request topic.
// Unparseable messages are logged and dropped, never failed upward:
// attackers must not be able to DoS an agent with garbage.
func (a *Agent) handleRequest(ctx context.Context, msg *broker.Message) {
	var req a2a.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Method == "" {
		a.log.Warn(ctx, "malformed request dropped", "topic", msg.Topic, "error", err)
		ack(msg)
		return
	}

	switch req.Method {
	case a2a.MethodMessageSend, a2a.MethodMessageStream:
		var params sendMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == nil {
			a.log.Warn(ctx, "malformed send params dropped", "error", err)
			ack(msg)
			return
		}
		a.startTask(ctx, &req, &params, msg)
	case a2a.MethodTasksCancel:
		var params cancelParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
			a.log.Warn(ctx, "malformed cancel params dropped", "error", err)
			ack(msg)
			return
		}
		a.handleTaskCancel(ctx, params.TaskID)
		ack(msg)
	default:
		a.log.Debug(ctx, "unhandled method dropped", "method", req.Method)
		ack(msg)
	}
}

// startTask creates the TaskExecutionContext for a fresh TaskRequest and
// dispatches its run loop to the worker pool. The broker message is acked
// once the run loop has either finished the task or checkpointed it.
func (a *Agent) startTask(ctx context.Context, req *a2a.Request, params *sendMessageParams, msg *broker.Message) {
	taskID := params.Message.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	var requestID string
	if len(req.ID) > 0 {
		requestID = string(req.ID)
	}
	a2aCtx := a2a.A2AContext{
		LogicalTaskID:    taskID,
		ContextID:        params.Message.ContextID,
		ReplyToTopic:     params.ReplyToTopic,
		StatusTopic:      params.StatusTopic,
		UserID:           params.UserID,
		JSONRPCRequestID: requestID,
		ParentSubTaskID:  params.ParentSubTaskID,
		UserProfile:      params.UserProfile,
	}

	tc := taskctx.New(taskID, a2aCtx)
	rt := a.register(tc)

	a.pool.Go(func() error {
		defer ack(msg)
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rt.cancel = cancel
		defer cancel()
		a.persistInboundFiles(runCtx, rt, params.Message)
		a.runLoop(runCtx, rt, []*a2a.Message{params.Message}, nil)
		return nil
	})
}

// persistInboundFiles writes inline file parts of the incoming message to
// the scoped artifact store so Artifact-typed tool parameters can resolve
// them by name. File bytes are never logged; the log line carries only
// their size.
func (a *Agent) persistInboundFiles(ctx context.Context, rt *runningTask, msg *a2a.Message) {
	if a.blobs == nil {
		return
	}
	tc := rt.tc
	scoped := a.scopedArtifacts(tc)
	for _, part := range msg.Parts {
		if part.Kind != a2a.PartKindFile || part.File == nil || len(part.File.Bytes) == 0 {
			continue
		}
		ref, err := scoped.SaveArtifact(ctx, part.File.Name, part.File.Bytes, part.File.MIMEType, nil)
		if err != nil {
			a.log.Warn(ctx, "inbound file save failed", "taskId", tc.TaskID, "name", part.File.Name, "error", err)
			continue
		}
		logged := fmt.Sprintf("%d bytes", len(part.File.Bytes))
		a.log.Debug(ctx, "inbound file persisted", "taskId", tc.TaskID, "name", part.File.Name, "version", ref.Version, "size", logged)
	}
}

// register installs a task into the in-memory task table.
func (a *Agent) register(tc *taskctx.Context) *runningTask {
	rt := &runningTask{
		tc:         tc,
		tr:         a.newTranslator(),
		cancel:     func() {},
		lastActive: time.Now(),
	}
	a.mu.Lock()
	a.tasks[tc.TaskID] = rt
	a.mu.Unlock()
	return rt
}

func (a *Agent) newTranslator() *translator.Translator {
	return translator.New(translator.Config{
		AgentName:           a.cfg.Name,
		GatewayID:           a.cfg.GatewayID,
		Namespace:           a.cfg.Namespace,
		BatchThresholdBytes: a.cfg.BatchThresholdBytes,
	}, a.client, a.log)
}

// runLoop drives the task through LLM turns until it finishes, fails, is
// cancelled, or suspends on peer delegations.
func (a *Agent) runLoop(ctx context.Context, rt *runningTask, history []*a2a.Message, outcomes []ToolOutcome) {
	tc := rt.tc
	spanCtx, span := a.tracer.Start(ctx, "agent.task")
	span.SetAttribute("taskId", tc.TaskID)
	defer span.End()
	ctx = spanCtx

	for {
		if a.cancelRequested(tc) {
			a.finishCanceled(ctx, rt)
			return
		}

		calls, err := a.runTurn(ctx, rt, history, outcomes)
		outcomes = nil
		if err != nil {
			if a.cancelRequested(tc) || ctx.Err() != nil {
				a.finishCanceled(ctx, rt)
				return
			}
			span.RecordError(err)
			a.finishFailed(ctx, rt, err)
			return
		}

		if len(calls) == 0 {
			a.finishCompleted(ctx, rt)
			return
		}

		peerCalls, localCalls := splitCalls(calls)

		localOutcomes, err := a.executeLocalCalls(ctx, rt, localCalls)
		if err != nil {
			span.RecordError(err)
			a.finishFailed(ctx, rt, err)
			return
		}

		if len(peerCalls) > 0 {
			a.suspendOnPeers(ctx, rt, peerCalls, localOutcomes)
			return
		}
		outcomes = localOutcomes
	}
}

// runTurn runs one LLM turn, feeding events through the translator and
// collecting the turn's function calls.
func (a *Agent) runTurn(ctx context.Context, rt *runningTask, history []*a2a.Message, outcomes []ToolOutcome) ([]ToolCall, error) {
	tc := rt.tc
	invocationID := tc.NextInvocationID()
	rt.lastActive = time.Now()

	req := &TurnRequest{
		TaskID:       tc.TaskID,
		InvocationID: invocationID,
		Messages:     history,
		ToolResults:  outcomes,
		Tools:        a.toolDecls(),
	}

	var calls []ToolCall
	err := a.llm.Stream(ctx, req, func(ev Event) error {
		switch ev.Kind {
		case translator.EventKindTextDelta:
			tc.AppendResponse(ev.Text)
		case translator.EventKindFunctionCall:
			if ev.Call != nil {
				calls = append(calls, *ev.Call)
			}
		}
		if ev.Usage != nil && a.cfg.TrackTokenUsage {
			tc.RecordTokenUsage(ev.Usage.Model, "agent", ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.CachedTokens)
		}
		if ev.Kind == translator.EventKindFinal {
			// End-of-turn marker: terminality is decided by the run loop
			// once it knows no tool calls remain.
			return nil
		}
		return rt.tr.Handle(ctx, &tc.A2AContext, tc.TaskID, translator.Event{Kind: ev.Kind, Text: ev.Text, Err: ev.Err})
	})
	if err != nil {
		return nil, err
	}
	return calls, nil
}

// toolDecls derives the LLM-visible tool declarations: every registered
// local tool plus one "peer_<name>" delegation tool per discovered agent.
func (a *Agent) toolDecls() []ToolDecl {
	var decls []ToolDecl
	if a.tools != nil {
		for _, name := range a.tools.Names() {
			t := a.tools.Lookup(name)
			decls = append(decls, ToolDecl{Name: name, Description: t.Description, Params: t.Schema()})
		}
	}
	if a.reg != nil {
		for _, card := range a.reg.List() {
			decls = append(decls, ToolDecl{
				Name:        peerToolPrefix + card.Name,
				Description: card.Description,
				Params: []toolruntime.ParamSchema{
					{Name: "message", Type: "string"},
					{Name: "timeout_seconds", Type: "integer"},
				},
			})
		}
	}
	return decls
}

func splitCalls(calls []ToolCall) (peers, locals []ToolCall) {
	for _, c := range calls {
		if strings.HasPrefix(c.Name, peerToolPrefix) {
			peers = append(peers, c)
		} else {
			locals = append(locals, c)
		}
	}
	return peers, locals
}

// executeLocalCalls runs this turn's non-peer tool calls. Parallel-safe
// tools run concurrently on the worker pool; the rest are serialized in
// call order.
func (a *Agent) executeLocalCalls(ctx context.Context, rt *runningTask, calls []ToolCall) ([]ToolOutcome, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	outcomes := make([]ToolOutcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.WorkerPoolSize)
	for i, call := range calls {
		binding := a.binds[call.Name]
		run := func() error {
			result := a.executeTool(gctx, rt, call, binding)
			outcomes[i] = ToolOutcome{ToolCallID: call.ID, Name: call.Name, Result: result}
			return nil
		}
		if binding.ParallelSafe {
			g.Go(run)
		} else {
			if err := run(); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range outcomes {
		a.processToolResult(ctx, rt, outcomes[i].Result)
	}
	return outcomes, nil
}

// executeTool evaluates one tool call through the bound runtime. Tool
// errors are captured and returned as error-status ToolResults so the LLM
// can react.
func (a *Agent) executeTool(ctx context.Context, rt *runningTask, call ToolCall, binding ToolBinding) *toolruntime.ToolResult {
	tc := rt.tc
	start := time.Now()
	defer func() {
		a.metrics.RecordDuration("agent_tool_seconds", time.Since(start).Seconds(), "tool", call.Name)
	}()

	loader := a.scopedLoader(tc)

	if binding.Kind == ToolSandbox {
		if a.sbx == nil {
			return errResult(errs.CodeSystemError, "no sandbox runner configured")
		}
		inv := sandbox.Invocation{
			TaskID:  tc.TaskID,
			ToolFQN: binding.Module,
			Args:    call.Args,
			Profile: binding.Profile,
			Timeout: binding.Timeout,
		}
		result, err := a.sbx.Run(ctx, inv, loader, func(sm sandbox.StatusMessage) {
			if sm.Type != "status" {
				return
			}
			var text string
			if err := json.Unmarshal(sm.Payload, &text); err != nil {
				text = string(sm.Payload)
			}
			_ = rt.tr.Handle(ctx, &tc.A2AContext, tc.TaskID, translator.Event{Kind: translator.EventKindTextDelta, Text: text})
		})
		if err != nil {
			return toolErrorResult(err)
		}
		return result
	}

	facade := toolruntime.NewFacade(
		tc.A2AContext.ContextID,
		tc.A2AContext.UserID,
		a.cfg.AppName,
		tc.A2AContext,
		nil,
		a.client,
		rt.tr.StatusTopic(&tc.A2AContext, tc.TaskID),
		a.log,
	)
	result, err := a.tools.Call(ctx, call.Name, call.Args, facade, loader)
	if err != nil {
		return toolErrorResult(err)
	}
	return result
}

// toolErrorResult converts a tool invocation error into the error-status
// ToolResult surfaced to the LLM.
func toolErrorResult(err error) *toolruntime.ToolResult {
	code, ok := errs.CodeOf(err)
	if !ok {
		code = errs.CodeSystemError
	}
	return errResult(code, err.Error())
}

func errResult(code errs.Code, message string) *toolruntime.ToolResult {
	return &toolruntime.ToolResult{
		Status:    toolruntime.ResultStatusError,
		Message:   message,
		ErrorCode: string(code),
	}
}

// processToolResult persists artifact-disposition DataObjects to the
// scoped artifact store and queues their refs as signals for the next
// status update.
func (a *Agent) processToolResult(ctx context.Context, rt *runningTask, result *toolruntime.ToolResult) {
	if result == nil || a.blobs == nil {
		return
	}
	tc := rt.tc
	scoped := a.scopedArtifacts(tc)
	for _, obj := range result.DataObjects {
		if obj.Disposition != toolruntime.DispositionArtifact && obj.Disposition != toolruntime.DispositionArtifactPreview {
			continue
		}
		ref, err := scoped.SaveArtifact(ctx, obj.Name, obj.Content, obj.MIMEType, obj.Metadata)
		if err != nil {
			a.log.Warn(ctx, "artifact save failed", "taskId", tc.TaskID, "name", obj.Name, "error", err)
			continue
		}
		tc.ProducedArtifacts = append(tc.ProducedArtifacts, *ref)
		tc.ArtifactSignalsToReturn = append(tc.ArtifactSignalsToReturn, *ref)
	}
	a.flushArtifactSignals(ctx, rt)
}

// flushArtifactSignals forwards queued artifact refs with the next status
// update.
func (a *Agent) flushArtifactSignals(ctx context.Context, rt *runningTask) {
	tc := rt.tc
	for i := range tc.ArtifactSignalsToReturn {
		ref := tc.ArtifactSignalsToReturn[i]
		if err := rt.tr.PublishArtifactUpdate(ctx, &tc.A2AContext, tc.TaskID, &ref); err != nil {
			a.log.Warn(ctx, "artifact update publish failed", "taskId", tc.TaskID, "error", err)
		}
	}
	tc.ArtifactSignalsToReturn = nil
}

func (a *Agent) scopedArtifacts(tc *taskctx.Context) *artifacts.Store {
	return artifacts.New(a.blobs, a.cfg.AppName, tc.A2AContext.UserID, tc.A2AContext.ContextID)
}

// scopedLoader adapts the scoped artifact store to the tool runtime's
// loader contract.
func (a *Agent) scopedLoader(tc *taskctx.Context) toolruntime.ArtifactLoader {
	if a.blobs == nil {
		return nil
	}
	return &loaderAdapter{scoped: a.scopedArtifacts(tc)}
}

type loaderAdapter struct {
	scoped *artifacts.Store
}

func (l *loaderAdapter) LoadArtifact(ctx context.Context, filename string, version int) ([]byte, *blobstore.ObjectMeta, error) {
	data, ref, err := l.scoped.LoadArtifact(ctx, filename, version)
	if err != nil {
		return nil, nil, err
	}
	meta := &blobstore.ObjectMeta{Size: int64(len(data))}
	if ref != nil {
		meta.MIMEType = ref.MIMEType
		meta.Metadata = ref.Metadata
	}
	return data, meta, nil
}

// suspendOnPeers dispatches this turn's peer delegations, persists any
// accompanying local outcomes in the context's flags, checkpoints, and
// relinquishes the task. Checkpoint failure after publish is fatal: the
// task is failed and the dispatched peers are cancelled.
func (a *Agent) suspendOnPeers(ctx context.Context, rt *runningTask, peerCalls []ToolCall, localOutcomes []ToolOutcome) {
	tc := rt.tc

	if len(localOutcomes) > 0 {
		raw, err := json.Marshal(localOutcomes)
		if err == nil {
			a.mu.Lock()
			tc.Flags[flagPendingToolResults] = string(raw)
			a.mu.Unlock()
		}
	}

	var err error
	if len(peerCalls) == 1 {
		call := peerCalls[0]
		err = a.coord.DelegateToPeer(ctx, tc, peerName(call), call.ID, peerMessage(tc, call), peerTimeout(call))
	} else {
		calls := make([]coordinator.ParallelCall, len(peerCalls))
		for i, call := range peerCalls {
			calls[i] = coordinator.ParallelCall{
				PeerAgentName: peerName(call),
				ToolCallID:    call.ID,
				Payload:       peerMessage(tc, call),
				Timeout:       peerTimeout(call),
			}
		}
		_, err = a.coord.DelegateParallel(ctx, tc, calls)
	}
	if err != nil {
		a.finishFailed(ctx, rt, err)
		return
	}

	if err := a.checkpointTask(ctx, tc); err != nil {
		a.log.Error(ctx, "checkpoint after peer dispatch failed", "taskId", tc.TaskID, "error", err)
		if cerr := a.coord.CancelTask(ctx, tc.TaskID); cerr != nil {
			a.log.Warn(ctx, "cancel fan-out after checkpoint failure failed", "taskId", tc.TaskID, "error", cerr)
		}
		a.finishFailed(ctx, rt, err)
		return
	}

	// Paused: the checkpoint store now owns this task's state.
	a.mu.Lock()
	delete(a.tasks, tc.TaskID)
	a.mu.Unlock()
}

func peerName(call ToolCall) string {
	return strings.TrimPrefix(call.Name, peerToolPrefix)
}

func peerTimeout(call ToolCall) time.Duration {
	if v, ok := call.Args["timeout_seconds"]; ok {
		switch n := v.(type) {
		case float64:
			return time.Duration(n) * time.Second
		case int:
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

func peerMessage(tc *taskctx.Context, call ToolCall) *a2a.Message {
	text, _ := call.Args["message"].(string)
	return &a2a.Message{
		Role:      "agent",
		Parts:     []*a2a.Part{{Kind: a2a.PartKindText, Text: text}},
		ContextID: tc.A2AContext.ContextID,
		Metadata:  map[string]any{"delegatedBy": tc.TaskID},
	}
}

// checkpointTask serializes the context with bounded retry on retriable
// store errors (100ms -> 5s, factor 2, 3 attempts).
func (a *Agent) checkpointTask(ctx context.Context, tc *taskctx.Context) error {
	in, err := tc.ToCheckpoint(a.cfg.Name)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		a.metrics.RecordDuration("agent_checkpoint_seconds", time.Since(start).Seconds(), "agent", a.cfg.Name)
	}()
	return retry.Do(ctx, retry.Default, errs.IsRetriableCheckpoint, func(ctx context.Context) error {
		return a.store.Checkpoint(ctx, in)
	})
}

// cancelRequested reads the cancel flag under the agent lock: the flag is
// the one piece of task state written from outside the task's goroutine.
func (a *Agent) cancelRequested(tc *taskctx.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, _ := tc.Flags[flagCancelRequested].(bool)
	return b
}

// finishCompleted publishes the terminal completed status plus the final
// JSON-RPC response, then purges checkpoint rows.
func (a *Agent) finishCompleted(ctx context.Context, rt *runningTask) {
	tc := rt.tc
	a.flushArtifactSignals(ctx, rt)
	if err := rt.tr.Handle(ctx, &tc.A2AContext, tc.TaskID, translator.Event{Kind: translator.EventKindFinal}); err != nil {
		a.leaveForRetry(ctx, rt, err)
		return
	}
	a.publishFinalResponse(ctx, rt, a2a.TaskStateCompleted, tc.FlushResponse())
	a.cleanupTerminal(ctx, rt)
}

func (a *Agent) finishFailed(ctx context.Context, rt *runningTask, cause error) {
	tc := rt.tc
	code, ok := errs.CodeOf(cause)
	if !ok {
		code = errs.CodeSystemError
	}
	msg := fmt.Sprintf("task failed: %s", cause)
	if err := rt.tr.PublishTerminal(ctx, &tc.A2AContext, tc.TaskID, a2a.TaskStateFailed, msg); err != nil {
		a.leaveForRetry(ctx, rt, err)
		return
	}
	a.publishErrorResponse(ctx, rt, msg, string(code))
	a.cleanupTerminal(ctx, rt)
}

func (a *Agent) finishCanceled(ctx context.Context, rt *runningTask) {
	tc := rt.tc
	if err := a.coord.CancelTask(ctx, tc.TaskID); err != nil {
		a.log.Warn(ctx, "cancel fan-out failed", "taskId", tc.TaskID, "error", err)
	}
	if err := rt.tr.PublishTerminal(ctx, &tc.A2AContext, tc.TaskID, a2a.TaskStateCanceled, "task canceled"); err != nil {
		a.log.Warn(ctx, "terminal canceled publish failed", "taskId", tc.TaskID, "error", err)
	}
	a.publishFinalResponse(ctx, rt, a2a.TaskStateCanceled, "")
	a.cleanupTerminal(ctx, rt)
}

// leaveForRetry keeps the task in the paused-task table when the terminal
// status cannot be published, so a later replica can retry.
func (a *Agent) leaveForRetry(ctx context.Context, rt *runningTask, cause error) {
	tc := rt.tc
	a.log.Error(ctx, "terminal status publish failed; leaving task checkpointed for retry", "taskId", tc.TaskID, "error", cause)
	if err := a.checkpointTask(ctx, tc); err != nil {
		a.log.Error(ctx, "retry checkpoint failed", "taskId", tc.TaskID, "error", err)
	}
	a.mu.Lock()
	delete(a.tasks, tc.TaskID)
	a.mu.Unlock()
}

// publishFinalResponse sends the JSON-RPC result envelope to the reply
// topic.
func (a *Agent) publishFinalResponse(ctx context.Context, rt *runningTask, state a2a.TaskState, text string) {
	tc := rt.tc
	task := &a2a.Task{
		ID:        tc.TaskID,
		ContextID: tc.A2AContext.ContextID,
		Status:    &a2a.TaskStatus{State: state},
	}
	if text != "" {
		task.Status.Message = &a2a.Message{Role: "agent", Parts: []*a2a.Part{{Kind: a2a.PartKindText, Text: text}}}
	}
	for i := range tc.ProducedArtifacts {
		task.Artifacts = append(task.Artifacts, &tc.ProducedArtifacts[i])
	}

	result, err := json.Marshal(task)
	if err != nil {
		a.log.Error(ctx, "marshal final task failed", "taskId", tc.TaskID, "error", err)
		return
	}
	resp := &a2a.Response{JSONRPC: "2.0", Result: result}
	if tc.A2AContext.JSONRPCRequestID != "" {
		resp.ID = json.RawMessage(tc.A2AContext.JSONRPCRequestID)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		a.log.Error(ctx, "marshal final response failed", "taskId", tc.TaskID, "error", err)
		return
	}
	topic := rt.tr.ReplyTopic(&tc.A2AContext, tc.TaskID)
	if err := a.client.Publish(ctx, topic, body, nil); err != nil {
		a.log.Error(ctx, "final response publish failed", "taskId", tc.TaskID, "topic", topic, "error", err)
	}
}

func (a *Agent) publishErrorResponse(ctx context.Context, rt *runningTask, message, errorCode string) {
	tc := rt.tc
	resp := &a2a.Response{JSONRPC: "2.0", Error: a2a.NewInternalError(tc.TaskID, message, errorCode)}
	if tc.A2AContext.JSONRPCRequestID != "" {
		resp.ID = json.RawMessage(tc.A2AContext.JSONRPCRequestID)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	topic := rt.tr.ReplyTopic(&tc.A2AContext, tc.TaskID)
	if err := a.client.Publish(ctx, topic, body, nil); err != nil {
		a.log.Error(ctx, "error response publish failed", "taskId", tc.TaskID, "topic", topic, "error", err)
	}
}

// cleanupTerminal purges checkpoint rows and marks the in-memory record
// terminal; the stream-buffer cleanup timer evicts it later.
func (a *Agent) cleanupTerminal(ctx context.Context, rt *runningTask) {
	if err := a.store.CleanupTask(ctx, rt.tc.TaskID); err != nil {
		a.log.Warn(ctx, "checkpoint cleanup failed", "taskId", rt.tc.TaskID, "error", err)
	}
	rt.terminal = true
	rt.lastActive = time.Now()
}

// handleTaskCancel implements task-level cancellation: a
// running task gets its flag set and context cancelled; a paused task is
// restored just enough to fan the cancel out and publish the terminal
// status.
func (a *Agent) handleTaskCancel(ctx context.Context, taskID string) {
	a.mu.Lock()
	rt, ok := a.tasks[taskID]
	if ok && !rt.terminal {
		rt.tc.Flags[flagCancelRequested] = true
	}
	a.mu.Unlock()

	if ok && !rt.terminal {
		rt.cancel()
		return
	}

	tc, err := a.restoreContext(ctx, taskID)
	if err != nil {
		a.log.Warn(ctx, "cancel for unknown task dropped", "taskId", taskID, "error", err)
		return
	}
	if tc == nil {
		a.log.Debug(ctx, "cancel for task with no checkpoint dropped", "taskId", taskID)
		return
	}
	rt = a.register(tc)
	a.finishCanceled(ctx, rt)
}

// restoreContext rebuilds a TaskExecutionContext from the checkpoint
// store, or returns nil when no paused row exists.
func (a *Agent) restoreContext(ctx context.Context, taskID string) (*taskctx.Context, error) {
	snap, err := a.store.RestoreTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	peers, err := a.store.GetPeerSubTasksForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	parallel, err := a.store.GetParallelInvocations(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return taskctx.FromCheckpoint(snap, peers, parallel)
}

// ResumeSingle implements coordinator.Resumer: a non-parallel delegation
// resolved, so reload the task and re-enter its LLM loop with the one
// result.
func (a *Agent) ResumeSingle(ctx context.Context, taskID, subTaskID string, result checkpoint.ParallelResult) error {
	return a.resume(ctx, taskID, func(tc *taskctx.Context) []ToolOutcome {
		corr, _ := tc.PopPeerSubTask(subTaskID)
		return []ToolOutcome{outcomeFromResult(corr.ToolCallID, corr.PeerAgentName, result)}
	})
}

// ResumeParallel implements coordinator.Resumer: every reply of a fan-out
// group landed, so resume once with all results in arrival order.
func (a *Agent) ResumeParallel(ctx context.Context, taskID, invocationID string, results []checkpoint.ParallelResult) error {
	return a.resume(ctx, taskID, func(tc *taskctx.Context) []ToolOutcome {
		outcomes := make([]ToolOutcome, 0, len(results))
		for _, res := range results {
			corr, _ := tc.PopPeerSubTask(res.SubTaskID)
			outcomes = append(outcomes, outcomeFromResult(corr.ToolCallID, corr.PeerAgentName, res))
		}
		delete(tc.ParallelGroups, invocationID)
		return outcomes
	})
}

func (a *Agent) resume(ctx context.Context, taskID string, collect func(*taskctx.Context) []ToolOutcome) error {
	tc, err := a.restoreContext(ctx, taskID)
	if err != nil {
		return errs.Wrap(errs.CodeSystemError, "restore task for resume", err)
	}
	if tc == nil {
		return errs.Errorf(errs.CodeSystemError, "resume: no checkpoint for task %s", taskID)
	}

	outcomes := collect(tc)
	outcomes = append(a.popPendingOutcomes(tc), outcomes...)

	rt := a.register(tc)
	a.pool.Go(func() error {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rt.cancel = cancel
		defer cancel()
		a.runLoop(runCtx, rt, nil, outcomes)
		return nil
	})
	return nil
}

// popPendingOutcomes recovers local tool outcomes persisted across the
// suspension by suspendOnPeers.
func (a *Agent) popPendingOutcomes(tc *taskctx.Context) []ToolOutcome {
	raw, ok := tc.Flags[flagPendingToolResults].(string)
	if !ok || raw == "" {
		return nil
	}
	delete(tc.Flags, flagPendingToolResults)
	var outcomes []ToolOutcome
	if err := json.Unmarshal([]byte(raw), &outcomes); err != nil {
		return nil
	}
	return outcomes
}

// outcomeFromResult decodes a recorded peer result payload into the
// ToolOutcome fed back to the LLM. Payloads that are not ToolResult-shaped
// are wrapped verbatim.
func outcomeFromResult(toolCallID, peerAgentName string, result checkpoint.ParallelResult) ToolOutcome {
	outcome := ToolOutcome{ToolCallID: toolCallID, Name: peerToolPrefix + peerAgentName}

	var tr toolResultWire
	if err := json.Unmarshal(result.Payload, &tr); err == nil && tr.Status != "" {
		outcome.Result = &toolruntime.ToolResult{
			Status:    toolruntime.ResultStatus(tr.Status),
			Message:   tr.Message,
			Data:      tr.Data,
			ErrorCode: tr.ErrorCode,
		}
		return outcome
	}

	outcome.Result = &toolruntime.ToolResult{
		Status: toolruntime.ResultStatusSuccess,
		Data:   map[string]any{"response": json.RawMessage(result.Payload)},
	}
	return outcome
}

// toolResultWire is the lenient wire shape of a peer's serialized
// ToolResult.
type toolResultWire struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
}

// handlePeerResponse routes inbound messages on this agent's response
// topic: terminal JSON-RPC responses and status-update notifications from
// delegated peers.
func (a *Agent) handlePeerResponse(ctx context.Context, msg *broker.Message) {
	defer ack(msg)

	var probe struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *a2a.RPCError   `json:"error"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err != nil {
		a.log.Warn(ctx, "malformed peer response dropped", "topic", msg.Topic, "error", err)
		return
	}

	switch {
	case probe.Method == a2a.MethodTaskStatusUpdate:
		var event a2a.TaskStatusUpdateEvent
		if err := json.Unmarshal(probe.Params, &event); err != nil || event.TaskID == "" {
			a.log.Warn(ctx, "malformed status update dropped", "error", err)
			return
		}
		result := checkpoint.ParallelResult{SubTaskID: event.TaskID, Payload: statusResultPayload(&event)}
		if err := a.coord.HandlePeerResponse(ctx, event.TaskID, &event, result); err != nil {
			a.log.Error(ctx, "peer status handling failed", "subTaskId", event.TaskID, "error", err)
		}
	case probe.Method == a2a.MethodTaskArtifactUpdate:
		// Peer artifacts flow through the blob store; the update is
		// informational here.
		a.log.Debug(ctx, "peer artifact update received", "topic", msg.Topic)
	case len(probe.Result) > 0:
		var task a2a.Task
		if err := json.Unmarshal(probe.Result, &task); err != nil || task.ID == "" {
			a.log.Warn(ctx, "malformed peer result dropped", "error", err)
			return
		}
		result := checkpoint.ParallelResult{SubTaskID: task.ID, Payload: taskResultPayload(&task)}
		if err := a.coord.HandlePeerResponse(ctx, task.ID, nil, result); err != nil {
			a.log.Error(ctx, "peer result handling failed", "subTaskId", task.ID, "error", err)
		}
	case probe.Error != nil:
		subTaskID, _ := probe.Error.Data["taskId"].(string)
		if subTaskID == "" {
			a.log.Warn(ctx, "peer error without taskId dropped")
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"status":    "error",
			"message":   probe.Error.Message,
			"errorCode": probe.Error.Data["errorCode"],
		})
		result := checkpoint.ParallelResult{SubTaskID: subTaskID, Payload: payload}
		if err := a.coord.HandlePeerResponse(ctx, subTaskID, nil, result); err != nil {
			a.log.Error(ctx, "peer error handling failed", "subTaskId", subTaskID, "error", err)
		}
	default:
		a.log.Debug(ctx, "unrecognized peer response dropped", "topic", msg.Topic)
	}
}

// statusResultPayload converts a terminal status update into the recorded
// result payload.
func statusResultPayload(event *a2a.TaskStatusUpdateEvent) []byte {
	status := "success"
	if event.Status != nil && event.Status.State == a2a.TaskStateFailed {
		status = "error"
	}
	payload, _ := json.Marshal(map[string]any{
		"status":  status,
		"message": statusText(event.Status),
	})
	return payload
}

func taskResultPayload(task *a2a.Task) []byte {
	status := "success"
	if task.Status != nil && task.Status.State == a2a.TaskStateFailed {
		status = "error"
	}
	payload, _ := json.Marshal(map[string]any{
		"status":  status,
		"message": statusText(task.Status),
	})
	return payload
}

func statusText(status *a2a.TaskStatus) string {
	if status == nil || status.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range status.Message.Parts {
		if part.Kind == a2a.PartKindText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
