package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/blobstore"
	"github.com/solacelabs/sam-core/broker"
	"github.com/solacelabs/sam-core/checkpoint"
	"github.com/solacelabs/sam-core/toolruntime"
	"github.com/solacelabs/sam-core/translator"
)

// fakeBroker is a synchronous in-memory broker.Client: publishes are
// recorded, and deliver pushes a payload straight into a subscribed
// handler.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMsg
	handlers  map[string]broker.Handler
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]broker.Handler)}
}

func (b *fakeBroker) Publish(_ context.Context, topic string, payload []byte, _ map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string, handler broker.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return func() {}, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) deliver(ctx context.Context, topic string, payload []byte) {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler != nil {
		handler(ctx, &broker.Message{Topic: topic, Payload: payload})
	}
}

func (b *fakeBroker) onTopic(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// memStore is an in-memory Store with the same claim/increment semantics
// as the PostgreSQL-backed checkpoint store.
type memStore struct {
	mu       sync.Mutex
	paused   map[string]checkpoint.CheckpointInput
	subTasks map[string]subTaskRow
	parallel map[string]*parallelRow
}

type subTaskRow struct {
	logicalTaskID string
	corr          checkpoint.PeerCorrelation
	deadline      *float64
}

type parallelRow struct {
	total   int
	results []checkpoint.ParallelResult
}

func newMemStore() *memStore {
	return &memStore{
		paused:   make(map[string]checkpoint.CheckpointInput),
		subTasks: make(map[string]subTaskRow),
		parallel: make(map[string]*parallelRow),
	}
}

func pkey(taskID, invocationID string) string { return taskID + "|" + invocationID }

func (s *memStore) Checkpoint(_ context.Context, in checkpoint.CheckpointInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[in.LogicalTaskID] = in
	for subTaskID, corr := range in.ActivePeerSubTasks {
		var deadline *float64
		if corr.TimeoutSeconds > 0 {
			d := float64(time.Now().Unix()) + float64(corr.TimeoutSeconds)
			deadline = &d
		}
		s.subTasks[subTaskID] = subTaskRow{logicalTaskID: in.LogicalTaskID, corr: corr, deadline: deadline}
	}
	for invocationID, state := range in.ParallelInvocations {
		key := pkey(in.LogicalTaskID, invocationID)
		if _, ok := s.parallel[key]; !ok {
			s.parallel[key] = &parallelRow{total: state.TotalExpected, results: state.Results}
		}
	}
	return nil
}

func (s *memStore) RestoreTask(_ context.Context, taskID string) (*checkpoint.PausedTaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.paused[taskID]
	if !ok {
		return nil, nil
	}
	return &checkpoint.PausedTaskSnapshot{
		LogicalTaskID:       in.LogicalTaskID,
		AgentName:           in.AgentName,
		A2AContext:          in.A2AContext,
		EffectiveSessionID:  in.EffectiveSessionID,
		UserID:              in.UserID,
		CurrentInvocationID: in.CurrentInvocationID,
		ProducedArtifacts:   in.ProducedArtifacts,
		ArtifactSignals:     in.ArtifactSignals,
		ResponseBuffer:      in.ResponseBuffer,
		Flags:               in.Flags,
		SecurityContext:     in.SecurityContext,
		TokenUsage:          in.TokenUsage,
	}, nil
}

func (s *memStore) ClaimPeerSubTaskWithTask(_ context.Context, subTaskID string) (string, *checkpoint.PeerCorrelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.subTasks[subTaskID]
	if !ok {
		return "", nil, nil
	}
	delete(s.subTasks, subTaskID)
	corr := row.corr
	return row.logicalTaskID, &corr, nil
}

func (s *memStore) RecordParallelResult(_ context.Context, taskID, invocationID string, result checkpoint.ParallelResult) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.parallel[pkey(taskID, invocationID)]
	if !ok {
		return 0, 0, assert.AnError
	}
	row.results = append(row.results, result)
	return len(row.results), row.total, nil
}

func (s *memStore) GetParallelResults(_ context.Context, taskID, invocationID string) ([]checkpoint.ParallelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.parallel[pkey(taskID, invocationID)]
	if !ok {
		return nil, nil
	}
	return append([]checkpoint.ParallelResult(nil), row.results...), nil
}

func (s *memStore) GetParallelInvocations(_ context.Context, taskID string) (map[string]checkpoint.ParallelInvocationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]checkpoint.ParallelInvocationState)
	for key, row := range s.parallel {
		parts := strings.SplitN(key, "|", 2)
		if parts[0] != taskID {
			continue
		}
		states[parts[1]] = checkpoint.ParallelInvocationState{
			TotalExpected:  row.total,
			CompletedCount: len(row.results),
			Results:        append([]checkpoint.ParallelResult(nil), row.results...),
		}
	}
	return states, nil
}

func (s *memStore) ResetTimeoutDeadline(_ context.Context, subTaskID string, newDeadline float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.subTasks[subTaskID]
	if !ok {
		return false, nil
	}
	row.deadline = &newDeadline
	s.subTasks[subTaskID] = row
	return true, nil
}

func (s *memStore) GetPeerSubTasksForTask(_ context.Context, taskID string) ([]checkpoint.PeerSubTaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []checkpoint.PeerSubTaskRow
	for subTaskID, row := range s.subTasks {
		if row.logicalTaskID != taskID {
			continue
		}
		rows = append(rows, checkpoint.PeerSubTaskRow{
			SubTaskID:       subTaskID,
			LogicalTaskID:   taskID,
			InvocationID:    row.corr.InvocationID,
			Correlation:     row.corr,
			TimeoutDeadline: row.deadline,
		})
	}
	return rows, nil
}

func (s *memStore) CleanupTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, taskID)
	for subTaskID, row := range s.subTasks {
		if row.logicalTaskID == taskID {
			delete(s.subTasks, subTaskID)
		}
	}
	for key := range s.parallel {
		if strings.HasPrefix(key, taskID+"|") {
			delete(s.parallel, key)
		}
	}
	return nil
}

func (s *memStore) SweepExpiredTimeouts(_ context.Context, _ string, _ int) ([]checkpoint.ExpiredTimeout, error) {
	return nil, nil
}

func (s *memStore) ListStalePausedTasks(_ context.Context, _ string, _ float64, _ int) ([]string, error) {
	return nil, nil
}

func (s *memStore) pausedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paused)
}

func (s *memStore) subTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subTasks)
}

// scriptedLLM replays a fixed sequence of turns.
type scriptedLLM struct {
	mu    sync.Mutex
	turns []func(req *TurnRequest, emit func(Event) error) error
}

func (s *scriptedLLM) Stream(_ context.Context, req *TurnRequest, emit func(Event) error) error {
	s.mu.Lock()
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return emit(Event{Kind: translator.EventKindFinal})
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	s.mu.Unlock()
	return turn(req, emit)
}

func newTestAgent(t *testing.T, name string, b *fakeBroker, store Store, llm LLM, tools *toolruntime.Registry) *Agent {
	t.Helper()
	fs, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	a := New(Config{
		Name:      name,
		Namespace: "test/sam/v1",
		GatewayID: "gw1",
		AppName:   "testapp",
	}, Options{
		Broker: b,
		Store:  store,
		Tools:  tools,
		Blobs:  blobstore.NewArtifactStore(fs),
		LLM:    llm,
	})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

func sendRequest(ctx context.Context, b *fakeBroker, topic, taskID string, parts []*a2a.Part) {
	params, _ := json.Marshal(map[string]any{
		"message": map[string]any{
			"role":      "user",
			"taskId":    taskID,
			"contextId": "sess1",
			"parts":     parts,
		},
		"userId": "user1",
	})
	req, _ := json.Marshal(&a2a.Request{JSONRPC: "2.0", ID: json.RawMessage(`"rpc-1"`), Method: a2a.MethodMessageSend, Params: params})
	b.deliver(ctx, topic, req)
}

func terminalStatus(t *testing.T, msgs []publishedMsg) *a2a.TaskStatusUpdateEvent {
	t.Helper()
	for _, m := range msgs {
		var notif a2a.Notification
		if err := json.Unmarshal(m.payload, &notif); err != nil || notif.Method != a2a.MethodTaskStatusUpdate {
			continue
		}
		var event a2a.TaskStatusUpdateEvent
		require.NoError(t, json.Unmarshal(notif.Params, &event))
		if event.Final {
			return &event
		}
	}
	return nil
}

func waitForTerminal(t *testing.T, b *fakeBroker, statusTopic string) *a2a.TaskStatusUpdateEvent {
	t.Helper()
	var event *a2a.TaskStatusUpdateEvent
	require.Eventually(t, func() bool {
		event = terminalStatus(t, b.onTopic(statusTopic))
		return event != nil
	}, 5*time.Second, 10*time.Millisecond)
	return event
}

func countWordsTool(_ context.Context, input toolruntime.Artifact) (*toolruntime.ToolResult, error) {
	text := string(input.Bytes)
	lines := strings.Count(text, "\n")
	words := len(strings.Fields(text))
	summary := []byte("processed " + input.Filename)
	return &toolruntime.ToolResult{
		Status:  toolruntime.ResultStatusSuccess,
		Message: "processed",
		Data: map[string]any{
			"statistics": map[string]any{
				"characters": len(text),
				"words":      words,
				"lines":      lines,
			},
		},
		DataObjects: []toolruntime.DataObject{{
			Name:        "processing_summary.txt",
			Content:     summary,
			MIMEType:    "text/plain",
			Disposition: toolruntime.DispositionArtifact,
		}},
	}, nil
}

func TestHappyPathInProcessTool(t *testing.T) {
	b := newFakeBroker()
	store := newMemStore()

	tools := toolruntime.NewRegistry()
	require.NoError(t, tools.Register("process_file", "counts words", countWordsTool, []string{"input"}))

	llm := &scriptedLLM{turns: []func(*TurnRequest, func(Event) error) error{
		func(_ *TurnRequest, emit func(Event) error) error {
			if err := emit(Event{Kind: translator.EventKindTextDelta, Text: "processing your file"}); err != nil {
				return err
			}
			return emit(Event{Kind: translator.EventKindFunctionCall, Call: &ToolCall{
				ID: "call1", Name: "process_file", Args: map[string]any{"input": "test_input.txt"},
			}})
		},
		func(req *TurnRequest, emit func(Event) error) error {
			if len(req.ToolResults) != 1 || req.ToolResults[0].Result.Status != toolruntime.ResultStatusSuccess {
				return emit(Event{Kind: translator.EventKindError, Err: assert.AnError})
			}
			if err := emit(Event{Kind: translator.EventKindTextDelta, Text: "all done"}); err != nil {
				return err
			}
			return emit(Event{Kind: translator.EventKindFinal})
		},
	}}

	a := newTestAgent(t, "alpha", b, store, llm, tools)

	content := strings.Repeat("hello world\n", 7)
	sendRequest(context.Background(), b, a.topics.AgentRequest("alpha"), "task-1", []*a2a.Part{
		{Kind: a2a.PartKindText, Text: "process"},
		{Kind: a2a.PartKindFile, File: &a2a.FilePart{Name: "test_input.txt", MIMEType: "text/plain", Bytes: []byte(content)}},
	})

	statusTopic := a.topics.GatewayStatus("gw1", "task-1")
	event := waitForTerminal(t, b, statusTopic)
	assert.Equal(t, a2a.TaskStateCompleted, event.Status.State)
	assert.Equal(t, "alpha", event.Metadata["agent_name"])

	// The tool's artifact-disposition output landed in the artifact store
	// and was announced on the status topic.
	var artifactSeen bool
	for _, m := range b.onTopic(statusTopic) {
		var notif a2a.Notification
		if json.Unmarshal(m.payload, &notif) == nil && notif.Method == a2a.MethodTaskArtifactUpdate {
			var ev a2a.TaskArtifactUpdateEvent
			require.NoError(t, json.Unmarshal(notif.Params, &ev))
			assert.Equal(t, "processing_summary.txt", ev.Artifact.Filename)
			artifactSeen = true
		}
	}
	assert.True(t, artifactSeen, "expected a TaskArtifactUpdateEvent for processing_summary.txt")

	// The final JSON-RPC response reached the gateway reply topic with the
	// produced artifact listed.
	replies := b.onTopic(a.topics.GatewayResponse("gw1", "task-1"))
	require.NotEmpty(t, replies)
	var resp a2a.Response
	require.NoError(t, json.Unmarshal(replies[len(replies)-1].payload, &resp))
	require.Nil(t, resp.Error)
	var task a2a.Task
	require.NoError(t, json.Unmarshal(resp.Result, &task))
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "processing_summary.txt", task.Artifacts[0].Filename)

	// No checkpoint rows survive a terminal task.
	assert.Zero(t, store.pausedCount())
	assert.Zero(t, store.subTaskCount())
}

func TestSinglePeerDelegationResumeOnReplica(t *testing.T) {
	b := newFakeBroker()
	store := newMemStore()

	llmA := &scriptedLLM{turns: []func(*TurnRequest, func(Event) error) error{
		func(_ *TurnRequest, emit func(Event) error) error {
			return emit(Event{Kind: translator.EventKindFunctionCall, Call: &ToolCall{
				ID: "call1", Name: "peer_beta", Args: map[string]any{"message": "summarize the data", "timeout_seconds": 30},
			}})
		},
	}}
	a := newTestAgent(t, "alpha", b, store, llmA, toolruntime.NewRegistry())

	sendRequest(context.Background(), b, a.topics.AgentRequest("alpha"), "task-2", []*a2a.Part{
		{Kind: a2a.PartKindText, Text: "go"},
	})

	// The delegation was published to beta's request topic and the task
	// checkpointed (paused, no longer held in memory).
	var subTaskID string
	require.Eventually(t, func() bool {
		reqs := b.onTopic("test/sam/v1/agent/beta/request")
		if len(reqs) == 0 {
			return false
		}
		var req a2a.Request
		require.NoError(t, json.Unmarshal(reqs[0].payload, &req))
		var params struct {
			Message a2a.Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &params))
		subTaskID = params.Message.TaskID
		return subTaskID != "" && store.pausedCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, store.subTaskCount())

	// The original replica dies; a fresh replica sharing the checkpoint
	// store receives beta's terminal reply.
	a.Stop(context.Background())

	llmA2 := &scriptedLLM{turns: []func(*TurnRequest, func(Event) error) error{
		func(req *TurnRequest, emit func(Event) error) error {
			if len(req.ToolResults) != 1 {
				return emit(Event{Kind: translator.EventKindError, Err: assert.AnError})
			}
			if err := emit(Event{Kind: translator.EventKindTextDelta, Text: "summary received"}); err != nil {
				return err
			}
			return emit(Event{Kind: translator.EventKindFinal})
		},
	}}
	replica := newTestAgent(t, "alpha", b, store, llmA2, toolruntime.NewRegistry())

	replyTask, _ := json.Marshal(&a2a.Task{
		ID:     subTaskID,
		Status: &a2a.TaskStatus{State: a2a.TaskStateCompleted, Message: &a2a.Message{Role: "agent", Parts: []*a2a.Part{{Kind: a2a.PartKindText, Text: "the summary"}}}},
	})
	reply, _ := json.Marshal(&a2a.Response{JSONRPC: "2.0", Result: replyTask})
	b.deliver(context.Background(), replica.topics.AgentResponse("alpha"), reply)

	event := waitForTerminal(t, b, replica.topics.GatewayStatus("gw1", "task-2"))
	assert.Equal(t, a2a.TaskStateCompleted, event.Status.State)

	// S3 assertion: no peer_sub_task and no paused_task rows remain.
	assert.Zero(t, store.subTaskCount())
	assert.Zero(t, store.pausedCount())
}

func TestDuplicatePeerReplyDropped(t *testing.T) {
	b := newFakeBroker()
	store := newMemStore()

	llm := &scriptedLLM{turns: []func(*TurnRequest, func(Event) error) error{
		func(_ *TurnRequest, emit func(Event) error) error {
			return emit(Event{Kind: translator.EventKindFunctionCall, Call: &ToolCall{
				ID: "c", Name: "peer_beta", Args: map[string]any{"message": "m"},
			}})
		},
		func(_ *TurnRequest, emit func(Event) error) error {
			return emit(Event{Kind: translator.EventKindFinal})
		},
	}}
	a := newTestAgent(t, "alpha", b, store, llm, toolruntime.NewRegistry())

	sendRequest(context.Background(), b, a.topics.AgentRequest("alpha"), "task-3", []*a2a.Part{{Kind: a2a.PartKindText, Text: "go"}})

	var subTaskID string
	require.Eventually(t, func() bool {
		reqs := b.onTopic("test/sam/v1/agent/beta/request")
		if len(reqs) == 0 || store.pausedCount() != 1 {
			return false
		}
		var req a2a.Request
		require.NoError(t, json.Unmarshal(reqs[0].payload, &req))
		var params struct {
			Message a2a.Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &params))
		subTaskID = params.Message.TaskID
		return subTaskID != ""
	}, 5*time.Second, 10*time.Millisecond)

	replyTask, _ := json.Marshal(&a2a.Task{ID: subTaskID, Status: &a2a.TaskStatus{State: a2a.TaskStateCompleted}})
	reply, _ := json.Marshal(&a2a.Response{JSONRPC: "2.0", Result: replyTask})
	b.deliver(context.Background(), a.topics.AgentResponse("alpha"), reply)
	// Broker redelivery of the same terminal reply: the claim finds no row
	// and the duplicate is dropped without a second resumption.
	b.deliver(context.Background(), a.topics.AgentResponse("alpha"), reply)

	waitForTerminal(t, b, a.topics.GatewayStatus("gw1", "task-3"))
	assert.Empty(t, llm.turns, "each scripted turn ran exactly once")
	assert.Zero(t, store.pausedCount())
}

func TestCancelFanOut(t *testing.T) {
	b := newFakeBroker()
	store := newMemStore()

	llm := &scriptedLLM{turns: []func(*TurnRequest, func(Event) error) error{
		func(_ *TurnRequest, emit func(Event) error) error {
			if err := emit(Event{Kind: translator.EventKindFunctionCall, Call: &ToolCall{
				ID: "c1", Name: "peer_beta", Args: map[string]any{"message": "part one"},
			}}); err != nil {
				return err
			}
			return emit(Event{Kind: translator.EventKindFunctionCall, Call: &ToolCall{
				ID: "c2", Name: "peer_gamma", Args: map[string]any{"message": "part two"},
			}})
		},
	}}
	a := newTestAgent(t, "alpha", b, store, llm, toolruntime.NewRegistry())

	sendRequest(context.Background(), b, a.topics.AgentRequest("alpha"), "task-4", []*a2a.Part{{Kind: a2a.PartKindText, Text: "go"}})

	require.Eventually(t, func() bool { return store.subTaskCount() == 2 && store.pausedCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	rawCancel, _ := json.Marshal(map[string]any{"taskId": "task-4"})
	cancelReq, _ := json.Marshal(&a2a.Request{JSONRPC: "2.0", Method: a2a.MethodTasksCancel, Params: rawCancel})
	b.deliver(context.Background(), a.topics.AgentRequest("alpha"), cancelReq)

	event := waitForTerminal(t, b, a.topics.GatewayStatus("gw1", "task-4"))
	assert.Equal(t, a2a.TaskStateCanceled, event.Status.State)

	// Both recorded peers received a tasks/cancel message.
	for _, peer := range []string{"beta", "gamma"} {
		var seen bool
		for _, m := range b.onTopic("test/sam/v1/agent/" + peer + "/request") {
			var req a2a.Request
			if json.Unmarshal(m.payload, &req) == nil && req.Method == a2a.MethodTasksCancel {
				seen = true
			}
		}
		assert.True(t, seen, "expected tasks/cancel for peer %s", peer)
	}

	// S6 assertion: every checkpoint row is gone.
	assert.Zero(t, store.pausedCount())
	assert.Zero(t, store.subTaskCount())
}

func TestMalformedRequestDropped(t *testing.T) {
	b := newFakeBroker()
	store := newMemStore()
	a := newTestAgent(t, "alpha", b, store, &scriptedLLM{}, toolruntime.NewRegistry())

	before := len(b.onTopic(a.topics.GatewayStatus("gw1", "x")))
	b.deliver(context.Background(), a.topics.AgentRequest("alpha"), []byte("{not json"))
	b.deliver(context.Background(), a.topics.AgentRequest("alpha"), []byte(`{"jsonrpc":"2.0","method":"message/send","params":{}}`))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(b.onTopic(a.topics.GatewayStatus("gw1", "x"))))
	a.mu.Lock()
	assert.Empty(t, a.tasks)
	a.mu.Unlock()
}

func TestHeartbeatBroadcastAtStartup(t *testing.T) {
	b := newFakeBroker()
	store := newMemStore()
	a := newTestAgent(t, "alpha", b, store, &scriptedLLM{}, toolruntime.NewRegistry())

	// Heartbeat broadcast happens at startup.
	require.NotEmpty(t, b.onTopic(a.topics.Discovery()))
}
