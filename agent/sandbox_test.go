//go:build unix

package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/blobstore"
	"github.com/solacelabs/sam-core/sandbox"
	"github.com/solacelabs/sam-core/toolruntime"
	"github.com/solacelabs/sam-core/translator"
)

// TestHappyPathSandboxedTool drives a ToolSandbox binding end to end: the
// tool's harvested output file must flow through processToolResult into the
// blob store, the artifact update notification, and the final response's
// artifact list, exactly like an in-process tool's artifact DataObject.
func TestHappyPathSandboxedTool(t *testing.T) {
	toolsDir := t.TempDir()
	script := "#!/bin/sh\n" +
		"printf 'summary of input' > \"$SANDBOX_OUTPUT_DIR/processing_summary.txt\"\n" +
		"printf '{\"status\":\"success\",\"message\":\"ok\"}'\n"
	scriptPath := filepath.Join(toolsDir, "summarize_tool")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	sbxCfg := sandbox.DefaultConfig(t.TempDir(), toolsDir)
	sbxCfg.Timeout = 5 * time.Second
	runner := sandbox.New(sbxCfg, nil)

	b := newFakeBroker()
	store := newMemStore()
	fs, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	blobs := blobstore.NewArtifactStore(fs)

	llm := &scriptedLLM{turns: []func(*TurnRequest, func(Event) error) error{
		func(_ *TurnRequest, emit func(Event) error) error {
			return emit(Event{Kind: translator.EventKindFunctionCall, Call: &ToolCall{
				ID: "call1", Name: "summarize", Args: map[string]any{},
			}})
		},
		func(req *TurnRequest, emit func(Event) error) error {
			if len(req.ToolResults) != 1 || req.ToolResults[0].Result.Status != toolruntime.ResultStatusSuccess {
				return emit(Event{Kind: translator.EventKindError, Err: assert.AnError})
			}
			if err := emit(Event{Kind: translator.EventKindTextDelta, Text: "summarized"}); err != nil {
				return err
			}
			return emit(Event{Kind: translator.EventKindFinal})
		},
	}}

	a := New(Config{
		Name:      "alpha",
		Namespace: "test/sam/v1",
		GatewayID: "gw1",
		AppName:   "testapp",
	}, Options{
		Broker:  b,
		Store:   store,
		Tools:   toolruntime.NewRegistry(),
		Sandbox: runner,
		Blobs:   blobs,
		LLM:     llm,
		Bindings: map[string]ToolBinding{
			"summarize": {Kind: ToolSandbox, Module: "summarize_tool", Profile: sandbox.ProfileStandard},
		},
	})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })

	sendRequest(context.Background(), b, a.topics.AgentRequest("alpha"), "task-sbx", []*a2a.Part{
		{Kind: a2a.PartKindText, Text: "summarize this"},
	})

	statusTopic := a.topics.GatewayStatus("gw1", "task-sbx")
	event := waitForTerminal(t, b, statusTopic)
	assert.Equal(t, a2a.TaskStateCompleted, event.Status.State)

	// The harvested file was announced on the status topic.
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
	assert.True(t, artifactSeen, "expected a TaskArtifactUpdateEvent for the harvested output file")

	// It was persisted to the blob store under the task's scope.
	data, ref, err := blobs.Load(context.Background(), "testapp", "user1", "sess1", "processing_summary.txt", -1)
	require.NoError(t, err)
	assert.Equal(t, "summary of input", string(data))
	assert.Equal(t, 0, ref.Version)

	// And it is listed on the final JSON-RPC response.
	replies := b.onTopic(a.topics.GatewayResponse("gw1", "task-sbx"))
	require.NotEmpty(t, replies)
	var resp a2a.Response
	require.NoError(t, json.Unmarshal(replies[len(replies)-1].payload, &resp))
	require.Nil(t, resp.Error)
	var task a2a.Task
	require.NoError(t, json.Unmarshal(resp.Result, &task))
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "processing_summary.txt", task.Artifacts[0].Filename)
}
