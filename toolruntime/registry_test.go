package toolruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/blobstore"
)

type fakeLoader struct {
	data map[string][]byte
}

func (f *fakeLoader) LoadArtifact(_ context.Context, filename string, version int) ([]byte, *blobstore.ObjectMeta, error) {
	data, ok := f.data[filename]
	if !ok {
		return nil, nil, blobstore.ErrNotFound
	}
	return data, &blobstore.ObjectMeta{MIMEType: "text/plain"}, nil
}

func echoTool(ctx context.Context, name string, count int, facade ToolContextFacade, doc Artifact) (ToolResult, error) {
	text := doc.Filename
	if facade != nil {
		facade.SendStatus(ctx, "working")
	}
	return ToolResult{Status: ResultStatusSuccess, Message: name, Data: map[string]any{"count": count, "doc": text}}, nil
}

func TestRegistry_SchemaExcludesArtifactAndFacadeTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "echoes input", echoTool, []string{"name", "count", "tool_context", "doc"}))

	tool := r.Lookup("echo")
	require.NotNil(t, tool)
	schema := tool.Schema()

	names := make([]string, 0, len(schema))
	for _, s := range schema {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "name")
	assert.Contains(t, names, "count")
	assert.Contains(t, names, "doc")
	assert.NotContains(t, names, "tool_context")

	for _, s := range schema {
		if s.Name == "doc" {
			assert.Equal(t, "string", s.Type, "Artifact parameters are translated to string in the LLM-visible schema")
		}
		if s.Name == "count" {
			assert.Equal(t, "integer", s.Type)
		}
	}
}

func TestRegistry_CallBindsArgsAndLoadsArtifact(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "echoes input", echoTool, []string{"name", "count", "tool_context", "doc"}))

	loader := &fakeLoader{data: map[string][]byte{"report.txt": []byte("contents")}}
	facade := NewFacade("sess", "user", "app", a2a.A2AContext{}, nil, nil, "", nil)

	result, err := r.Call(context.Background(), "echo", map[string]any{
		"name":  "hello",
		"count": 3,
		"doc":   "report.txt",
	}, facade, loader)
	require.NoError(t, err)
	assert.Equal(t, ResultStatusSuccess, result.Status)
	assert.Equal(t, "hello", result.Message)
	assert.Equal(t, "report.txt", result.Data["doc"])
}

func namedCtxTool(_ context.Context, note string, context any) (ToolResult, error) {
	_, injected := context.(ToolContextFacade)
	return ToolResult{Status: ResultStatusSuccess, Message: note, Data: map[string]any{"injected": injected}}, nil
}

func TestRegistry_UntypedContextParamReceivesFacadeByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("named", "facade by name", namedCtxTool, []string{"note", "context"}))

	tool := r.Lookup("named")
	require.NotNil(t, tool)
	for _, s := range tool.Schema() {
		assert.NotEqual(t, "context", s.Name, "name-matched facade parameters stay out of the public schema")
	}

	facade := NewFacade("sess", "user", "app", a2a.A2AContext{}, nil, nil, "", nil)
	result, err := r.Call(context.Background(), "named", map[string]any{"note": "hi"}, facade, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result.Data["injected"])
}

func TestRegistry_CallUnknownToolReturnsSystemError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), "missing", nil, nil, nil)
	require.Error(t, err)
}

func TestSplitArtifactRef(t *testing.T) {
	cases := []struct {
		ref     string
		name    string
		version int
	}{
		{"report.txt", "report.txt", -1},
		{"report.txt:2", "report.txt", 2},
		{"a:b:3", "a:b", 3},
		{"trailing:", "trailing:", -1},
	}
	for _, c := range cases {
		name, version := splitArtifactRef(c.ref)
		assert.Equal(t, c.name, name, c.ref)
		assert.Equal(t, c.version, version, c.ref)
	}
}
