package toolruntime

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/solacelabs/sam-core/blobstore"
	"github.com/solacelabs/sam-core/errs"
)

// paramKind classifies one reflected tool-function parameter for schema
// derivation and argument binding
type paramKind int

const (
	paramKindValue paramKind = iota // bound from the decoded LLM-visible args
	paramKindArtifact
	paramKindArtifactList
	paramKindFacade
	paramKindExcluded // tool_context, tool_config, **kwargs, self
)

var facadeType = reflect.TypeOf((*ToolContextFacade)(nil)).Elem()
var artifactType = reflect.TypeOf(Artifact{})
var artifactSliceType = reflect.TypeOf([]Artifact{})

// excludedParamNames are always excluded from the public schema.
var excludedParamNames = map[string]bool{
	"tool_context": true,
	"tool_config":  true,
	"kwargs":       true,
	"self":         true,
}

// paramInfo describes one parameter of a registered tool function.
type paramInfo struct {
	Name string
	Kind paramKind
	Type reflect.Type
}

// Tool is one registered tool: its Go function plus enough reflected
// metadata to derive an LLM-visible schema and bind arguments at call time.
type Tool struct {
	Name        string
	Description string
	fn     reflect.Value
	fnType reflect.Type
	params []paramInfo
	schema *jsonschema.Schema
}

// ParamSchema is one parameter's LLM-visible schema entry. Artifact and
// []Artifact parameters are translated to "string" and "array of string"
// respectively, since the LLM only ever supplies a
// filename reference, not bytes.
type ParamSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	ItemType string `json:"itemType,omitempty"`
}

// Schema derives the public (LLM-visible) argument schema for a tool,
// excluding Artifact/[]Artifact (translated to string/array placeholders)
// internal bookkeeping parameters, and the ToolContextFacade parameter.
func (t *Tool) Schema() []ParamSchema {
	var schema []ParamSchema
	for _, p := range t.params {
		switch p.Kind {
		case paramKindFacade, paramKindExcluded:
			continue
		case paramKindArtifact:
			schema = append(schema, ParamSchema{Name: p.Name, Type: "string"})
		case paramKindArtifactList:
			schema = append(schema, ParamSchema{Name: p.Name, Type: "array", ItemType: "string"})
		default:
			schema = append(schema, ParamSchema{Name: p.Name, Type: goTypeToSchemaType(p.Type)})
		}
	}
	return schema
}

// goTypeToSchemaType maps a reflected Go type to a coarse LLM schema type.
// Nested pointer types unwrap to their element's type; unannotated or
// interface{} parameters default to "string".
func goTypeToSchemaType(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

// Registry is a name-keyed tool registry
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register reflects fn's signature and registers it under name. fn must be
// a func whose final two return values are (ToolResult or *ToolResult,
// error); its first parameter is always context.Context. Parameters named
// "tool_context", "tool_config", "kwargs", or "self", or typed
// ToolContextFacade, are excluded from the public schema.
// paramNames supplies parameter names in declaration order, since Go
// reflection does not expose them.
func (r *Registry) Register(name, description string, fn any, paramNames []string) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("toolruntime: Register(%q): fn must be a function", name)
	}
	if fnType.NumIn() == 0 || fnType.In(0) != reflect.TypeOf((*context.Context)(nil)).Elem() {
		return fmt.Errorf("toolruntime: Register(%q): first parameter must be context.Context", name)
	}
	if fnType.NumOut() != 2 || fnType.Out(1) != reflect.TypeOf((*error)(nil)).Elem() {
		return fmt.Errorf("toolruntime: Register(%q): fn must return (ToolResult, error)", name)
	}

	argCount := fnType.NumIn() - 1
	if len(paramNames) != argCount {
		return fmt.Errorf("toolruntime: Register(%q): %d parameter names given, fn takes %d (excluding context.Context)", name, len(paramNames), argCount)
	}

	params := make([]paramInfo, argCount)
	for i := 0; i < argCount; i++ {
		pType := fnType.In(i + 1)
		pName := paramNames[i]
		info := paramInfo{Name: pName, Type: pType}
		switch {
		case pType == facadeType || (pType.Kind() == reflect.Interface && pType.Implements(facadeType)):
			// Facade injection is decided by type before the excluded-name
			// check: a ToolContextFacade parameter named "tool_context" is
			// hidden from the schema either way, but still receives the
			// facade.
			info.Kind = paramKindFacade
		case (pName == "ctx" || pName == "context") && pType.Kind() == reflect.Interface && pType.NumMethod() == 0:
			// Name-based facade match: an untyped ctx/context parameter
			// receives the facade too.
			info.Kind = paramKindFacade
		case excludedParamNames[pName]:
			info.Kind = paramKindExcluded
		case pType == artifactType:
			info.Kind = paramKindArtifact
		case pType == artifactSliceType:
			info.Kind = paramKindArtifactList
		default:
			info.Kind = paramKindValue
		}
		params[i] = info
	}

	tool := &Tool{
		Name:        name,
		Description: description,
		fn:          fnVal,
		fnType:      fnType,
		params:      params,
	}
	if err := tool.compileSchema(); err != nil {
		return err
	}
	r.tools[name] = tool
	return nil
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the registered Tool, or nil if name is not registered.
func (r *Registry) Lookup(name string) *Tool { return r.tools[name] }

// ArtifactLoader resolves an Artifact-typed tool parameter's requested
// filename[:version] to its bytes.
type ArtifactLoader interface {
	LoadArtifact(ctx context.Context, filename string, version int) ([]byte, *blobstore.ObjectMeta, error)
}

// Call invokes the named tool: args supplies the decoded LLM-visible
// arguments (Artifact/[]Artifact entries are plain filename[:version]
// strings here, substituted with loaded Artifact values before the call),
// facade is injected into the single ToolContextFacade parameter if one is
// declared, and loader resolves Artifact parameters from the blob store.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any, facade ToolContextFacade, loader ArtifactLoader) (*ToolResult, error) {
	tool := r.tools[name]
	if tool == nil {
		return nil, errs.Errorf(errs.CodeSystemError, "toolruntime: unknown tool %q", name)
	}
	if err := tool.validateArgs(args); err != nil {
		return nil, err
	}

	callArgs := make([]reflect.Value, tool.fnType.NumIn())
	callArgs[0] = reflect.ValueOf(ctx)

	for i, p := range tool.params {
		argIndex := i + 1
		switch p.Kind {
		case paramKindExcluded:
			callArgs[argIndex] = reflect.Zero(p.Type)
		case paramKindFacade:
			if facade == nil {
				callArgs[argIndex] = reflect.Zero(p.Type)
				continue
			}
			callArgs[argIndex] = reflect.ValueOf(facade)
		case paramKindArtifact:
			ref, _ := args[p.Name].(string)
			artifact, err := loadArtifact(ctx, loader, ref)
			if err != nil {
				return nil, err
			}
			callArgs[argIndex] = reflect.ValueOf(artifact)
		case paramKindArtifactList:
			refs := stringSlice(args[p.Name])
			artifacts := make([]Artifact, 0, len(refs))
			for _, ref := range refs {
				artifact, err := loadArtifact(ctx, loader, ref)
				if err != nil {
					return nil, err
				}
				artifacts = append(artifacts, artifact)
			}
			callArgs[argIndex] = reflect.ValueOf(artifacts)
		default:
			v, ok := args[p.Name]
			if !ok || v == nil {
				callArgs[argIndex] = reflect.Zero(p.Type)
				continue
			}
			rv := reflect.ValueOf(v)
			switch {
			case rv.Type().ConvertibleTo(p.Type):
				callArgs[argIndex] = rv.Convert(p.Type)
			default:
				// Decoded JSON arguments arrive as map[string]any /
				// []any; bind them onto struct- and slice-typed
				// parameters through their json tags.
				target := reflect.New(p.Type)
				dec, derr := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
					TagName:          "json",
					WeaklyTypedInput: true,
					Result:           target.Interface(),
				})
				if derr != nil || dec.Decode(v) != nil {
					callArgs[argIndex] = reflect.Zero(p.Type)
					continue
				}
				callArgs[argIndex] = target.Elem()
			}
		}
	}

	out := tool.fn.Call(callArgs)
	errVal := out[1]
	if !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}

	result := out[0].Interface()
	switch v := result.(type) {
	case ToolResult:
		return &v, nil
	case *ToolResult:
		return v, nil
	default:
		return nil, errs.Errorf(errs.CodeSystemError, "toolruntime: tool %q returned unexpected result type %T", name, result)
	}
}

// stringSlice normalizes a decoded JSON array argument, which arrives as
// []any after generic unmarshalling but as []string from typed callers.
func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func loadArtifact(ctx context.Context, loader ArtifactLoader, ref string) (Artifact, error) {
	filename, version := splitArtifactRef(ref)
	if loader == nil {
		return Artifact{}, errs.New(errs.CodeArtifactNotFound, "toolruntime: no artifact loader configured")
	}
	data, meta, err := loader.LoadArtifact(ctx, filename, version)
	if err != nil {
		return Artifact{}, errs.Wrap(errs.CodeArtifactNotFound, "load artifact "+ref, err)
	}
	artifact := Artifact{Filename: filename, Version: version, Bytes: data}
	if meta != nil {
		artifact.MIMEType = meta.MIMEType
		artifact.Metadata = meta.Metadata
	}
	return artifact, nil
}

// splitArtifactRef parses "name:N" (right-most colon, integer suffix) into
// (name, N); an unparseable or absent suffix returns (ref, -1) meaning
// "latest"
func splitArtifactRef(ref string) (string, int) {
	idx := -1
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ref, -1
	}
	suffix := ref[idx+1:]
	version := 0
	parsed := true
	if suffix == "" {
		parsed = false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			parsed = false
			break
		}
	}
	if !parsed {
		return ref, -1
	}
	for _, c := range suffix {
		version = version*10 + int(c-'0')
	}
	return ref[:idx], version
}
