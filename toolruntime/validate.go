package toolruntime

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/solacelabs/sam-core/errs"
)

// jsonSchemaDoc builds the LLM-visible JSON Schema document for a tool's
// parameters. Artifact parameters appear as plain strings (or arrays of
// strings) schema translation rules.
func (t *Tool) jsonSchemaDoc() map[string]any {
	props := make(map[string]any)
	for _, p := range t.Schema() {
		prop := map[string]any{"type": p.Type}
		if p.Type == "array" {
			prop["items"] = map[string]any{"type": p.ItemType}
		}
		props[p.Name] = prop
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

// compileSchema compiles the tool's derived parameter schema once at
// registration so Call can validate arguments without re-compiling.
func (t *Tool) compileSchema() error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", t.jsonSchemaDoc()); err != nil {
		return fmt.Errorf("toolruntime: add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("toolruntime: compile schema: %w", err)
	}
	t.schema = schema
	return nil
}

// validateArgs checks the decoded LLM arguments against the tool's compiled
// schema. The args map is round-tripped through JSON so values carry the
// plain types the validator expects regardless of how the caller decoded
// them.
func (t *Tool) validateArgs(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.CodeSystemError, "marshal tool args", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errs.Wrap(errs.CodeSystemError, "unmarshal tool args", err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return errs.Wrap(errs.CodeSystemError, fmt.Sprintf("tool %q argument validation", t.Name), err)
	}
	return nil
}
