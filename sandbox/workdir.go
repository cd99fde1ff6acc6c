//go:build unix

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/solacelabs/sam-core/errs"
	"github.com/solacelabs/sam-core/toolruntime"
)

// artifactDescriptor records where one pre-loaded artifact landed inside
// the work directory, so the input manifest can tell the child process
// about it.
type artifactDescriptor struct {
	Param    string `json:"param"`
	Filename string `json:"filename"`
	Version  int    `json:"version"`
	Path     string `json:"path"` // absolute path under input/
	MIMEType string `json:"mimeType"`
}

// inputManifest is what Run writes to input/manifest.json: the child reads its arguments and pre-loaded artifact paths
// from the work directory rather than a command line, keeping the
// invocation free of shell-escaping concerns.
type inputManifest struct {
	Args      map[string]any        `json:"args"`
	Artifacts []artifactDescriptor  `json:"artifacts"`
}

// preloadArtifacts writes every referenced artifact's bytes into the work
// directory's input/ subdirectory under its safe-checked filename, then
// writes the combined input manifest.
func (r *Runner) preloadArtifacts(ctx context.Context, w workDirs, inv Invocation, loader toolruntime.ArtifactLoader) ([]artifactDescriptor, error) {
	var descriptors []artifactDescriptor

	load := func(param, ref string) (artifactDescriptor, error) {
		filename, version := splitRef(ref)
		dest, err := safeJoin(w.input, filename)
		if err != nil {
			return artifactDescriptor{}, errs.Wrap(errs.CodeArtifactNotFound, "sandbox: reject unsafe artifact path", err)
		}
		if loader == nil {
			return artifactDescriptor{}, errs.New(errs.CodeArtifactNotFound, "sandbox: no artifact loader configured")
		}
		data, meta, err := loader.LoadArtifact(ctx, filename, version)
		if err != nil {
			return artifactDescriptor{}, errs.Wrap(errs.CodeArtifactNotFound, "sandbox: load artifact "+ref, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return artifactDescriptor{}, errs.Wrap(errs.CodeSandboxKilled, "sandbox: create artifact directory", err)
		}
		if err := os.WriteFile(dest, data, 0o600); err != nil {
			return artifactDescriptor{}, errs.Wrap(errs.CodeSandboxKilled, "sandbox: write artifact file", err)
		}
		desc := artifactDescriptor{Param: param, Filename: filename, Version: version, Path: dest}
		if meta != nil {
			desc.MIMEType = meta.MIMEType
		}
		return desc, nil
	}

	for param, ref := range inv.ArtifactRefs {
		desc, err := load(param, ref)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
	}
	for param, refs := range inv.ListRefs {
		for _, ref := range refs {
			desc, err := load(param, ref)
			if err != nil {
				return nil, err
			}
			descriptors = append(descriptors, desc)
		}
	}

	manifest := inputManifest{Args: inv.Args, Artifacts: descriptors}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.CodeSandboxKilled, "sandbox: marshal input manifest", err)
	}
	if err := os.WriteFile(filepath.Join(w.input, "manifest.json"), body, 0o600); err != nil {
		return nil, errs.Wrap(errs.CodeSandboxKilled, "sandbox: write input manifest", err)
	}
	return descriptors, nil
}

// splitRef parses "name:N" the same way toolruntime does; duplicated here
// (rather than imported) because toolruntime's splitArtifactRef is
// unexported and sandbox resolves refs independently of the in-process
// registry.
func splitRef(ref string) (string, int) {
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
	if suffix == "" {
		return ref, -1
	}
	version := 0
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return ref, -1
		}
		version = version*10 + int(c-'0')
	}
	return ref[:idx], version
}

// harvestOutputs walks the work directory's output/ subdirectory and
// attaches every file found there as an artifact-disposition DataObject on
// the result. DataObjects the tool itself returned (via its JSON result on
// stdout) are left untouched and win on name collision.
func (r *Runner) harvestOutputs(w workDirs, result toolruntime.ToolResult) (*toolruntime.ToolResult, error) {
	entries, err := os.ReadDir(w.output)
	if err != nil {
		if os.IsNotExist(err) {
			return &result, nil
		}
		return nil, errs.Wrap(errs.CodeSandboxKilled, "sandbox: read output directory", err)
	}
	returned := make(map[string]bool, len(result.DataObjects))
	for _, obj := range result.DataObjects {
		returned[obj.Name] = true
	}
	for _, e := range entries {
		if e.IsDir() || returned[e.Name()] {
			continue
		}
		path := filepath.Join(w.output, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.CodeSandboxKilled, fmt.Sprintf("sandbox: read output file %q", e.Name()), err)
		}
		result.DataObjects = append(result.DataObjects, toolruntime.DataObject{
			Name:        e.Name(),
			Content:     data,
			Disposition: toolruntime.DispositionArtifact,
		})
	}
	return &result, nil
}
