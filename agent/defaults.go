package agent

import (
	"context"
	"errors"
	"mime"
	"os"
	"path/filepath"

	"github.com/solacelabs/sam-core/artifacts"
	"github.com/solacelabs/sam-core/blobstore"
)

// loadDefaultArtifacts uploads each configured default artifact file once
// under the reserved defaults user id and the
// shadowing semantics of the scoped artifact service. Files already
// present (any version) are
// skipped so restarts do not mint new versions.
func (a *Agent) loadDefaultArtifacts(ctx context.Context) error {
	if a.blobs == nil || len(a.cfg.DefaultArtifacts) == 0 {
		return nil
	}
	for _, path := range a.cfg.DefaultArtifacts {
		filename := filepath.Base(path)

		_, _, err := a.blobs.Load(ctx, a.cfg.AppName, artifacts.DefaultsUserID, artifacts.DefaultsSessionID, filename, -1)
		if err == nil {
			continue
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(filename))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		if _, err := a.blobs.Save(ctx, a.cfg.AppName, artifacts.DefaultsUserID, artifacts.DefaultsSessionID, filename, data, mimeType, nil); err != nil {
			return err
		}
		a.log.Info(ctx, "default artifact uploaded", "file", filename)
	}
	return nil
}
