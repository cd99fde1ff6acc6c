// Package artifacts implements the scoped artifact service: a decorator
// over blobstore.ArtifactStore that narrows every
// operation to one (app, user_id, session_id) and read-through-shadows a
// reserved "__agent_defaults__" user scope for agent-provided default
// files.
package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/blobstore"
)

// DefaultsUserID is the reserved user scope agent-default artifacts are
// uploaded under once at startup.
const DefaultsUserID = "__agent_defaults__"

// DefaultsSessionID is the fixed session scope defaults live under, since
// they are shared across every user session.
const DefaultsSessionID = "shared"

// ErrPermission is returned by Delete when name exists only among the
// agent's shared defaults, which cannot be deleted through a scoped
// service.
var ErrPermission = errors.New("artifacts: cannot delete a shared default artifact")

// Store narrows blobstore.ArtifactStore to one (app, user, session) scope.
type Store struct {
	base      *blobstore.ArtifactStore
	app       string
	userID    string
	sessionID string
}

// New constructs a Store scoped to (app, userID, sessionID) over base.
func New(base *blobstore.ArtifactStore, app, userID, sessionID string) *Store {
	return &Store{base: base, app: app, userID: userID, sessionID: sessionID}
}

// SaveArtifact writes a new version under the real user_id, shadowing any
// default of the same name for that user.
func (s *Store) SaveArtifact(ctx context.Context, filename string, data []byte, mimeType string, metadata map[string]any) (*a2a.ArtifactRef, error) {
	return s.base.Save(ctx, s.app, s.userID, s.sessionID, filename, data, mimeType, metadata)
}

// LoadArtifact resolves filename under the real user_id first; on miss it
// falls back to the shared "__agent_defaults__" scope (read-through),
// version == -1 resolves to the latest version.
func (s *Store) LoadArtifact(ctx context.Context, filename string, version int) ([]byte, *a2a.ArtifactRef, error) {
	data, ref, err := s.base.Load(ctx, s.app, s.userID, s.sessionID, filename, version)
	if err == nil {
		return data, ref, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil, err
	}
	data, ref, derr := s.base.Load(ctx, s.app, DefaultsUserID, DefaultsSessionID, filename, version)
	if derr != nil {
		return nil, nil, derr
	}
	return data, ref, nil
}

// ListArtifactKeys returns the union of the user's own artifact filenames
// and the agent's shared defaults
func (s *Store) ListArtifactKeys(ctx context.Context) ([]string, error) {
	own, err := s.base.ListKeys(ctx, s.app, s.userID, s.sessionID)
	if err != nil {
		return nil, err
	}
	defaults, err := s.base.ListKeys(ctx, s.app, DefaultsUserID, DefaultsSessionID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(own)+len(defaults))
	var union []string
	for _, name := range own {
		if !seen[name] {
			seen[name] = true
			union = append(union, name)
		}
	}
	for _, name := range defaults {
		if !seen[name] {
			seen[name] = true
			union = append(union, name)
		}
	}
	return union, nil
}

// DeleteArtifact removes every version of filename under the real user_id.
// It fails with ErrPermission if filename exists only among the agent's
// shared defaults, since those cannot be deleted through a scoped service
//.
func (s *Store) DeleteArtifact(ctx context.Context, filename string) error {
	ownKeys, err := s.base.ListKeys(ctx, s.app, s.userID, s.sessionID)
	if err != nil {
		return err
	}
	for _, name := range ownKeys {
		if name == filename {
			return s.base.Delete(ctx, s.app, s.userID, s.sessionID, filename)
		}
	}

	defaultKeys, err := s.base.ListKeys(ctx, s.app, DefaultsUserID, DefaultsSessionID)
	if err != nil {
		return err
	}
	for _, name := range defaultKeys {
		if name == filename {
			return fmt.Errorf("%w: %s", ErrPermission, filename)
		}
	}
	return fmt.Errorf("%w: %s", blobstore.ErrNotFound, filename)
}
