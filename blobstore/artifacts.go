package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/solacelabs/sam-core/a2a"
)

// ArtifactStore layers versioned-artifact semantics on top
// of a raw Store: versions form a dense 0-based sequence per
// (app, user, session, filename), "latest" resolves to max(version), and
// writes are serialized per artifact key so concurrent writers to the same
// (app,user,session,filename) still produce a dense sequence.
type ArtifactStore struct {
	store Store

	mu      sync.Mutex
	nextVer map[string]int // cache of next version per scope key, lazily populated
}

// NewArtifactStore wraps a raw Store with version-aware artifact
// operations.
func NewArtifactStore(store Store) *ArtifactStore {
	return &ArtifactStore{store: store, nextVer: map[string]int{}}
}

func scopeKey(app, userID, sessionID, filename string) string {
	return Key(app, userID, sessionID, filename)
}

// Save writes a new version of filename and returns its ArtifactRef. Per
// Artifact versions are monotonically non-decreasing per
// (app,user,session,filename); this implementation assigns the next dense
// version under a per-scope lock so concurrent writers never collide.
func (a *ArtifactStore) Save(ctx context.Context, app, userID, sessionID, filename string, data []byte, mimeType string, metadata map[string]any) (*a2a.ArtifactRef, error) {
	base := scopeKey(app, userID, sessionID, filename)

	a.mu.Lock()
	version, err := a.resolveNextVersionLocked(ctx, base)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.nextVer[base] = version + 1
	a.mu.Unlock()

	meta := &ObjectMeta{MIMEType: mimeType, Size: int64(len(data)), Metadata: metadata}
	versionedKey := fmt.Sprintf("%s/%d", base, version)
	if err := a.store.Put(ctx, versionedKey, data, meta); err != nil {
		return nil, fmt.Errorf("blobstore: save artifact %s: %w", versionedKey, err)
	}

	return &a2a.ArtifactRef{
		App: app, UserID: userID, SessionID: sessionID,
		Filename: filename, Version: version,
		MIMEType: mimeType, SizeBytes: int64(len(data)), Metadata: metadata,
	}, nil
}

// resolveNextVersionLocked must be called with a.mu held.
func (a *ArtifactStore) resolveNextVersionLocked(ctx context.Context, base string) (int, error) {
	if n, ok := a.nextVer[base]; ok {
		return n, nil
	}
	maxVersion, err := a.maxVersion(ctx, base)
	if err != nil {
		return 0, err
	}
	if maxVersion < 0 {
		return 0, nil
	}
	return maxVersion + 1, nil
}

// maxVersion returns the highest existing version of base, or -1 if none
// exists.
func (a *ArtifactStore) maxVersion(ctx context.Context, base string) (int, error) {
	keys, err := a.store.List(ctx, base+"/")
	if err != nil {
		return -1, fmt.Errorf("blobstore: list versions of %s: %w", base, err)
	}
	best := -1
	for _, k := range keys {
		suffix := strings.TrimPrefix(k, base+"/")
		if strings.Contains(suffix, "/") {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > best {
			best = n
		}
	}
	return best, nil
}

// Load fetches filename. version == -1 resolves to the latest version,
// i.e. max(version).
func (a *ArtifactStore) Load(ctx context.Context, app, userID, sessionID, filename string, version int) ([]byte, *a2a.ArtifactRef, error) {
	base := scopeKey(app, userID, sessionID, filename)
	if version < 0 {
		a.mu.Lock()
		v, err := a.maxVersion(ctx, base)
		a.mu.Unlock()
		if err != nil {
			return nil, nil, err
		}
		if v < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, base)
		}
		version = v
	}
	versionedKey := fmt.Sprintf("%s/%d", base, version)
	data, meta, err := a.store.Get(ctx, versionedKey)
	if err != nil {
		return nil, nil, err
	}
	ref := &a2a.ArtifactRef{App: app, UserID: userID, SessionID: sessionID, Filename: filename, Version: version, SizeBytes: int64(len(data))}
	if meta != nil {
		ref.MIMEType = meta.MIMEType
		ref.Metadata = meta.Metadata
	}
	return data, ref, nil
}

// ListKeys returns the distinct filenames with at least one version stored
// under (app, user, session).
func (a *ArtifactStore) ListKeys(ctx context.Context, app, userID, sessionID string) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/%s/", app, userID, sessionID)
	keys, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("blobstore: list keys under %s: %w", prefix, err)
	}
	seen := map[string]bool{}
	var names []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if strings.HasSuffix(rest, ".meta") {
			continue
		}
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		if _, err := strconv.Atoi(parts[1]); err != nil {
			continue
		}
		if !seen[parts[0]] {
			seen[parts[0]] = true
			names = append(names, parts[0])
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes all versions of filename under (app, user, session).
func (a *ArtifactStore) Delete(ctx context.Context, app, userID, sessionID, filename string) error {
	base := scopeKey(app, userID, sessionID, filename)
	keys, err := a.store.List(ctx, base+"/")
	if err != nil {
		return fmt.Errorf("blobstore: list versions of %s for delete: %w", base, err)
	}
	for _, k := range keys {
		if err := a.store.Delete(ctx, k); err != nil {
			return err
		}
		if err := a.store.Delete(ctx, MetaKey(k)); err != nil {
			return err
		}
	}
	a.mu.Lock()
	delete(a.nextVer, base)
	a.mu.Unlock()
	return nil
}

// marshalMetadata is a small helper used by backends whose SDK only
// accepts string-valued user metadata maps.
func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
