package artifacts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solacelabs/sam-core/blobstore"
)

func newTestScope(t *testing.T) (*Store, *blobstore.ArtifactStore) {
	t.Helper()
	raw, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	base := blobstore.NewArtifactStore(raw)
	return New(base, "app1", "user1", "sess1"), base
}

func TestLoadArtifact_FallsThroughToAgentDefaultsOnMiss(t *testing.T) {
	ctx := context.Background()
	scoped, base := newTestScope(t)

	_, err := base.Save(ctx, "app1", DefaultsUserID, DefaultsSessionID, "readme.txt", []byte("default content"), "text/plain", nil)
	require.NoError(t, err)

	data, ref, err := scoped.LoadArtifact(ctx, "readme.txt", -1)
	require.NoError(t, err)
	assert.Equal(t, "default content", string(data))
	assert.Equal(t, 0, ref.Version)
}

func TestSaveArtifact_ShadowsDefaultOfSameName(t *testing.T) {
	ctx := context.Background()
	scoped, base := newTestScope(t)

	_, err := base.Save(ctx, "app1", DefaultsUserID, DefaultsSessionID, "config.json", []byte("default"), "application/json", nil)
	require.NoError(t, err)

	_, err = scoped.SaveArtifact(ctx, "config.json", []byte("user override"), "application/json", nil)
	require.NoError(t, err)

	data, _, err := scoped.LoadArtifact(ctx, "config.json", -1)
	require.NoError(t, err)
	assert.Equal(t, "user override", string(data))
}

func TestListArtifactKeys_UnionOfOwnAndDefaults(t *testing.T) {
	ctx := context.Background()
	scoped, base := newTestScope(t)

	_, err := base.Save(ctx, "app1", DefaultsUserID, DefaultsSessionID, "shared.txt", []byte("x"), "", nil)
	require.NoError(t, err)
	_, err = scoped.SaveArtifact(ctx, "mine.txt", []byte("y"), "", nil)
	require.NoError(t, err)

	keys, err := scoped.ListArtifactKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shared.txt", "mine.txt"}, keys)
}

func TestDeleteArtifact_FailsWithPermissionErrorForDefaultOnlyName(t *testing.T) {
	ctx := context.Background()
	scoped, base := newTestScope(t)

	_, err := base.Save(ctx, "app1", DefaultsUserID, DefaultsSessionID, "shared.txt", []byte("x"), "", nil)
	require.NoError(t, err)

	err = scoped.DeleteArtifact(ctx, "shared.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermission))
}

func TestDeleteArtifact_DeletesOwnCopyEvenIfDefaultExists(t *testing.T) {
	ctx := context.Background()
	scoped, base := newTestScope(t)

	_, err := base.Save(ctx, "app1", DefaultsUserID, DefaultsSessionID, "shared.txt", []byte("default"), "", nil)
	require.NoError(t, err)
	_, err = scoped.SaveArtifact(ctx, "shared.txt", []byte("mine"), "", nil)
	require.NoError(t, err)

	require.NoError(t, scoped.DeleteArtifact(ctx, "shared.txt"))

	// The default copy is untouched and still read-through reachable.
	data, _, err := scoped.LoadArtifact(ctx, "shared.txt", -1)
	require.NoError(t, err)
	assert.Equal(t, "default", string(data))
}
