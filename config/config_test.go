package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("SAM_NAMESPACE", "test/sam/v1")
	t.Setenv("SAM_AGENT_NAME", "alpha")
	t.Setenv("DATABASE_URL", "postgres://localhost/sam")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ObjectStorageFilesystem, cfg.ObjectStorageType)
	assert.Equal(t, 2, cfg.MaxConcurrentExecutions)
	assert.Equal(t, 5, cfg.TimeoutSweepIntervalSeconds)
	assert.Equal(t, 10, cfg.TimeoutSweepLimit)
	assert.Equal(t, 0, cfg.StreamBatchThresholdBytes)
	assert.False(t, cfg.TrackTokenUsage)
	assert.EqualValues(t, 10*1024, cfg.InlineFileLogThresholdBytes)
}

func TestLoad_MissingRequiredFails(t *testing.T) {
	t.Setenv("SAM_NAMESPACE", "")
	t.Setenv("SAM_AGENT_NAME", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_RejectsUnknownStorageType(t *testing.T) {
	setRequired(t)
	t.Setenv("OBJECT_STORAGE_TYPE", "tape")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_CloudBackendRequiresBucket(t *testing.T) {
	setRequired(t)
	t.Setenv("OBJECT_STORAGE_TYPE", "s3")
	t.Setenv("OBJECT_STORAGE_BUCKET_NAME", "")

	_, err := Load("")
	require.Error(t, err)

	t.Setenv("OBJECT_STORAGE_BUCKET_NAME", "sam-artifacts")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ObjectStorageS3, cfg.ObjectStorageType)
}
