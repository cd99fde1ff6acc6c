// Package config loads the environment-driven configuration for an agent
// process: broker namespace, checkpoint database DSN, blob store backend
// selection, and sandbox defaults. Loaded with godotenv for local
// development and validated with go-playground/validator, matching the
// configuration conventions used across the repo.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ObjectStorageType selects the blob store backend
type ObjectStorageType string

const (
	ObjectStorageS3       ObjectStorageType = "s3"
	ObjectStorageGCS      ObjectStorageType = "gcs"
	ObjectStorageAzure    ObjectStorageType = "azure"
	ObjectStorageFilesystem ObjectStorageType = "filesystem"
)

// Config is the engine's environment-derived configuration.
type Config struct {
	// Namespace is the broker topic namespace prefix
	Namespace string `validate:"required"`
	// AgentName identifies this agent in broker topics and its AgentCard.
	AgentName string `validate:"required"`
	// DatabaseURL is the checkpoint store's PostgreSQL DSN.
	DatabaseURL string `validate:"required"`

	// ObjectStorageType selects the blob store backend.
	ObjectStorageType   ObjectStorageType `validate:"required,oneof=s3 gcs azure filesystem"`
	ObjectStorageBucket string            `validate:"required_unless=ObjectStorageType filesystem"`
	FilesystemRoot      string

	// SandboxBaseDir is the root under which per-task sandbox work
	// directories are created
	SandboxBaseDir string `validate:"required"`
	// SandboxToolsDir is the read-only directory of tool runner code
	// mounted into the bwrap sandbox.
	SandboxToolsDir string
	// MaxConcurrentExecutions bounds parallel sandbox invocations per
	// agent (default 2).
	MaxConcurrentExecutions int `validate:"min=1"`

	// DiscoveryIntervalSeconds is how often the heartbeat publisher
	// broadcasts this agent's AgentCard.
	DiscoveryIntervalSeconds int `validate:"min=1"`
	// DiscoveryTTLSeconds is how long a peer AgentCard is kept before
	// eviction from the registry without a refreshing heartbeat.
	DiscoveryTTLSeconds int `validate:"min=1"`

	// TimeoutSweepIntervalSeconds is the timeout-sweep interval (default
	// 5s). It is loaded and validated only: cmd/agentd does not pass it to
	// the agent, whose coordinator sweeps at coordinator.DefaultConfig's
	// interval.
	TimeoutSweepIntervalSeconds int `validate:"min=1"`
	// TimeoutSweepLimit is the per-tick sweep row limit (default 10). Like
	// TimeoutSweepIntervalSeconds it is not passed to the coordinator,
	// which uses coordinator.DefaultConfig's limit.
	TimeoutSweepLimit int `validate:"min=1"`

	// WorkerPoolSize bounds the worker pool used for synchronous tool
	// calls, sandbox supervision, and checkpointing (default: CPU count, or
	// the GOMAXPROCS environment variable when it is set).
	WorkerPoolSize int `validate:"min=1"`

	// StreamBatchThresholdBytes is the text-delta batching threshold for
	// the A2A event translator (default 0 = disabled)
	StreamBatchThresholdBytes int

	// TrackTokenUsage gates whether token usage rows are persisted.
	// Default off: no usage rows are emitted when disabled.
	TrackTokenUsage bool

	// InlineFileLogThresholdBytes is loaded and validated (default 10 KiB)
	// but not read by the agent, which keeps inbound file bytes out of task
	// logs at every size and logs only their length.
	InlineFileLogThresholdBytes int64
}

var validate = validator.New()

// Load reads configuration from the process environment, optionally
// preceded by a .env file at envFile (empty string skips file loading).
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load env file: %w", err)
		}
	}

	cfg := &Config{
		Namespace:                   getEnv("SAM_NAMESPACE", ""),
		AgentName:                   getEnv("SAM_AGENT_NAME", ""),
		DatabaseURL:                 getEnv("DATABASE_URL", ""),
		ObjectStorageType:           ObjectStorageType(getEnv("OBJECT_STORAGE_TYPE", "filesystem")),
		ObjectStorageBucket:         getEnv("OBJECT_STORAGE_BUCKET_NAME", ""),
		FilesystemRoot:              getEnv("SAM_FILESYSTEM_ROOT", "./data/artifacts"),
		SandboxBaseDir:              getEnv("SAM_SANDBOX_BASE_DIR", "./data/sandbox"),
		SandboxToolsDir:             getEnv("SAM_SANDBOX_TOOLS_DIR", "./tools"),
		MaxConcurrentExecutions:     getEnvInt("SAM_MAX_CONCURRENT_EXECUTIONS", 2),
		DiscoveryIntervalSeconds:    getEnvInt("SAM_DISCOVERY_INTERVAL_SECONDS", 30),
		DiscoveryTTLSeconds:         getEnvInt("SAM_DISCOVERY_TTL_SECONDS", 90),
		TimeoutSweepIntervalSeconds: getEnvInt("SAM_TIMEOUT_SWEEP_INTERVAL_SECONDS", 5),
		TimeoutSweepLimit:           getEnvInt("SAM_TIMEOUT_SWEEP_LIMIT", 10),
		WorkerPoolSize:              getEnvInt("SAM_WORKER_POOL_SIZE", defaultWorkerPoolSize()),
		StreamBatchThresholdBytes:   getEnvInt("SAM_STREAM_BATCH_THRESHOLD_BYTES", 0),
		TrackTokenUsage:             getEnvBool("SAM_TRACK_TOKEN_USAGE", false),
		InlineFileLogThresholdBytes: int64(getEnvInt("SAM_INLINE_FILE_LOG_THRESHOLD_BYTES", 10*1024)),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func defaultWorkerPoolSize() int {
	n, err := strconv.Atoi(os.Getenv("GOMAXPROCS"))
	if err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// HeartbeatInterval returns DiscoveryIntervalSeconds as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}
