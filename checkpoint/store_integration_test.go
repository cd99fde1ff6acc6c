//go:build integration

package checkpoint_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/solacelabs/sam-core/checkpoint"
)

// newTestStore starts a PostgreSQL testcontainer, applies the checkpoint
// migrations, and returns a ready Store.
func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("sam_checkpoint_test"),
		postgres.WithUsername("sam"),
		postgres.WithPassword("sam"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrateDSN := "pgx5://" + strings.TrimPrefix(strings.TrimPrefix(dsn, "postgres://"), "postgresql://")
	require.NoError(t, checkpoint.Migrate(migrateDSN))
	return checkpoint.New(pool)
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := checkpoint.CheckpointInput{
		LogicalTaskID:       "task-1",
		AgentName:           "agent-a",
		A2AContext:          []byte(`{"userId":"u1"}`),
		EffectiveSessionID:  "sess-1",
		UserID:              "u1",
		CurrentInvocationID: "inv-1",
		ProducedArtifacts:   []byte(`[]`),
		ArtifactSignals:     []byte(`[]`),
		ResponseBuffer:      "",
		Flags:               []byte(`{}`),
		SecurityContext:     []byte(`{}`),
		TokenUsage:          []byte(`{}`),
		CheckpointedAt:      1000,
		ActivePeerSubTasks: map[string]checkpoint.PeerCorrelation{
			"sub-1": {InvocationID: "inv-1", PeerAgentName: "peer-b", ToolCallID: "call-1", TimeoutSeconds: 30},
		},
		ParallelInvocations: map[string]checkpoint.ParallelInvocationState{
			"inv-1": {TotalExpected: 1},
		},
	}
	require.NoError(t, store.Checkpoint(ctx, in))

	snap, err := store.RestoreTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "agent-a", snap.AgentName)

	rows, err := store.GetPeerSubTasksForTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "peer-b", rows[0].Correlation.PeerAgentName)

	require.NoError(t, store.CleanupTask(ctx, "task-1"))
	snap, err = store.RestoreTask(ctx, "task-1")
	require.NoError(t, err)
	require.Nil(t, snap)

	// Repeated cleanup is a no-op.
	require.NoError(t, store.CleanupTask(ctx, "task-1"))
}

func TestClaimPeerSubTask_ExactlyOnceUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Checkpoint(ctx, checkpoint.CheckpointInput{
		LogicalTaskID:  "task-2",
		AgentName:      "agent-a",
		A2AContext:     []byte(`{}`),
		CheckpointedAt: 1000,
		ActivePeerSubTasks: map[string]checkpoint.PeerCorrelation{
			"sub-2": {InvocationID: "inv-1", PeerAgentName: "peer-b", ToolCallID: "call-1"},
		},
	}))

	var wg sync.WaitGroup
	results := make([]*checkpoint.PeerCorrelation, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			corr, err := store.ClaimPeerSubTask(ctx, "sub-2")
			require.NoError(t, err)
			results[i] = corr
		}(i)
	}
	wg.Wait()

	nonNil := 0
	for _, r := range results {
		if r != nil {
			nonNil++
		}
	}
	require.Equal(t, 1, nonNil, "exactly one concurrent claimant should observe a non-nil correlation")
}

func TestRecordParallelResult_CompletesAtTotal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Checkpoint(ctx, checkpoint.CheckpointInput{
		LogicalTaskID:  "task-3",
		AgentName:      "agent-a",
		A2AContext:     []byte(`{}`),
		CheckpointedAt: 1000,
		ParallelInvocations: map[string]checkpoint.ParallelInvocationState{
			"inv-1": {TotalExpected: 3},
		},
	}))

	order := []string{"s2", "s1", "s3"}
	for i, id := range order {
		completed, total, err := store.RecordParallelResult(ctx, "task-3", "inv-1", checkpoint.ParallelResult{SubTaskID: id})
		require.NoError(t, err)
		require.Equal(t, i+1, completed)
		require.Equal(t, 3, total)
	}

	results, err := store.GetParallelResults(ctx, "task-3", "inv-1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, order[i], r.SubTaskID, "results must preserve arrival order")
	}
}

func TestSweepExpiredTimeouts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Checkpoint(ctx, checkpoint.CheckpointInput{
		LogicalTaskID:  "task-4",
		AgentName:      "agent-a",
		A2AContext:     []byte(`{}`),
		CheckpointedAt: 1000,
		ActivePeerSubTasks: map[string]checkpoint.PeerCorrelation{
			"sub-4": {InvocationID: "inv-1", PeerAgentName: "peer-b", ToolCallID: "call-1", TimeoutSeconds: 1},
		},
	}))

	// Deadlines are whole Unix seconds, so waiting two seconds puts the
	// one-second deadline strictly in the past.
	time.Sleep(2100 * time.Millisecond)
	expired, err := store.SweepExpiredTimeouts(ctx, "agent-a", 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "sub-4", expired[0].SubTaskID)
}
