package checkpoint

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solacelabs/sam-core/errs"
)

//go:embed migrations
var migrationsFS embed.FS

// MigrationsFS exposes the embedded SQL migrations for callers wiring
// golang-migrate themselves (see Migrate for the built-in helper).
func MigrationsFS() embed.FS { return migrationsFS }

// Store implements the checkpoint persistence layer over a PostgreSQL
// connection pool injected at construction; the caller owns the pool's
// lifecycle.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open dials PostgreSQL at dsn and returns a ready Store. Callers should
// call Close when done.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// classifyPGError maps a raw pgx/pg error to a retriable-or-fatal engine
// error: deadlocks and connection
// loss are retriable, integrity violations are not.
func classifyPGError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case contains(msg, "deadlock detected"), contains(msg, "could not serialize"):
		return errs.Wrap(errs.CodeCheckpointRetriable, op+": deadlock or serialization failure", err)
	case contains(msg, "connection"), errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.CodeCheckpointRetriable, op+": connection lost", err)
	case contains(msg, "duplicate key"), contains(msg, "violates"):
		return errs.Wrap(errs.CodeCheckpointFatal, op+": integrity violation", err)
	default:
		return errs.Wrap(errs.CodeCheckpointFatal, op, err)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Checkpoint persists one task's full in-flight state in a single
// serializable transaction: upsert the paused-task row, insert one
// peer_sub_task row per active peer sub-task (setting timeout_deadline =
// now + correlation.TimeoutSeconds when set), and insert one
// parallel_invocation row per fan-out group.
func (s *Store) Checkpoint(ctx context.Context, in CheckpointInput) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyPGError("checkpoint: begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO paused_task (
			logical_task_id, agent_name, a2a_context, effective_session_id, user_id,
			current_invocation_id, produced_artifacts, artifact_signals, response_buffer,
			flags, security_context, token_usage, checkpointed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (logical_task_id) DO UPDATE SET
			agent_name = EXCLUDED.agent_name,
			a2a_context = EXCLUDED.a2a_context,
			effective_session_id = EXCLUDED.effective_session_id,
			user_id = EXCLUDED.user_id,
			current_invocation_id = EXCLUDED.current_invocation_id,
			produced_artifacts = EXCLUDED.produced_artifacts,
			artifact_signals = EXCLUDED.artifact_signals,
			response_buffer = EXCLUDED.response_buffer,
			flags = EXCLUDED.flags,
			security_context = EXCLUDED.security_context,
			token_usage = EXCLUDED.token_usage,
			checkpointed_at = EXCLUDED.checkpointed_at`,
		in.LogicalTaskID, in.AgentName, in.A2AContext, in.EffectiveSessionID, in.UserID,
		in.CurrentInvocationID, in.ProducedArtifacts, in.ArtifactSignals, in.ResponseBuffer,
		in.Flags, in.SecurityContext, in.TokenUsage, in.CheckpointedAt)
	if err != nil {
		return classifyPGError("checkpoint: upsert paused_task", err)
	}

	now := float64(time.Now().Unix())
	for subTaskID, corr := range in.ActivePeerSubTasks {
		if err := s.insertPeerSubTaskTx(ctx, tx, subTaskID, in.LogicalTaskID, corr, now); err != nil {
			return err
		}
	}

	for invocationID, state := range in.ParallelInvocations {
		resultsJSON, err := encodeResults(state.Results)
		if err != nil {
			return errs.Wrap(errs.CodeCheckpointFatal, "checkpoint: encode parallel results", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO parallel_invocation (logical_task_id, invocation_id, total_expected, completed_count, results)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (logical_task_id, invocation_id) DO UPDATE SET
				total_expected = EXCLUDED.total_expected,
				completed_count = EXCLUDED.completed_count,
				results = EXCLUDED.results`,
			in.LogicalTaskID, invocationID, state.TotalExpected, state.CompletedCount, resultsJSON)
		if err != nil {
			return classifyPGError("checkpoint: upsert parallel_invocation", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPGError("checkpoint: commit", err)
	}
	return nil
}

func (s *Store) insertPeerSubTaskTx(ctx context.Context, tx pgx.Tx, subTaskID, logicalTaskID string, corr PeerCorrelation, now float64) error {
	correlationJSON, err := encodeCorrelation(corr)
	if err != nil {
		return errs.Wrap(errs.CodeCheckpointFatal, "checkpoint: encode correlation", err)
	}

	var existingTaskID string
	row := tx.QueryRow(ctx, `SELECT logical_task_id FROM peer_sub_task WHERE sub_task_id = $1`, subTaskID)
	switch err := row.Scan(&existingTaskID); {
	case errors.Is(err, pgx.ErrNoRows):
		// not present yet, fall through to insert
	case err != nil:
		return classifyPGError("checkpoint: check existing peer_sub_task", err)
	case existingTaskID != logicalTaskID:
		return errs.New(errs.CodeCheckpointConflict,
			fmt.Sprintf("sub_task_id %s already bound to logical_task_id %s, got %s", subTaskID, existingTaskID, logicalTaskID))
	default:
		// same task re-checkpointing the same sub-task; update in place below.
	}

	var deadline any
	if corr.TimeoutSeconds > 0 {
		deadline = now + float64(corr.TimeoutSeconds)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO peer_sub_task (sub_task_id, logical_task_id, invocation_id, correlation_data, timeout_deadline, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (sub_task_id) DO UPDATE SET
			invocation_id = EXCLUDED.invocation_id,
			correlation_data = EXCLUDED.correlation_data,
			timeout_deadline = EXCLUDED.timeout_deadline`,
		subTaskID, logicalTaskID, corr.InvocationID, correlationJSON, deadline, now)
	if err != nil {
		return classifyPGError("checkpoint: insert peer_sub_task", err)
	}
	return nil
}

// ClaimPeerSubTask atomically reads and deletes the peer_sub_task row for
// subTaskID, returning nil if no row exists (already claimed by another
// replica, or never created). This is the distributed pop-if-present
// primitive at-most-once peer-response handling relies on.
func (s *Store) ClaimPeerSubTask(ctx context.Context, subTaskID string) (*PeerCorrelation, error) {
	_, corr, err := s.ClaimPeerSubTaskWithTask(ctx, subTaskID)
	return corr, err
}

// ClaimPeerSubTaskWithTask is ClaimPeerSubTask plus the owning
// logical_task_id, which the coordinator needs to address
// RecordParallelResult for a fan-out reply (the PeerCorrelation alone does
// not carry it — only its parallel_group_id, which identifies the group,
// not the task).
func (s *Store) ClaimPeerSubTaskWithTask(ctx context.Context, subTaskID string) (logicalTaskID string, correlation *PeerCorrelation, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", nil, classifyPGError("claim: begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var correlationJSON string
	row := tx.QueryRow(ctx,
		`SELECT logical_task_id, correlation_data FROM peer_sub_task WHERE sub_task_id = $1 FOR UPDATE`, subTaskID)
	if err := row.Scan(&logicalTaskID, &correlationJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, nil
		}
		return "", nil, classifyPGError("claim: select for update", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM peer_sub_task WHERE sub_task_id = $1`, subTaskID); err != nil {
		return "", nil, classifyPGError("claim: delete", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", nil, classifyPGError("claim: commit", err)
	}

	corr, err := decodeCorrelation(correlationJSON)
	if err != nil {
		return "", nil, errs.Wrap(errs.CodeCheckpointFatal, "claim: decode correlation", err)
	}
	return logicalTaskID, corr, nil
}

// RecordParallelResult atomically appends result to the parallel_invocation
// row's results array and increments completed_count, returning the new
// (completed, total) pair.
func (s *Store) RecordParallelResult(ctx context.Context, logicalTaskID, invocationID string, result ParallelResult) (completed, total int, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, classifyPGError("record_parallel_result: begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var totalExpected, completedCount int
	var resultsJSON string
	row := tx.QueryRow(ctx, `
		SELECT total_expected, completed_count, results
		FROM parallel_invocation WHERE logical_task_id = $1 AND invocation_id = $2 FOR UPDATE`,
		logicalTaskID, invocationID)
	if err := row.Scan(&totalExpected, &completedCount, &resultsJSON); err != nil {
		return 0, 0, classifyPGError("record_parallel_result: select for update", err)
	}

	results, err := decodeResults(resultsJSON)
	if err != nil {
		return 0, 0, errs.Wrap(errs.CodeCheckpointFatal, "record_parallel_result: decode results", err)
	}
	results = append(results, result)
	completedCount++

	newResultsJSON, err := encodeResults(results)
	if err != nil {
		return 0, 0, errs.Wrap(errs.CodeCheckpointFatal, "record_parallel_result: encode results", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE parallel_invocation SET completed_count = $1, results = $2
		WHERE logical_task_id = $3 AND invocation_id = $4`,
		completedCount, newResultsJSON, logicalTaskID, invocationID); err != nil {
		return 0, 0, classifyPGError("record_parallel_result: update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, classifyPGError("record_parallel_result: commit", err)
	}
	return completedCount, totalExpected, nil
}

// GetParallelResults is a non-destructive read of a parallel_invocation
// row's accumulated results.
func (s *Store) GetParallelResults(ctx context.Context, logicalTaskID, invocationID string) ([]ParallelResult, error) {
	var resultsJSON string
	row := s.pool.QueryRow(ctx,
		`SELECT results FROM parallel_invocation WHERE logical_task_id = $1 AND invocation_id = $2`,
		logicalTaskID, invocationID)
	if err := row.Scan(&resultsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyPGError("get_parallel_results: select", err)
	}
	return decodeResults(resultsJSON)
}

// ListStalePausedTasks returns logical task ids checkpointed before
// olderThan (seconds since epoch) for agentName. Monitoring uses this to
// flag tasks whose terminal status could not be published
// "monitoring flags checkpointed_at older than a threshold".
func (s *Store) ListStalePausedTasks(ctx context.Context, agentName string, olderThan float64, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT logical_task_id FROM paused_task
		WHERE agent_name = $1 AND checkpointed_at < $2
		ORDER BY checkpointed_at LIMIT $3`, agentName, olderThan, limit)
	if err != nil {
		return nil, classifyPGError("list_stale_paused_tasks: select", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifyPGError("list_stale_paused_tasks: scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetParallelInvocations reads every parallel_invocation row for a task,
// keyed by invocation_id, for context reconstruction on restore.
func (s *Store) GetParallelInvocations(ctx context.Context, logicalTaskID string) (map[string]ParallelInvocationState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT invocation_id, total_expected, completed_count, results
		FROM parallel_invocation WHERE logical_task_id = $1`, logicalTaskID)
	if err != nil {
		return nil, classifyPGError("get_parallel_invocations: select", err)
	}
	defer rows.Close()

	states := make(map[string]ParallelInvocationState)
	for rows.Next() {
		var invocationID, resultsJSON string
		var state ParallelInvocationState
		if err := rows.Scan(&invocationID, &state.TotalExpected, &state.CompletedCount, &resultsJSON); err != nil {
			return nil, classifyPGError("get_parallel_invocations: scan", err)
		}
		results, err := decodeResults(resultsJSON)
		if err != nil {
			return nil, errs.Wrap(errs.CodeCheckpointFatal, "get_parallel_invocations: decode results", err)
		}
		state.Results = results
		states[invocationID] = state
	}
	return states, rows.Err()
}

// ResetTimeoutDeadline extends a peer_sub_task's timeout_deadline, used
// when a peer sends an intermediate status. Returns false if no such row
// exists (already claimed).
func (s *Store) ResetTimeoutDeadline(ctx context.Context, subTaskID string, newDeadline float64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE peer_sub_task SET timeout_deadline = $1 WHERE sub_task_id = $2`, newDeadline, subTaskID)
	if err != nil {
		return false, classifyPGError("reset_timeout_deadline: update", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RestoreTask reads back the paused-task row for reconstruction, or nil if
// no such task is paused.
func (s *Store) RestoreTask(ctx context.Context, logicalTaskID string) (*PausedTaskSnapshot, error) {
	var snap PausedTaskSnapshot
	row := s.pool.QueryRow(ctx, `
		SELECT logical_task_id, agent_name, a2a_context, effective_session_id, user_id,
			current_invocation_id, produced_artifacts, artifact_signals, response_buffer,
			flags, security_context, token_usage, checkpointed_at
		FROM paused_task WHERE logical_task_id = $1`, logicalTaskID)
	err := row.Scan(
		&snap.LogicalTaskID, &snap.AgentName, &snap.A2AContext, &snap.EffectiveSessionID, &snap.UserID,
		&snap.CurrentInvocationID, &snap.ProducedArtifacts, &snap.ArtifactSignals, &snap.ResponseBuffer,
		&snap.Flags, &snap.SecurityContext, &snap.TokenUsage, &snap.CheckpointedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyPGError("restore_task: select", err)
	}
	return &snap, nil
}

// CleanupTask deletes all rows for logicalTaskID across the three tables.
// Explicit rather than relying on ON DELETE CASCADE support, which varies
// across backends. Calling it twice is a no-op.
func (s *Store) CleanupTask(ctx context.Context, logicalTaskID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyPGError("cleanup_task: begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM parallel_invocation WHERE logical_task_id = $1`, logicalTaskID); err != nil {
		return classifyPGError("cleanup_task: delete parallel_invocation", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM peer_sub_task WHERE logical_task_id = $1`, logicalTaskID); err != nil {
		return classifyPGError("cleanup_task: delete peer_sub_task", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM paused_task WHERE logical_task_id = $1`, logicalTaskID); err != nil {
		return classifyPGError("cleanup_task: delete paused_task", err)
	}
	return classifyPGError("cleanup_task: commit", tx.Commit(ctx))
}

// GetPeerSubTasksForTask enumerates the peer_sub_task rows for
// logicalTaskID, used by the coordinator's cancellation fan-out.
func (s *Store) GetPeerSubTasksForTask(ctx context.Context, logicalTaskID string) ([]PeerSubTaskRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sub_task_id, logical_task_id, invocation_id, correlation_data, timeout_deadline, created_at
		FROM peer_sub_task WHERE logical_task_id = $1`, logicalTaskID)
	if err != nil {
		return nil, classifyPGError("get_peer_sub_tasks_for_task: query", err)
	}
	defer rows.Close()
	return scanPeerSubTaskRows(rows)
}

// SweepExpiredTimeouts finds up to limit peer_sub_task rows owned by
// agentName whose timeout_deadline has passed. Callers must then attempt
// ClaimPeerSubTask for each returned row, since another replica may race
// to claim it first
func (s *Store) SweepExpiredTimeouts(ctx context.Context, agentName string, limit int) ([]ExpiredTimeout, error) {
	now := float64(time.Now().Unix())
	rows, err := s.pool.Query(ctx, `
		SELECT p.sub_task_id, p.logical_task_id, p.invocation_id
		FROM peer_sub_task p
		JOIN paused_task t ON t.logical_task_id = p.logical_task_id
		WHERE t.agent_name = $1 AND p.timeout_deadline IS NOT NULL AND p.timeout_deadline < $2
		ORDER BY p.timeout_deadline ASC
		LIMIT $3`, agentName, now, limit)
	if err != nil {
		return nil, classifyPGError("sweep_expired_timeouts: query", err)
	}
	defer rows.Close()

	var out []ExpiredTimeout
	for rows.Next() {
		var e ExpiredTimeout
		if err := rows.Scan(&e.SubTaskID, &e.LogicalTaskID, &e.InvocationID); err != nil {
			return nil, classifyPGError("sweep_expired_timeouts: scan", err)
		}
		out = append(out, e)
	}
	return out, classifyPGError("sweep_expired_timeouts: rows", rows.Err())
}

func scanPeerSubTaskRows(rows pgx.Rows) ([]PeerSubTaskRow, error) {
	var out []PeerSubTaskRow
	for rows.Next() {
		var r PeerSubTaskRow
		var correlationJSON string
		if err := rows.Scan(&r.SubTaskID, &r.LogicalTaskID, &r.InvocationID, &correlationJSON, &r.TimeoutDeadline, &r.CreatedAt); err != nil {
			return nil, classifyPGError("scan peer_sub_task row", err)
		}
		corr, err := decodeCorrelation(correlationJSON)
		if err != nil {
			return nil, errs.Wrap(errs.CodeCheckpointFatal, "decode correlation", err)
		}
		r.Correlation = *corr
		out = append(out, r)
	}
	return out, classifyPGError("rows iteration", rows.Err())
}
