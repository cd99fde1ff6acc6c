// Package checkpoint implements the relational checkpoint store of
// three tables (paused_task, peer_sub_task,
// parallel_invocation) and the atomic claim/increment primitives any agent
// replica uses to resume a task after a crash, restart, or broker
// redelivery. Backed by PostgreSQL via pgx with hand-written SQL in
// explicit transactions.
package checkpoint

// PeerCorrelation identifies one outstanding peer delegation.
type PeerCorrelation struct {
	InvocationID     string `json:"invocationId"`
	PeerAgentName    string `json:"peerAgentName"`
	ToolCallID       string `json:"toolCallId"`
	TimeoutSeconds   int    `json:"timeoutSeconds,omitempty"`
	ParallelGroupID  string `json:"parallelGroupId,omitempty"`
}

// ParallelResult is one completed sub-task's result as recorded in the
// parallel_invocation row's results array, in the arrival order of the
// replies.
type ParallelResult struct {
	SubTaskID string `json:"subTaskId"`
	Payload   []byte `json:"payload"` // opaque JSON-encoded ToolResult
}

// PausedTaskSnapshot is the row shape read back by RestoreTask, mirroring
// the paused_task table.
type PausedTaskSnapshot struct {
	LogicalTaskID       string
	AgentName           string
	A2AContext          []byte // opaque JSON
	EffectiveSessionID  string
	UserID              string
	CurrentInvocationID string
	ProducedArtifacts   []byte // JSON array
	ArtifactSignals     []byte // JSON array
	ResponseBuffer      string
	Flags               []byte // JSON
	SecurityContext     []byte // JSON
	TokenUsage          []byte // JSON
	CheckpointedAt      float64
}

// PeerSubTaskRow is one row of the peer_sub_task table, as enumerated by
// GetPeerSubTasksForTask and SweepExpiredTimeouts.
type PeerSubTaskRow struct {
	SubTaskID       string
	LogicalTaskID   string
	InvocationID    string
	Correlation     PeerCorrelation
	TimeoutDeadline *float64
	CreatedAt       float64
}

// ExpiredTimeout is one row returned by SweepExpiredTimeouts.
type ExpiredTimeout struct {
	SubTaskID     string
	LogicalTaskID string
	InvocationID  string
}

// CheckpointInput bundles everything Checkpoint persists in one
// transaction: the paused-task row plus its in-flight peer sub-tasks and
// parallel-invocation records
type CheckpointInput struct {
	LogicalTaskID       string
	AgentName           string
	A2AContext          []byte
	EffectiveSessionID  string
	UserID              string
	CurrentInvocationID string
	ProducedArtifacts   []byte
	ArtifactSignals     []byte
	ResponseBuffer      string
	Flags               []byte
	SecurityContext     []byte
	TokenUsage          []byte
	CheckpointedAt      float64

	// ActivePeerSubTasks maps sub_task_id -> PeerCorrelation, mirroring
	// TaskExecutionContext.active_peer_sub_tasks.
	ActivePeerSubTasks map[string]PeerCorrelation

	// ParallelInvocations maps invocation_id -> in-flight fan-out state.
	ParallelInvocations map[string]ParallelInvocationState
}

// ParallelInvocationState is the counters/results persisted for one
// fan-out group.
type ParallelInvocationState struct {
	TotalExpected  int
	CompletedCount int
	Results        []ParallelResult
}
