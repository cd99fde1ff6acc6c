package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/checkpoint"
	"github.com/solacelabs/sam-core/taskctx"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	failNext  bool
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

type fakeStore struct {
	mu           sync.Mutex
	subTasks     map[string]subTaskEntry
	parallel     map[string]*parallelEntry
	expired      []checkpoint.ExpiredTimeout
	resetCalls   []string
	cleanupCalls []string
}

type subTaskEntry struct {
	logicalTaskID string
	corr          checkpoint.PeerCorrelation
}

type parallelEntry struct {
	total   int
	results []checkpoint.ParallelResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subTasks: make(map[string]subTaskEntry),
		parallel: make(map[string]*parallelEntry),
	}
}

func (f *fakeStore) addSubTask(subTaskID, logicalTaskID string, corr checkpoint.PeerCorrelation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subTasks[subTaskID] = subTaskEntry{logicalTaskID: logicalTaskID, corr: corr}
}

func (f *fakeStore) addParallelGroup(key string, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parallel[key] = &parallelEntry{total: total}
}

func parallelKey(logicalTaskID, invocationID string) string { return logicalTaskID + "|" + invocationID }

func (f *fakeStore) ClaimPeerSubTaskWithTask(_ context.Context, subTaskID string) (string, *checkpoint.PeerCorrelation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.subTasks[subTaskID]
	if !ok {
		return "", nil, nil
	}
	delete(f.subTasks, subTaskID)
	corr := entry.corr
	return entry.logicalTaskID, &corr, nil
}

func (f *fakeStore) RecordParallelResult(_ context.Context, logicalTaskID, invocationID string, result checkpoint.ParallelResult) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := f.parallel[parallelKey(logicalTaskID, invocationID)]
	entry.results = append(entry.results, result)
	return len(entry.results), entry.total, nil
}

func (f *fakeStore) GetParallelResults(_ context.Context, logicalTaskID, invocationID string) ([]checkpoint.ParallelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := f.parallel[parallelKey(logicalTaskID, invocationID)]
	return entry.results, nil
}

func (f *fakeStore) ResetTimeoutDeadline(_ context.Context, subTaskID string, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, subTaskID)
	_, ok := f.subTasks[subTaskID]
	return ok, nil
}

func (f *fakeStore) GetPeerSubTasksForTask(_ context.Context, logicalTaskID string) ([]checkpoint.PeerSubTaskRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []checkpoint.PeerSubTaskRow
	for subTaskID, entry := range f.subTasks {
		if entry.logicalTaskID == logicalTaskID {
			rows = append(rows, checkpoint.PeerSubTaskRow{SubTaskID: subTaskID, LogicalTaskID: logicalTaskID, Correlation: entry.corr})
		}
	}
	return rows, nil
}

func (f *fakeStore) CleanupTask(_ context.Context, logicalTaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls = append(f.cleanupCalls, logicalTaskID)
	return nil
}

func (f *fakeStore) SweepExpiredTimeouts(_ context.Context, _ string, _ int) ([]checkpoint.ExpiredTimeout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired, nil
}

type fakeResumer struct {
	mu              sync.Mutex
	singleCalls     []checkpoint.ParallelResult
	parallelResults [][]checkpoint.ParallelResult
}

func (r *fakeResumer) ResumeSingle(_ context.Context, _, _ string, result checkpoint.ParallelResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singleCalls = append(r.singleCalls, result)
	return nil
}

func (r *fakeResumer) ResumeParallel(_ context.Context, _, _ string, results []checkpoint.ParallelResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parallelResults = append(r.parallelResults, results)
	return nil
}

func TestDelegateToPeer_PublishesAndTracksCorrelation(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	resumer := &fakeResumer{}
	c := New(DefaultConfig("agent-a"), store, pub, a2a.Topics{Namespace: "ns"}, resumer, nil)

	tc := taskctx.New("task-1", a2a.A2AContext{ContextID: "sess-1"})
	msg := &a2a.Message{Role: "user", Parts: []*a2a.Part{{Kind: a2a.PartKindText, Text: "hi"}}}

	err := c.DelegateToPeer(context.Background(), tc, "peer-b", "call-1", msg, time.Second)
	require.NoError(t, err)
	assert.True(t, tc.HasInFlightPeers())
	assert.Len(t, pub.published, 1)
	assert.Equal(t, "ns/agent/peer-b/request", pub.published[0].topic)
}

func TestDelegateToPeer_PublishFailureUnwindsCorrelation(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{failNext: true}
	c := New(DefaultConfig("agent-a"), store, pub, a2a.Topics{Namespace: "ns"}, &fakeResumer{}, nil)

	tc := taskctx.New("task-1", a2a.A2AContext{})
	msg := &a2a.Message{Role: "user"}

	err := c.DelegateToPeer(context.Background(), tc, "peer-b", "call-1", msg, time.Second)
	require.Error(t, err)
	assert.False(t, tc.HasInFlightPeers())
}

func TestHandlePeerResponse_SingleDelegationResumesImmediately(t *testing.T) {
	store := newFakeStore()
	store.addSubTask("sub-1", "task-1", checkpoint.PeerCorrelation{InvocationID: "inv-1", PeerAgentName: "peer-b"})
	resumer := &fakeResumer{}
	c := New(DefaultConfig("agent-a"), store, &fakePublisher{}, a2a.Topics{Namespace: "ns"}, resumer, nil)

	result := checkpoint.ParallelResult{SubTaskID: "sub-1", Payload: []byte(`{"ok":true}`)}
	err := c.HandlePeerResponse(context.Background(), "sub-1", nil, result)
	require.NoError(t, err)
	require.Len(t, resumer.singleCalls, 1)
	assert.Equal(t, result, resumer.singleCalls[0])
}

func TestHandlePeerResponse_AlreadyClaimedIsDropped(t *testing.T) {
	store := newFakeStore() // no sub-task registered
	resumer := &fakeResumer{}
	c := New(DefaultConfig("agent-a"), store, &fakePublisher{}, a2a.Topics{Namespace: "ns"}, resumer, nil)

	err := c.HandlePeerResponse(context.Background(), "sub-missing", nil, checkpoint.ParallelResult{SubTaskID: "sub-missing"})
	require.NoError(t, err)
	assert.Empty(t, resumer.singleCalls)
}

func TestHandlePeerResponse_ParallelGroupResumesOnlyWhenComplete(t *testing.T) {
	store := newFakeStore()
	store.addParallelGroup(parallelKey("task-1", "inv-1"), 2)
	store.addSubTask("sub-1", "task-1", checkpoint.PeerCorrelation{InvocationID: "inv-1", ParallelGroupID: "inv-1"})
	store.addSubTask("sub-2", "task-1", checkpoint.PeerCorrelation{InvocationID: "inv-1", ParallelGroupID: "inv-1"})
	resumer := &fakeResumer{}
	c := New(DefaultConfig("agent-a"), store, &fakePublisher{}, a2a.Topics{Namespace: "ns"}, resumer, nil)

	err := c.HandlePeerResponse(context.Background(), "sub-1", nil, checkpoint.ParallelResult{SubTaskID: "sub-1"})
	require.NoError(t, err)
	assert.Empty(t, resumer.parallelResults, "must not resume until every expected reply lands")

	err = c.HandlePeerResponse(context.Background(), "sub-2", nil, checkpoint.ParallelResult{SubTaskID: "sub-2"})
	require.NoError(t, err)
	require.Len(t, resumer.parallelResults, 1)
	assert.Len(t, resumer.parallelResults[0], 2)
}

func TestHandlePeerResponse_IntermediateStatusResetsDeadlineWithoutClaiming(t *testing.T) {
	store := newFakeStore()
	store.addSubTask("sub-1", "task-1", checkpoint.PeerCorrelation{InvocationID: "inv-1", TimeoutSeconds: 30})
	resumer := &fakeResumer{}
	c := New(DefaultConfig("agent-a"), store, &fakePublisher{}, a2a.Topics{Namespace: "ns"}, resumer, nil)

	status := &a2a.TaskStatusUpdateEvent{Status: &a2a.TaskStatus{State: a2a.TaskStateWorking}}
	err := c.HandlePeerResponse(context.Background(), "sub-1", status, checkpoint.ParallelResult{})
	require.NoError(t, err)
	assert.Empty(t, resumer.singleCalls)
	assert.Contains(t, store.resetCalls, "sub-1")
	_, stillThere := store.subTasks["sub-1"]
	assert.True(t, stillThere, "intermediate status must not claim the row")
}

func TestCancelTask_PublishesCancelToEveryPeerThenCleansUp(t *testing.T) {
	store := newFakeStore()
	store.addSubTask("sub-1", "task-1", checkpoint.PeerCorrelation{PeerAgentName: "peer-b"})
	store.addSubTask("sub-2", "task-1", checkpoint.PeerCorrelation{PeerAgentName: "peer-c"})
	pub := &fakePublisher{}
	c := New(DefaultConfig("agent-a"), store, pub, a2a.Topics{Namespace: "ns"}, &fakeResumer{}, nil)

	err := c.CancelTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Len(t, pub.published, 2)
	assert.Contains(t, store.cleanupCalls, "task-1")
}

func TestSweepOnce_ResumesExpiredSingleDelegationWithTimeoutError(t *testing.T) {
	store := newFakeStore()
	store.addSubTask("sub-1", "task-1", checkpoint.PeerCorrelation{InvocationID: "inv-1"})
	store.expired = []checkpoint.ExpiredTimeout{{SubTaskID: "sub-1", LogicalTaskID: "task-1", InvocationID: "inv-1"}}
	resumer := &fakeResumer{}
	c := New(DefaultConfig("agent-a"), store, &fakePublisher{}, a2a.Topics{Namespace: "ns"}, resumer, nil)

	c.sweepOnce(context.Background())
	require.Len(t, resumer.singleCalls, 1)
	assert.Contains(t, string(resumer.singleCalls[0].Payload), "PEER_TIMEOUT")
}
