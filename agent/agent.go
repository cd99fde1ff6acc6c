// Package agent implements the agent component: it owns
// the broker subscriptions for one named agent, the task run loop tying
// the LLM adapter, tool runtime, sandbox runner, and peer-delegation
// coordinator together, the periodic timers, the discovery heartbeat, and
// the startup/shutdown lifecycle. All collaborators are injected at
// construction; the package holds no global state.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/blobstore"
	"github.com/solacelabs/sam-core/broker"
	"github.com/solacelabs/sam-core/checkpoint"
	"github.com/solacelabs/sam-core/coordinator"
	"github.com/solacelabs/sam-core/internal/telemetry"
	"github.com/solacelabs/sam-core/registry"
	"github.com/solacelabs/sam-core/sandbox"
	"github.com/solacelabs/sam-core/taskctx"
	"github.com/solacelabs/sam-core/toolruntime"
	"github.com/solacelabs/sam-core/translator"
)

// Store is the checkpoint surface the agent itself needs, beyond what the
// coordinator consumes. *checkpoint.Store satisfies it.
type Store interface {
	coordinator.Store
	Checkpoint(ctx context.Context, in checkpoint.CheckpointInput) error
	RestoreTask(ctx context.Context, logicalTaskID string) (*checkpoint.PausedTaskSnapshot, error)
	GetParallelInvocations(ctx context.Context, logicalTaskID string) (map[string]checkpoint.ParallelInvocationState, error)
	ListStalePausedTasks(ctx context.Context, agentName string, olderThan float64, limit int) ([]string, error)
}

// ToolKind selects how a registered tool executes.
type ToolKind int

const (
	// ToolInProcess evaluates the tool through the in-process runtime.
	ToolInProcess ToolKind = iota
	// ToolSandbox runs the tool in an isolated OS process.
	ToolSandbox
)

// ToolBinding declares a tool's execution mode as a tagged variant:
// in-process or sandboxed, and whether calls within one turn may run
// concurrently. Synchronous tool work always executes on the worker pool
// (the task's run loop is itself pool-dispatched); ParallelSafe tools
// additionally fan out across pool slots, all others are serialized in
// call order.
type ToolBinding struct {
	Kind         ToolKind
	ParallelSafe bool

	// Sandbox-only fields.
	Profile sandbox.Profile
	Module  string
	Timeout time.Duration
}

// Config parameterizes one agent instance.
type Config struct {
	Name      string
	Namespace string
	GatewayID string
	AppName   string

	Card a2a.AgentCard

	// HeartbeatInterval is the AgentCard broadcast cadence.
	HeartbeatInterval time.Duration
	// CleanupInterval drives the stream-buffer cleanup timer.
	CleanupInterval time.Duration
	// RetentionInterval drives the data-retention timer.
	RetentionInterval time.Duration
	// StaleTaskThreshold is how old a paused-task row must be before the
	// retention timer flags it.
	StaleTaskThreshold time.Duration

	// WorkerPoolSize bounds concurrently executing blocking work.
	WorkerPoolSize int

	// BatchThresholdBytes configures the translator's text coalescing.
	BatchThresholdBytes int

	// TrackTokenUsage gates token usage accumulation (default off).
	TrackTokenUsage bool

	// DefaultArtifacts lists local files uploaded once at startup under
	// the reserved defaults user id.
	DefaultArtifacts []string

	// PeerTimeout is the default peer delegation timeout.
	PeerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.StaleTaskThreshold <= 0 {
		c.StaleTaskThreshold = 24 * time.Hour
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 4
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 60 * time.Second
	}
	return c
}

// runningTask is the in-memory record of one task currently held by this
// replica. A task is either here or fully materialized in the checkpoint
// store, never both.
type runningTask struct {
	tc         *taskctx.Context
	tr         *translator.Translator
	cancel     context.CancelFunc
	lastActive time.Time
	terminal   bool
}

// Agent owns one agent's broker subscriptions, timers, and task table.
type Agent struct {
	cfg    Config
	client broker.Client
	topics a2a.Topics
	store  Store
	coord  *coordinator.Coordinator
	tools  *toolruntime.Registry
	binds  map[string]ToolBinding
	sbx    *sandbox.Runner
	blobs  *blobstore.ArtifactStore
	reg    *registry.Registry
	llm    LLM

	log     telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	pool *errgroup.Group

	hbLimiter *rate.Limiter

	mu    sync.Mutex
	tasks map[string]*runningTask

	cancelRun context.CancelFunc
	unsubs    []func()
	timers    []*time.Ticker
	timerWG   sync.WaitGroup
}

// Options carries the collaborators an Agent is constructed from.
type Options struct {
	Broker   broker.Client
	Store    Store
	Tools    *toolruntime.Registry
	Bindings map[string]ToolBinding
	Sandbox  *sandbox.Runner
	Blobs    *blobstore.ArtifactStore
	Registry *registry.Registry
	LLM      LLM
	Logger   telemetry.Logger
	Tracer   telemetry.Tracer
	Metrics  telemetry.Metrics
}

// New constructs an Agent and its coordinator. Start must be called before
// the agent processes any traffic.
func New(cfg Config, opts Options) *Agent {
	cfg = cfg.withDefaults()
	log := opts.Logger
	if log == nil {
		log = telemetry.Noop{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Noop{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Noop{}
	}

	a := &Agent{
		cfg:       cfg,
		client:    opts.Broker,
		topics:    a2a.Topics{Namespace: cfg.Namespace},
		store:     opts.Store,
		tools:     opts.Tools,
		binds:     opts.Bindings,
		sbx:       opts.Sandbox,
		blobs:     opts.Blobs,
		reg:       opts.Registry,
		llm:       opts.LLM,
		log:       log,
		tracer:    tracer,
		metrics:   metrics,
		hbLimiter: rate.NewLimiter(rate.Every(cfg.HeartbeatInterval/2), 1),
		tasks:     make(map[string]*runningTask),
	}
	if a.binds == nil {
		a.binds = make(map[string]ToolBinding)
	}

	coordCfg := coordinator.DefaultConfig(cfg.Name)
	coordCfg.DefaultTimeout = cfg.PeerTimeout
	a.coord = coordinator.New(coordCfg, opts.Store, opts.Broker, a.topics, a, log)
	return a
}

// Coordinator exposes the agent's peer-delegation coordinator, mainly for
// tests and for gateway-side cancellation plumbing.
func (a *Agent) Coordinator() *coordinator.Coordinator { return a.coord }

// Start subscribes to this agent's request/response and discovery topics,
// uploads default artifacts, and launches the periodic timers and the
// coordinator's timeout sweeper.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelRun = cancel

	a.pool = &errgroup.Group{}
	a.pool.SetLimit(a.cfg.WorkerPoolSize)

	if err := a.loadDefaultArtifacts(ctx); err != nil {
		cancel()
		return err
	}

	subs := []struct {
		topic   string
		handler broker.Handler
	}{
		{a.topics.AgentRequest(a.cfg.Name), a.handleRequest},
		{a.topics.AgentResponse(a.cfg.Name), a.handlePeerResponse},
		{a.topics.Discovery(), a.handleDiscovery},
	}
	for _, s := range subs {
		unsub, err := a.client.Subscribe(runCtx, s.topic, s.handler)
		if err != nil {
			cancel()
			a.closeSubscriptions()
			return err
		}
		a.unsubs = append(a.unsubs, unsub)
	}

	a.coord.Start(runCtx)
	if a.sbx != nil {
		a.sbx.StartSweeper(runCtx, 10*time.Minute)
	}
	if a.reg != nil {
		a.reg.Start(runCtx)
	}

	a.startTimer(runCtx, a.cfg.HeartbeatInterval, a.broadcastHeartbeat)
	a.startTimer(runCtx, a.cfg.CleanupInterval, a.cleanupStreamBuffers)
	a.startTimer(runCtx, a.cfg.RetentionInterval, a.sweepRetention)

	// Broadcast once immediately so peers discover this agent without
	// waiting a full heartbeat interval.
	a.broadcastHeartbeat(runCtx)

	a.log.Info(ctx, "agent started", "agent", a.cfg.Name, "namespace", a.cfg.Namespace)
	return nil
}

// Stop shuts the agent down in dependency order: cancel
// timers, stop sweepers, drain in-flight tasks to checkpoints, close
// broker subscriptions.
func (a *Agent) Stop(ctx context.Context) {
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.timerWG.Wait()

	if a.sbx != nil {
		a.sbx.StopSweeper()
	}
	a.coord.Stop()
	if a.reg != nil {
		a.reg.Stop()
	}

	a.drainTasks(ctx)

	if a.pool != nil {
		_ = a.pool.Wait()
	}
	a.closeSubscriptions()
	a.log.Info(ctx, "agent stopped", "agent", a.cfg.Name)
}

func (a *Agent) closeSubscriptions() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
}

// startTimer launches one cancellable periodic timer. All timers stop when
// the run context is cancelled, before thread-pool shutdown.
func (a *Agent) startTimer(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	a.timers = append(a.timers, ticker)
	a.timerWG.Add(1)
	go func() {
		defer a.timerWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// broadcastHeartbeat publishes this agent's AgentCard to the discovery
// topic. The rate limiter guards against double broadcasts when the
// startup broadcast races the first ticker fire.
func (a *Agent) broadcastHeartbeat(ctx context.Context) {
	if !a.hbLimiter.Allow() {
		return
	}
	card := a.cfg.Card
	if card.Name == "" {
		card.Name = a.cfg.Name
	}
	body, err := json.Marshal(card)
	if err != nil {
		a.log.Error(ctx, "marshal agent card", "error", err)
		return
	}
	if err := a.client.Publish(ctx, a.topics.Discovery(), body, nil); err != nil {
		a.log.Warn(ctx, "heartbeat publish failed", "error", err)
		return
	}
	a.metrics.IncrCounter("agent_heartbeats_total", 1, "agent", a.cfg.Name)
}

// cleanupStreamBuffers evicts finished tasks' in-memory records once their
// stream buffers have been idle past the cleanup interval.
func (a *Agent) cleanupStreamBuffers(ctx context.Context) {
	cutoff := time.Now().Add(-a.cfg.CleanupInterval)
	a.mu.Lock()
	for id, rt := range a.tasks {
		if rt.terminal && rt.lastActive.Before(cutoff) {
			delete(a.tasks, id)
		}
	}
	a.mu.Unlock()
}

// sweepRetention flags paused-task rows whose checkpointed_at is older
// than the staleness threshold recovery policy. Rows are
// flagged, not deleted: a later replica may still resume them.
func (a *Agent) sweepRetention(ctx context.Context) {
	olderThan := float64(time.Now().Add(-a.cfg.StaleTaskThreshold).UnixNano()) / 1e9
	stale, err := a.store.ListStalePausedTasks(ctx, a.cfg.Name, olderThan, 100)
	if err != nil {
		a.log.Error(ctx, "retention sweep failed", "error", err)
		return
	}
	for _, id := range stale {
		a.log.Warn(ctx, "paused task exceeds staleness threshold", "taskId", id, "threshold", a.cfg.StaleTaskThreshold.String())
	}
	a.metrics.SetGauge("agent_stale_paused_tasks", float64(len(stale)), "agent", a.cfg.Name)
}

// drainTasks checkpoints every in-flight task so another replica can
// resume it.
func (a *Agent) drainTasks(ctx context.Context) {
	a.mu.Lock()
	running := make([]*runningTask, 0, len(a.tasks))
	for _, rt := range a.tasks {
		if !rt.terminal {
			running = append(running, rt)
		}
	}
	a.mu.Unlock()

	for _, rt := range running {
		rt.cancel()
		if err := a.checkpointTask(ctx, rt.tc); err != nil {
			a.log.Error(ctx, "drain checkpoint failed", "taskId", rt.tc.TaskID, "error", err)
		}
	}
}

// handleDiscovery feeds broadcast AgentCards into the registry.
func (a *Agent) handleDiscovery(ctx context.Context, msg *broker.Message) {
	defer ack(msg)
	if a.reg == nil {
		return
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(msg.Payload, &card); err != nil || card.Name == "" {
		a.log.Debug(ctx, "malformed agent card dropped", "topic", msg.Topic)
		return
	}
	if card.Name == a.cfg.Name {
		return
	}
	a.reg.Upsert(card)
}

func ack(msg *broker.Message) {
	if msg.Ack != nil {
		msg.Ack()
	}
}
