//go:build unix

// Package sandbox runs user-supplied tools in isolated OS processes: an
// isolated OS-process execution of a user-defined tool with a predictable
// filesystem layout and resource budget, while preserving the same
// ToolResult contract as in-process execution. Pre-exec resource limits and
// process-group isolation are irreducibly stdlib (os/exec, syscall)
// concerns — no example repo in the retrieval pack wires a third-party
// process sandboxing library; golang.org/x/sync/semaphore bounds
// concurrent invocations caps concurrent invocations per agent.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/solacelabs/sam-core/errs"
	"github.com/solacelabs/sam-core/internal/telemetry"
	"github.com/solacelabs/sam-core/toolruntime"
)

// Mode selects the isolation mechanism.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeBwrap  Mode = "bwrap"
)

// Profile names one of the three resource-limit presets
// item 4. An unknown profile falls back to ProfileStandard.
type Profile string

const (
	ProfileRestrictive Profile = "restrictive"
	ProfileStandard    Profile = "standard"
	ProfilePermissive  Profile = "permissive"
)

// Limits are the OS resource caps one profile applies.
type Limits struct {
	AddressSpaceBytes uint64
	CPUSeconds        uint64
	FileSizeBytes     uint64
	OpenFiles         uint64
	MaxProcesses      uint64
	CoreSizeBytes     uint64 // always 0; RLIMIT_CORE=0 unconditionally
}

// profileLimits holds the three resource presets. Unknown profiles
// resolve to standard.
var profileLimits = map[Profile]Limits{
	ProfileRestrictive: {AddressSpaceBytes: 256 << 20, CPUSeconds: 10, FileSizeBytes: 10 << 20, OpenFiles: 32, MaxProcesses: 8},
	ProfileStandard:    {AddressSpaceBytes: 1 << 30, CPUSeconds: 30, FileSizeBytes: 100 << 20, OpenFiles: 128, MaxProcesses: 32},
	ProfilePermissive:  {AddressSpaceBytes: 4 << 30, CPUSeconds: 120, FileSizeBytes: 1 << 30, OpenFiles: 512, MaxProcesses: 128},
}

// ResolveProfile returns the named profile's limits, falling back to
// ProfileStandard for any unknown name.
func ResolveProfile(name Profile) (Profile, Limits) {
	if limits, ok := profileLimits[name]; ok {
		return name, limits
	}
	return ProfileStandard, profileLimits[ProfileStandard]
}

// Config configures one Runner.
type Config struct {
	BaseDir                 string
	ToolsDir                string
	Mode                    Mode
	Profile                 Profile
	Timeout                 time.Duration
	MaxConcurrentExecutions int64 // bound on parallel sandbox invocations, default 2.
	HeartbeatInterval       time.Duration
	KillGracePeriod         time.Duration
	SweepAge                time.Duration
}

// DefaultConfig returns the runner's default limits and intervals.
func DefaultConfig(baseDir, toolsDir string) Config {
	return Config{
		BaseDir:                 baseDir,
		ToolsDir:                toolsDir,
		Mode:                    ModeDirect,
		Profile:                 ProfileStandard,
		Timeout:                 60 * time.Second,
		MaxConcurrentExecutions: 2,
		HeartbeatInterval:       10 * time.Second,
		KillGracePeriod:         5 * time.Second,
		SweepAge:                time.Hour,
	}
}

// Runner executes tools in isolated OS processes
type Runner struct {
	cfg  Config
	sem  *semaphore.Weighted
	log  telemetry.Logger
	done chan struct{}
	stop context.CancelFunc
}

// New constructs a Runner. It does not start the stale-work-directory
// sweeper; that runs only after StartSweeper.
func New(cfg Config, log telemetry.Logger) *Runner {
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = 2
	}
	if log == nil {
		log = telemetry.Noop{}
	}
	return &Runner{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrentExecutions), log: log}
}

// StartSweeper launches the stale-work-directory sweeper goroutine.
func (r *Runner) StartSweeper(ctx context.Context, interval time.Duration) {
	if r.stop != nil {
		return
	}
	ctx, r.stop = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepOnce()
			}
		}
	}()
}

// StopSweeper cancels the sweeper and waits for it to exit.
func (r *Runner) StopSweeper() {
	if r.stop == nil {
		return
	}
	r.stop()
	<-r.done
}

func (r *Runner) sweepOnce() {
	entries, err := os.ReadDir(r.cfg.BaseDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-r.cfg.SweepAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !e.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.RemoveAll(filepath.Join(r.cfg.BaseDir, e.Name()))
		}
	}
}

// StatusMessage is one NDJSON frame read from a tool's status pipe,
// tagged by Type.
type StatusMessage struct {
	Type      string          `json:"type"` // status | result | error | heartbeat
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// StatusSink receives StatusMessage frames as they arrive, for forwarding
// to the A2A translator.
type StatusSink func(StatusMessage)

// Invocation describes one tool execution request.
type Invocation struct {
	TaskID       string
	ToolFQN      string // executable under Config.ToolsDir that is execed; not resolved as a module or function name
	Args         map[string]any
	ArtifactRefs map[string]string   // param name -> "filename[:version]"
	ListRefs     map[string][]string // param name -> list of "filename[:version]"

	// Profile overrides the Runner's default profile when non-empty.
	Profile Profile
	// Timeout overrides the Runner's default wall-clock timeout when > 0.
	Timeout time.Duration
}

// safeJoin is the safe-filename check: it rejects
// any key that, after joining under base, escapes it.
func safeJoin(base, name string) (string, error) {
	if name == "" {
		return "", errors.New("sandbox: empty artifact name")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("sandbox: absolute artifact path %q", name)
	}
	if strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("sandbox: artifact path %q has a leading backslash", name)
	}
	joined := filepath.Join(base, name)
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: artifact path %q escapes the work directory", name)
	}
	return joined, nil
}

// workDirs is the layout of one invocation's work directory.
type workDirs struct {
	root       string
	input      string
	output     string
	statusPipe string
}

func newWorkDirs(baseDir, taskID string) workDirs {
	root := filepath.Join(baseDir, taskID)
	return workDirs{
		root:       root,
		input:      filepath.Join(root, "input"),
		output:     filepath.Join(root, "output"),
		statusPipe: filepath.Join(root, "status.pipe"),
	}
}

func (w workDirs) create() error {
	if err := os.MkdirAll(w.input, 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(w.output, 0o700); err != nil {
		return err
	}
	if err := mkfifo(w.statusPipe, 0o600); err != nil {
		return err
	}
	return nil
}

// Run executes one invocation end to end: work-directory layout, artifact
// pre-load, profile resolution, process spawn under the configured
// isolation mode, status-pipe consumption with heartbeat synthesis,
// timeout/kill escalation, output harvest, and unconditional cleanup.
func (r *Runner) Run(ctx context.Context, inv Invocation, loader toolruntime.ArtifactLoader, sink StatusSink) (*toolruntime.ToolResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.CodeSystemError, "sandbox: acquire concurrency slot", err)
	}
	defer r.sem.Release(1)

	w := newWorkDirs(r.cfg.BaseDir, inv.TaskID)
	if err := w.create(); err != nil {
		return nil, errs.Wrap(errs.CodeSandboxKilled, "sandbox: create work directory", err)
	}
	defer os.RemoveAll(w.root) // unconditional cleanup

	if _, err := r.preloadArtifacts(ctx, w, inv, loader); err != nil {
		return nil, err
	}

	requested := r.cfg.Profile
	if inv.Profile != "" {
		requested = inv.Profile
	}
	resolved, limits := ResolveProfile(requested)
	if resolved != requested {
		r.log.Warn(ctx, "sandbox: unknown profile, falling back to standard", "requested", string(requested))
	}

	cmd, err := r.buildCommand(ctx, w, inv, resolved)
	if err != nil {
		return nil, err
	}
	applyPreExecLimits(cmd, limits)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.CodeSandboxKilled, "sandbox: start child process", err)
	}

	statusDone := make(chan struct{})
	go r.consumeStatusPipe(w.statusPipe, sink, statusDone)

	timeout := r.cfg.Timeout
	if inv.Timeout > 0 {
		timeout = inv.Timeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	waitErr := r.waitWithTimeout(cmd, timeout)
	<-statusDone

	if waitErr != nil {
		return nil, waitErr
	}

	out := stdout.Bytes()
	var result toolruntime.ToolResult
	if len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			return nil, errs.Wrap(errs.CodeSandboxKilled, "sandbox: decode tool result", err)
		}
	} else {
		result.Status = toolruntime.ResultStatusSuccess
	}

	return r.harvestOutputs(w, result)
}

// waitWithTimeout escalates on timeout: SIGTERM first, then
// SIGKILL after KillGracePeriod.
func (r *Runner) waitWithTimeout(cmd *exec.Cmd, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return errs.Wrap(errs.CodeSandboxKilled, "sandbox: tool process exited with error", err)
		}
		return nil
	case <-time.After(timeout):
		_ = signalGroup(cmd.Process.Pid, syscall.SIGTERM)
		grace := r.cfg.KillGracePeriod
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case <-done:
			return errs.New(errs.CodeSandboxTimeout, "sandbox: tool timed out")
		case <-time.After(grace):
			_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
			<-done
			return errs.New(errs.CodeSandboxTimeout, "sandbox: tool timed out and was killed")
		}
	}
}

// consumeStatusPipe reads NDJSON StatusMessage frames from the status pipe
// as a tool writes them, synthesizing a heartbeat frame whenever the pipe
// has been quiet for longer than HeartbeatInterval item
// 7. The pipe is opened non-blocking so a tool that never writes status at
// all does not wedge this goroutine: the read end sees end-of-file as soon
// as there is no writer attached, per FIFO semantics.
func (r *Runner) consumeStatusPipe(path string, sink StatusSink, done chan struct{}) {
	defer close(done)

	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	heartbeatInterval := r.cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}

	reader := bufio.NewReader(f)
	lastActivity := time.Now()
	for {
		_ = f.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var msg StatusMessage
			if jsonErr := json.Unmarshal(bytes.TrimSpace(line), &msg); jsonErr == nil && sink != nil {
				sink(msg)
			}
			lastActivity = time.Now()
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if time.Since(lastActivity) >= heartbeatInterval {
					if sink != nil {
						sink(StatusMessage{Type: "heartbeat", Timestamp: time.Now().Unix()})
					}
					lastActivity = time.Now()
				}
				continue
			}
			return // EOF (no writer) or a hard read error
		}
	}
}
