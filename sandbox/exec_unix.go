//go:build unix

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/solacelabs/sam-core/errs"
)

// mkfifo creates a named pipe at path work
// directory layout ("status.pipe").
func mkfifo(path string, mode uint32) error {
	if err := syscall.Mkfifo(path, mode); err != nil {
		return fmt.Errorf("sandbox: mkfifo %s: %w", path, err)
	}
	return nil
}

// ulimitPrefix renders a profile's Limits as a POSIX shell "ulimit"
// command sequence. The child is execed from inside this shell so the
// limits apply to it before exec replaces the shell image, since Go's
// os/exec offers no portable pre-exec hook for setrlimit(2).
func ulimitPrefix(limits Limits) string {
	var b strings.Builder
	b.WriteString("ulimit -c 0")
	if limits.AddressSpaceBytes > 0 {
		fmt.Fprintf(&b, " -v %d", limits.AddressSpaceBytes/1024)
	}
	if limits.CPUSeconds > 0 {
		fmt.Fprintf(&b, " -t %d", limits.CPUSeconds)
	}
	if limits.FileSizeBytes > 0 {
		fmt.Fprintf(&b, " -f %d", limits.FileSizeBytes/1024)
	}
	if limits.OpenFiles > 0 {
		fmt.Fprintf(&b, " -n %d", limits.OpenFiles)
	}
	if limits.MaxProcesses > 0 {
		fmt.Fprintf(&b, " -u %d", limits.MaxProcesses)
	}
	b.WriteString(" 2>/dev/null;")
	return b.String()
}

// buildCommand constructs the child process for one invocation under the
// configured isolation Mode. Direct mode execs the tool binary under
// r.cfg.ToolsDir from inside a shell that first applies the resource
// limit profile via ulimit; bwrap mode wraps that same shell invocation
// in a bubblewrap sandbox (see bwrapArgs) that restricts the filesystem
// view and, under the restrictive profile only, unshares the network.
func (r *Runner) buildCommand(ctx context.Context, w workDirs, inv Invocation, profile Profile) (*exec.Cmd, error) {
	toolPath := filepath.Join(r.cfg.ToolsDir, inv.ToolFQN)
	_, limits := ResolveProfile(profile)
	shellCmd := ulimitPrefix(limits) + " exec " + strconv.Quote(toolPath)

	var cmd *exec.Cmd
	switch r.cfg.Mode {
	case ModeBwrap:
		cmd = exec.CommandContext(ctx, "bwrap", r.bwrapArgs(w, inv, profile, shellCmd)...)
	case ModeDirect:
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", shellCmd)
		cmd.Env = sandboxEnv(w, inv)
	default:
		return nil, errs.Errorf(errs.CodeSandboxKilled, "sandbox: unknown isolation mode %q", r.cfg.Mode)
	}

	cmd.Dir = w.root
	return cmd, nil
}

func sandboxEnv(w workDirs, inv Invocation) []string {
	return []string{
		"SANDBOX_INPUT_DIR=" + w.input,
		"SANDBOX_OUTPUT_DIR=" + w.output,
		"SANDBOX_STATUS_PIPE=" + w.statusPipe,
		"SANDBOX_TASK_ID=" + inv.TaskID,
	}
}

// bwrapArgs builds the whitelist-mount bubblewrap invocation: only /usr, /etc/resolv.conf, /etc/ssl, the tools dir, and
// the work dir (RW) are visible; /var/run/secrets is shadowed with a
// tmpfs; pid and user namespaces are unshared, the environment cleared,
// and the tool runs as nobody. Network is unshared only for the
// restrictive profile. /lib, /lib64, /bin, /sbin stay symlinks when the
// host expresses them as such (merged-/usr distros).
func (r *Runner) bwrapArgs(w workDirs, inv Invocation, profile Profile, shellCmd string) []string {
	args := []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf",
		"--ro-bind-try", "/etc/ssl", "/etc/ssl",
		"--ro-bind", r.cfg.ToolsDir, r.cfg.ToolsDir,
		"--bind", w.root, w.root,
		"--tmpfs", "/var/run/secrets",
		"--proc", "/proc",
		"--dev", "/dev",
		"--unshare-pid",
		"--unshare-user",
		"--clearenv",
		"--die-with-parent",
		"--uid", "65534",
		"--gid", "65534",
	}
	for _, dir := range []string{"/lib", "/lib64", "/bin", "/sbin"} {
		if target, err := os.Readlink(dir); err == nil {
			args = append(args, "--symlink", target, dir)
		} else {
			args = append(args, "--ro-bind-try", dir, dir)
		}
	}
	resolved, _ := ResolveProfile(profile)
	if resolved == ProfileRestrictive {
		args = append(args, "--unshare-net")
	}
	for _, kv := range sandboxEnv(w, inv) {
		k, v, _ := strings.Cut(kv, "=")
		args = append(args, "--setenv", k, v)
	}
	args = append(args, "--chdir", w.root, "/bin/sh", "-c", shellCmd)
	return args
}

// applyPreExecLimits installs a dedicated process group on cmd so the
// whole process tree it spawns can be signalled together on timeout. The
// resource-limit profile itself is
// applied inside the child's shell by buildCommand's ulimit prefix.
func applyPreExecLimits(cmd *exec.Cmd, _ Limits) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// signalGroup delivers sig to the whole process group started with
// Setpgid, so a tool that forked children is terminated along with it.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
