package core

// ProcessSupervisor spawns blueprint binaries as sandboxed child processes
// and reports status transitions over a channel.

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulAbortGrace is how long ProcessHandle.Abort waits after SIGTERM
// before escalating to SIGKILL.
const GracefulAbortGrace = 10 * time.Second

// ResourceLimits declares (not necessarily kernel-enforces) a process's
// resource bounds.
type ResourceLimits struct {
	CPUCount    float64
	MemoryBytes uint64
	StorageByte uint64
}

// SpawnSpec describes everything needed to start a blueprint binary.
type SpawnSpec struct {
	BinaryPath string
	Args       []string
	Env        map[string]string
	WorkDir    string
	Limits     ResourceLimits
	Stdout     *os.File
	Stderr     *os.File
}

// ProcessHandle is returned by Spawn. Status() and WaitForStatusChange()
// observe the process lifecycle; Abort() tears it down.
type ProcessHandle struct {
	mu      sync.Mutex
	current ProcessStatus
	statusCh chan ProcessStatus
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	log     *logrus.Entry
}

// ProcessSupervisor spawns and tracks blueprint child processes.
type ProcessSupervisor struct {
	log *logrus.Entry
}

// NewProcessSupervisor constructs a supervisor.
func NewProcessSupervisor(log *logrus.Entry) *ProcessSupervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ProcessSupervisor{log: log.WithField("component", "process_supervisor")}
}

// Spawn starts spec.BinaryPath as a child process. The child inherits only
// the explicit env map in spec.Env, never the parent's unfiltered
// environment.
func (ps *ProcessSupervisor) Spawn(spec SpawnSpec) (*ProcessHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, spec.BinaryPath, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = flattenEnv(spec.Env)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := &ProcessHandle{
		current:  StatusNotStarted,
		statusCh: make(chan ProcessStatus, 8),
		cmd:      cmd,
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      ps.log.WithField("binary", spec.BinaryPath),
	}

	h.setStatus(StatusPending)
	if err := cmd.Start(); err != nil {
		cancel()
		h.setStatus(StatusError)
		close(h.statusCh)
		return nil, &ProcessError{Kind: ProcessSpawnFailed, Err: err}
	}
	h.setStatus(StatusRunning)

	go h.waitLoop()
	return h, nil
}

func (h *ProcessHandle) waitLoop() {
	defer close(h.done)
	err := h.cmd.Wait()
	if err == nil {
		h.setStatus(StatusFinished)
	} else {
		var exitErr *exec.ExitError
		if ok := isExitError(err, &exitErr); ok && exitErr.ExitCode() == -1 {
			h.setStatus(StatusUnknown)
		} else {
			h.setStatus(StatusError)
		}
		h.log.WithError(err).Debug("process exited with error")
	}
	close(h.statusCh)
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func (h *ProcessHandle) setStatus(s ProcessStatus) {
	h.mu.Lock()
	h.current = s
	h.mu.Unlock()
	select {
	case h.statusCh <- s:
	default:
		// status_rx is advisory; Status() always returns the cached
		// latest value regardless of whether this send landed.
	}
}

// Status returns the most recently observed status without blocking.
func (h *ProcessHandle) Status() ProcessStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// WaitForStatusChange blocks until the next status transition, or returns
// ok=false if the channel has closed (permanent exit).
func (h *ProcessHandle) WaitForStatusChange(ctx context.Context) (ProcessStatus, bool) {
	select {
	case s, ok := <-h.statusCh:
		if !ok {
			return h.Status(), false
		}
		return s, true
	case <-ctx.Done():
		return h.Status(), true
	}
}

// Abort sends SIGTERM, waits up to GracefulAbortGrace, then SIGKILLs the
// process group. Safe to call more than once.
func (h *ProcessHandle) Abort() error {
	if h.cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(h.cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		h.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(GracefulAbortGrace):
	}

	h.cancel()
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		h.cmd.Process.Kill()
	}
	<-h.done
	return nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// rotatingSink opens a size-bounded stdout/stderr capture file, truncating
// it once it exceeds maxBytes rather than keeping rotated backlogs.
func rotatingSink(path string, maxBytes int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.Size() > maxBytes {
		f.Close()
		if err := os.Truncate(path, 0); err != nil {
			return nil, err
		}
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	return f, nil
}
