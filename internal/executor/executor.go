// executor.go runs privileged external commands (such as the kernel module unload)
// with a timeout and process group management.
// Commands are executed directly from an argv, never through a shell, and all child
// processes are killed on timeout so the caller never hangs on a stuck tool.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrEmptyCommand is returned when Execute is called without an argv.
var ErrEmptyCommand = errors.New("empty command")

// sbinDirs are searched when a binary is not found in $PATH.
// Service managers often start the agent with a minimal PATH lacking /sbin.
var sbinDirs = []string{"/usr/sbin", "/sbin", "/usr/bin", "/bin"}

// Executor runs external commands with timeout and output capture.
type Executor struct {
	// WaitDelay bounds how long Wait blocks for orphaned output pipes after kill.
	WaitDelay time.Duration
}

// New creates a new Executor with default settings.
func New() *Executor {
	return &Executor{
		WaitDelay: 5 * time.Second,
	}
}

// LookPath resolves name to an executable path. Names containing a slash are
// returned unchanged. Otherwise $PATH is searched first, then the sbin directories.
func LookPath(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyCommand
	}
	if filepath.Base(name) != name {
		return name, nil
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	for _, dir := range sbinDirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("command not found: %s", name)
}

// Execute runs argv with the given timeout.
// It creates a new process group and kills all processes in the group on timeout.
// A non-zero exit or a timeout is reported in Result, not as an error; the error
// return is reserved for commands that could not be started at all.
func (e *Executor) Execute(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	path, err := LookPath(argv[0])
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, path, argv[1:]...)

	// Create new process group so we can kill all children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Kill entire process group (negative PID)
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = e.WaitDelay

	result := &Result{
		StartedAt: time.Now(),
	}

	err = cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}

		return nil, fmt.Errorf("execution failed: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}
