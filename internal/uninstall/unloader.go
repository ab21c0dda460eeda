package uninstall

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/doughall/collector/internal/executor"
)

// DefaultUnloadCommand removes the collector module from the running kernel.
var DefaultUnloadCommand = []string{"rmmod", "collector"}

// CommandUnloader unloads the kernel module by running an external command.
type CommandUnloader struct {
	exec    *executor.Executor
	argv    []string
	timeout time.Duration
}

// NewCommandUnloader creates an unloader running argv with the given timeout.
// An empty argv falls back to DefaultUnloadCommand.
func NewCommandUnloader(argv []string, timeout time.Duration) *CommandUnloader {
	if len(argv) == 0 {
		argv = DefaultUnloadCommand
	}
	return &CommandUnloader{
		exec:    executor.New(),
		argv:    argv,
		timeout: timeout,
	}
}

// Unload runs the unload command. Non-zero exit and timeout are errors.
func (u *CommandUnloader) Unload(ctx context.Context) error {
	result, err := u.exec.Execute(ctx, u.argv, u.timeout)
	if err != nil {
		return fmt.Errorf("run %s: %w", u.argv[0], err)
	}
	if result.TimedOut {
		return fmt.Errorf("%s timed out after %s", u.argv[0], u.timeout)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s",
			u.argv[0], result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}
