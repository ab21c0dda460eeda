// Package uninstall runs the agent's self-uninstall sequence.
//
// The sequence is triggered by a client UNINSTALL command and is ordered and
// best-effort:
//
//  1. ask the kernel module to uninstall (control request)
//  2. stop accepting new connections
//  3. unload the kernel module from the running kernel
//  4. delete the agent's own executable
//
// Only step 1 decides the result sent to the client. Failures in steps 3 and 4
// are logged and never block or change the OK result.
package uninstall

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/doughall/collector/internal/wire"
)

// Dispatcher runs a command against the kernel module.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd wire.Command) wire.Result
}

// Unloader removes the kernel module from the running kernel.
type Unloader interface {
	Unload(ctx context.Context) error
}

// Orchestrator coordinates the self-uninstall sequence.
type Orchestrator struct {
	dispatcher Dispatcher
	unloader   Unloader
	selfDelete bool
	executable func() (string, error)
	remove     func(string) error
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSelfDelete controls whether the agent binary is removed. Default: true.
func WithSelfDelete(enabled bool) Option {
	return func(o *Orchestrator) { o.selfDelete = enabled }
}

// WithExecutable overrides how the agent's binary path is found. Used by tests.
func WithExecutable(fn func() (string, error)) Option {
	return func(o *Orchestrator) { o.executable = fn }
}

// WithRemove overrides file removal. Used by tests.
func WithRemove(fn func(string) error) Option {
	return func(o *Orchestrator) { o.remove = fn }
}

// New creates an Orchestrator.
func New(d Dispatcher, u Unloader, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dispatcher: d,
		unloader:   u,
		selfDelete: true,
		executable: os.Executable,
		remove:     os.Remove,
		logger:     logger.With(slog.String("component", "uninstall")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the uninstall sequence and returns the result for the client.
// stopAccepting is called once the kernel module has accepted the uninstall,
// before any cleanup starts.
func (o *Orchestrator) Run(ctx context.Context, stopAccepting func()) wire.Result {
	result := o.dispatcher.Dispatch(ctx, wire.Command{Type: wire.CommandUninstall})
	if result != wire.ResultOK {
		o.logger.Warn("kernel module rejected uninstall, agent keeps running",
			slog.String("result", result.String()),
		)
		return result
	}

	o.logger.Info("kernel module accepted uninstall, stopping listener")
	stopAccepting()

	if err := o.unloader.Unload(ctx); err != nil {
		o.logger.Error("failed to unload kernel module",
			slog.String("error", err.Error()),
		)
	} else {
		o.logger.Info("kernel module unloaded")
	}

	if o.selfDelete {
		if path, err := o.removeSelf(); err != nil {
			o.logger.Error("failed to delete agent executable",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			o.logger.Info("agent executable deleted", slog.String("path", path))
		}
	}

	return wire.ResultOK
}

// removeSelf deletes the running binary, resolving symlinks so the real file goes.
func (o *Orchestrator) removeSelf() (string, error) {
	path, err := o.executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path, o.remove(path)
}
