// Package dispatch maps decoded client commands onto kernel control requests
// and kernel outcomes back onto client-visible result codes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/doughall/collector/internal/kernel"
	"github.com/doughall/collector/internal/wire"
)

// Executor sends a control request to the kernel module.
// *kernel.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req kernel.Request) (int8, error)
}

// Kernel status codes returned in the control reply.
const (
	StatusOK          int8 = 0
	StatusSystemError int8 = 1
	StatusNoPath      int8 = 2
)

// ResultForStatus maps a kernel status byte to a client-visible result.
// Unrecognized statuses, including negative ones, are communication errors.
func ResultForStatus(status int8) wire.Result {
	switch status {
	case StatusOK:
		return wire.ResultOK
	case StatusSystemError:
		return wire.ResultErrorModuleSystem
	case StatusNoPath:
		return wire.ResultErrorModuleNoPath
	default:
		return wire.ResultErrorModuleCommunication
	}
}

// Dispatcher relays commands to the kernel module. It holds no per-request state.
type Dispatcher struct {
	kernel Executor
	logger *slog.Logger
}

// New creates a Dispatcher backed by the given kernel executor.
func New(k Executor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		kernel: k,
		logger: logger.With(slog.String("component", "dispatch")),
	}
}

// Dispatch executes cmd and always returns a result.
//
// HIDE and UNHIDE without a path violate the decoder's guarantees and panic;
// the connection handler recovers such panics.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd wire.Command) wire.Result {
	req, err := requestFor(cmd)
	if err != nil {
		panic(err)
	}

	status, err := d.kernel.Execute(ctx, req)
	if err != nil {
		attrs := []any{
			slog.String("command", cmd.Type.String()),
			slog.String("error", err.Error()),
		}
		var rpcErr *kernel.RPCError
		if errors.As(err, &rpcErr) {
			attrs = append(attrs, slog.String("kind", rpcErr.Kind.String()))
		}
		if kernel.IsModuleNotLoaded(err) {
			d.logger.Error("kernel module not loaded", attrs...)
		} else {
			d.logger.Error("kernel request failed", attrs...)
		}
		return wire.ResultErrorModuleCommunication
	}

	result := ResultForStatus(status)
	d.logger.Info("command executed",
		slog.String("command", cmd.Type.String()),
		slog.String("path", cmd.Path),
		slog.Int("status", int(status)),
		slog.String("result", result.String()),
	)
	return result
}

// requestFor builds the kernel request for a decoded command.
func requestFor(cmd wire.Command) (kernel.Request, error) {
	switch cmd.Type {
	case wire.CommandHide, wire.CommandUnhide:
		if cmd.Path == "" {
			return kernel.Request{}, fmt.Errorf("dispatch: %s command without path", cmd.Type)
		}
		op := kernel.CommandHide
		if cmd.Type == wire.CommandUnhide {
			op = kernel.CommandUnhide
		}
		return kernel.Request{Command: op, Payload: []byte(cmd.Path)}, nil
	case wire.CommandUninstall:
		return kernel.Request{Command: kernel.CommandUninstall}, nil
	default:
		return kernel.Request{}, fmt.Errorf("dispatch: unknown command type %d", int32(cmd.Type))
	}
}
