package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/doughall/collector/internal/wire"
)

// closeWriter is implemented by *net.TCPConn and *net.UnixConn.
type closeWriter interface {
	CloseWrite() error
}

// handleConn runs one Reading -> Dispatching -> Responding pass over conn.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	var ownsUninstall bool
	defer func() {
		if ownsUninstall {
			close(s.uninstallDone)
		}
	}()
	defer conn.Close()

	logger := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection handler panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	logger.Debug("connection accepted")

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	cmd, err := wire.ReadCommand(conn)
	if err != nil {
		logger.Warn("failed to decode command, closing connection",
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Info("command received",
		slog.String("command", cmd.Type.String()),
		slog.String("path", cmd.Path),
	)

	var result wire.Result
	if cmd.Type == wire.CommandUninstall {
		result = s.uninstall(ctx, &ownsUninstall)
	} else {
		result = s.dispatcher.Dispatch(ctx, cmd)
	}

	s.respond(conn, logger, result)
}

// uninstall runs the uninstall sequence. Only one sequence runs at a time and
// only the first successful one stops the listener; owns is set as soon as this
// call becomes that one, so the handler signals completion even on a panic.
func (s *Server) uninstall(ctx context.Context, owns *bool) wire.Result {
	s.uninstallMu.Lock()
	defer s.uninstallMu.Unlock()

	if s.uninstallStarted.Load() {
		s.logger.Warn("uninstall already in progress, relaying command only")
		return s.dispatcher.Dispatch(ctx, wire.Command{Type: wire.CommandUninstall})
	}

	return s.uninstaller.Run(ctx, func() {
		*owns = true
		s.uninstallStarted.Store(true)
		s.stopAccepting()
	})
}

// respond writes the response and half-closes the write direction so the peer
// sees the end of the message.
func (s *Server) respond(conn net.Conn, logger *slog.Logger, result wire.Result) {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}

	if err := wire.WriteResponse(conn, wire.Response{Result: result}); err != nil {
		logger.Warn("failed to send response", slog.String("error", err.Error()))
		return
	}

	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			logger.Warn("failed to send response eof", slog.String("error", err.Error()))
		}
	}

	logger.Info("response sent", slog.String("result", result.String()))
}
