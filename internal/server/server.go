// Package server implements the collector's TCP listener and connection handler.
//
// Each accepted connection carries exactly one command/response pair:
//
//	Reading -> Dispatching -> Responding -> Done
//
// A command that fails to decode ends the connection without a response. After a
// successful uninstall the listener stops accepting, the triggering connection
// receives its response and Serve returns ErrUninstalled.
//
// Usage:
//
//	srv := server.New(cfg, dispatcher, orchestrator, logger)
//	ln, err := srv.Listen()
//	// ...
//	err = srv.Serve(ctx, ln)
//	// ... on SIGTERM:
//	srv.Shutdown(shutdownCtx)
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/doughall/collector/internal/wire"
)

// acceptBackoff is the pause after a failed Accept so persistent errors
// such as EMFILE do not spin the loop.
const acceptBackoff = 100 * time.Millisecond

var (
	// ErrUninstalled is returned by Serve once the uninstall sequence has completed
	// and its response has been sent.
	ErrUninstalled = errors.New("agent uninstalled")

	// ErrServerClosed is returned by Serve after Shutdown or context cancellation.
	ErrServerClosed = errors.New("server closed")
)

// Dispatcher executes HIDE and UNHIDE commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd wire.Command) wire.Result
}

// Uninstaller executes the UNINSTALL sequence. It calls stopAccepting once the
// destructive part of the sequence begins.
type Uninstaller interface {
	Run(ctx context.Context, stopAccepting func()) wire.Result
}

// Config controls the listener.
type Config struct {
	// Address is the TCP address to bind, e.g. "0.0.0.0:7000".
	Address string

	// MaxConnections bounds concurrently handled connections. When the bound is
	// reached the accept loop waits for a handler to finish. Zero means unbounded.
	MaxConnections int64

	// ReadTimeout bounds how long a client may take to send its command. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the response. Zero disables it.
	WriteTimeout time.Duration
}

// Server accepts client connections and relays their commands.
type Server struct {
	cfg         Config
	dispatcher  Dispatcher
	uninstaller Uninstaller
	sem         *semaphore.Weighted
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closing  bool

	// Synchronization for graceful shutdown
	wg        sync.WaitGroup
	accepting atomic.Bool

	uninstallMu      sync.Mutex
	uninstallStarted atomic.Bool
	uninstallDone    chan struct{}
}

// New creates a Server.
func New(cfg Config, d Dispatcher, u Uninstaller, logger *slog.Logger) *Server {
	s := &Server{
		cfg:           cfg,
		dispatcher:    d,
		uninstaller:   u,
		logger:        logger.With(slog.String("component", "server")),
		uninstallDone: make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConnections)
	}
	return s
}

// Listen binds the configured TCP address.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.Address)
}

// Serve accepts connections on ln until Shutdown, context cancellation or a
// completed uninstall. Each connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.stopAccepting)
	defer stop()

	// Handlers outlive cancellation so in-flight commands finish during shutdown
	handlerCtx := context.WithoutCancel(ctx)

	s.accepting.Store(true)
	s.logger.Info("listening", slog.String("address", ln.Addr().String()))

	for {
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				break
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if s.stopped() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			time.Sleep(acceptBackoff)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.handleConn(handlerCtx, conn)
		}()
	}

	s.accepting.Store(false)
	s.stopAccepting()

	if s.uninstallStarted.Load() {
		<-s.uninstallDone
		s.logger.Info("listener stopped after uninstall")
		return ErrUninstalled
	}
	s.logger.Info("listener stopped")
	return ErrServerClosed
}

// Shutdown stops accepting and waits for in-flight connections to complete.
// Returns ctx.Err() if the deadline passes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	s.stopAccepting()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("server shutdown timed out, some connections may be incomplete")
		return ctx.Err()
	}
}

// IsHealthy returns true while the accept loop is running.
// This is used by the systemd watchdog to determine service health.
func (s *Server) IsHealthy() bool {
	return s.accepting.Load()
}

// Uninstalled returns a channel closed once the uninstall response has been sent.
func (s *Server) Uninstalled() <-chan struct{} {
	return s.uninstallDone
}

// stopAccepting closes the listener once. Safe to call from any goroutine,
// including before Serve has started.
func (s *Server) stopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.listener == nil {
		return
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("failed to close listener", slog.String("error", err.Error()))
	}
}

// stopped reports whether stopAccepting has run.
func (s *Server) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}
