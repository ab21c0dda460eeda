// Collector Agent - Entry Point
//
// The agent runs as a privileged systemd service next to the collector kernel
// module. It accepts one command per TCP connection (HIDE path, UNHIDE path,
// UNINSTALL) and relays it to the module over generic netlink.
//
// Configuration is loaded from /etc/collector/config.yaml when present, then
// COLLECTOR_* environment variables, then flags.
//
// Lifecycle:
//  1. Load configuration and setup the logger
//  2. Log host information and warn if the module is not loaded
//  3. Bind the TCP port (exit 1 on failure)
//  4. Notify systemd that the service is ready and start the watchdog
//  5. Serve until SIGTERM/SIGINT or a completed uninstall
//  6. Notify systemd that the service is stopping and drain connections
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/doughall/collector/internal/config"
	"github.com/doughall/collector/internal/dispatch"
	"github.com/doughall/collector/internal/kernel"
	"github.com/doughall/collector/internal/logging"
	"github.com/doughall/collector/internal/server"
	"github.com/doughall/collector/internal/sysinfo"
	"github.com/doughall/collector/internal/systemd"
	"github.com/doughall/collector/internal/uninstall"
	"github.com/doughall/collector/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flags.IntP("port", "p", 0, "TCP port to listen on")
	configPath := flags.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	showVersion := flags.Bool("version", false, "print version information and exit")
	printConfig := flags.Bool("print-config", false, "print the effective configuration and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Println(version.Info("collector"))
		return 0
	}

	// An explicitly chosen config file must exist; the default one is optional
	cfg, err := config.Load(*configPath, flags.Changed("config"), flags)
	if err != nil {
		// Use basic stderr logging before logger is configured
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration: %v\n", err)
		return 1
	}

	if *printConfig {
		data, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			return 1
		}
		os.Stdout.Write(data)
		return 0
	}

	logger := logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	logger.Info("agent starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", *configPath),
		slog.String("address", cfg.Address()),
		slog.String("family", cfg.FamilyName),
		slog.Int64("max_connections", cfg.MaxConnections),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if info, err := sysinfo.Collect(ctx); err != nil {
		logger.Warn("failed to collect host info", slog.String("error", err.Error()))
	} else {
		logger.Info("host info", info.LogAttrs()...)
	}

	if loaded, err := sysinfo.ModuleLoaded(cfg.FamilyName); err != nil {
		logger.Debug("could not read loaded modules", slog.String("error", err.Error()))
	} else if !loaded {
		logger.Warn("kernel module not loaded, commands will fail until it is",
			slog.String("module", cfg.FamilyName),
		)
	}

	kernelClient := kernel.NewClient(logger,
		kernel.WithFamily(cfg.FamilyName),
		kernel.WithTimeout(cfg.KernelTimeout),
	)
	dispatcher := dispatch.New(kernelClient, logger)
	orchestrator := uninstall.New(dispatcher,
		uninstall.NewCommandUnloader(cfg.UnloadArgv(), cfg.CleanupTimeout),
		logger,
		uninstall.WithSelfDelete(!cfg.KeepBinary),
	)

	srv := server.New(server.Config{
		Address:        cfg.Address(),
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, dispatcher, orchestrator, logger)

	ln, err := srv.Listen()
	if err != nil {
		logger.Error("failed to bind", slog.String("address", cfg.Address()), slog.String("error", err.Error()))
		return 1
	}

	notifier := systemd.New(logger)
	if notifier.Ready() {
		logger.Info("notified systemd: service ready")
	}
	notifier.StartWatchdog(ctx, srv.IsHealthy)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, ln)
	}()

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case exitErr = <-serveErr:
	}

	notifier.Stopping()

	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", slog.String("error", err.Error()))
	}

	if exitErr == nil {
		exitErr = <-serveErr
	}
	if errors.Is(exitErr, server.ErrUninstalled) {
		logger.Info("agent uninstalled, exiting")
		return 0
	}

	logger.Info("agent stopped")
	return 0
}

// shutdownContext bounds connection draining. A zero timeout waits indefinitely.
func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	if cfg.ShutdownTimeout == 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
}
