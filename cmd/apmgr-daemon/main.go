// apmgr-daemon is the root-owned broker side of apmgr. It listens on a
// Unix socket and executes allow-listed network commands on behalf of
// the unprivileged CLI. The allow-list is compiled in; the client
// chooses arguments, never the program.
//
// Lifecycle:
//  1. Load configuration (defaults if the file is absent)
//  2. Set up structured JSON logging
//  3. Refuse to run without root
//  4. Bind the socket, replacing any stale artifact
//  5. Notify systemd (Type=notify) and start the watchdog
//  6. Serve until SIGTERM/SIGINT
//  7. Stop accepting, let in-flight handlers finish, remove the socket
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skye-cyber/APManager/internal/broker"
	"github.com/skye-cyber/APManager/internal/config"
	"github.com/skye-cyber/APManager/internal/logging"
	"github.com/skye-cyber/APManager/internal/privilege"
	"github.com/skye-cyber/APManager/internal/shutdown"
	"github.com/skye-cyber/APManager/internal/systemd"
	"github.com/skye-cyber/APManager/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	socketPath := flag.String("socket", "", "override the broker socket path")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := logging.SetupLogger(cfg.LogLevel)

	if !privilege.IsRoot() {
		logger.Error("apmgr-daemon must run as root")
		os.Exit(1)
	}

	socket := cfg.SocketPath
	if *socketPath != "" {
		socket = *socketPath
	}

	srv := broker.NewServer(broker.ServerOptions{
		SocketPath:      socket,
		Allow:           broker.DefaultAllowList(),
		ExecTimeout:     time.Duration(cfg.ExecTimeoutSeconds) * time.Second,
		PerCommandLimit: cfg.PerCommandLimit,
		Logger:          logger,
	})
	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind broker socket", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("daemon starting",
		slog.String("version", version.Version),
		slog.String("socket", srv.SocketPath()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	coord := shutdown.NewCoordinator(logger)
	coord.Register("broker", srv)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	systemd.NotifyReady()
	systemd.StartWatchdog(ctx, func() bool {
		_, err := os.Stat(srv.SocketPath())
		return err == nil
	})

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveDone:
		if err != nil {
			logger.Error("serve loop failed", slog.String("error", err.Error()))
		}
	}

	systemd.NotifyStopping()

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coord.Shutdown(shCtx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("daemon stopped")
}
