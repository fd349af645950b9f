// Command sidechaind is the long-running audio ducking daemon. It watches
// PulseAudio playback streams, lowers other applications while the priority
// source is audible, and answers CLI requests over a Unix socket.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sidechain/internal/config"
	"sidechain/internal/deps"
	"sidechain/internal/ipc"
	"sidechain/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare state directories: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	d, err := buildDaemon(cfg, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}

	// The lock must be held before the socket is touched; a second instance
	// must never remove a live daemon's socket.
	if err := d.AcquireLock(); err != nil {
		logger.Error("daemon already running", logging.Error(err))
		os.Exit(1)
	}
	defer d.Close()

	for _, dep := range deps.MissingRequired(deps.CheckBinaries(deps.ForPulse(cfg.Pulse.PactlBinary, cfg.Pulse.ParecBinary))) {
		logger.Warn("required dependency unavailable",
			logging.String("dependency", dep.Name),
			logging.String("detail", dep.Detail),
			logging.String(logging.FieldErrorHint, "install PulseAudio utilities or adjust the pulse binary paths in the config"))
	}

	d.PruneHistory(ctx)
	d.StartMonitors(ctx)

	ipcServer, err := ipc.NewServer(ctx, cfg.SocketPath(), d, logger)
	if err != nil {
		logger.Error("start IPC server", logging.Error(err))
		os.Exit(1)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if cfg.Daemon.AutostartEngine {
		if err := d.Start(ctx); err != nil {
			logger.Warn("engine autostart failed, waiting for start request",
				logging.Error(err))
		}
	}

	<-ctx.Done()
	logger.Info("sidechaind shutting down")
}
