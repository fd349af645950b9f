package main

import (
	"log/slog"
	"time"

	"sidechain/internal/config"
	"sidechain/internal/daemon"
	"sidechain/internal/history"
	"sidechain/internal/logging"
	"sidechain/internal/provider/pulse"
)

// newLogger writes to both stdout and the daemon log file so interactive
// runs and `sidechain logs` see the same stream.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", cfg.LogFilePath()},
	})
}

func buildDaemon(cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	prov, err := pulse.New(pulse.Options{
		PactlBinary:     cfg.Pulse.PactlBinary,
		ParecBinary:     cfg.Pulse.ParecBinary,
		CommandTimeout:  time.Duration(cfg.Pulse.CommandTimeoutSeconds) * time.Second,
		MeterSampleRate: cfg.Pulse.MeterSampleRate,
		PeakHold:        time.Duration(cfg.Pulse.PeakHoldMillis) * time.Millisecond,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.HistoryDBPath())
		if err != nil {
			_ = prov.Close()
			return nil, err
		}
	}

	d, err := daemon.New(cfg, prov, store, logger)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = prov.Close()
		return nil, err
	}
	return d, nil
}
