// Package daemon hosts the long-running sidechain process. It owns the
// ducking engine lifecycle, the event history store, the single-instance
// lock, and the sound device hotplug monitor.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"sidechain/internal/config"
	"sidechain/internal/deps"
	"sidechain/internal/engine"
	"sidechain/internal/history"
	"sidechain/internal/logging"
	"sidechain/internal/provider"
)

// ErrHistoryDisabled is returned by history operations when the store is
// switched off in configuration.
var ErrHistoryDisabled = errors.New("event history is disabled")

// SessionInfo describes one audio session for display purposes.
type SessionInfo struct {
	Key         string
	ProcessName string
	Volume      float64
	Peak        float64
	Ducked      bool
}

// Status represents daemon runtime information.
type Status struct {
	Running         bool
	PriorityActive  bool
	PriorityProcess string
	DuckedSessions  int
	TotalSessions   int
	RunID           string
	LockFilePath    string
	HistoryDBPath   string
	LogFilePath     string
	Dependencies    []deps.Status
	PID             int
}

// Daemon coordinates the ducking engine and its supporting services, and
// enforces single-instance execution through a file lock.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	prov   provider.Provider
	store  *history.Store

	lockPath string
	lock     *flock.Flock
	hotplug  *hotplugMonitor

	mu    sync.Mutex
	eng   *engine.Engine
	runID string
}

// New constructs a daemon. The history store may be nil when history is
// disabled in configuration.
func New(cfg *config.Config, prov provider.Provider, store *history.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || prov == nil || logger == nil {
		return nil, errors.New("daemon requires config, provider, and logger")
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		prov:     prov,
		store:    store,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.hotplug = newHotplugMonitor(logging.NewComponentLogger(logger, "hotplug"), d.handleSoundDevice)
	return d, nil
}

// AcquireLock claims the single-instance lock. It fails when another
// sidechaind process already holds it.
func (d *Daemon) AcquireLock() error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another sidechaind instance holds %s", d.lockPath)
	}
	return nil
}

// ReleaseLock releases the single-instance lock.
func (d *Daemon) ReleaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.String("lock", d.lockPath),
			logging.Error(err))
	}
}

// StartMonitors launches the background monitors enabled in configuration.
func (d *Daemon) StartMonitors(ctx context.Context) {
	if d.cfg.Daemon.HotplugMonitor {
		d.hotplug.Start(ctx)
	}
}

// Start launches the ducking engine. Each start gets a fresh run ID so
// history events from separate runs stay distinguishable.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.eng != nil && d.eng.Running() {
		d.mu.Unlock()
		return errors.New("ducking engine already running")
	}
	runID := uuid.NewString()
	eng := engine.New(engineConfig(d.cfg), d.prov, d.logger,
		engine.WithStopTimeout(d.cfg.StopTimeout()),
		engine.WithEventFunc(d.recordEvent(runID)))
	d.eng = eng
	d.runID = runID
	d.mu.Unlock()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start ducking engine: %w", err)
	}
	d.logger.Info("ducking engine started",
		logging.String(logging.FieldEventType, "engine_start"),
		logging.String(logging.FieldRunID, runID),
		logging.String("priority_process", d.cfg.Ducking.PriorityProcess))
	return nil
}

// Stop halts the ducking engine and restores session volumes. Stopping an
// idle daemon is a no-op.
func (d *Daemon) Stop() {
	d.mu.Lock()
	eng := d.eng
	d.mu.Unlock()
	if eng == nil {
		return
	}
	eng.Stop()
	d.logger.Info("ducking engine stopped",
		logging.String(logging.FieldEventType, "engine_stop"))
}

// Status reports combined daemon and engine state.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	eng := d.eng
	runID := d.runID
	d.mu.Unlock()

	status := Status{
		PriorityProcess: d.cfg.Ducking.PriorityProcess,
		LockFilePath:    d.lockPath,
		LogFilePath:     d.cfg.LogFilePath(),
		Dependencies:    deps.CheckBinaries(deps.ForPulse(d.cfg.Pulse.PactlBinary, d.cfg.Pulse.ParecBinary)),
		PID:             os.Getpid(),
	}
	if d.store != nil {
		status.HistoryDBPath = d.store.Path()
	}
	if eng != nil {
		snapshot := eng.Status()
		status.Running = snapshot.Running
		status.PriorityActive = snapshot.PriorityActive
		status.PriorityProcess = snapshot.PriorityProcess
		status.DuckedSessions = snapshot.DuckedSessions
		status.TotalSessions = snapshot.TotalSessions
		if snapshot.Running {
			status.RunID = runID
		}
	}
	return status
}

// Sessions enumerates the current audio sessions with their live levels.
func (d *Daemon) Sessions(ctx context.Context) ([]SessionInfo, error) {
	sessions, err := d.prov.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate sessions: %w", err)
	}

	var ducked map[string]bool
	d.mu.Lock()
	if d.eng != nil {
		ducked = d.eng.DuckedKeys()
	}
	d.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		info := SessionInfo{
			Key:         session.Key(),
			ProcessName: session.ProcessName(),
			Ducked:      ducked[session.Key()],
		}
		if volume, err := session.Volume(); err == nil {
			info.Volume = volume
		}
		if peak, err := session.Peak(); err == nil {
			info.Peak = peak
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// History lists recent engine events, newest first.
func (d *Daemon) History(ctx context.Context, limit int) ([]history.Event, error) {
	if d.store == nil {
		return nil, ErrHistoryDisabled
	}
	return d.store.List(ctx, limit)
}

// ClearHistory removes all recorded engine events.
func (d *Daemon) ClearHistory(ctx context.Context) (int64, error) {
	if d.store == nil {
		return 0, ErrHistoryDisabled
	}
	return d.store.Clear(ctx)
}

// PruneHistory enforces the configured retention window. Called once at
// daemon startup.
func (d *Daemon) PruneHistory(ctx context.Context) {
	if d.store == nil || d.cfg.History.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.History.RetentionDays)
	removed, err := d.store.Prune(ctx, cutoff)
	if err != nil {
		d.logger.Warn("failed to prune event history", logging.Error(err))
		return
	}
	if removed > 0 {
		d.logger.Debug("pruned event history",
			logging.Int64("removed", removed),
			logging.Int("retention_days", d.cfg.History.RetentionDays))
	}
}

// LogPath returns the daemon log file location.
func (d *Daemon) LogPath() string {
	return d.cfg.LogFilePath()
}

// Close stops the engine and releases every resource the daemon holds.
func (d *Daemon) Close() error {
	d.Stop()
	d.hotplug.Stop()

	var firstErr error
	if d.store != nil {
		if err := d.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.prov.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.ReleaseLock()
	return firstErr
}

// recordEvent builds the engine callback that persists events for one run.
func (d *Daemon) recordEvent(runID string) engine.EventFunc {
	return func(ev engine.Event) {
		if d.store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := d.store.Record(ctx, history.Event{
			RunID:          runID,
			EventType:      ev.Tag,
			Message:        ev.Message,
			PriorityActive: ev.PriorityActive,
			DuckedSessions: ev.DuckedSessions,
		})
		if err != nil {
			d.logger.Warn("failed to record engine event",
				logging.String(logging.FieldRunID, runID),
				logging.String(logging.FieldEventType, ev.Tag),
				logging.Error(err))
		}
	}
}

// handleSoundDevice reacts to sound card hotplug. Sessions are re-enumerated
// every tick so no engine action is needed, but the change is logged and
// recorded for later inspection.
func (d *Daemon) handleSoundDevice(ctx context.Context, action, device string) {
	d.logger.Info("sound device change",
		logging.String(logging.FieldEventType, "sound_device_"+action),
		logging.String("device", device))

	d.mu.Lock()
	runID := d.runID
	eng := d.eng
	d.mu.Unlock()
	if d.store == nil || eng == nil || !eng.Running() {
		return
	}
	recordCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := d.store.Record(recordCtx, history.Event{
		RunID:     runID,
		EventType: "device_" + action,
		Message:   "sound device " + device + " " + action,
	}); err != nil {
		d.logger.Debug("failed to record device event", logging.Error(err))
	}
}

// engineConfig maps file configuration onto the engine's knobs. Out of
// range values pass through untouched; the engine clamps them itself.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		PriorityProcess:          cfg.Ducking.PriorityProcess,
		OtherProcesses:           cfg.Ducking.OtherProcesses,
		DuckTo:                   cfg.Ducking.DuckTo,
		Threshold:                cfg.Ducking.Threshold,
		PriorityAttackThreshold:  cfg.Ducking.PriorityAttackThreshold,
		PriorityReleaseThreshold: cfg.Ducking.PriorityReleaseThreshold,
		AttackFrames:             cfg.Ducking.AttackFrames,
		ReleaseFrames:            cfg.Ducking.ReleaseFrames,
		MinOverlapFrames:         cfg.Ducking.MinOverlapFrames,
		Interval:                 cfg.Interval(),
		Step:                     cfg.Ducking.Step,
	}
}
