// Package engine implements the ducking decision loop: a per-tick control
// loop that reads peak levels from the live audio sessions, debounces
// priority activity through dual-threshold hysteresis, and fades eligible
// non-priority sessions toward a duck target while tracking and restoring
// their original volumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sidechain/internal/logging"
	"sidechain/internal/provider"
)

// Event tags emitted through the status callback.
const (
	EventStarted         = "started"
	EventStopped         = "stopped"
	EventPriorityChanged = "priority_changed"
)

// Event is a status notification produced by the engine.
type Event struct {
	Tag            string
	Message        string
	PriorityActive bool
	DuckedSessions int
}

// EventFunc receives engine status notifications. It is invoked from the
// control loop goroutine; panics are recovered and never abort the loop.
type EventFunc func(Event)

// Status is a point-in-time snapshot of engine state. Safe to request from
// any goroutine while the loop runs.
type Status struct {
	Running         bool
	PriorityActive  bool
	PriorityProcess string
	DuckedSessions  int
	TotalSessions   int
}

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("engine already running")

const defaultStopTimeout = 2 * time.Second

// Option configures optional engine behavior.
type Option func(*Engine)

// WithEventFunc registers a status callback.
func WithEventFunc(fn EventFunc) Option {
	return func(e *Engine) { e.onEvent = fn }
}

// WithStopTimeout bounds how long Stop waits for the in-flight tick.
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

// Engine owns the control loop, its state, and the session bookkeeping.
type Engine struct {
	cfg         Config
	prov        provider.Provider
	logger      *slog.Logger
	onEvent     EventFunc
	stopTimeout time.Duration

	priorityName string
	limitTo      map[string]struct{}

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}
	original       map[string]float64
	overlap        map[string]int
	priorityActive bool
	attackCount    int
	releaseCount   int
}

// New constructs an engine. The configuration is clamped into its valid
// ranges; no configuration value is ever rejected.
func New(cfg Config, prov provider.Provider, logger *slog.Logger, opts ...Option) *Engine {
	cfg = cfg.clamped()

	var limitTo map[string]struct{}
	if len(cfg.OtherProcesses) > 0 {
		limitTo = make(map[string]struct{}, len(cfg.OtherProcesses))
		for _, name := range cfg.OtherProcesses {
			limitTo[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
		}
	}

	e := &Engine{
		cfg:          cfg,
		prov:         prov,
		logger:       logging.NewComponentLogger(logger, "engine"),
		stopTimeout:  defaultStopTimeout,
		priorityName: strings.ToLower(strings.TrimSpace(cfg.PriorityProcess)),
		limitTo:      limitTo,
		original:     make(map[string]float64),
		overlap:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the clamped configuration in effect.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start launches the control loop. It returns ErrAlreadyRunning when the
// loop is active, or a provider error when the audio subsystem cannot be
// reached at startup; in both cases no loop is spawned.
func (e *Engine) Start(ctx context.Context) error {
	if e.prov == nil {
		return errors.New("engine requires a session provider")
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}

	// Probe enumeration once so an unusable provider surfaces as a startup
	// error instead of a silently idle loop.
	if _, err := e.prov.Sessions(ctx); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("audio session provider unavailable: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	done := e.done
	e.mu.Unlock()

	go e.run(runCtx, done)

	e.logger.Info("ducking engine started",
		logging.String("priority_process", e.cfg.PriorityProcess),
		logging.Duration("interval", e.cfg.Interval),
		logging.Float64("duck_to", e.cfg.DuckTo))
	e.notify(EventStarted, fmt.Sprintf("audio ducking started for %s", e.cfg.PriorityProcess))
	return nil
}

// Stop signals the loop to exit, waits up to the stop timeout for the
// in-flight tick to finish, then restores all tracked volumes. Stop is
// idempotent while idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(e.stopTimeout):
		e.logger.Warn("control loop did not exit before timeout; restoring anyway",
			logging.Duration("timeout", e.stopTimeout))
	}

	e.restoreAll()
	e.logger.Info("ducking engine stopped, volumes restored")
	e.notify(EventStopped, "audio ducking stopped, volumes restored")
}

// Status returns a snapshot of the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:         e.running,
		PriorityActive:  e.priorityActive,
		PriorityProcess: e.cfg.PriorityProcess,
		DuckedSessions:  e.duckedCountLocked(),
		TotalSessions:   len(e.original),
	}
}

// Running reports whether the control loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// DuckedKeys returns the session keys currently held at the duck target.
func (e *Engine) DuckedKeys() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make(map[string]bool, len(e.overlap))
	for key, count := range e.overlap {
		if e.priorityActive && count >= e.cfg.MinOverlapFrames {
			keys[key] = true
		}
	}
	return keys
}

// duckedCountLocked counts sessions with a saturated overlap counter. The
// count is a pure read of the counters, independent of the hysteresis state.
func (e *Engine) duckedCountLocked() int {
	ducked := 0
	for _, count := range e.overlap {
		if count >= e.cfg.MinOverlapFrames {
			ducked++
		}
	}
	return ducked
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.Interval):
		}
	}
}

// restoreAll writes every tracked session's captured original volume back,
// best effort. Sessions no longer enumerable are skipped; their entries are
// forgotten with the rest of the state.
func (e *Engine) restoreAll() {
	e.mu.Lock()
	saved := make(map[string]float64, len(e.original))
	for key, vol := range e.original {
		saved[key] = vol
	}
	e.original = make(map[string]float64)
	e.overlap = make(map[string]int)
	e.mu.Unlock()

	if len(saved) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout)
	defer cancel()

	sessions, err := e.prov.Sessions(ctx)
	if err != nil {
		e.logger.Warn("restore pass could not enumerate sessions", logging.Error(err))
		return
	}
	for _, s := range sessions {
		target, ok := saved[s.Key()]
		if !ok {
			continue
		}
		if err := s.SetVolume(clamp(target, 0, 1)); err != nil {
			e.logger.Debug("restore volume failed",
				logging.String("session", s.Key()),
				logging.Error(err))
		}
	}
}

func (e *Engine) notify(tag, message string) {
	cb := e.onEvent
	if cb == nil {
		return
	}

	e.mu.Lock()
	ev := Event{
		Tag:            tag,
		Message:        message,
		PriorityActive: e.priorityActive,
		DuckedSessions: e.duckedCountLocked(),
	}
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("status callback panicked",
				logging.String("event", tag),
				logging.Any("panic", r))
		}
	}()
	cb(ev)
}
