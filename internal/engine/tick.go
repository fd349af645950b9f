package engine

import (
	"context"
	"errors"
	"math"
	"strings"

	"sidechain/internal/logging"
	"sidechain/internal/provider"
)

// fade snaps directly to the target once the remaining distance drops below
// this window, avoiding an infinite asymptotic approach.
const snapWindow = 0.01

// observation carries one eligible non-priority session's readings for a
// tick. Readings happen outside the state mutex; decisions inside it.
type observation struct {
	session provider.Session
	key     string
	volume  float64
	volOK   bool
	peak    float64
}

type volumeWrite struct {
	session provider.Session
	value   float64
}

// tick performs one full control-loop iteration: enumerate, evaluate the
// priority source, update hysteresis, decide per-session ducking, apply fade
// steps, and drop state for vanished sessions. Every individual provider
// call is fault-tolerant; a failure degrades that one value and never aborts
// the tick.
func (e *Engine) tick(ctx context.Context) {
	sessions, err := e.prov.Sessions(ctx)
	if err != nil {
		e.logger.Debug("session enumeration failed; retrying next tick", logging.Error(err))
		return
	}

	priPeak := 0.0
	observations := make([]observation, 0, len(sessions))

	for _, s := range sessions {
		name := strings.ToLower(s.ProcessName())
		if name == "" {
			continue
		}

		if name == e.priorityName {
			peak, err := s.Peak()
			if err != nil || math.IsNaN(peak) {
				continue
			}
			if peak > priPeak {
				priPeak = peak
			}
			continue
		}

		if e.limitTo != nil {
			if _, ok := e.limitTo[name]; !ok {
				continue
			}
		}

		// A session missing its volume or meter capability is skipped for
		// the tick; it falls out of the live set and gets collected as
		// stale below.
		volume, volErr := s.Volume()
		if errors.Is(volErr, provider.ErrUnavailable) {
			continue
		}
		peak, peakErr := s.Peak()
		if errors.Is(peakErr, provider.ErrUnavailable) {
			continue
		}
		if peakErr != nil || math.IsNaN(peak) {
			peak = 0
		}

		observations = append(observations, observation{
			session: s,
			key:     s.Key(),
			volume:  volume,
			volOK:   volErr == nil,
			peak:    peak,
		})
	}

	writes, transition := e.advance(priPeak, observations)

	for _, w := range writes {
		if err := w.session.SetVolume(w.value); err != nil {
			e.logger.Debug("set volume failed",
				logging.String("session", w.session.Key()),
				logging.Error(err))
		}
	}

	if transition != "" {
		e.logger.Info("priority state changed",
			logging.String("priority_process", e.cfg.PriorityProcess),
			logging.Float64("peak", priPeak),
			logging.Bool("active", transition == "activated"))
		e.notify(EventPriorityChanged, "priority "+transition)
	}
}

// advance applies one tick's worth of state updates under the mutex and
// returns the volume writes to perform plus a non-empty transition label
// when the priority-active flag flipped.
func (e *Engine) advance(priPeak float64, observations []observation) ([]volumeWrite, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Dual-threshold hysteresis with saturating frame counters. Peaks in
	// the dead band between thresholds decay both counters by one instead
	// of resetting, so ambiguous signal slowly loses prior evidence.
	switch {
	case priPeak >= e.cfg.PriorityAttackThreshold:
		e.attackCount = min(e.cfg.AttackFrames, e.attackCount+1)
		e.releaseCount = 0
	case priPeak <= e.cfg.PriorityReleaseThreshold:
		e.releaseCount = min(e.cfg.ReleaseFrames, e.releaseCount+1)
		e.attackCount = 0
	default:
		e.attackCount = max(0, e.attackCount-1)
		e.releaseCount = max(0, e.releaseCount-1)
	}

	transition := ""
	if !e.priorityActive && e.attackCount >= e.cfg.AttackFrames {
		e.priorityActive = true
		transition = "activated"
	} else if e.priorityActive && e.releaseCount >= e.cfg.ReleaseFrames {
		e.priorityActive = false
		transition = "deactivated"
	}

	writes := make([]volumeWrite, 0, len(observations))
	live := make(map[string]struct{}, len(observations))

	for _, obs := range observations {
		live[obs.key] = struct{}{}

		// Capture the pre-ducking volume the first time a session is seen.
		if _, seen := e.original[obs.key]; !seen {
			captured := 1.0
			if obs.volOK {
				captured = obs.volume
			}
			e.original[obs.key] = captured
		}

		// Saturating up/down overlap counter: one non-qualifying tick only
		// decrements by one, so brief audio gaps don't flap the decision.
		if e.priorityActive && obs.peak > e.cfg.Threshold {
			e.overlap[obs.key] = min(e.cfg.MinOverlapFrames, e.overlap[obs.key]+1)
		} else {
			e.overlap[obs.key] = max(0, e.overlap[obs.key]-1)
		}

		target := e.original[obs.key]
		if e.priorityActive && e.overlap[obs.key] >= e.cfg.MinOverlapFrames {
			target = e.cfg.DuckTo
		}

		cur := 1.0
		if obs.volOK {
			cur = obs.volume
		}
		writes = append(writes, volumeWrite{
			session: obs.session,
			value:   fadeStep(cur, target, e.cfg.Step),
		})
	}

	for key := range e.original {
		if _, ok := live[key]; !ok {
			delete(e.original, key)
			delete(e.overlap, key)
		}
	}
	for key := range e.overlap {
		if _, ok := live[key]; !ok {
			delete(e.overlap, key)
		}
	}

	return writes, transition
}

// fadeStep computes the next volume on the bounded linear glide from cur
// toward target: at most step per tick, clamped to [0, 1], snapping to the
// target once within the snap window so the glide terminates exactly.
func fadeStep(cur, target, step float64) float64 {
	if math.Abs(cur-target) < snapWindow {
		return target
	}
	return clamp(cur+clamp(target-cur, -step, step), 0, 1)
}
