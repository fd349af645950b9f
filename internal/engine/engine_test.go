package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"sidechain/internal/logging"
	"sidechain/internal/provider"
	"sidechain/internal/testsupport"
)

func testConfig() Config {
	cfg := DefaultConfig("vlc")
	cfg.MinOverlapFrames = 2
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, prov provider.Provider, opts ...Option) *Engine {
	t.Helper()
	return New(cfg, prov, logging.NewNop(), opts...)
}

func TestConfigClamping(t *testing.T) {
	cases := []struct {
		name  string
		in    Config
		check func(t *testing.T, got Config)
	}{
		{
			name: "duck_to above range",
			in:   Config{DuckTo: 1.5},
			check: func(t *testing.T, got Config) {
				if got.DuckTo != 1.0 {
					t.Errorf("DuckTo = %v, want 1.0", got.DuckTo)
				}
			},
		},
		{
			name: "duck_to below range",
			in:   Config{DuckTo: -0.3},
			check: func(t *testing.T, got Config) {
				if got.DuckTo != 0 {
					t.Errorf("DuckTo = %v, want 0", got.DuckTo)
				}
			},
		},
		{
			name: "interval floored",
			in:   Config{Interval: 0},
			check: func(t *testing.T, got Config) {
				if got.Interval != 20*time.Millisecond {
					t.Errorf("Interval = %v, want 20ms", got.Interval)
				}
			},
		},
		{
			name: "step floored",
			in:   Config{Step: 0.001},
			check: func(t *testing.T, got Config) {
				if got.Step != 0.01 {
					t.Errorf("Step = %v, want 0.01", got.Step)
				}
			},
		},
		{
			name: "frame counts floored at one",
			in:   Config{AttackFrames: 0, ReleaseFrames: -5, MinOverlapFrames: 0},
			check: func(t *testing.T, got Config) {
				if got.AttackFrames != 1 || got.ReleaseFrames != 1 || got.MinOverlapFrames != 1 {
					t.Errorf("frames = %d/%d/%d, want 1/1/1",
						got.AttackFrames, got.ReleaseFrames, got.MinOverlapFrames)
				}
			},
		},
		{
			name: "thresholds clamped",
			in:   Config{Threshold: 2, PriorityAttackThreshold: -1, PriorityReleaseThreshold: 1.1},
			check: func(t *testing.T, got Config) {
				if got.Threshold != 1 || got.PriorityAttackThreshold != 0 || got.PriorityReleaseThreshold != 1 {
					t.Errorf("thresholds = %v/%v/%v",
						got.Threshold, got.PriorityAttackThreshold, got.PriorityReleaseThreshold)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, tc.in, testsupport.NewFakeProvider())
			tc.check(t, e.Config())
		})
	}
}

// Scenario A from the tuning reference: with attack threshold 0.06 and three
// attack frames, a priority peak ramp [0, 0, 0.08, 0.08, 0.08] flips the
// state exactly on the fifth tick.
func TestPriorityActivationScenario(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	prov := testsupport.NewFakeProvider(pri)

	cfg := testConfig()
	cfg.PriorityAttackThreshold = 0.06
	cfg.AttackFrames = 3
	e := newTestEngine(t, cfg, prov)

	peaks := []float64{0, 0, 0.08, 0.08, 0.08}
	for i, peak := range peaks {
		pri.SetPeak(peak)
		e.tick(context.Background())

		active := e.Status().PriorityActive
		wantActive := i == len(peaks)-1
		if active != wantActive {
			t.Fatalf("tick %d: priorityActive = %v, want %v", i+1, active, wantActive)
		}
	}
}

func TestPriorityReleaseRequiresConsecutiveQuietFrames(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	prov := testsupport.NewFakeProvider(pri)

	cfg := testConfig()
	cfg.AttackFrames = 2
	cfg.ReleaseFrames = 3
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	for i := 0; i < 2; i++ {
		e.tick(context.Background())
	}
	if !e.Status().PriorityActive {
		t.Fatal("expected priority active after attack frames")
	}

	// Quiet frames accumulate toward release; an active state survives
	// until the counter saturates.
	pri.SetPeak(0.0)
	for i := 0; i < 2; i++ {
		e.tick(context.Background())
		if !e.Status().PriorityActive {
			t.Fatalf("deactivated too early at quiet tick %d", i+1)
		}
	}
	e.tick(context.Background())
	if e.Status().PriorityActive {
		t.Fatal("expected priority inactive after release frames")
	}
}

func TestDeadBandDecaysCountersWithoutReset(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	prov := testsupport.NewFakeProvider(pri)

	cfg := testConfig()
	cfg.PriorityAttackThreshold = 0.06
	cfg.PriorityReleaseThreshold = 0.02
	cfg.AttackFrames = 3
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.08)
	e.tick(context.Background())
	e.tick(context.Background())
	if got := e.attackCount; got != 2 {
		t.Fatalf("attackCount = %d, want 2", got)
	}

	// Dead band between release (0.02) and attack (0.06): decay by one,
	// no reset to zero.
	pri.SetPeak(0.04)
	e.tick(context.Background())
	if got := e.attackCount; got != 1 {
		t.Fatalf("attackCount after dead band = %d, want 1", got)
	}

	// A qualifying frame resumes from the decayed value.
	pri.SetPeak(0.08)
	e.tick(context.Background())
	if got := e.attackCount; got != 2 {
		t.Fatalf("attackCount after resume = %d, want 2", got)
	}
}

func TestOverlapCounterSaturatesAndFloors(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	other := testsupport.NewFakeSession("spotify", "other-1", 1.0)
	prov := testsupport.NewFakeProvider(pri, other)

	cfg := testConfig()
	cfg.AttackFrames = 1
	cfg.MinOverlapFrames = 3
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	other.SetPeak(0.5)
	for i := 0; i < 6; i++ {
		e.tick(context.Background())
	}
	if got := e.overlap["other-1"]; got != 3 {
		t.Fatalf("overlap = %d, want saturated at 3", got)
	}

	other.SetPeak(0.0)
	for i := 0; i < 6; i++ {
		e.tick(context.Background())
	}
	if got := e.overlap["other-1"]; got != 0 {
		t.Fatalf("overlap = %d, want floored at 0", got)
	}

	// Asymmetric recovery: one qualifying tick moves the counter by
	// exactly one.
	other.SetPeak(0.5)
	e.tick(context.Background())
	if got := e.overlap["other-1"]; got != 1 {
		t.Fatalf("overlap after single qualifying tick = %d, want 1", got)
	}
}

// Scenario B: a loud non-priority session while the priority source is
// active gets ducked after min_overlap_frames ticks, fading by at most one
// step per tick and landing exactly on the duck target.
func TestDuckFadeBoundedAndExact(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	other := testsupport.NewFakeSession("spotify", "other-1", 1.0)
	prov := testsupport.NewFakeProvider(pri, other)

	cfg := testConfig()
	cfg.AttackFrames = 1
	cfg.MinOverlapFrames = 2
	cfg.DuckTo = 0.25
	cfg.Step = 0.08
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	other.SetPeak(0.5)

	prev := other.CurrentVolume()
	for i := 0; i < 40; i++ {
		e.tick(context.Background())
		cur := other.CurrentVolume()
		if delta := math.Abs(cur - prev); delta > cfg.Step+1e-9 {
			t.Fatalf("tick %d: volume moved by %v, step limit %v", i+1, delta, cfg.Step)
		}
		if cur > prev+1e-9 {
			t.Fatalf("tick %d: volume increased while ducking (%v -> %v)", i+1, prev, cur)
		}
		prev = cur
	}
	if prev != 0.25 {
		t.Fatalf("final volume = %v, want exactly 0.25", prev)
	}
	if got := e.Status().DuckedSessions; got != 1 {
		t.Fatalf("DuckedSessions = %d, want 1", got)
	}
}

// Scenario C: once the priority source deactivates, the target reverts to
// the original volume even while the overlap counter is still saturated.
func TestRestoreTargetWhenPriorityDeactivates(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	other := testsupport.NewFakeSession("spotify", "other-1", 0.9)
	prov := testsupport.NewFakeProvider(pri, other)

	cfg := testConfig()
	cfg.AttackFrames = 1
	cfg.ReleaseFrames = 1
	cfg.MinOverlapFrames = 2
	cfg.Step = 0.2
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	other.SetPeak(0.5)
	for i := 0; i < 10; i++ {
		e.tick(context.Background())
	}
	ducked := other.CurrentVolume()
	if ducked != cfg.DuckTo {
		t.Fatalf("expected ducked volume %v, got %v", cfg.DuckTo, ducked)
	}

	pri.SetPeak(0.0)
	e.tick(context.Background()) // release frame; priority deactivates
	if e.Status().PriorityActive {
		t.Fatal("expected priority inactive")
	}
	if got := e.overlap["other-1"]; got == 0 {
		t.Fatal("overlap should still be nonzero for this scenario")
	}

	e.tick(context.Background())
	if got := other.CurrentVolume(); got <= ducked {
		t.Fatalf("volume should glide back toward original, got %v", got)
	}
	for i := 0; i < 10; i++ {
		e.tick(context.Background())
	}
	if got := other.CurrentVolume(); got != 0.9 {
		t.Fatalf("restored volume = %v, want original 0.9", got)
	}
}

func TestStaleSessionDropsFromTrackingWithoutVolumeWrite(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	other := testsupport.NewFakeSession("spotify", "other-1", 1.0)
	prov := testsupport.NewFakeProvider(pri, other)

	cfg := testConfig()
	cfg.AttackFrames = 1
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	other.SetPeak(0.5)
	for i := 0; i < 5; i++ {
		e.tick(context.Background())
	}
	if e.Status().TotalSessions != 1 {
		t.Fatalf("expected one tracked session, got %d", e.Status().TotalSessions)
	}
	lastVolume := other.CurrentVolume()
	writesBefore := len(other.SetCalls)

	prov.SetSessions(pri)
	e.tick(context.Background())
	e.tick(context.Background())

	if got := e.Status().TotalSessions; got != 0 {
		t.Fatalf("expected stale session removed, still tracking %d", got)
	}
	if len(other.SetCalls) != writesBefore {
		t.Fatal("stale cleanup must not write the session volume")
	}
	if other.CurrentVolume() != lastVolume {
		t.Fatalf("stale session volume changed from %v to %v", lastVolume, other.CurrentVolume())
	}
}

func TestEligibilityAllowList(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	listed := testsupport.NewFakeSession("Spotify", "listed-1", 1.0)
	unlisted := testsupport.NewFakeSession("firefox", "unlisted-1", 1.0)
	prov := testsupport.NewFakeProvider(pri, listed, unlisted)

	cfg := testConfig()
	cfg.AttackFrames = 1
	cfg.OtherProcesses = []string{"spotify"}
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	listed.SetPeak(0.5)
	unlisted.SetPeak(0.5)
	for i := 0; i < 5; i++ {
		e.tick(context.Background())
	}

	if _, tracked := e.original["listed-1"]; !tracked {
		t.Fatal("allow-listed session should be tracked")
	}
	if _, tracked := e.original["unlisted-1"]; tracked {
		t.Fatal("session outside the allow list must not be tracked")
	}
	if len(unlisted.SetCalls) != 0 {
		t.Fatal("session outside the allow list must not be faded")
	}
}

func TestUnavailableCapabilitySkipsSession(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	noMeter := testsupport.NewFakeSession("spotify", "other-1", 1.0)
	noMeter.Errs.Peak = provider.ErrUnavailable
	prov := testsupport.NewFakeProvider(pri, noMeter)

	cfg := testConfig()
	cfg.AttackFrames = 1
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	for i := 0; i < 3; i++ {
		e.tick(context.Background())
	}
	if got := e.Status().TotalSessions; got != 0 {
		t.Fatalf("session without a meter should be skipped, tracking %d", got)
	}
}

func TestPeakReadFailureDefaultsToZero(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	flaky := testsupport.NewFakeSession("spotify", "other-1", 1.0)
	flaky.Errs.Peak = errors.New("transient meter glitch")
	prov := testsupport.NewFakeProvider(pri, flaky)

	cfg := testConfig()
	cfg.AttackFrames = 1
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	for i := 0; i < 5; i++ {
		e.tick(context.Background())
	}

	// The session is still tracked; its unreadable peak counts as silence,
	// so it must never accumulate overlap or get ducked.
	if got := e.Status().TotalSessions; got != 1 {
		t.Fatalf("tracked sessions = %d, want 1", got)
	}
	if got := e.overlap["other-1"]; got != 0 {
		t.Fatalf("overlap = %d, want 0 for unreadable peak", got)
	}
}

func TestEnumerationFailureLeavesStateUntouched(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	other := testsupport.NewFakeSession("spotify", "other-1", 1.0)
	prov := testsupport.NewFakeProvider(pri, other)

	cfg := testConfig()
	cfg.AttackFrames = 1
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	other.SetPeak(0.5)
	for i := 0; i < 3; i++ {
		e.tick(context.Background())
	}
	before := e.Status()

	prov.SetError(errors.New("audio subsystem went away"))
	e.tick(context.Background())

	after := e.Status()
	if after != before {
		t.Fatalf("state changed across failed enumeration: %+v -> %+v", before, after)
	}
	if got := prov.EnumerationCalls(); got != 4 {
		t.Fatalf("enumeration calls = %d, want 4 (failed tick still enumerates)", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	other := testsupport.NewFakeSession("spotify", "other-1", 0.8)
	prov := testsupport.NewFakeProvider(pri, other)

	var mu sync.Mutex
	var tags []string
	cfg := testConfig()
	cfg.AttackFrames = 1
	cfg.MinOverlapFrames = 1
	cfg.Step = 1.0
	e := newTestEngine(t, cfg, prov, WithEventFunc(func(ev Event) {
		mu.Lock()
		tags = append(tags, ev.Tag)
		mu.Unlock()
	}))

	pri.SetPeak(0.5)
	other.SetPeak(0.5)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for other.CurrentVolume() != cfg.DuckTo {
		if time.Now().After(deadline) {
			t.Fatalf("session never ducked; volume %v", other.CurrentVolume())
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.Stop()
	if e.Running() {
		t.Fatal("engine still running after Stop")
	}
	if got := other.CurrentVolume(); got != 0.8 {
		t.Fatalf("volume after Stop = %v, want original 0.8", got)
	}

	// Idempotent while idle.
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(tags) < 2 || tags[0] != EventStarted || tags[len(tags)-1] != EventStopped {
		t.Fatalf("unexpected event sequence: %v", tags)
	}
	foundPriority := false
	for _, tag := range tags {
		if tag == EventPriorityChanged {
			foundPriority = true
		}
	}
	if !foundPriority {
		t.Fatalf("expected a priority_changed event, got %v", tags)
	}
}

func TestStartFailsWhenProviderUnreachable(t *testing.T) {
	prov := testsupport.NewFakeProvider()
	prov.SetError(errors.New("no audio subsystem"))
	e := newTestEngine(t, testConfig(), prov)

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected startup error when the provider is unreachable")
	}
	if e.Running() {
		t.Fatal("engine must not be running after failed Start")
	}
}

func TestCallbackPanicDoesNotAbortLoop(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	prov := testsupport.NewFakeProvider(pri)

	cfg := testConfig()
	cfg.AttackFrames = 1
	e := newTestEngine(t, cfg, prov, WithEventFunc(func(Event) {
		panic("listener bug")
	}))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pri.SetPeak(0.5)

	deadline := time.Now().Add(2 * time.Second)
	for !e.Status().PriorityActive {
		if time.Now().After(deadline) {
			t.Fatal("loop appears dead after callback panic")
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.Stop()
}

// Scenario D: concurrent status reads never observe more ducked sessions
// than tracked sessions.
// The ducked count reads the overlap counters alone. A saturated counter is
// reported even when the priority source has gone quiet.
func TestDuckedCountReadsOverlapCountersOnly(t *testing.T) {
	prov := testsupport.NewFakeProvider()
	cfg := testConfig()
	cfg.MinOverlapFrames = 2
	e := newTestEngine(t, cfg, prov)

	e.mu.Lock()
	e.original["other-1"] = 0.9
	e.overlap["other-1"] = cfg.MinOverlapFrames
	e.priorityActive = false
	e.mu.Unlock()

	if got := e.Status().DuckedSessions; got != 1 {
		t.Fatalf("ducked count = %d, want 1 from the saturated counter alone", got)
	}
}

func TestStatusConcurrentWithLoop(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	a := testsupport.NewFakeSession("spotify", "a", 1.0)
	b := testsupport.NewFakeSession("firefox", "b", 1.0)
	prov := testsupport.NewFakeProvider(pri, a, b)

	cfg := testConfig()
	cfg.AttackFrames = 1
	cfg.MinOverlapFrames = 1
	e := newTestEngine(t, cfg, prov)

	pri.SetPeak(0.5)
	a.SetPeak(0.5)
	b.SetPeak(0.5)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if i%100 == 0 {
				prov.SetSessions(pri, a)
			} else if i%100 == 50 {
				prov.SetSessions(pri, a, b)
			}
			st := e.Status()
			if st.DuckedSessions > st.TotalSessions {
				t.Errorf("ducked %d > total %d", st.DuckedSessions, st.TotalSessions)
				return
			}
		}
	}()
	<-done
}
