package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sidechain/internal/config"
	"sidechain/internal/engine"
	"sidechain/internal/logging"
	"sidechain/internal/provider/pulse"
)

// newRunCommand runs the ducking engine in the foreground without the
// daemon. Useful for trying out tuning values before committing them to the
// config file.
func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		priority       string
		others         []string
		duckTo         float64
		threshold      float64
		attackThresh   float64
		releaseThresh  float64
		attackFrames   int
		releaseFrames  int
		overlapFrames  int
		intervalMillis int
		step           float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ducking engine in the foreground",
		Long: `Run the ducking engine in the current terminal, bypassing the daemon.
Command-line flags override the configuration file for this run only.
Press Ctrl+C to stop and restore all volumes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			engineCfg := runEngineConfig(cfg)
			flags := cmd.Flags()
			if flags.Changed("priority") {
				engineCfg.PriorityProcess = priority
			}
			if flags.Changed("only") {
				engineCfg.OtherProcesses = others
			}
			if flags.Changed("duck-to") {
				engineCfg.DuckTo = duckTo
			}
			if flags.Changed("threshold") {
				engineCfg.Threshold = threshold
			}
			if flags.Changed("attack-threshold") {
				engineCfg.PriorityAttackThreshold = attackThresh
			}
			if flags.Changed("release-threshold") {
				engineCfg.PriorityReleaseThreshold = releaseThresh
			}
			if flags.Changed("attack-frames") {
				engineCfg.AttackFrames = attackFrames
			}
			if flags.Changed("release-frames") {
				engineCfg.ReleaseFrames = releaseFrames
			}
			if flags.Changed("min-overlap-frames") {
				engineCfg.MinOverlapFrames = overlapFrames
			}
			if flags.Changed("interval-ms") {
				engineCfg.Interval = time.Duration(intervalMillis) * time.Millisecond
			}
			if flags.Changed("step") {
				engineCfg.Step = step
			}
			if engineCfg.PriorityProcess == "" {
				return errors.New("no priority process configured; pass --priority or set ducking.priority_process")
			}

			logger, err := logging.New(logging.Options{
				Level:       cfg.Logging.Level,
				Format:      cfg.Logging.Format,
				OutputPaths: []string{"stdout"},
			})
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}

			prov, err := pulse.New(pulse.Options{
				PactlBinary:     cfg.Pulse.PactlBinary,
				ParecBinary:     cfg.Pulse.ParecBinary,
				CommandTimeout:  time.Duration(cfg.Pulse.CommandTimeoutSeconds) * time.Second,
				MeterSampleRate: cfg.Pulse.MeterSampleRate,
				PeakHold:        time.Duration(cfg.Pulse.PeakHoldMillis) * time.Millisecond,
				Logger:          logger,
			})
			if err != nil {
				return fmt.Errorf("initialize audio provider: %w", err)
			}
			defer prov.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng := engine.New(engineCfg, prov, logger, engine.WithStopTimeout(cfg.StopTimeout()))
			if err := eng.Start(runCtx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Ducking for %s; press Ctrl+C to stop\n", engineCfg.PriorityProcess)
			<-runCtx.Done()
			eng.Stop()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&priority, "priority", "p", "", "Priority process name")
	flags.StringSliceVar(&others, "only", nil, "Restrict ducking to these process names")
	flags.Float64Var(&duckTo, "duck-to", 0.25, "Fade target volume for ducked sessions")
	flags.Float64Var(&threshold, "threshold", 0.02, "Minimum peak for a session to count as playing")
	flags.Float64Var(&attackThresh, "attack-threshold", 0.06, "Peak above which priority audio counts as active")
	flags.Float64Var(&releaseThresh, "release-threshold", 0.02, "Peak below which priority audio counts as idle")
	flags.IntVar(&attackFrames, "attack-frames", 3, "Consecutive active ticks before ducking engages")
	flags.IntVar(&releaseFrames, "release-frames", 20, "Consecutive idle ticks before ducking releases")
	flags.IntVar(&overlapFrames, "min-overlap-frames", 2, "Qualifying ticks before a session is ducked")
	flags.IntVar(&intervalMillis, "interval-ms", 50, "Polling period in milliseconds")
	flags.Float64Var(&step, "step", 0.08, "Maximum volume change per tick")
	return cmd
}

func runEngineConfig(cfg *config.Config) engine.Config {
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
