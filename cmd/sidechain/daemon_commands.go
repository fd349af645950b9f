package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sidechain/internal/daemonctl"
	"sidechain/internal/deps"
	"sidechain/internal/ipc"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the ducking daemon and engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonctl.LaunchOptions{ConfigPath: ctx.configPathFlag()},
				startWaitTimeout,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Ducking engine started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Ducking engine already running")
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the ducking engine and terminate the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.StopAcknowledged {
				fmt.Fprintln(stdout, "Session volumes restored")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon process %d did not exit, killed\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the ducking daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				ctx.socketPath(),
				exe,
				daemonctl.LaunchOptions{ConfigPath: ctx.configPathFlag()},
				stopGracePeriod,
				startWaitTimeout,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintln(stdout, "Daemon restarted")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			status, reachable := fetchStatus(ctx)
			for _, line := range renderSectionHeader("Engine", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range engineStatusLines(status, reachable, colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Dependencies", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range dependencyLines(statusDependencies(ctx, status), colorize) {
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

// fetchStatus asks the daemon for its status; a nil result with reachable
// false means the daemon is offline.
func fetchStatus(ctx *commandContext) (*ipc.StatusResponse, bool) {
	client, err := ipc.Dial(ctx.socketPath())
	if err != nil {
		return nil, false
	}
	defer client.Close()
	status, err := client.Status()
	if err != nil {
		return nil, true
	}
	return status, true
}

func engineStatusLines(status *ipc.StatusResponse, reachable bool, colorize bool) []string {
	if status == nil {
		detail := "daemon offline; run `sidechain start`"
		if reachable {
			detail = "daemon unreachable"
		}
		return []string{renderStatusLine("Daemon", statusError, detail, colorize)}
	}

	lines := []string{
		renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize),
	}
	if status.Running {
		lines = append(lines, renderStatusLine("Engine", statusOK, fmt.Sprintf("ducking for %s", status.PriorityProcess), colorize))
		active := statusInfo
		detail := "priority source quiet"
		if status.PriorityActive {
			active = statusOK
			detail = fmt.Sprintf("priority source audible, %d of %d sessions ducked", status.DuckedSessions, status.TotalSessions)
		}
		lines = append(lines, renderStatusLine("Priority", active, detail, colorize))
	} else {
		lines = append(lines, renderStatusLine("Engine", statusWarn, "stopped", colorize))
	}
	return lines
}

// statusDependencies prefers the daemon's view and falls back to a local
// check when the daemon is offline.
func statusDependencies(ctx *commandContext, status *ipc.StatusResponse) []ipc.DependencyStatus {
	if status != nil && len(status.Dependencies) > 0 {
		return status.Dependencies
	}
	cfg := ctx.configValue()
	if cfg == nil {
		return nil
	}
	statuses := deps.CheckBinaries(deps.ForPulse(cfg.Pulse.PactlBinary, cfg.Pulse.ParecBinary))
	out := make([]ipc.DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, ipc.DependencyStatus{
			Name:        s.Name,
			Command:     s.Command,
			Description: s.Description,
			Optional:    s.Optional,
			Available:   s.Available,
			Detail:      s.Detail,
		})
	}
	return out
}

func dependencyLines(dependencies []ipc.DependencyStatus, colorize bool) []string {
	lines := make([]string, 0, len(dependencies))
	for _, dep := range dependencies {
		if dep.Available {
			message := "Ready"
			if dep.Command != "" {
				message = fmt.Sprintf("Ready (command: %s)", dep.Command)
			}
			lines = append(lines, renderStatusLine(dep.Name, statusOK, message, colorize))
			continue
		}
		detail := strings.TrimSpace(dep.Detail)
		if detail == "" {
			detail = "not available"
		}
		kind := statusError
		if dep.Optional {
			kind = statusWarn
			detail += " (optional, peak metering disabled)"
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, detail, colorize))
	}
	return lines
}

// daemonExecutable locates sidechaind, preferring the directory the CLI was
// installed into.
func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "sidechaind")
		if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, lookErr := exec.LookPath("sidechaind")
	if lookErr != nil {
		return "", fmt.Errorf("locate sidechaind binary: %w", lookErr)
	}
	return path, nil
}
