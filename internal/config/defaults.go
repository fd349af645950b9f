package config

// Default returns the stock configuration. The ducking numbers match the
// engine defaults; paths land under the user's home directory.
func Default() Config {
	return Config{
		Ducking: Ducking{
			PriorityProcess:          "",
			OtherProcesses:           nil,
			DuckTo:                   0.25,
			Threshold:                0.02,
			PriorityAttackThreshold:  0.06,
			PriorityReleaseThreshold: 0.02,
			AttackFrames:             3,
			ReleaseFrames:            20,
			MinOverlapFrames:         2,
			IntervalMillis:           50,
			Step:                     0.08,
		},
		Daemon: Daemon{
			StateDir:           "~/.local/share/sidechain",
			StopTimeoutSeconds: 2,
			AutostartEngine:    true,
			HotplugMonitor:     true,
		},
		Pulse: Pulse{
			PactlBinary:           "pactl",
			ParecBinary:           "parec",
			CommandTimeoutSeconds: 5,
			MeterSampleRate:       4000,
			PeakHoldMillis:        300,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
		History: History{
			Enabled:       true,
			RetentionDays: 30,
		},
	}
}
