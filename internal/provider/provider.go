// Package provider defines the audio session capability surface consumed by
// the ducking engine. Implementations wrap a host audio subsystem; the engine
// never talks to the platform directly.
package provider

import (
	"context"
	"errors"
)

// ErrUnavailable indicates a session capability (volume or peak meter) that
// the backing audio subsystem does not expose for this session. Callers treat
// it differently from transient read failures: an unavailable capability
// disqualifies the session for the current tick instead of being defaulted.
var ErrUnavailable = errors.New("session capability unavailable")

// Session is a single audio-producing stream owned by one process.
type Session interface {
	// ProcessName returns the owning process executable name, or the empty
	// string when the session has no associated process.
	ProcessName() string

	// Key returns a stable identity token for the lifetime of the session.
	Key() string

	// Volume returns the session master volume in [0, 1].
	Volume() (float64, error)

	// SetVolume sets the session master volume. Values are expected to
	// already be clamped to [0, 1] by the caller.
	SetVolume(value float64) error

	// Peak returns the instantaneous peak level in [0, 1].
	Peak() (float64, error)
}

// Provider enumerates the live audio sessions on the host.
type Provider interface {
	// Sessions returns the current live sessions in enumeration order.
	Sessions(ctx context.Context) ([]Session, error)

	// Close releases resources held by the provider.
	Close() error
}
