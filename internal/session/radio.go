package session

import (
	"context"

	"solarpi/internal/types"
)

// Radio resolves a device identity to a live connection. Implementations
// must bound Connect with their own discovery and connect timeouts.
type Radio interface {
	Connect(ctx context.Context, id types.DeviceIdentity) (Link, error)
}

// Link is one connection to a peripheral.
type Link interface {
	// Subscribe enables notifications on the device's data characteristic.
	Subscribe(ctx context.Context) (Stream, error)
	// Write sends a command to the device's command characteristic.
	Write(ctx context.Context, b []byte) error
	// Close drops the connection and closes any Stream it produced.
	Close() error
}

// Stream delivers notifications until the link drops.
type Stream interface {
	// Frames is closed when the link drops or is closed.
	Frames() <-chan types.RawFrame
	// Err reports why Frames was closed. Nil means a clean close.
	Err() error
}

// Sink receives decoded measurements.
type Sink interface {
	Write(ctx context.Context, m types.Measurement) error
}
