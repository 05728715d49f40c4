package session

import (
	"errors"
	"fmt"

	"solarpi/internal/types"
)

var (
	// ErrDisconnected wraps every mid-stream link loss.
	ErrDisconnected = errors.New("link dropped")
	// ErrIdle is returned when a streaming link stays silent past the idle
	// timeout.
	ErrIdle = errors.New("no notifications within idle timeout")
	// ErrPollFailed is returned after too many consecutive poll writes fail.
	ErrPollFailed = errors.New("poll writes failing")
)

// ConnectError is a failed radio-level connect, including discovery.
type ConnectError struct {
	Device types.DeviceIdentity
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Device, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscribeError is a failed subscription to the notification
// characteristic of a connected device.
type SubscribeError struct {
	Device types.DeviceIdentity
	Err    error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Device, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }
