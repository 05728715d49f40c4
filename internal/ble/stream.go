package ble

import (
	"errors"
	"sync"
	"time"

	"solarpi/internal/types"
)

// ErrLinkLost is the stream error when the peripheral disconnects.
var ErrLinkLost = errors.New("ble: peripheral disconnected")

const frameBuffer = 64

// stream turns notification callbacks into a channel that is closed
// exactly once when the link goes away.
type stream struct {
	device types.DeviceIdentity
	frames chan types.RawFrame
	done   chan struct{}
	once   sync.Once

	// mu is held shared by deliver while it may send on frames.
	mu     sync.RWMutex
	closed bool
	err    error
}

func newStream(device types.DeviceIdentity) *stream {
	return &stream{
		device: device,
		frames: make(chan types.RawFrame, frameBuffer),
		done:   make(chan struct{}),
	}
}

func (s *stream) Frames() <-chan types.RawFrame { return s.frames }

func (s *stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// deliver copies buf into a frame. It blocks while the buffer is full and
// gives up once the stream is dropped.
func (s *stream) deliver(buf []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	f := types.RawFrame{
		Device:     s.device,
		Data:       append([]byte(nil), buf...),
		ReceivedAt: time.Now(),
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) drop(err error) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.frames)
		s.mu.Unlock()
	})
}
