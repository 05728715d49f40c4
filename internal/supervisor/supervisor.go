// Package supervisor runs one session per configured device, aggregates
// their health with the sink's, and power cycles the radio adapter when
// every device keeps failing to connect.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"solarpi/internal/metrics"
	"solarpi/internal/session"
	"solarpi/internal/sink"
	"solarpi/internal/types"
)

// Sink is the measurement writer shared by all sessions.
type Sink interface {
	session.Sink
	Stats() sink.Stats
}

// Recoverer is implemented by radios that can reset their adapter.
type Recoverer interface {
	Recover(ctx context.Context) error
}

type Options struct {
	// Sessions holds one entry per device. OnTransition, when set, is
	// still called.
	Sessions []session.Options
	// ResetAfter consecutive failed attempts on every device trigger an
	// adapter reset. Zero disables it.
	ResetAfter    int
	ResetCooldown time.Duration
	Logger        *slog.Logger
}

// DeviceHealth is the health snapshot of one device.
type DeviceHealth struct {
	Identity       types.DeviceIdentity `json:"identity"`
	State          session.State        `json:"state"`
	StateSince     time.Time            `json:"state_since"`
	Attempt        int                  `json:"attempt"`
	BackoffUntil   time.Time            `json:"backoff_until,omitzero"`
	Measurements   uint64               `json:"measurements"`
	SamplesWritten uint64               `json:"samples_written"`
	DecodeErrors   session.DecodeErrors `json:"decode_errors"`
	WriteErrors    uint64               `json:"write_errors"`
	Reconnects     uint64               `json:"reconnects"`
	LastSampleTime time.Time            `json:"last_sample_time,omitzero"`
	LastFrameAt    time.Time            `json:"last_frame_at,omitzero"`
	LastError      string               `json:"last_error,omitempty"`
}

type Health struct {
	Time          time.Time      `json:"time"`
	Devices       []DeviceHealth `json:"devices"`
	SinkDegraded  bool           `json:"sink_degraded"`
	SinkLastError string         `json:"sink_last_error,omitempty"`
	AdapterResets int            `json:"adapter_resets"`
}

// Device returns the entry for kind.
func (h Health) Device(kind types.DeviceKind) (DeviceHealth, bool) {
	for _, d := range h.Devices {
		if d.Identity.Kind == kind {
			return d, true
		}
	}
	return DeviceHealth{}, false
}

type Supervisor struct {
	radio    session.Radio
	sink     Sink
	opts     Options
	logger   *slog.Logger
	sessions []*session.Session

	// kick wakes the recovery loop after a session backs off.
	kick chan struct{}

	mu        sync.Mutex
	resets    int
	lastReset time.Time
}

func New(radio session.Radio, sk Sink, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		radio:  radio,
		sink:   sk,
		opts:   opts,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
	for _, so := range opts.Sessions {
		if so.Logger == nil {
			so.Logger = logger
		}
		next := so.OnTransition
		so.OnTransition = func(tr session.Transition) {
			if tr.To == session.Backoff {
				s.wake()
			}
			if next != nil {
				next(tr)
			}
		}
		s.sessions = append(s.sessions, session.New(radio, sk, so))
	}
	return s
}

// Sessions returns the supervised sessions in configuration order.
func (s *Supervisor) Sessions() []*session.Session { return s.sessions }

// Run starts every session and blocks until ctx is done and all of them
// have stopped. A session that fails permanently is logged and left
// stopped; the others keep running.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sess := range s.sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sess.Run(ctx)
			var cfgErr *types.ConfigError
			switch {
			case errors.As(err, &cfgErr):
				s.logger.Error("supervisor: session stopped", "device", sess.Identity().String(), "kind", sess.Identity().Kind.String(), "error", err)
			case err != nil && !errors.Is(err, context.Canceled):
				s.logger.Warn("supervisor: session exited", "device", sess.Identity().String(), "error", err)
			}
		}()
	}

	if s.opts.ResetAfter > 0 {
		if _, ok := s.radio.(Recoverer); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.recoverLoop(ctx)
			}()
		} else {
			s.logger.Debug("supervisor: radio cannot reset its adapter, recovery disabled")
		}
	}

	wg.Wait()
	return ctx.Err()
}

// Health merges session status with the sink's per device counters.
func (s *Supervisor) Health() Health {
	st := s.sink.Stats()
	s.mu.Lock()
	resets := s.resets
	s.mu.Unlock()

	h := Health{
		Time:          time.Now().UTC(),
		Devices:       make([]DeviceHealth, 0, len(s.sessions)),
		SinkDegraded:  st.Degraded,
		SinkLastError: st.LastError,
		AdapterResets: resets,
	}
	for _, sess := range s.sessions {
		ss := sess.Status()
		ds := st.Devices[ss.Identity.Kind]
		h.Devices = append(h.Devices, DeviceHealth{
			Identity:       ss.Identity,
			State:          ss.State,
			StateSince:     ss.StateSince,
			Attempt:        ss.Attempt,
			BackoffUntil:   ss.BackoffUntil,
			Measurements:   ss.Measurements,
			SamplesWritten: ds.Written,
			DecodeErrors:   ss.DecodeErrors,
			WriteErrors:    ds.WriteErrors + ss.SinkErrors,
			Reconnects:     ss.Reconnects,
			LastSampleTime: ds.LastSampleAt,
			LastFrameAt:    ss.LastFrameAt,
			LastError:      ss.LastError,
		})
	}
	return h
}

// Report calls fn with a fresh snapshot immediately and then every
// interval until ctx is done.
func (s *Supervisor) Report(ctx context.Context, interval time.Duration, fn func(Health)) error {
	fn(s.Health())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(s.Health())
		}
	}
}

// SinkDegraded is meant for sink.Options.OnDegraded.
func (s *Supervisor) SinkDegraded(err *sink.WriteError) {
	s.logger.Error("supervisor: storage degraded", "rows", err.Rows, "devices", err.Devices, "error", err.Err)
}

func (s *Supervisor) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) recoverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.maybeRecover(ctx)
		}
	}
}

// shouldRecover reports whether every device that can still connect has
// failed at least ResetAfter times in a row. Sessions parked in Failed do
// not count.
func (s *Supervisor) shouldRecover() bool {
	active := 0
	for _, sess := range s.sessions {
		st := sess.Status()
		switch st.State {
		case session.Failed:
			continue
		case session.Streaming:
			return false
		}
		active++
		if st.Attempt < s.opts.ResetAfter {
			return false
		}
	}
	return active > 0
}

func (s *Supervisor) maybeRecover(ctx context.Context) {
	if !s.shouldRecover() {
		return
	}
	s.mu.Lock()
	if !s.lastReset.IsZero() && time.Since(s.lastReset) < s.opts.ResetCooldown {
		s.mu.Unlock()
		return
	}
	s.lastReset = time.Now()
	s.resets++
	s.mu.Unlock()

	s.logger.Warn("supervisor: no device reachable, resetting radio adapter", "after_attempts", s.opts.ResetAfter)
	metrics.AdapterResetsTotal.Inc()
	if err := s.radio.(Recoverer).Recover(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("supervisor: adapter reset failed", "error", err)
	}
}
