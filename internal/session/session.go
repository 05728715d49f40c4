// Package session runs the connection state machine for one BLE
// instrument: connect, subscribe, stream into the decoder and sink, and
// reconnect with backoff whenever the link is lost.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"solarpi/internal/decode"
	"solarpi/internal/metrics"
	"solarpi/internal/types"
	"solarpi/internal/utils"
)

const (
	DefaultIdleTimeout     = 2 * time.Minute
	DefaultMaxPollFailures = 10

	batteryMonitorPollInterval   = 60 * time.Second
	chargeControllerPollInterval = 5 * time.Second

	minExpiryInterval = time.Millisecond
)

// Poll is a command written to the device on a fixed interval while
// streaming. The instruments only notify after being asked.
type Poll struct {
	Command  []byte
	Interval time.Duration
}

// DefaultPoll returns the refresh command for a device kind.
func DefaultPoll(kind types.DeviceKind) Poll {
	switch kind {
	case types.BatteryMonitor:
		return Poll{Command: decode.RefreshBatteryMonitor, Interval: batteryMonitorPollInterval}
	case types.ChargeController:
		return Poll{Command: decode.RequestChargerHomeData, Interval: chargeControllerPollInterval}
	default:
		return Poll{}
	}
}

type Options struct {
	Identity types.DeviceIdentity
	Decoder  decode.Options
	Backoff  BackoffPolicy
	// IdleTimeout drops a streaming link that stays silent this long. Zero
	// or negative disables the watchdog.
	IdleTimeout time.Duration
	// Poll overrides DefaultPoll for the identity's kind.
	Poll *Poll
	// MaxPollFailures consecutive failed poll writes drop the link.
	MaxPollFailures int
	Logger          *slog.Logger
	// OnTransition is called synchronously on the session goroutine.
	OnTransition func(Transition)
}

// DecodeErrors counts rejected frames by kind.
type DecodeErrors struct {
	Malformed         uint64 `json:"malformed"`
	UnknownFrameType  uint64 `json:"unknown_frame_type"`
	IncompleteTimeout uint64 `json:"incomplete_timeout"`
}

// Total is the sum of all kinds.
func (d DecodeErrors) Total() uint64 {
	return d.Malformed + d.UnknownFrameType + d.IncompleteTimeout
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	Identity     types.DeviceIdentity `json:"identity"`
	State        State                `json:"state"`
	StateSince   time.Time            `json:"state_since"`
	Attempt      int                  `json:"attempt"`
	BackoffUntil time.Time            `json:"backoff_until,omitzero"`
	DecodeErrors DecodeErrors         `json:"decode_errors"`
	Measurements uint64               `json:"measurements"`
	SinkErrors   uint64               `json:"sink_errors"`
	Reconnects   uint64               `json:"reconnects"`
	LastError    string               `json:"last_error,omitempty"`
	LastFrameAt  time.Time            `json:"last_frame_at,omitzero"`
}

// Session owns the connection and reassembly state of one device.
type Session struct {
	opts   Options
	poll   Poll
	radio  Radio
	sink   Sink
	dec    *decode.Decoder
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	streamed bool
}

// New builds a session. An invalid identity is not an error here; Run
// reports it and parks the session in Failed.
func New(radio Radio, sink Sink, opts Options) *Session {
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = DefaultMaxPollFailures
	}
	opts.Backoff = opts.Backoff.normalized()
	if opts.Decoder.ContinuationWindow <= 0 {
		opts.Decoder.ContinuationWindow = decode.DefaultContinuationWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := DefaultPoll(opts.Identity.Kind)
	if opts.Poll != nil {
		poll = *opts.Poll
	}

	return &Session{
		opts:   opts,
		poll:   poll,
		radio:  radio,
		sink:   sink,
		logger: logger.With("device", opts.Identity.String(), "kind", opts.Identity.Kind.String()),
		status: Status{
			Identity:   opts.Identity,
			State:      Disconnected,
			StateSince: time.Now(),
		},
	}
}

// Identity returns the configured device identity.
func (s *Session) Identity() types.DeviceIdentity { return s.opts.Identity }

// Status returns a snapshot safe to use from any goroutine.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run drives the state machine until ctx is done. It returns the
// *types.ConfigError for an invalid identity, otherwise ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	if err := s.opts.Identity.Validate(); err != nil {
		s.logger.Error("session: invalid device identity, not connecting", "error", err)
		s.transition(Failed, err, 0, time.Time{})
		return err
	}
	dec, err := decode.New(s.opts.Identity, s.opts.Decoder)
	if err != nil {
		s.transition(Failed, err, 0, time.Time{})
		return err
	}
	s.dec = dec

	attempt := 0
	for {
		s.transition(Connecting, nil, 0, time.Time{})
		streamed, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.transition(Disconnected, nil, 0, time.Time{})
			return ctx.Err()
		}
		if streamed {
			attempt = 0
		}
		attempt++

		s.transition(Disconnected, err, 0, time.Time{})
		delay := s.opts.Backoff.Delay(attempt)
		until := time.Now().Add(delay)
		s.logger.Info("session: backing off", "attempt", attempt, "delay", delay, "error", err)
		s.transition(Backoff, nil, attempt, until)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(Disconnected, nil, 0, time.Time{})
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectOnce performs one Connecting -> Subscribing -> Streaming cycle and
// reports whether Streaming was reached.
func (s *Session) connectOnce(ctx context.Context) (bool, error) {
	id := s.opts.Identity
	link, err := s.radio.Connect(ctx, id)
	if err != nil {
		return false, &ConnectError{Device: id, Err: err}
	}
	defer func() {
		if err := link.Close(); err != nil {
			s.logger.Debug("session: close link", "error", err)
		}
	}()

	s.transition(Subscribing, nil, 0, time.Time{})
	stream, err := link.Subscribe(ctx)
	if err != nil {
		return false, &SubscribeError{Device: id, Err: err}
	}

	s.transition(Streaming, nil, 0, time.Time{})
	err = s.stream(ctx, link, stream)
	if s.dec.Reset() {
		s.logger.Debug("session: dropped partial frame on leaving streaming")
	}
	return true, err
}

func (s *Session) stream(ctx context.Context, link Link, stream Stream) error {
	expiry := time.NewTicker(max(s.opts.Decoder.ContinuationWindow/2, minExpiryInterval))
	defer expiry.Stop()

	var pollC <-chan time.Time
	pollFailures := 0
	if len(s.poll.Command) > 0 && s.poll.Interval > 0 {
		t := time.NewTicker(s.poll.Interval)
		defer t.Stop()
		pollC = t.C
		if !s.writePoll(ctx, link, &pollFailures) {
			return fmt.Errorf("%w: %d consecutive failures", ErrPollFailed, pollFailures)
		}
	}

	var idleC <-chan time.Time
	var idle *time.Timer
	if s.opts.IdleTimeout > 0 {
		idle = time.NewTimer(s.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrDisconnected, err)
				}
				return ErrDisconnected
			}
			if idle != nil {
				idle.Reset(s.opts.IdleTimeout)
			}
			if err := s.handle(ctx, f); err != nil {
				return err
			}

		case now := <-expiry.C:
			for _, err := range s.dec.Expire(now) {
				s.countDecodeError(err)
			}

		case <-pollC:
			if !s.writePoll(ctx, link, &pollFailures) {
				return fmt.Errorf("%w: %d consecutive failures", ErrPollFailed, pollFailures)
			}

		case <-idleC:
			return fmt.Errorf("%w (%s)", ErrIdle, s.opts.IdleTimeout)
		}
	}
}

// writePoll reports false once the consecutive failure limit is reached.
func (s *Session) writePoll(ctx context.Context, link Link, failures *int) bool {
	if err := link.Write(ctx, s.poll.Command); err != nil {
		*failures++
		s.logger.Warn("session: poll write failed", "failures", *failures, "error", err)
		return *failures < s.opts.MaxPollFailures
	}
	*failures = 0
	return true
}

func (s *Session) handle(ctx context.Context, f types.RawFrame) error {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}
	s.mu.Lock()
	s.status.LastFrameAt = f.ReceivedAt
	s.mu.Unlock()

	ms, errs := s.dec.Feed(f)
	for _, err := range errs {
		s.countDecodeError(err)
		s.logger.Debug("session: frame rejected", "data", utils.BytesToHex(f.Data), "error", err)
	}

	kind := s.opts.Identity.Kind.String()
	for _, m := range ms {
		if err := s.sink.Write(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.mu.Lock()
			s.status.SinkErrors++
			s.mu.Unlock()
			s.logger.Warn("session: sink rejected measurement", "error", err)
			continue
		}
		s.mu.Lock()
		s.status.Measurements++
		s.mu.Unlock()
		metrics.MeasurementsTotal.WithLabelValues(kind).Inc()
	}
	return nil
}

func (s *Session) countDecodeError(err error) {
	k := decode.KindOf(err)
	s.mu.Lock()
	switch k {
	case decode.Malformed:
		s.status.DecodeErrors.Malformed++
	case decode.UnknownFrameType:
		s.status.DecodeErrors.UnknownFrameType++
	case decode.IncompleteTimeout:
		s.status.DecodeErrors.IncompleteTimeout++
	}
	s.mu.Unlock()
	metrics.DecodeErrorsTotal.WithLabelValues(s.opts.Identity.Kind.String(), k.String()).Inc()
	if k != decode.Malformed {
		s.logger.Info("session: decode error", "error", err)
	}
}

func (s *Session) transition(to State, cause error, attempt int, until time.Time) {
	now := time.Now()
	s.mu.Lock()
	from := s.status.State
	if from == to {
		s.mu.Unlock()
		return
	}
	s.status.State = to
	s.status.StateSince = now
	switch to {
	case Backoff:
		s.status.Attempt = attempt
		s.status.BackoffUntil = until
	case Streaming:
		if s.streamed {
			s.status.Reconnects++
		}
		s.streamed = true
		s.status.Attempt = 0
		s.status.BackoffUntil = time.Time{}
	case Connecting:
		s.status.BackoffUntil = time.Time{}
	}
	if cause != nil {
		s.status.LastError = cause.Error()
	}
	s.mu.Unlock()

	level := slog.LevelDebug
	if to == Streaming || to == Failed || (to == Disconnected && cause != nil) {
		level = slog.LevelInfo
	}
	if cause != nil && !errors.Is(cause, context.Canceled) {
		s.logger.Log(context.Background(), level, "session: state changed", "from", from.String(), "to", to.String(), "error", cause)
	} else {
		s.logger.Log(context.Background(), level, "session: state changed", "from", from.String(), "to", to.String())
	}
	metrics.RecordTransition(s.opts.Identity.Kind.String(), from.String(), to.String())

	if s.opts.OnTransition != nil {
		s.opts.OnTransition(Transition{From: from, To: to, At: now, Attempt: attempt, Until: until, Err: cause})
	}
}
