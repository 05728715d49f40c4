package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"solarpi/internal/decode"
	"solarpi/internal/types"
)

var monitor = types.DeviceIdentity{Kind: types.BatteryMonitor, Address: "54:14:A7:53:14:E9"}

type fakeStream struct {
	ch   chan types.RawFrame
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan types.RawFrame, 16)}
}

func (s *fakeStream) Frames() <-chan types.RawFrame { return s.ch }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) drop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

type fakeLink struct {
	stream   *fakeStream
	subErr   error
	writeErr error

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeLink() *fakeLink { return &fakeLink{stream: newFakeStream()} }

func (l *fakeLink) Subscribe(ctx context.Context) (Stream, error) {
	if l.subErr != nil {
		return nil, l.subErr
	}
	return l.stream, nil
}

func (l *fakeLink) Write(ctx context.Context, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, append([]byte(nil), b...))
	return l.writeErr
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.stream.drop(nil)
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type connectResult struct {
	link *fakeLink
	err  error
}

// fakeRadio hands out whatever the test pushes into connects.
type fakeRadio struct {
	connects chan connectResult
	mu       sync.Mutex
	calls    int
}

func newFakeRadio() *fakeRadio { return &fakeRadio{connects: make(chan connectResult, 8)} }

func (r *fakeRadio) Connect(ctx context.Context, id types.DeviceIdentity) (Link, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-r.connects:
		if res.err != nil {
			return nil, res.err
		}
		return res.link, nil
	}
}

func (r *fakeRadio) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingSink struct {
	mu  sync.Mutex
	got []types.Measurement
}

func (s *recordingSink) Write(ctx context.Context, m types.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type transitionLog struct {
	mu  sync.Mutex
	all []Transition
	ch  chan Transition
}

func newTransitionLog() *transitionLog {
	return &transitionLog{ch: make(chan Transition, 128)}
}

func (l *transitionLog) observe(tr Transition) {
	l.mu.Lock()
	l.all = append(l.all, tr)
	l.mu.Unlock()
	l.ch <- tr
}

func (l *transitionLog) waitFor(t *testing.T, to State) Transition {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-l.ch:
			if tr.To == to {
				return tr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", to)
		}
	}
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.all))
	for _, tr := range l.all {
		out = append(out, tr.To)
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func frame(t *testing.T, s string) types.RawFrame {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex %q: %v", s, err)
	}
	return types.RawFrame{Device: monitor, Data: b, ReceivedAt: time.Now()}
}

func fastOptions(log *transitionLog) Options {
	return Options{
		Identity:     monitor,
		Backoff:      BackoffPolicy{Min: time.Millisecond, Max: 4 * time.Millisecond, Jitter: 0},
		OnTransition: log.observe,
	}
}

func runSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return cancel, done
}

func TestSession_InvalidIdentityNeverConnects(t *testing.T) {
	radio := newFakeRadio()
	log := newTransitionLog()
	opts := fastOptions(log)
	opts.Identity = types.DeviceIdentity{Kind: types.ChargeController, Address: "not-a-mac"}
	s := New(radio, &recordingSink{}, opts)

	err := s.Run(context.Background())

	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Run() error = %v; want *types.ConfigError", err)
	}
	if radio.callCount() != 0 {
		t.Errorf("radio.Connect called %d times; want 0", radio.callCount())
	}
	if got := log.states(); len(got) != 1 || got[0] != Failed {
		t.Errorf("transitions = %v; want [failed]", got)
	}
	if st := s.Status(); st.State != Failed || st.LastError == "" {
		t.Errorf("status = %+v; want failed with last error", st)
	}
}

func TestSession_DisconnectMidStreamReconnects(t *testing.T) {
	radio := newFakeRadio()
	sink := &recordingSink{}
	log := newTransitionLog()
	s := New(radio, sink, fastOptions(log))
	cancel, done := runSession(t, s)

	first := newFakeLink()
	radio.connects <- connectResult{link: first}
	log.waitFor(t, Streaming)

	for range 5 {
		first.stream.ch <- frame(t, "bb0530c1013886d840ee")
	}
	waitUntil(t, "5 measurements", func() bool { return sink.count() == 5 })

	first.stream.drop(errors.New("peripheral went away"))
	tr := log.waitFor(t, Disconnected)
	if !errors.Is(tr.Err, ErrDisconnected) {
		t.Errorf("disconnect cause = %v; want ErrDisconnected", tr.Err)
	}
	bo := log.waitFor(t, Backoff)
	if bo.Attempt != 1 {
		t.Errorf("backoff attempt = %d; want 1", bo.Attempt)
	}

	second := newFakeLink()
	radio.connects <- connectResult{link: second}
	log.waitFor(t, Streaming)
	for range 3 {
		second.stream.ch <- frame(t, "bb1325c001d100ee")
	}
	waitUntil(t, "8 measurements", func() bool { return sink.count() == 8 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v; want context.Canceled", err)
	}

	want := []State{
		Connecting, Subscribing, Streaming,
		Disconnected, Backoff,
		Connecting, Subscribing, Streaming,
		Disconnected,
	}
	got := log.states()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v; want %v", got, want)
		}
	}

	if !first.isClosed() || !second.isClosed() {
		t.Error("links were not closed")
	}
	st := s.Status()
	if st.Reconnects != 1 {
		t.Errorf("Reconnects = %d; want 1", st.Reconnects)
	}
	if st.Measurements != 8 {
		t.Errorf("Measurements = %d; want 8", st.Measurements)
	}
}

func TestSession_BackoffGrowsAndResetsAfterStreaming(t *testing.T) {
	radio := newFakeRadio()
	log := newTransitionLog()
	s := New(radio, &recordingSink{}, fastOptions(log))
	runSession(t, s)

	for range 3 {
		radio.connects <- connectResult{err: errors.New("no advertisement")}
	}
	for want := 1; want <= 3; want++ {
		tr := log.waitFor(t, Backoff)
		if tr.Attempt != want {
			t.Fatalf("backoff attempt = %d; want %d", tr.Attempt, want)
		}
	}

	link := newFakeLink()
	radio.connects <- connectResult{link: link}
	log.waitFor(t, Streaming)
	if st := s.Status(); st.Attempt != 0 {
		t.Errorf("Attempt while streaming = %d; want 0", st.Attempt)
	}
	link.stream.drop(nil)

	tr := log.waitFor(t, Backoff)
	if tr.Attempt != 1 {
		t.Errorf("backoff attempt after streaming = %d; want 1", tr.Attempt)
	}
}

func TestSession_ConnectAndSubscribeErrorsAreTyped(t *testing.T) {
	radio := newFakeRadio()
	log := newTransitionLog()
	s := New(radio, &recordingSink{}, fastOptions(log))
	runSession(t, s)

	radio.connects <- connectResult{err: errors.New("le-connection-abort-by-local")}
	tr := log.waitFor(t, Disconnected)
	var ce *ConnectError
	if !errors.As(tr.Err, &ce) {
		t.Fatalf("cause = %v; want *ConnectError", tr.Err)
	}

	link := newFakeLink()
	link.subErr = errors.New("characteristic fff1 not found")
	radio.connects <- connectResult{link: link}
	tr = log.waitFor(t, Disconnected)
	var se *SubscribeError
	if !errors.As(tr.Err, &se) {
		t.Fatalf("cause = %v; want *SubscribeError", tr.Err)
	}
	if !link.isClosed() {
		t.Error("link not closed after subscribe failure")
	}
}

func TestSession_IdleLinkIsDropped(t *testing.T) {
	radio := newFakeRadio()
	log := newTransitionLog()
	opts := fastOptions(log)
	opts.IdleTimeout = 30 * time.Millisecond
	s := New(radio, &recordingSink{}, opts)
	runSession(t, s)

	radio.connects <- connectResult{link: newFakeLink()}
	log.waitFor(t, Streaming)
	tr := log.waitFor(t, Disconnected)
	if !errors.Is(tr.Err, ErrIdle) {
		t.Errorf("cause = %v; want ErrIdle", tr.Err)
	}
}

func TestSession_PollsDeviceAndGivesUpAfterRepeatedWriteFailures(t *testing.T) {
	radio := newFakeRadio()
	log := newTransitionLog()
	opts := fastOptions(log)
	opts.Poll = &Poll{Command: decode.RefreshBatteryMonitor, Interval: 2 * time.Millisecond}
	opts.MaxPollFailures = 3
	s := New(radio, &recordingSink{}, opts)
	runSession(t, s)

	link := newFakeLink()
	link.writeErr = errors.New("write without response failed")
	radio.connects <- connectResult{link: link}

	tr := log.waitFor(t, Disconnected)
	if !errors.Is(tr.Err, ErrPollFailed) {
		t.Fatalf("cause = %v; want ErrPollFailed", tr.Err)
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.writes) != 3 {
		t.Errorf("writes = %d; want 3", len(link.writes))
	}
	if !bytes.Equal(link.writes[0], decode.RefreshBatteryMonitor) {
		t.Errorf("poll command = % X; want % X", link.writes[0], decode.RefreshBatteryMonitor)
	}
}

func TestSession_DecodeErrorsDoNotInterruptStreaming(t *testing.T) {
	radio := newFakeRadio()
	sink := &recordingSink{}
	log := newTransitionLog()
	s := New(radio, sink, fastOptions(log))
	runSession(t, s)

	link := newFakeLink()
	radio.connects <- connectResult{link: link}
	log.waitFor(t, Streaming)

	link.stream.ch <- frame(t, "bb0a30c140ee") // non-BCD digit
	link.stream.ch <- frame(t, "aa0530c140ee") // recorded history
	link.stream.ch <- frame(t, "bb0530c140ee")
	waitUntil(t, "one measurement", func() bool { return sink.count() == 1 })

	st := s.Status()
	if st.State != Streaming {
		t.Errorf("state = %s; want streaming", st.State)
	}
	if st.DecodeErrors.Malformed != 1 || st.DecodeErrors.UnknownFrameType != 1 {
		t.Errorf("decode errors = %+v; want 1 malformed, 1 unknown", st.DecodeErrors)
	}
}

func TestSession_PartialFrameIsNotCarriedAcrossReconnect(t *testing.T) {
	radio := newFakeRadio()
	sink := &recordingSink{}
	log := newTransitionLog()
	s := New(radio, sink, fastOptions(log))
	runSession(t, s)

	first := newFakeLink()
	radio.connects <- connectResult{link: first}
	log.waitFor(t, Streaming)
	first.stream.ch <- frame(t, "bb0530c1")
	waitUntil(t, "frame consumed", func() bool { return !s.Status().LastFrameAt.IsZero() })
	first.stream.drop(nil)

	second := newFakeLink()
	radio.connects <- connectResult{link: second}
	log.waitFor(t, Streaming)
	second.stream.ch <- frame(t, "40ee")
	second.stream.ch <- frame(t, "bb0540c140ee")
	waitUntil(t, "one measurement", func() bool { return sink.count() == 1 })

	if st := s.Status(); st.DecodeErrors.Malformed != 1 {
		t.Errorf("malformed = %d; want 1 for the orphaned tail", st.DecodeErrors.Malformed)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if v, _ := sink.got[0].Value(decode.FieldCurrent); v != 5.40 {
		t.Errorf("current = %v; want 5.40", v)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Subscribing:  "subscribing",
		Streaming:    "streaming",
		Backoff:      "backoff",
		Failed:       "failed",
		State(42):    "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q; want %q", int(s), got, want)
		}
	}
}

func TestSession_TinyContinuationWindowKeepsStreaming(t *testing.T) {
	radio := newFakeRadio()
	sink := &recordingSink{}
	log := newTransitionLog()
	opts := fastOptions(log)
	opts.Decoder.ContinuationWindow = time.Nanosecond
	s := New(radio, sink, opts)
	runSession(t, s)

	link := newFakeLink()
	radio.connects <- connectResult{link: link}
	log.waitFor(t, Streaming)

	link.stream.ch <- frame(t, "bb0530c1013886d840ee")
	waitUntil(t, "1 measurement", func() bool { return sink.count() == 1 })
	if st := s.Status(); st.State != Streaming {
		t.Fatalf("state = %s; want streaming", st.State)
	}
}
