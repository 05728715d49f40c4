package enclosure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"periph.io/x/conn/v3/physic"

	"solarpi/internal/types"
)

type fakeSensor struct {
	mu    sync.Mutex
	env   physic.Env
	fails int
	calls int
}

func (s *fakeSensor) Sense(env *physic.Env) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fails {
		return errors.New("i2c: remote I/O error")
	}
	*env = s.env
	return nil
}

type memSink struct {
	mu  sync.Mutex
	got []types.Measurement
}

func (s *memSink) Write(_ context.Context, m types.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func reading() physic.Env {
	return physic.Env{
		Temperature: physic.ZeroCelsius + 25*physic.Celsius,
		Humidity:    45 * physic.PercentRH,
		Pressure:    101300 * physic.Pascal,
	}
}

func TestMeasurement_Units(t *testing.T) {
	is := is.New(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m := Measurement("i2c:0x76", reading(), at)

	is.Equal(m.Kind, types.Enclosure)
	is.Equal(m.Device, "i2c:0x76")
	is.True(m.Time.Equal(at))
	for name, want := range map[string]float64{
		FieldTemperature: 25,
		FieldHumidity:    45,
		FieldPressure:    1013,
	} {
		got, ok := m.Value(name)
		is.True(ok)
		is.Equal(got, want)
	}
}

func TestPoller_KeepsPollingAfterReadErrors(t *testing.T) {
	is := is.New(t)
	sensor := &fakeSensor{env: reading(), fails: 2}
	sink := &memSink{}
	p := NewPoller(sensor, sink, 0x76, 2*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sink.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	is.True(errors.Is(<-done, context.Canceled))

	is.True(sink.len() >= 2)
	sink.mu.Lock()
	is.Equal(sink.got[0].Device, "i2c:0x76")
	sink.mu.Unlock()
}
