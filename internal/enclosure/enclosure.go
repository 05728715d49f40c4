// Package enclosure polls the BME280 mounted inside the equipment box, so
// battery and controller readings can be read against box temperature.
package enclosure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"

	"solarpi/internal/metrics"
	"solarpi/internal/session"
	"solarpi/internal/types"
)

const (
	FieldTemperature = "temperature_c"
	FieldHumidity    = "humidity_pct"
	FieldPressure    = "pressure_hpa"

	// maxFailures consecutive failed reads are logged at error level once.
	maxFailures = 5
)

// Sensor is the part of *bmxx80.Dev the poller needs.
type Sensor interface {
	Sense(env *physic.Env) error
}

// Open initializes the host drivers and the BME280 on the default I²C bus.
// close releases both.
func Open(addr uint16) (Sensor, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return nil, nil, fmt.Errorf("open i2c bus: %w", err)
	}
	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, nil, fmt.Errorf("bmxx80 at 0x%02x: %w", addr, err)
	}
	closeFn := func() error {
		herr := dev.Halt()
		if err := bus.Close(); err != nil {
			return err
		}
		return herr
	}
	return dev, closeFn, nil
}

type Poller struct {
	sensor   Sensor
	sink     session.Sink
	interval time.Duration
	device   string
	logger   *slog.Logger
}

func NewPoller(sensor Sensor, sink session.Sink, addr uint16, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	device := fmt.Sprintf("i2c:0x%02x", addr)
	return &Poller{
		sensor:   sensor,
		sink:     sink,
		interval: interval,
		device:   device,
		logger:   logger.With("device", device, "kind", types.Enclosure.String()),
	}
}

// Run reads the sensor every interval until ctx is done. Read failures are
// logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				level := slog.LevelWarn
				if failures == maxFailures {
					level = slog.LevelError
				}
				p.logger.Log(ctx, level, "enclosure: read failed", "failures", failures, "error", err)
				continue
			}
			failures = 0
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	var env physic.Env
	if err := p.sensor.Sense(&env); err != nil {
		return fmt.Errorf("sense: %w", err)
	}
	m := Measurement(p.device, env, time.Now())
	for _, f := range m.Fields {
		metrics.EnclosureReading.WithLabelValues(f.Name).Set(f.Value)
	}
	return p.sink.Write(ctx, m)
}

// Measurement converts a reading to the stored units.
func Measurement(device string, env physic.Env, at time.Time) types.Measurement {
	return types.Measurement{
		Kind:   types.Enclosure,
		Device: device,
		Time:   at,
		Fields: []types.Field{
			{Name: FieldTemperature, Value: env.Temperature.Celsius()},
			{Name: FieldHumidity, Value: float64(env.Humidity) / float64(physic.PercentRH)},
			{Name: FieldPressure, Value: float64(env.Pressure) / float64(100*physic.Pascal)},
		},
	}
}
