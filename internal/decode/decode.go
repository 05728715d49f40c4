// Package decode turns battery monitor and charge controller notifications
// into typed measurements.
//
// Decode is a pure function over one complete frame. Decoder wraps it with
// the per-device reassembly buffer needed because both instruments may split
// a frame across several notifications. A Decoder is owned by exactly one
// session and is not safe for concurrent use.
package decode

import (
	"fmt"
	"math"
	"time"

	"solarpi/internal/types"
)

const (
	DefaultContinuationWindow = 2 * time.Second
	DefaultCapacityAh         = 600
)

// Options tune a Decoder.
type Options struct {
	// ContinuationWindow bounds how long a partial frame may wait for the
	// rest of its notifications.
	ContinuationWindow time.Duration
	// CapacityAh is the battery bank capacity used to derive state of
	// charge. Zero disables the derived field.
	CapacityAh float64
}

func (o Options) withDefaults() Options {
	if o.ContinuationWindow <= 0 {
		o.ContinuationWindow = DefaultContinuationWindow
	}
	if o.CapacityAh < 0 {
		o.CapacityAh = 0
	}
	return o
}

// Decode decodes one complete frame using a fresh decoder state.
func Decode(kind types.DeviceKind, b []byte) ([]types.Field, error) {
	switch kind {
	case types.BatteryMonitor:
		st := newBatteryState(DefaultCapacityAh)
		return st.decode(b)
	case types.ChargeController:
		return decodeCharger(b)
	default:
		return nil, unknownType("no decoder for device kind %q", kind)
	}
}

// assembler splits a notification stream into complete frames.
type assembler interface {
	// push appends data and returns every complete frame plus one error per
	// run of bytes that cannot belong to any frame.
	push(data []byte) (frames [][]byte, errs []error)
	pending() int
	reset()
	// orphan returns how many leading bytes of data continue a frame that
	// was already dropped.
	orphan(data []byte) int
}

// Decoder reassembles and decodes the notifications of one device.
type Decoder struct {
	device  types.DeviceIdentity
	opts    Options
	asm     assembler
	battery *batteryState

	startedAt time.Time
	// expired is set when a partial frame timed out and cleared by the
	// next notification, whose leading tail of that frame is discarded
	// without a second error.
	expired bool
}

// New returns a Decoder for the identity's device kind.
func New(device types.DeviceIdentity, opts Options) (*Decoder, error) {
	opts = opts.withDefaults()
	d := &Decoder{device: device, opts: opts}
	switch device.Kind {
	case types.BatteryMonitor:
		d.asm = &batteryAssembler{}
		d.battery = newBatteryState(opts.CapacityAh)
	case types.ChargeController:
		d.asm = &chargerAssembler{}
	default:
		return nil, fmt.Errorf("decode: no decoder for device kind %q", device.Kind)
	}
	return d, nil
}

// Feed consumes one notification. Complete frames are decoded in arrival
// order; every rejected frame is reported in errs.
func (d *Decoder) Feed(f types.RawFrame) ([]types.Measurement, []error) {
	var errs []error
	if err := d.expire(f.ReceivedAt); err != nil {
		errs = append(errs, err)
	}

	data := f.Data
	if d.expired {
		d.expired = false
		data = data[d.asm.orphan(data):]
	}

	wasEmpty := d.asm.pending() == 0
	frames, asmErrs := d.asm.push(data)
	errs = append(errs, asmErrs...)

	var out []types.Measurement
	for _, frame := range frames {
		fields, err := d.decodeFrame(frame)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, types.Measurement{
			Kind:   d.device.Kind,
			Device: d.device.String(),
			Fields: fields,
			Time:   f.ReceivedAt,
		})
	}

	// The window starts with the first fragment of the frame still pending.
	if d.asm.pending() > 0 && (wasEmpty || len(frames) > 0 || len(asmErrs) > 0) {
		d.startedAt = f.ReceivedAt
	}
	return out, errs
}

// Expire drops a partial frame that has outlived the continuation window.
func (d *Decoder) Expire(now time.Time) []error {
	if err := d.expire(now); err != nil {
		return []error{err}
	}
	return nil
}

func (d *Decoder) expire(now time.Time) error {
	if d.asm.pending() == 0 {
		return nil
	}
	if now.Sub(d.startedAt) <= d.opts.ContinuationWindow {
		return nil
	}
	n := d.asm.pending()
	d.asm.reset()
	d.expired = true
	return &Error{Kind: IncompleteTimeout, Reason: fmt.Sprintf("%d bytes waited longer than %s", n, d.opts.ContinuationWindow)}
}

// Reset drops any partial frame and reports whether one was pending.
func (d *Decoder) Reset() bool {
	had := d.asm.pending() > 0
	d.asm.reset()
	d.expired = false
	return had
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (d *Decoder) Pending() int { return d.asm.pending() }

func (d *Decoder) decodeFrame(frame []byte) ([]types.Field, error) {
	if d.battery != nil {
		return d.battery.decode(frame)
	}
	return decodeCharger(frame)
}

// bounds is a plausibility range, inclusive.
type bounds struct{ min, max float64 }

func checkRange(name string, v float64, r bounds) error {
	if math.IsNaN(v) || v < r.min || v > r.max {
		return malformed("%s=%v outside plausible range [%v, %v]", name, v, r.min, r.max)
	}
	return nil
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
