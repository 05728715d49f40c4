package decode

import (
	"bytes"

	"solarpi/internal/types"
)

// Battery monitor frames: 0xBB <body> <status> 0xEE. The body is a run of
// packed-BCD digits closed by a tag byte (>= 0xA0) naming the field those
// digits belong to. 0xAA opens a recorded-history frame instead.
const (
	bmLiveStart     = 0xBB
	bmRecordedStart = 0xAA
	bmEnd           = 0xEE
	bmTagMin        = 0xA0

	bmMaxBuffer    = 512
	bmMaxDataBytes = 6
)

// Field tags.
const (
	tagVoltage         = 0xC0
	tagCurrent         = 0xC1
	tagCharging        = 0xD1
	tagRemainingAh     = 0xD2
	tagDischargeEnergy = 0xD3
	tagChargeEnergy    = 0xD4
	tagPower           = 0xD8
	tagTemperature     = 0xD9
	tagTempInF         = 0xF7
)

// Field names.
const (
	FieldVoltage         = "voltage"
	FieldCurrent         = "current"
	FieldCharging        = "charging"
	FieldRemainingAh     = "remaining_ah"
	FieldStateOfCharge   = "state_of_charge"
	FieldDischargeEnergy = "discharge_energy"
	FieldChargeEnergy    = "charge_energy"
	FieldPower           = "power"
	// FieldNetPower is power signed by direction: positive while charging.
	FieldNetPower        = "net_power"
	FieldTemperature     = "temperature"
)

type bmField struct {
	name   string
	divide float64
	rng    bounds
}

var bmFields = map[byte]bmField{
	tagVoltage:         {FieldVoltage, 100, bounds{0, 100}},
	tagCurrent:         {FieldCurrent, 100, bounds{0, 500}},
	tagCharging:        {FieldCharging, 1, bounds{0, 1}},
	tagRemainingAh:     {FieldRemainingAh, 1000, bounds{0, 10000}},
	tagDischargeEnergy: {FieldDischargeEnergy, 100, bounds{0, 1e7}},
	tagChargeEnergy:    {FieldChargeEnergy, 100, bounds{0, 1e7}},
	tagPower:           {FieldPower, 100, bounds{0, 50000}},
}

var bmTemperatureRange = bounds{-40, 100}

// RefreshBatteryMonitor asks the monitor to push a full set of live values.
var RefreshBatteryMonitor = []byte{0xBB, 0x9A, 0xA9, 0x0C, 0xEE}

// batteryState carries what one frame teaches the decoder about the next:
// the temperature unit flag and the charging direction.
type batteryState struct {
	tempInF    bool
	charging   bool
	knowsFlow  bool
	capacityAh float64
}

func newBatteryState(capacityAh float64) *batteryState {
	// The monitor reports Fahrenheit until it says otherwise.
	return &batteryState{tempInF: true, capacityAh: capacityAh}
}

func (s *batteryState) decode(b []byte) ([]types.Field, error) {
	if len(b) < 3 {
		return nil, malformed("battery frame too short: %d bytes", len(b))
	}
	if b[len(b)-1] != bmEnd {
		return nil, malformed("battery frame does not end with 0x%02X", bmEnd)
	}
	switch b[0] {
	case bmLiveStart:
	case bmRecordedStart:
		return nil, unknownType("recorded history frame")
	default:
		return nil, unknownType("battery frame start 0x%02X", b[0])
	}

	status := b[len(b)-2]
	if !isBCD(status) {
		return nil, malformed("status byte 0x%02X is not BCD", status)
	}

	body := b[1 : len(b)-2]
	var (
		fields []types.Field
		digits []byte
	)
	tempInF, charging, knowsFlow := s.tempInF, s.charging, s.knowsFlow
	power := -1.0
	for _, c := range body {
		if c < bmTagMin {
			if !isBCD(c) {
				return nil, malformed("data byte 0x%02X is not BCD", c)
			}
			digits = append(digits, c)
			if len(digits) > bmMaxDataBytes {
				return nil, malformed("field has more than %d data bytes", bmMaxDataBytes)
			}
			continue
		}
		if len(digits) == 0 {
			continue
		}
		raw := bcdValue(digits)
		digits = digits[:0]

		switch c {
		case tagTempInF:
			if raw > 1 {
				return nil, malformed("temperature unit flag %d", raw)
			}
			tempInF = raw == 1
		case tagTemperature:
			var t float64
			if tempInF {
				t = round((float64(raw)-32-5)*5.0/9.0, 1)
			} else {
				t = float64(raw) - 100
			}
			if err := checkRange(FieldTemperature, t, bmTemperatureRange); err != nil {
				return nil, err
			}
			fields = append(fields, types.Field{Name: FieldTemperature, Value: t})
		default:
			spec, ok := bmFields[c]
			if !ok {
				// Configuration and protocol tags carry no telemetry.
				continue
			}
			v := float64(raw) / spec.divide
			if err := checkRange(spec.name, v, spec.rng); err != nil {
				return nil, err
			}
			fields = append(fields, types.Field{Name: spec.name, Value: v})
			switch c {
			case tagCharging:
				charging, knowsFlow = raw == 1, true
			case tagPower:
				power = v
			}
			if c == tagRemainingAh && s.capacityAh > 0 {
				soc := min(max(round(100*v/s.capacityAh, 2), 0), 100)
				fields = append(fields, types.Field{Name: FieldStateOfCharge, Value: soc})
			}
		}
	}
	if len(digits) > 0 {
		return nil, malformed("%d data bytes without a field tag", len(digits))
	}

	if power >= 0 && knowsFlow {
		if !charging {
			power = -power
		}
		fields = append(fields, types.Field{Name: FieldNetPower, Value: power})
	}

	// Flags only stick once the whole frame has been accepted.
	s.tempInF = tempInF
	s.charging, s.knowsFlow = charging, knowsFlow
	return fields, nil
}

func isBCD(c byte) bool {
	return c>>4 <= 9 && c&0x0F <= 9
}

// bcdValue reads packed BCD: 0x32 0x43 0x97 is 324397.
func bcdValue(digits []byte) int64 {
	var v int64
	for _, c := range digits {
		v = v*100 + int64(c>>4)*10 + int64(c&0x0F)
	}
	return v
}

// batteryAssembler cuts the notification stream at start and end markers.
type batteryAssembler struct {
	buf []byte
}

func (a *batteryAssembler) pending() int { return len(a.buf) }

func (a *batteryAssembler) reset() { a.buf = nil }

func (a *batteryAssembler) orphan(data []byte) int {
	if i := indexStart(data, 0); i >= 0 {
		return i
	}
	return len(data)
}

func (a *batteryAssembler) push(data []byte) ([][]byte, []error) {
	a.buf = append(a.buf, data...)

	var (
		frames [][]byte
		errs   []error
	)
	for len(a.buf) > 0 {
		start := indexStart(a.buf, 0)
		if start < 0 {
			errs = append(errs, malformed("%d stray bytes outside a frame", len(a.buf)))
			a.buf = nil
			break
		}
		if start > 0 {
			errs = append(errs, malformed("%d stray bytes before frame start", start))
			a.buf = a.buf[start:]
		}

		end := bytes.IndexByte(a.buf, bmEnd)
		next := indexStart(a.buf, 1)
		if next > 0 && (end < 0 || next < end) {
			errs = append(errs, malformed("frame truncated after %d bytes", next))
			a.buf = a.buf[next:]
			continue
		}
		if end < 0 {
			if len(a.buf) > bmMaxBuffer {
				errs = append(errs, malformed("no frame end within %d bytes", bmMaxBuffer))
				a.buf = nil
			}
			break
		}

		frame := make([]byte, end+1)
		copy(frame, a.buf[:end+1])
		frames = append(frames, frame)
		a.buf = a.buf[end+1:]
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return frames, errs
}

func indexStart(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == bmLiveStart || b[i] == bmRecordedStart {
			return i
		}
	}
	return -1
}
