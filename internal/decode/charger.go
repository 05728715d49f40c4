package decode

import (
	"encoding/binary"

	"solarpi/internal/types"
)

// The charge controller answers Modbus RTU read requests over BLE:
// addr func byteCount data[byteCount] crcLo crcHi.
const (
	ccAddress        = 0x01
	ccReadHolding    = 0x03
	ccException      = 0x83
	ccHomeByteCount  = 0x26
	ccHomeFrameLen   = 3 + ccHomeByteCount + 2
	ccExceptionLen   = 5
	ccMinFrameLength = 5
)

const (
	FieldControllerTemperature = "controller_temperature"
	FieldBatteryTemperature    = "battery_temperature"
	FieldPanelVoltage          = "panel_voltage"
	FieldPanelCurrent          = "panel_current"
	FieldStatus                = "status"
	FieldTotalEnergy           = "total_energy"
)

// RequestChargerHomeData reads the 0x13 holding registers starting at 0x0101
// that make up the controller's home screen.
var RequestChargerHomeData = []byte{0x01, 0x03, 0x01, 0x01, 0x00, 0x13, 0x54, 0x3B}

var ccRanges = map[string]bounds{
	FieldVoltage:               {0, 100},
	FieldCurrent:               {0, 100},
	FieldControllerTemperature: {-40, 125},
	FieldBatteryTemperature:    {-40, 125},
	FieldPanelVoltage:          {0, 200},
	FieldStatus:                {0, 255},
	FieldTotalEnergy:           {0, 1e9},
	FieldPower:                 {0, 10000},
	FieldPanelCurrent:          {0, 100},
}

func decodeCharger(b []byte) ([]types.Field, error) {
	if len(b) < ccMinFrameLength {
		return nil, malformed("charger frame too short: %d bytes", len(b))
	}
	n := len(b)
	if got, want := binary.LittleEndian.Uint16(b[n-2:]), crc16(b[:n-2]); got != want {
		return nil, malformed("crc 0x%04X, want 0x%04X", got, want)
	}
	if b[0] != ccAddress {
		return nil, unknownType("modbus address 0x%02X", b[0])
	}
	switch b[1] {
	case ccReadHolding:
	case ccException:
		return nil, unknownType("modbus exception code 0x%02X", b[2])
	default:
		return nil, unknownType("modbus function 0x%02X", b[1])
	}
	if n != 3+int(b[2])+2 {
		return nil, malformed("byte count %d does not match frame length %d", b[2], n)
	}
	if b[2] != ccHomeByteCount {
		return nil, unknownType("register block of %d bytes", b[2])
	}

	voltage := float64(binary.BigEndian.Uint16(b[5:7])) / 10
	current := float64(binary.BigEndian.Uint16(b[7:9])) / 100
	panelVoltage := float64(binary.BigEndian.Uint16(b[19:21])) / 10
	batteryTemp := float64(b[12])
	if b[12] >= 128 {
		batteryTemp = float64(128 - int(b[12]))
	}
	panelCurrent := 0.0
	if panelVoltage > 0 {
		panelCurrent = round(voltage/panelVoltage*current, 2)
	}

	fields := []types.Field{
		{Name: FieldVoltage, Value: voltage},
		{Name: FieldCurrent, Value: current},
		{Name: FieldPower, Value: round(voltage*current, 2)},
		{Name: FieldControllerTemperature, Value: float64(b[11])},
		{Name: FieldBatteryTemperature, Value: batteryTemp},
		{Name: FieldPanelVoltage, Value: panelVoltage},
		{Name: FieldPanelCurrent, Value: panelCurrent},
		{Name: FieldStatus, Value: float64(b[28])},
		{Name: FieldTotalEnergy, Value: float64(binary.BigEndian.Uint32(b[33:37]))},
	}
	for _, f := range fields {
		if err := checkRange(f.Name, f.Value, ccRanges[f.Name]); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// crc16 is the Modbus CRC (poly 0xA001 reflected, init 0xFFFF). It goes on
// the wire low byte first.
func crc16(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, c := range b {
		crc ^= uint16(c)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// chargerAssembler uses the Modbus header to know how many bytes a frame
// still needs.
type chargerAssembler struct {
	buf []byte
}

func (a *chargerAssembler) pending() int { return len(a.buf) }

func (a *chargerAssembler) reset() { a.buf = nil }

// A response never shares a notification with the tail of the previous
// one, since the controller answers one request at a time.
func (a *chargerAssembler) orphan(data []byte) int {
	if len(data) >= 2 && data[0] == ccAddress && (data[1] == ccReadHolding || data[1] == ccException) {
		return 0
	}
	return len(data)
}

func (a *chargerAssembler) push(data []byte) ([][]byte, []error) {
	a.buf = append(a.buf, data...)

	var (
		frames [][]byte
		errs   []error
	)
	for len(a.buf) > 0 {
		if a.buf[0] != ccAddress {
			errs = append(errs, malformed("%d byte fragment without a modbus header", len(a.buf)))
			a.buf = nil
			break
		}
		if len(a.buf) < 2 {
			break
		}
		var need int
		switch a.buf[1] {
		case ccException:
			need = ccExceptionLen
		case ccReadHolding:
			if len(a.buf) < 3 {
				break
			}
			need = 3 + int(a.buf[2]) + 2
		default:
			errs = append(errs, malformed("modbus function 0x%02X in header", a.buf[1]))
			a.buf = nil
		}
		if need == 0 || len(a.buf) < need {
			break
		}
		frame := make([]byte, need)
		copy(frame, a.buf[:need])
		frames = append(frames, frame)
		a.buf = a.buf[need:]
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return frames, errs
}
