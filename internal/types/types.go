package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeviceKind tags every frame, measurement and stored row with the
// instrument that produced it.
type DeviceKind string

const (
	BatteryMonitor   DeviceKind = "battery_monitor"
	ChargeController DeviceKind = "charge_controller"
	// Enclosure is the optional BME280 wired to the host itself. It has no
	// radio session.
	Enclosure DeviceKind = "enclosure"
)

func (k DeviceKind) String() string { return string(k) }

// Valid reports whether k is one of the known kinds.
func (k DeviceKind) Valid() bool {
	switch k {
	case BatteryMonitor, ChargeController, Enclosure:
		return true
	}
	return false
}

var macRe = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// DeviceIdentity selects one physical device. When both Address and
// NamePattern are empty the device is discovered by the GATT service its
// kind advertises.
type DeviceIdentity struct {
	Kind        DeviceKind `json:"kind" yaml:"kind"`
	Address     string     `json:"address,omitempty" yaml:"address,omitempty"`
	NamePattern string     `json:"name_pattern,omitempty" yaml:"name_pattern,omitempty"`
}

// String is the identifier used in logs and as the stored device_id.
func (id DeviceIdentity) String() string {
	switch {
	case id.Address != "":
		return strings.ToUpper(id.Address)
	case id.NamePattern != "":
		return "name:" + id.NamePattern
	default:
		return "service:" + string(id.Kind)
	}
}

// Validate returns a *ConfigError when the identity can never be resolved.
func (id DeviceIdentity) Validate() error {
	if !id.Kind.Valid() || id.Kind == Enclosure {
		return &ConfigError{Field: "kind", Value: string(id.Kind), Reason: "not a radio device kind"}
	}
	if id.Address != "" && !macRe.MatchString(id.Address) {
		return &ConfigError{Field: "address", Value: id.Address, Reason: "must look like AA:BB:CC:DD:EE:FF"}
	}
	if id.NamePattern != "" {
		if _, err := regexp.Compile(id.NamePattern); err != nil {
			return &ConfigError{Field: "name_pattern", Value: id.NamePattern, Reason: err.Error()}
		}
	}
	return nil
}

// MatchesName reports whether the advertised local name satisfies the
// identity's name pattern. An identity without a pattern never matches.
func (id DeviceIdentity) MatchesName(localName string) bool {
	if id.NamePattern == "" || localName == "" {
		return false
	}
	re, err := regexp.Compile(id.NamePattern)
	if err != nil {
		return false
	}
	return re.MatchString(localName)
}

// ConfigError is the only fatal session condition: the identity is
// malformed and the session must never try to connect.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid device %s %q: %s", e.Field, e.Value, e.Reason)
}

// RawFrame is the payload of one notification.
type RawFrame struct {
	Device     DeviceIdentity
	Data       []byte
	ReceivedAt time.Time
}

// Field is one named reading inside a Measurement.
type Field struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Measurement is a decoded record. Time is the host receive time of the
// notification that completed the frame.
type Measurement struct {
	Kind   DeviceKind `json:"kind"`
	Device string     `json:"device"`
	Fields []Field    `json:"fields"`
	Time   time.Time  `json:"time"`
}

// Value returns the named field.
func (m Measurement) Value(name string) (float64, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}
