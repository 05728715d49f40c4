package ble

import (
	"strings"

	"tinygo.org/x/bluetooth"

	"solarpi/internal/types"
	"solarpi/internal/utils"
)

var (
	batteryMonitorService = bluetooth.New16BitUUID(0xfff0)
	batteryMonitorNotify  = bluetooth.New16BitUUID(0xfff1)
	batteryMonitorWrite   = bluetooth.New16BitUUID(0xfff2)

	chargeControllerService = bluetooth.New16BitUUID(0xffe0)
	chargeControllerData    = bluetooth.New16BitUUID(0xffe1)
)

// profile names the GATT service and characteristics a device kind
// streams on.
type profile struct {
	service bluetooth.UUID
	notify  bluetooth.UUID
	write   bluetooth.UUID
}

func profileFor(kind types.DeviceKind) (profile, bool) {
	switch kind {
	case types.BatteryMonitor:
		return profile{service: batteryMonitorService, notify: batteryMonitorNotify, write: batteryMonitorWrite}, true
	case types.ChargeController:
		return profile{service: chargeControllerService, notify: chargeControllerData, write: chargeControllerData}, true
	}
	return profile{}, false
}

// shortUUID renders assigned 16-bit UUIDs the way vendors document them.
func shortUUID(u bluetooth.UUID) string {
	if u.Is16Bit() {
		return utils.Hex4(u.Get16Bit())
	}
	return u.String()
}

// Advertisement is the part of a scan result used for matching.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
	// HasService reports whether the advertisement lists the service.
	HasService func(bluetooth.UUID) bool

	addr bluetooth.Address
}

func (a Advertisement) has(u bluetooth.UUID) bool {
	return a.HasService != nil && a.HasService(u)
}

// Classify guesses the device kind from the advertised services. The
// battery monitor lists both fff0 and ffe0, so a charge controller is one
// with ffe0 only.
func Classify(a Advertisement) (types.DeviceKind, bool) {
	switch {
	case a.has(batteryMonitorService):
		return types.BatteryMonitor, true
	case a.has(chargeControllerService):
		return types.ChargeController, true
	}
	return "", false
}

// Matches reports whether a is the device id selects. An address wins
// over a name pattern, which wins over discovery by service.
func Matches(id types.DeviceIdentity, a Advertisement) bool {
	switch {
	case id.Address != "":
		return strings.EqualFold(id.Address, a.Address)
	case id.NamePattern != "":
		return id.MatchesName(a.Name)
	}
	kind, ok := Classify(a)
	return ok && kind == id.Kind
}

func advertisement(r bluetooth.ScanResult) Advertisement {
	return Advertisement{
		Address:    r.Address.String(),
		Name:       r.LocalName(),
		RSSI:       r.RSSI,
		HasService: r.HasServiceUUID,
		addr:       r.Address,
	}
}
