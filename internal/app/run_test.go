package app

import (
	"testing"
	"time"

	"solarpi/internal/config"
	"solarpi/internal/types"
)

func TestSupervisorOptions(t *testing.T) {
	cfg := config.Config{
		BatteryMonitor:    types.DeviceIdentity{Kind: types.BatteryMonitor, Address: "54:14:A7:53:14:E9"},
		ChargeController:  types.DeviceIdentity{Kind: types.ChargeController, NamePattern: "^BT-TH"},
		BatteryCapacityAh: 300,
		BackoffMin:        2 * time.Second,
		BackoffMax:        time.Minute,
		BackoffJitter:     0.1,
		IdleTimeout:       90 * time.Second,
		ReassemblyTimeout: 3 * time.Second,
		BLEResetAfter:     7,
		BLEResetCooldown:  5 * time.Minute,
	}

	opts := SupervisorOptions(cfg)

	if opts.ResetAfter != 7 || opts.ResetCooldown != 5*time.Minute {
		t.Fatalf("reset settings not carried over: %+v", opts)
	}
	if len(opts.Sessions) != 2 {
		t.Fatalf("sessions=%d want=2", len(opts.Sessions))
	}
	mon, cc := opts.Sessions[0], opts.Sessions[1]
	if mon.Identity != cfg.BatteryMonitor || cc.Identity != cfg.ChargeController {
		t.Fatalf("identities out of order: %v, %v", mon.Identity, cc.Identity)
	}
	for _, so := range opts.Sessions {
		if so.Decoder.CapacityAh != 300 || so.Decoder.ContinuationWindow != 3*time.Second {
			t.Errorf("%s decoder options = %+v", so.Identity.Kind, so.Decoder)
		}
		if so.Backoff.Min != 2*time.Second || so.Backoff.Max != time.Minute || so.Backoff.Jitter != 0.1 {
			t.Errorf("%s backoff = %+v", so.Identity.Kind, so.Backoff)
		}
		if so.IdleTimeout != 90*time.Second {
			t.Errorf("%s idle timeout = %s", so.Identity.Kind, so.IdleTimeout)
		}
		if so.Poll != nil {
			t.Errorf("%s poll should default per kind", so.Identity.Kind)
		}
	}
}
