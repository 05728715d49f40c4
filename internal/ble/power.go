package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService   = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	propertiesSet  = "org.freedesktop.DBus.Properties.Set"
	adapterPowered = "Powered"
)

// Recover power cycles the adapter through BlueZ. Every open link is lost
// on the way.
func (r *Radio) Recover(ctx context.Context) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("ble: system bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	obj := conn.Object(bluezService, adapterPath(r.opts.Adapter))
	for _, on := range []bool{false, true} {
		r.logger.Warn("ble: setting adapter power", "powered", on)
		call := obj.CallWithContext(ctx, propertiesSet, 0, adapterIface, adapterPowered, dbus.MakeVariant(on))
		if call.Err != nil {
			return fmt.Errorf("ble: set %s.%s=%v: %w", adapterIface, adapterPowered, on, call.Err)
		}
		if err := sleep(ctx, r.opts.PowerCycleDelay); err != nil {
			return err
		}
	}

	r.linksMu.Lock()
	lost := r.links
	r.links = make(map[string]*link)
	r.linksMu.Unlock()
	for _, l := range lost {
		l.stream.drop(ErrLinkLost)
	}
	return nil
}

func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
