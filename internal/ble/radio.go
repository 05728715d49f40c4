// Package ble talks to the instruments over BlueZ: scanning, connecting,
// subscribing to notifications and writing poll commands.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"solarpi/internal/session"
	"solarpi/internal/types"
)

// ErrNotFound is returned when a scan ends without a matching device.
var ErrNotFound = errors.New("ble: device not found")

const stopScanRetry = 50 * time.Millisecond

type Options struct {
	Adapter        string // "hci0" by default
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// PowerCycleDelay is waited after powering the adapter off and again
	// after powering it on.
	PowerCycleDelay time.Duration
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Adapter == "" {
		o.Adapter = "hci0"
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.PowerCycleDelay <= 0 {
		o.PowerCycleDelay = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Radio owns one adapter. Enabling, scanning and power cycles take the
// adapter slot because BlueZ runs at most one discovery per adapter.
// Connects run outside it, so a peripheral that never answers only holds
// up its own session.
type Radio struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  *slog.Logger

	// slot is held by whoever drives the adapter; enabled is guarded by it.
	slot    chan struct{}
	enabled bool

	connect    func(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error)
	disconnect func(bluetooth.Device) error

	linksMu sync.Mutex
	links   map[string]*link
}

func NewRadio(opts Options) *Radio {
	opts = opts.withDefaults()
	r := &Radio{
		adapter:    bluetooth.NewAdapter(opts.Adapter),
		opts:       opts,
		logger:     opts.Logger.With("adapter", opts.Adapter),
		slot:       make(chan struct{}, 1),
		disconnect: func(d bluetooth.Device) error { return d.Disconnect() },
		links:      make(map[string]*link),
	}
	r.connect = r.adapter.Connect
	return r
}

func (r *Radio) acquire(ctx context.Context) error {
	select {
	case r.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Radio) release() { <-r.slot }

// enable must be called with the slot held.
func (r *Radio) enable() error {
	if r.enabled {
		return nil
	}
	r.logger.Info("ble: enabling adapter")
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable (%s): %w", r.opts.Adapter, err)
	}
	r.adapter.SetConnectHandler(r.onConnectChange)
	r.enabled = true
	return nil
}

func (r *Radio) onConnectChange(d bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := strings.ToUpper(d.Address.String())
	r.linksMu.Lock()
	l := r.links[addr]
	delete(r.links, addr)
	r.linksMu.Unlock()
	if l != nil {
		r.logger.Info("ble: peripheral disconnected", "device", addr)
		l.stream.drop(ErrLinkLost)
	}
}

// Scan reports every advertisement seen until ctx is done or the scan
// timeout passes.
func (r *Radio) Scan(ctx context.Context, fn func(Advertisement)) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()
	if err := r.enable(); err != nil {
		return err
	}
	return r.scan(ctx, func(a Advertisement) bool {
		fn(a)
		return false
	})
}

// scan runs one bounded discovery. It stops early once fn returns true.
// The slot must be held. StopScan is only ever called from the watcher
// goroutine: the adapter does not guard its own stop channel.
func (r *Radio) scan(ctx context.Context, fn func(Advertisement) bool) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, r.opts.ScanTimeout)
	defer cancel()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		// StopScan fails while the scan has not started yet; keep asking
		// until Scan returns.
		retry := time.NewTicker(stopScanRetry)
		defer retry.Stop()
		for {
			if r.adapter.StopScan() == nil {
				return
			}
			select {
			case <-retry.C:
			case <-finished:
				return
			}
		}
	}()

	var done bool
	err := r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		if done {
			return
		}
		if fn(advertisement(res)) {
			done = true
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble scan: %w", err)
	}
	return parent.Err()
}

// Connect finds the device id selects, connects and resolves its data
// characteristics.
func (r *Radio) Connect(ctx context.Context, id types.DeviceIdentity) (session.Link, error) {
	prof, ok := profileFor(id.Kind)
	if !ok {
		return nil, fmt.Errorf("ble: no GATT profile for %s", id.Kind)
	}

	found, err := r.find(ctx, id)
	if err != nil {
		return nil, err
	}

	dev, err := r.dial(ctx, found)
	if err != nil {
		return nil, err
	}

	l, err := r.resolve(dev, id, prof)
	if err != nil {
		_ = r.disconnect(dev)
		return nil, err
	}

	r.linksMu.Lock()
	r.links[strings.ToUpper(found.String())] = l
	r.linksMu.Unlock()
	r.logger.Info("ble: connected", "device", id.String(), "address", found.String())
	return l, nil
}

// find scans until an advertisement matches id.
func (r *Radio) find(ctx context.Context, id types.DeviceIdentity) (bluetooth.Address, error) {
	if err := r.acquire(ctx); err != nil {
		return bluetooth.Address{}, err
	}
	defer r.release()
	if err := r.enable(); err != nil {
		return bluetooth.Address{}, err
	}

	var (
		found bluetooth.Address
		seen  bool
	)
	err := r.scan(ctx, func(a Advertisement) bool {
		if !Matches(id, a) {
			return false
		}
		r.logger.Debug("ble: found device", "device", id.String(), "address", a.Address, "name", a.Name, "rssi", a.RSSI)
		found = a.addr
		seen = true
		return true
	})
	if err != nil {
		return bluetooth.Address{}, err
	}
	if !seen {
		return bluetooth.Address{}, fmt.Errorf("%w within %s", ErrNotFound, r.opts.ScanTimeout)
	}
	return found, nil
}

type dialResult struct {
	dev bluetooth.Device
	err error
}

// dial bounds the adapter connect by ctx and the connect timeout. BlueZ
// may never answer a connect, so the call runs in its own goroutine; a
// device that connects after dial gave up is disconnected again.
func (r *Radio) dial(ctx context.Context, addr bluetooth.Address) (bluetooth.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	done := make(chan dialResult, 1)
	go func() {
		dev, err := r.connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(r.opts.ConnectTimeout),
		})
		done <- dialResult{dev: dev, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return bluetooth.Device{}, fmt.Errorf("ble connect %s: %w", addr.String(), res.err)
		}
		return res.dev, nil
	case <-ctx.Done():
		go func() {
			res := <-done
			if res.err != nil {
				return
			}
			r.logger.Warn("ble: late connect, disconnecting", "address", addr.String())
			if err := r.disconnect(res.dev); err != nil {
				r.logger.Warn("ble: late disconnect failed", "address", addr.String(), "error", err)
			}
		}()
		return bluetooth.Device{}, fmt.Errorf("ble connect %s: %w", addr.String(), ctx.Err())
	}
}

func (r *Radio) resolve(dev bluetooth.Device, id types.DeviceIdentity, prof profile) (*link, error) {
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{prof.service})
	if err != nil {
		return nil, fmt.Errorf("ble discover service %s: %w", shortUUID(prof.service), err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s missing", shortUUID(prof.service))
	}

	want := []bluetooth.UUID{prof.notify}
	if prof.write != prof.notify {
		want = append(want, prof.write)
	}
	chars, err := svcs[0].DiscoverCharacteristics(want)
	if err != nil {
		return nil, fmt.Errorf("ble discover characteristics: %w", err)
	}

	l := &link{radio: r, device: dev, address: strings.ToUpper(dev.Address.String()), stream: newStream(id)}
	var haveNotify, haveWrite bool
	for _, c := range chars {
		if c.UUID() == prof.notify {
			l.notify = c
			haveNotify = true
		}
		if c.UUID() == prof.write {
			l.write = c
			haveWrite = true
		}
	}
	if !haveNotify || !haveWrite {
		return nil, fmt.Errorf("ble: characteristics %s/%s missing", shortUUID(prof.notify), shortUUID(prof.write))
	}
	return l, nil
}

type link struct {
	radio   *Radio
	device  bluetooth.Device
	address string
	notify  bluetooth.DeviceCharacteristic
	write   bluetooth.DeviceCharacteristic
	stream  *stream
}

func (l *link) Subscribe(ctx context.Context) (session.Stream, error) {
	err := l.notify.EnableNotifications(func(buf []byte) {
		l.stream.deliver(buf)
	})
	if err != nil {
		return nil, fmt.Errorf("ble enable notifications: %w", err)
	}
	return l.stream, nil
}

func (l *link) Write(ctx context.Context, b []byte) error {
	if _, err := l.write.WriteWithoutResponse(b); err != nil {
		return fmt.Errorf("ble write: %w", err)
	}
	return nil
}

func (l *link) Close() error {
	l.radio.linksMu.Lock()
	if l.radio.links[l.address] == l {
		delete(l.radio.links, l.address)
	}
	l.radio.linksMu.Unlock()

	l.stream.drop(nil)
	if err := l.radio.disconnect(l.device); err != nil {
		return fmt.Errorf("ble disconnect %s: %w", l.address, err)
	}
	return nil
}
