// solarpi-scan lists nearby BLE advertisements and marks the ones that
// look like a battery monitor or a charge controller, so their addresses
// can be put in the configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"solarpi/internal/ble"
	"solarpi/internal/config"
	"solarpi/internal/logging"
)

const appName = "solarpi-scan"

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type seen struct {
	ble.Advertisement
	kind string
}

func run() error {
	var (
		adapter  string
		duration time.Duration
		all      bool
	)
	flagSet := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	flagSet.StringVar(&adapter, "adapter", "hci0", "bluetooth adapter to scan with")
	flagSet.DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to scan")
	flagSet.BoolVarP(&all, "all", "a", false, "list every device, not only known instruments")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg, version, appName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	radio := ble.NewRadio(ble.Options{Adapter: adapter, ScanTimeout: duration, Logger: logger})

	found := make(map[string]seen)
	err = radio.Scan(ctx, func(a ble.Advertisement) {
		s := seen{Advertisement: a}
		if kind, ok := ble.Classify(a); ok {
			s.kind = kind.String()
		}
		prev, ok := found[a.Address]
		if ok && prev.Name != "" && s.Name == "" {
			s.Name = prev.Name
		}
		if ok && s.kind == "" {
			s.kind = prev.kind
		}
		found[a.Address] = s
	})
	// Ctrl-C ends the scan early; list what was seen so far.
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	list := make([]seen, 0, len(found))
	for _, s := range found {
		if s.kind == "" && !all {
			continue
		}
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RSSI > list[j].RSSI })

	if len(list) == 0 {
		fmt.Println("no instruments found")
		return nil
	}
	for _, s := range list {
		kind := s.kind
		if kind == "" {
			kind = "-"
		}
		fmt.Printf("%-17s  %4d dBm  %-18s  %s\n", s.Address, s.RSSI, kind, s.Name)
	}
	return nil
}
