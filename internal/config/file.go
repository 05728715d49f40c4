package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// fileDevice selects a device by address or advertised name.
type fileDevice struct {
	Address     string `yaml:"address"`
	NamePattern string `yaml:"name_pattern"`
}

// fileConfig holds the settings an installation keeps on disk between
// runs: which devices to talk to and how big the battery bank is.
type fileConfig struct {
	BatteryCapacity  float64    `yaml:"battery_capacity"`
	BatteryMonitor   fileDevice `yaml:"battery_monitor"`
	ChargeController fileDevice `yaml:"charge_controller"`
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read CONFIG_FILE %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, fmt.Errorf("parse CONFIG_FILE %q: %w", path, err)
	}
	if fc.BatteryCapacity < 0 {
		return fc, fmt.Errorf("CONFIG_FILE %q: battery_capacity must be positive, got %v", path, fc.BatteryCapacity)
	}
	return fc, nil
}
