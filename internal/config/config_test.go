package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"solarpi/internal/types"
)

var allKeys = []string{
	"APP_ENV", "LOG_LEVEL", "HTTP_ADDR", "CONFIG_FILE",
	"DB_DSN", "SQLITE_PATH", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME", "DB_LOG_SQL",
	"BLE_ADAPTER", "SCAN_TIMEOUT", "CONNECT_TIMEOUT", "BLE_RESET_AFTER", "BLE_RESET_COOLDOWN",
	"BATTERY_MONITOR_ADDR", "BATTERY_MONITOR_NAME", "CHARGE_CONTROLLER_ADDR", "CHARGE_CONTROLLER_NAME",
	"BATTERY_CAPACITY_AH", "BACKOFF_MIN", "BACKOFF_MAX", "BACKOFF_JITTER", "IDLE_TIMEOUT", "REASSEMBLY_TIMEOUT",
	"SINK_BATCH_SIZE", "SINK_FLUSH_LATENCY", "SINK_QUEUE_SIZE", "SINK_WRITE_RETRIES", "HEALTH_INTERVAL",
	"MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID", "MQTT_TOPIC_PREFIX",
	"ENCLOSURE_SENSOR_ADDR", "ENCLOSURE_POLL_INTERVAL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", got.HTTPAddr, ":8080")
	}
	if got.SQLitePath != "solarpi.db" {
		t.Errorf("SQLitePath = %q, want solarpi.db", got.SQLitePath)
	}
	if got.BLEAdapter != "hci0" {
		t.Errorf("BLEAdapter = %q, want hci0", got.BLEAdapter)
	}
	if got.BatteryCapacityAh != 600 {
		t.Errorf("BatteryCapacityAh = %v, want 600", got.BatteryCapacityAh)
	}
	if got.BackoffMin != time.Second || got.BackoffMax != 2*time.Minute || got.BackoffJitter != 0.2 {
		t.Errorf("backoff = %v/%v/%v, want 1s/2m0s/0.2", got.BackoffMin, got.BackoffMax, got.BackoffJitter)
	}
	if got.ReassemblyTimeout != 2*time.Second {
		t.Errorf("ReassemblyTimeout = %v, want 2s", got.ReassemblyTimeout)
	}
	if got.SinkBatchSize != 64 || got.SinkQueueSize != 1024 || got.SinkWriteRetries != 3 {
		t.Errorf("sink = %d/%d/%d, want 64/1024/3", got.SinkBatchSize, got.SinkQueueSize, got.SinkWriteRetries)
	}
	if got.MQTTBroker != "" || got.MQTTPort != 1883 || got.MQTTTopicPrefix != "solarpi" {
		t.Errorf("mqtt = %q:%d/%q, want disabled:1883/solarpi", got.MQTTBroker, got.MQTTPort, got.MQTTTopicPrefix)
	}
	if got.EnclosureSensorAddr != 0 {
		t.Errorf("EnclosureSensorAddr = %#x, want 0 (disabled)", got.EnclosureSensorAddr)
	}

	devices := got.Devices()
	if len(devices) != 2 || devices[0].Kind != types.BatteryMonitor || devices[1].Kind != types.ChargeController {
		t.Errorf("Devices() = %+v, want battery monitor then charge controller", devices)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", " prod ")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BATTERY_MONITOR_ADDR", "54:14:a7:53:14:e9")
	t.Setenv("CHARGE_CONTROLLER_NAME", "^BT-TH")
	t.Setenv("BACKOFF_MIN", "500ms")
	t.Setenv("BACKOFF_JITTER", "0")
	t.Setenv("SINK_BATCH_SIZE", "1")
	t.Setenv("DB_LOG_SQL", "true")
	t.Setenv("MQTT_TOPIC_PREFIX", "/cabin/")
	t.Setenv("ENCLOSURE_SENSOR_ADDR", "0x77")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.AppEnv != "prod" || got.LogLevel != slog.LevelDebug {
		t.Errorf("AppEnv/LogLevel = %q/%v, want prod/DEBUG", got.AppEnv, got.LogLevel)
	}
	if got.BatteryMonitor.Address != "54:14:a7:53:14:e9" {
		t.Errorf("BatteryMonitor.Address = %q", got.BatteryMonitor.Address)
	}
	if got.ChargeController.NamePattern != "^BT-TH" {
		t.Errorf("ChargeController.NamePattern = %q", got.ChargeController.NamePattern)
	}
	if got.BackoffMin != 500*time.Millisecond || got.BackoffJitter != 0 {
		t.Errorf("backoff = %v/%v, want 500ms/0", got.BackoffMin, got.BackoffJitter)
	}
	if got.SinkBatchSize != 1 || !got.SQLiteLogSQL {
		t.Errorf("SinkBatchSize/SQLiteLogSQL = %d/%v, want 1/true", got.SinkBatchSize, got.SQLiteLogSQL)
	}
	if got.MQTTTopicPrefix != "cabin" {
		t.Errorf("MQTTTopicPrefix = %q, want cabin", got.MQTTTopicPrefix)
	}
	if got.EnclosureSensorAddr != 0x77 {
		t.Errorf("EnclosureSensorAddr = %#x, want 0x77", got.EnclosureSensorAddr)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  string
	}{
		{"APP_ENV", "staging", "APP_ENV"},
		{"LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"DB_MAX_OPEN_CONNS", "many", "DB_MAX_OPEN_CONNS"},
		{"SINK_BATCH_SIZE", "0", "SINK_BATCH_SIZE"},
		{"BACKOFF_MIN", "soon", "BACKOFF_MIN"},
		{"BACKOFF_MAX", "0s", "BACKOFF_MAX"},
		{"BACKOFF_MAX", "100ms", "BACKOFF_MAX"},
		{"BACKOFF_JITTER", "1.5", "BACKOFF_JITTER"},
		{"REASSEMBLY_TIMEOUT", "-1s", "REASSEMBLY_TIMEOUT"},
		{"IDLE_TIMEOUT", "-1s", "IDLE_TIMEOUT"},
		{"BATTERY_CAPACITY_AH", "-5", "BATTERY_CAPACITY_AH"},
		{"DB_LOG_SQL", "sometimes", "DB_LOG_SQL"},
		{"MQTT_PORT", "mqtt", "MQTT_PORT"},
		{"ENCLOSURE_SENSOR_ADDR", "0x1FFFF", "ENCLOSURE_SENSOR_ADDR"},
		{"CONFIG_FILE", "/does/not/exist.yaml", "CONFIG_FILE"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want non-nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %s", err, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_InvalidDeviceIdentityIsNotFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHARGE_CONTROLLER_ADDR", "not-a-mac")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if err := got.ChargeController.Validate(); err == nil {
		t.Error("ChargeController.Validate() = nil, want ConfigError")
	}
	if err := got.BatteryMonitor.Validate(); err != nil {
		t.Errorf("BatteryMonitor.Validate() = %v, want nil", err)
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solarpi.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadFromEnv_ConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", writeConfigFile(t, `
battery_capacity: 280
battery_monitor:
  address: "54:14:A7:53:14:E9"
charge_controller:
  name_pattern: "^BT-TH-"
`))
	t.Setenv("CHARGE_CONTROLLER_NAME", "^RNG-CTRL")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.BatteryCapacityAh != 280 {
		t.Errorf("BatteryCapacityAh = %v, want 280 from file", got.BatteryCapacityAh)
	}
	if got.BatteryMonitor.Address != "54:14:A7:53:14:E9" {
		t.Errorf("BatteryMonitor.Address = %q, want file value", got.BatteryMonitor.Address)
	}
	if got.ChargeController.NamePattern != "^RNG-CTRL" {
		t.Errorf("ChargeController.NamePattern = %q, want env override", got.ChargeController.NamePattern)
	}
}

func TestLoadFromEnv_ConfigFileRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", writeConfigFile(t, "battery_capacty: 280\n"))

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv() error = nil, want unknown field error")
	}
}

func TestLoadFromEnv_EmptyConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", writeConfigFile(t, ""))

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.BatteryCapacityAh != 600 {
		t.Errorf("BatteryCapacityAh = %v, want default 600", got.BatteryCapacityAh)
	}
}
