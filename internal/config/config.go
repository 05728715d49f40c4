package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"solarpi/internal/types"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// ConfigFile is the optional YAML file the settings below were merged
	// from. Environment variables win over the file.
	ConfigFile string

	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
	SQLiteLogSQL          bool

	BLEAdapter        string
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	BLEResetAfter     int
	BLEResetCooldown  time.Duration
	BatteryMonitor    types.DeviceIdentity
	ChargeController  types.DeviceIdentity
	BatteryCapacityAh float64

	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffJitter     float64
	IdleTimeout       time.Duration
	ReassemblyTimeout time.Duration

	SinkBatchSize    int
	SinkFlushLatency time.Duration
	SinkQueueSize    int
	SinkWriteRetries int

	HealthInterval time.Duration

	// MQTTBroker empty disables health publishing.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	// EnclosureSensorAddr zero disables the BME280 poller.
	EnclosureSensorAddr   uint16
	EnclosurePollInterval time.Duration
}

// Devices returns the radio devices to run sessions for. Identities are
// not validated here: a bad identity fails only its own session.
func (c Config) Devices() []types.DeviceIdentity {
	return []types.DeviceIdentity{c.BatteryMonitor, c.ChargeController}
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	configFile := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	file, err := loadFile(configFile)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:     appEnv,
		LogLevel:   level,
		HTTPAddr:   envString("HTTP_ADDR", ":8080"),
		ConfigFile: configFile,

		SQLiteDSN:  envString("DB_DSN", ""),
		SQLitePath: envString("SQLITE_PATH", "solarpi.db"),
		BLEAdapter: envString("BLE_ADAPTER", "hci0"),

		BatteryMonitor: types.DeviceIdentity{
			Kind:        types.BatteryMonitor,
			Address:     envString("BATTERY_MONITOR_ADDR", file.BatteryMonitor.Address),
			NamePattern: envString("BATTERY_MONITOR_NAME", file.BatteryMonitor.NamePattern),
		},
		ChargeController: types.DeviceIdentity{
			Kind:        types.ChargeController,
			Address:     envString("CHARGE_CONTROLLER_ADDR", file.ChargeController.Address),
			NamePattern: envString("CHARGE_CONTROLLER_NAME", file.ChargeController.NamePattern),
		},

		MQTTBroker:      envString("MQTT_BROKER", ""),
		MQTTClientID:    envString("MQTT_CLIENT_ID", "solarpi"),
		MQTTTopicPrefix: strings.Trim(envString("MQTT_TOPIC_PREFIX", "solarpi"), "/"),
	}

	ints := []struct {
		key string
		def int
		min int
		dst *int
	}{
		{"DB_MAX_OPEN_CONNS", 1, 0, &cfg.SQLiteMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", 1, 0, &cfg.SQLiteMaxIdleConns},
		{"BLE_RESET_AFTER", 10, 0, &cfg.BLEResetAfter},
		{"SINK_BATCH_SIZE", 64, 1, &cfg.SinkBatchSize},
		{"SINK_QUEUE_SIZE", 1024, 1, &cfg.SinkQueueSize},
		{"SINK_WRITE_RETRIES", 3, 0, &cfg.SinkWriteRetries},
		{"MQTT_PORT", 1883, 1, &cfg.MQTTPort},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.key, v.def, v.min); err != nil {
			return Config{}, err
		}
	}

	durations := []struct {
		key      string
		def      string
		positive bool
		dst      *time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", "0s", false, &cfg.SQLiteConnMaxLifetime},
		{"SCAN_TIMEOUT", "10s", true, &cfg.ScanTimeout},
		{"CONNECT_TIMEOUT", "30s", true, &cfg.ConnectTimeout},
		{"BLE_RESET_COOLDOWN", "10m", false, &cfg.BLEResetCooldown},
		{"BACKOFF_MIN", "1s", true, &cfg.BackoffMin},
		{"BACKOFF_MAX", "2m", true, &cfg.BackoffMax},
		{"IDLE_TIMEOUT", "2m", false, &cfg.IdleTimeout},
		{"REASSEMBLY_TIMEOUT", "2s", true, &cfg.ReassemblyTimeout},
		{"SINK_FLUSH_LATENCY", "2s", true, &cfg.SinkFlushLatency},
		{"HEALTH_INTERVAL", "30s", true, &cfg.HealthInterval},
		{"ENCLOSURE_POLL_INTERVAL", "30s", true, &cfg.EnclosurePollInterval},
	}
	for _, v := range durations {
		if *v.dst, err = envDuration(v.key, v.def, v.positive); err != nil {
			return Config{}, err
		}
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		return Config{}, fmt.Errorf("BACKOFF_MAX %v must not be below BACKOFF_MIN %v", cfg.BackoffMax, cfg.BackoffMin)
	}

	if cfg.BackoffJitter, err = envFloat("BACKOFF_JITTER", 0.2); err != nil {
		return Config{}, err
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter > 1 {
		return Config{}, fmt.Errorf("BACKOFF_JITTER must be within [0, 1], got %v", cfg.BackoffJitter)
	}

	capacity := 600.0
	if file.BatteryCapacity > 0 {
		capacity = file.BatteryCapacity
	}
	if cfg.BatteryCapacityAh, err = envFloat("BATTERY_CAPACITY_AH", capacity); err != nil {
		return Config{}, err
	}
	if cfg.BatteryCapacityAh <= 0 {
		return Config{}, fmt.Errorf("BATTERY_CAPACITY_AH must be positive, got %v", cfg.BatteryCapacityAh)
	}

	if cfg.SQLiteLogSQL, err = envBool("DB_LOG_SQL", false); err != nil {
		return Config{}, err
	}

	addrStr := envString("ENCLOSURE_SENSOR_ADDR", "")
	if addrStr != "" {
		addr, err := strconv.ParseUint(addrStr, 0, 16)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ENCLOSURE_SENSOR_ADDR %q: %w", addrStr, err)
		}
		cfg.EnclosureSensorAddr = uint16(addr)
	}

	return cfg, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def, min int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if n < min {
		return 0, fmt.Errorf("%s must be at least %d, got %d", key, min, n)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func envDuration(key, def string, positive bool) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if positive && d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
