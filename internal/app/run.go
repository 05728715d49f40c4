package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"solarpi/internal/ble"
	"solarpi/internal/config"
	"solarpi/internal/db"
	"solarpi/internal/decode"
	"solarpi/internal/enclosure"
	"solarpi/internal/httpapi"
	"solarpi/internal/migrate"
	"solarpi/internal/mqtt"
	"solarpi/internal/session"
	"solarpi/internal/sink"
	"solarpi/internal/supervisor"
)

func Run(parent context.Context, cfg config.Config) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"configFile", cfg.ConfigFile,
		"sqlitePath", cfg.SQLitePath,
		"bleAdapter", cfg.BLEAdapter,
		"batteryMonitor", cfg.BatteryMonitor.String(),
		"chargeController", cfg.ChargeController.String(),
		"batteryCapacityAh", cfg.BatteryCapacityAh,
		"mqttBroker", cfg.MQTTBroker,
		"enclosureSensorAddr", cfg.EnclosureSensorAddr,
	)

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(dbConn); err != nil {
			slog.Error("db close", "error", err)
		}
	}()

	if err := migrate.Run(ctx, dbConn); err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.SQLitePath)

	var sup *supervisor.Supervisor
	sk, err := sink.Open(ctx, dbConn, sink.Options{
		BatchSize:    cfg.SinkBatchSize,
		FlushLatency: cfg.SinkFlushLatency,
		QueueSize:    cfg.SinkQueueSize,
		WriteRetries: cfg.SinkWriteRetries,
		OnDegraded:   func(e *sink.WriteError) { sup.SinkDegraded(e) },
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sk.Close(); err != nil {
			slog.Error("sink close", "error", err)
		}
	}()

	radio := ble.NewRadio(ble.Options{
		Adapter:        cfg.BLEAdapter,
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	sup = supervisor.New(radio, sk, SupervisorOptions(cfg))

	var publisher *mqtt.Client
	if cfg.MQTTBroker != "" {
		publisher = mqtt.NewClient(cfg, slog.Default())
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err := publisher.Connect(connectCtx)
		connectCancel()
		if err != nil {
			// Auto reconnect keeps trying in the background.
			slog.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
		defer publisher.Disconnect()
	}

	srv := httpapi.NewServer(cfg, httpapi.NewMux(dbConn, sup))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = sup.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = sup.Report(ctx, cfg.HealthInterval, reporter(publisher))
	}()

	if cfg.EnclosureSensorAddr != 0 {
		sensor, closeSensor, err := enclosure.Open(cfg.EnclosureSensorAddr)
		if err != nil {
			slog.Warn("enclosure sensor unavailable (continuing without it)", "error", err)
		} else {
			defer func() {
				if err := closeSensor(); err != nil {
					slog.Error("enclosure sensor close", "error", err)
				}
			}()
			p := enclosure.NewPoller(sensor, sk, cfg.EnclosureSensorAddr, cfg.EnclosurePollInterval, slog.Default())
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = p.Run(ctx)
			}()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	// The sink is closed by a deferred call, after the last session has
	// stopped writing.
	slog.Info("waiting for sessions to stop")
	wg.Wait()
	return runErr
}

// SupervisorOptions maps the configuration onto one session per device.
func SupervisorOptions(cfg config.Config) supervisor.Options {
	opts := supervisor.Options{
		ResetAfter:    cfg.BLEResetAfter,
		ResetCooldown: cfg.BLEResetCooldown,
	}
	for _, id := range cfg.Devices() {
		opts.Sessions = append(opts.Sessions, session.Options{
			Identity: id,
			Decoder: decode.Options{
				ContinuationWindow: cfg.ReassemblyTimeout,
				CapacityAh:         cfg.BatteryCapacityAh,
			},
			Backoff: session.BackoffPolicy{
				Min:    cfg.BackoffMin,
				Max:    cfg.BackoffMax,
				Jitter: cfg.BackoffJitter,
			},
			IdleTimeout: cfg.IdleTimeout,
		})
	}
	return opts
}

// reporter logs each snapshot and publishes it when MQTT is configured.
func reporter(publisher *mqtt.Client) func(supervisor.Health) {
	return func(h supervisor.Health) {
		for _, d := range h.Devices {
			slog.Info("device health",
				"device", d.Identity.String(),
				"kind", d.Identity.Kind.String(),
				"state", d.State.String(),
				"attempt", d.Attempt,
				"samples_written", d.SamplesWritten,
				"decode_errors", d.DecodeErrors.Total(),
				"write_errors", d.WriteErrors,
				"last_sample_time", d.LastSampleTime,
			)
		}
		if h.SinkDegraded {
			slog.Warn("storage degraded", "error", h.SinkLastError)
		}
		if publisher == nil {
			return
		}
		if err := publisher.PublishHealth(h); err != nil {
			if errors.Is(err, mqtt.ErrNotConnected) {
				slog.Debug("mqtt health skipped", "error", err)
				return
			}
			slog.Warn("mqtt health publish failed", "error", err)
		}
	}
}
