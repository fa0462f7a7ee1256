// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the gateway components together and owns the process
// lifecycle: construction order, startup, signal-driven graceful shutdown
// and debug state dumps.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/soothill/energy-meter-gateway/config"
	"github.com/soothill/energy-meter-gateway/manager"
	"github.com/soothill/energy-meter-gateway/meter"
	"github.com/soothill/energy-meter-gateway/mqttpub"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
	"github.com/soothill/energy-meter-gateway/pkg/notifications"
	"github.com/soothill/energy-meter-gateway/protocol/modbusrtu"
	"github.com/soothill/energy-meter-gateway/protocol/opcuameter"
	"github.com/soothill/energy-meter-gateway/storage"
	"github.com/soothill/energy-meter-gateway/web"
)

const signalChannelSize = 1

// App represents the assembled gateway.
type App struct {
	cfg *config.Config

	notifier  *notifications.SlackNotifier
	cache     *storage.LocalCache
	timeDB    *storage.TimeDB
	deviceDB  *storage.DeviceDB
	publisher *mqttpub.Publisher
	manager   *manager.Manager
	server    *web.Server

	cancel context.CancelFunc
}

// New initializes every component. Construction order matters: sinks first,
// then the manager that hands them to meters, then the HTTP surface.
func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	var err error
	a.cache, err = storage.NewLocalCache(cfg.Cache.Directory, cfg.Cache.MaxSize, cfg.Cache.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local cache: %w", err)
	}

	a.timeDB, err = storage.NewTimeDB(
		cfg.InfluxDB.URL,
		cfg.InfluxDB.Token,
		cfg.InfluxDB.Organization,
		cfg.InfluxDB.Bucket,
		cfg.Queues.MeasurementsSize,
		a.cache,
		a.notifier,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize time-series store: %w", err)
	}

	a.deviceDB, err = storage.NewDeviceDB(cfg.Devices.DatabasePath)
	if err != nil {
		a.timeDB.Close()
		return nil, fmt.Errorf("failed to initialize device database: %w", err)
	}

	a.publisher = mqttpub.New(mqttpub.Options{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		QueueSize: cfg.Queues.PublishSize,
	})

	registry := meter.NewRegistry()
	registry.Register(meter.NoProtocolPlugin())
	registry.Register(modbusrtu.Plugin())
	registry.Register(opcuameter.Plugin())

	a.manager = manager.New(
		registry,
		meter.DefaultTypeRegistry(),
		a.deviceDB,
		a.publisher.Queue(),
		a.timeDB.Queue(),
		a.notifier,
	)

	a.server = web.New(cfg.HTTP.Address, cfg.HTTP.AuthToken, a.manager, a.timeDB, a.timeDB)
	return a, nil
}

// Run starts the gateway and blocks until a shutdown signal arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	a.publisher.Start(ctx)
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start device manager: %w", err)
	}
	a.server.Start()

	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}

	a.shutdown()
	return nil
}

// shutdown stops the components in reverse construction order: the HTTP
// surface first, then acquisition, then the sinks.
func (a *App) shutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	a.server.Stop()
	logger.Info().Msg("HTTP server stopped")

	a.manager.Stop()
	logger.Info().Msg("Device manager stopped")

	a.publisher.Stop()
	logger.Info().Msg("MQTT publisher stopped")

	a.timeDB.Close()
	if err := a.deviceDB.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close device database")
	}

	logger.Info().Msg("Shutdown complete")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	devices := a.manager.List()
	logger.Info().Int("meters", len(devices)).Msg("Registered meters")

	for _, device := range devices {
		logger.Info().
			Int("device_id", device.ID()).
			Str("device_name", device.Name()).
			Str("protocol", string(device.Protocol())).
			Bool("connected", device.Connected()).
			Int("nodes", len(device.Nodes().Nodes)).
			Msg("Meter state")
	}

	logger.Info().Int64("cache_size_bytes", a.cache.Size()).Msg("Measurement cache state")
	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
