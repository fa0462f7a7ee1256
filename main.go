// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Energy Meter Gateway acquires measurements from electrical meters over
// field protocols and turns them into telemetry.
//
// The gateway connects to a configured set of energy meters over Modbus RTU
// and OPC UA, periodically reads raw measurements, normalizes and derives
// electrical quantities (power, energy, power factor and direction),
// persists time-series logs to InfluxDB, publishes live state over MQTT,
// and exposes an authenticated HTTP API for configuration, live state and
// historical queries.
//
// # Application Architecture
//
// The gateway uses a concurrent, goroutine-based architecture:
//   - Per-meter connection supervisor: keeps the protocol link alive with
//     3-second retries
//   - Per-meter receiver: polls nodes each read period, runs the derived-
//     value calculator, logs and publishes
//   - Device manager: owns the meter set and publishes a combined device
//     state every 10 seconds
//   - MQTT publisher goroutine: drains the shared publish queue
//   - Time-series writer goroutine: drains the measurements queue into
//     InfluxDB behind a circuit breaker with a local spill cache
//   - HTTP server: configuration, live state, history, health and metrics
//
// # Startup Flow
//
//  1. Parse command-line flags (config path, health-check mode)
//  2. Load and validate configuration from YAML + environment variables
//  3. Initialize logger with configured log level
//  4. Initialize components: Slack notifier, local cache, InfluxDB sink,
//     device database, MQTT publisher, protocol registry, device manager,
//     HTTP server
//  5. Materialize and start every persisted meter
//  6. Block until SIGINT/SIGTERM
//
// # Graceful Shutdown
//
//  1. Signal received, HTTP server stops accepting connections (5s timeout)
//  2. Device manager stops every meter; in-flight reads finish
//  3. MQTT publisher and time-series writer stop and disconnect; messages
//     still queued at that point are not sent
//  4. Database connections close
//
// # Configuration
//
// Process-level configuration is loaded from config.yaml with environment
// variable overrides (InfluxDB connection, MQTT broker, HTTP address and
// auth token, logging level, Slack webhook, cache settings). Meter and node
// configuration lives in the SQLite device database and is managed through
// the HTTP API. See config/config.go for the full option list.
//
// # Debugging
//
// On Unix systems the process answers SIGUSR1 with an application state
// dump and SIGUSR2 with full goroutine stack traces.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/soothill/energy-meter-gateway/app"
	"github.com/soothill/energy-meter-gateway/config"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck())
	}
	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)
	logger.Info().Msg("Starting Energy Meter Gateway")

	application, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize components")
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Gateway terminated with error")
	}
}

// performHealthCheck performs a health check and returns exit code
func performHealthCheck() int {
	// Simple health check for Docker/K8s - just check if we can start.
	// Runtime readiness is served by the HTTP /ready endpoint.
	return 0
}

// performConfigValidation validates the configuration file and returns exit
// code 0 if the configuration is valid, 1 if invalid
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\nConfiguration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	logger.Info().Msg("Configuration validation successful")
	fmt.Println("\nConfiguration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
	fmt.Printf("  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
	fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	fmt.Printf("  MQTT Broker: %s\n", cfg.MQTT.BrokerURL)
	fmt.Printf("  Device Database: %s\n", cfg.Devices.DatabasePath)
	fmt.Printf("  HTTP Address: %s\n", cfg.HTTP.Address)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Cache Directory: %s\n", cfg.Cache.Directory)

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}
	return 0
}
