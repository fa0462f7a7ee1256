// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus instrumentation for monitoring meter
// acquisition, derived-value calculation, and storage operations. All metrics
// are automatically registered with Prometheus and exposed via the /metrics
// endpoint.
//
// The metrics include counters for tracking total operations and errors,
// gauges for current meter counts and connectivity, and histograms for
// operation durations.
//
// # Cardinality Considerations
//
// Per-meter metrics are labelled by device_id and device_name. Each unique
// label combination creates a new time series, so a gateway with N meters
// carries N connectivity series. Gateways drive tens of meters,
// not thousands, so this stays well within Prometheus norms. Per-node
// cardinality (potentially hundreds of series per meter) is deliberately
// avoided: node values are published over MQTT and logged to the time-series
// store instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MetersRegistered tracks the number of meters loaded by the device manager
	MetersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_meters_registered",
		Help: "Number of energy meters currently registered with the device manager (count)",
	})

	// MeterConnected tracks per-meter connectivity (1 connected, 0 disconnected).
	MeterConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_meter_connected",
		Help: "Connection state per meter (1 = connected, 0 = disconnected). Labels: device_id, device_name.",
	}, []string{"device_id", "device_name"})

	// NodeReadsTotal tracks the total number of successful protocol node reads
	NodeReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_node_reads_total",
		Help: "Total number of node values successfully read from field protocols (count, monotonically increasing)",
	})

	// NodeReadErrors tracks the number of failed protocol node reads
	NodeReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_node_read_errors_total",
		Help: "Total number of failed node read attempts (count, includes timeouts and decode errors)",
	})

	// CalculationErrors tracks failed derived-node calculations
	CalculationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_calculation_errors_total",
		Help: "Total number of derived-node calculation failures (count, per node per cycle)",
	})

	// LogPointsTotal tracks log entries submitted to the measurements sink
	LogPointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_log_points_total",
		Help: "Total number of node log entries submitted to the time-series sink (count)",
	})

	// TimeDBWritesTotal tracks successful time-series writes
	TimeDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_timedb_writes_total",
		Help: "Total number of successful measurement batch writes to the time-series store (count, excludes cached writes during outages)",
	})

	// TimeDBWriteErrors tracks failed time-series writes
	TimeDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_timedb_write_errors_total",
		Help: "Total number of failed time-series write attempts (count, triggers local cache fallback)",
	})

	// PublishesTotal tracks MQTT messages published
	PublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_mqtt_publishes_total",
		Help: "Total number of MQTT messages published (count)",
	})

	// PublishDrops tracks messages dropped because the publish queue was full
	PublishDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_mqtt_publish_drops_total",
		Help: "Total number of MQTT messages dropped at the queue boundary (count, back-pressure would stall acquisition)",
	})

	// ReadCycleDuration tracks how long a full meter read cycle takes
	ReadCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_read_cycle_duration_seconds",
		Help:    "Duration of one full meter read cycle in seconds (histogram, typical range: 0.01-2s)",
		Buckets: prometheus.DefBuckets,
	})

	// CalculationDuration tracks how long the derived-value pass takes
	CalculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_calculation_duration_seconds",
		Help:    "Duration of the derived-node calculation pass in seconds (histogram)",
		Buckets: prometheus.DefBuckets,
	})
)
