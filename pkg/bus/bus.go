// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package bus defines the shared queue envelopes exchanged between the
// device runtime and the outbound services.
//
// Meters produce the measurements and node publishes; the device manager
// also puts devices_state snapshots on the publish queue. The MQTT publisher
// and the time-series writer are the single consumers of their respective
// channels. The types
// live here, rather than in the meter or storage packages, to keep the
// dependency graph acyclic: every package that touches a queue imports bus
// and nothing else.
package bus

import "time"

// Message is an outbound MQTT envelope.
type Message struct {
	QoS     byte           // 0, 1 or 2
	Topic   string         // e.g. "meter1_3_nodes" or "devices_state"
	Payload map[string]any // JSON-encoded by the publisher
}

// LogPoint is a single node log entry covering one logging bucket.
//
// Fields carries either {"value": v} for counters, booleans and strings, or
// {"mean_value": m, "min_value": lo, "max_value": hi} for non-counter numeric
// nodes. Nil field values are dropped by the time-series writer.
type LogPoint struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Fields    map[string]any
}

// Measurement is a batch of log points addressed to one device database.
// DB is "<meter_name>_<meter_id>".
type Measurement struct {
	DB   string
	Data []LogPoint
}
