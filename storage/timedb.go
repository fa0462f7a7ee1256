// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/soothill/energy-meter-gateway/meter"
	"github.com/soothill/energy-meter-gateway/pkg/bus"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
	"github.com/soothill/energy-meter-gateway/pkg/metrics"
)

const (
	healthCheckTimeout  = 5 * time.Second
	healthMonitorPeriod = 30 * time.Second
	tagTimeFormat       = "2006-01-02 15:04"

	breakerFailureThreshold = 5
	breakerResetTimeout     = 30 * time.Second
)

// OutageNotifier receives outage and recovery alerts. The Slack notifier
// implements it; a nil notifier disables alerting.
type OutageNotifier interface {
	IsEnabled() bool
	SendAlert(ctx context.Context, severity, title, message string) error
}

// TimeDB is the measurements sink: a bounded queue drained by a single
// writer goroutine into InfluxDB. Writes run through a circuit breaker;
// while the breaker is open, measurements spill to the local cache and a
// background monitor replays them once InfluxDB recovers.
type TimeDB struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	org      string
	bucket   string

	queue    chan bus.Measurement
	breaker  *gobreaker.CircuitBreaker
	cache    *LocalCache
	notifier OutageNotifier

	// outage latches the first write failure so the alert fires once per
	// outage, with a recovery alert on replay.
	outageMu sync.Mutex
	outage   bool

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	closed  bool
	closeMu sync.Mutex
}

// NewTimeDB verifies the InfluxDB connection and starts the writer and
// health-monitor goroutines.
func NewTimeDB(url, token, org, bucket string, queueSize int, cache *LocalCache, notifier OutageNotifier) (*TimeDB, error) {
	client := influxdb2.NewClient(url, token)

	healthCtx, healthCancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer healthCancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	ctx, cancel := context.WithCancel(context.Background())
	db := &TimeDB{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		queryAPI: client.QueryAPI(org),
		org:      org,
		bucket:   bucket,
		queue:    make(chan bus.Measurement, queueSize),
		cache:    cache,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}

	db.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influxdb-writes",
		Timeout: breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	})

	db.tasks.Add(2)
	go db.writer()
	go db.monitorHealth()
	return db, nil
}

// Queue returns the write side of the measurements queue for meters.
func (t *TimeDB) Queue() chan<- bus.Measurement {
	return t.queue
}

// writer drains the measurements queue. Failed writes spill to the cache.
func (t *TimeDB) writer() {
	defer t.tasks.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case measurement := <-t.queue:
			if err := t.write(measurement); err != nil {
				metrics.TimeDBWriteErrors.Inc()
				logger.Error().Err(err).Str("db", measurement.DB).Msg("Failed to write measurement, caching locally")
				t.spill(measurement)
			} else {
				metrics.TimeDBWritesTotal.Inc()
			}
		}
	}
}

// write pushes one measurement batch through the circuit breaker.
func (t *TimeDB) write(measurement bus.Measurement) error {
	_, err := t.breaker.Execute(func() (any, error) {
		points := toPoints(measurement)
		if len(points) == 0 {
			return nil, nil
		}
		writeCtx, writeCancel := context.WithTimeout(t.ctx, healthCheckTimeout)
		defer writeCancel()
		return nil, t.writeAPI.WritePoint(writeCtx, points...)
	})
	return err
}

// spill stores a failed measurement in the local cache and raises the
// one-shot outage alert.
func (t *TimeDB) spill(measurement bus.Measurement) {
	if t.cache != nil {
		if err := t.cache.Store(measurement); err != nil {
			logger.Error().Err(err).Msg("Failed to cache measurement, data lost")
		}
	}

	t.outageMu.Lock()
	firstFailure := !t.outage
	t.outage = true
	t.outageMu.Unlock()

	if firstFailure && t.notifier != nil && t.notifier.IsEnabled() {
		alertCtx, alertCancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer alertCancel()
		if err := t.notifier.SendAlert(alertCtx, "danger", "InfluxDB Unavailable",
			"Measurement writes are failing; entries are spilling to the local cache."); err != nil {
			logger.Error().Err(err).Msg("Failed to send outage alert")
		}
	}
}

// monitorHealth checks InfluxDB every 30 seconds and replays the cache when
// the store recovers.
func (t *TimeDB) monitorHealth() {
	defer t.tasks.Done()

	ticker := time.NewTicker(healthMonitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		t.outageMu.Lock()
		inOutage := t.outage
		t.outageMu.Unlock()
		if !inOutage {
			continue
		}

		if err := t.Health(t.ctx); err != nil {
			continue
		}
		t.replayCache()
	}
}

// replayCache writes cached measurements back in order and clears the cache
// on success.
func (t *TimeDB) replayCache() {
	if t.cache == nil {
		return
	}

	measurements, err := t.cache.LoadAll()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load cached measurements")
		return
	}

	for _, measurement := range measurements {
		if err := t.write(measurement); err != nil {
			logger.Warn().Err(err).Msg("Cache replay interrupted, will retry")
			return
		}
		metrics.TimeDBWritesTotal.Inc()
	}

	if err := t.cache.Clear(); err != nil {
		logger.Error().Err(err).Msg("Failed to clear measurement cache")
	}

	t.outageMu.Lock()
	t.outage = false
	t.outageMu.Unlock()

	logger.Info().Int("measurements", len(measurements)).Msg("Replayed cached measurements after recovery")

	if t.notifier != nil && t.notifier.IsEnabled() {
		alertCtx, alertCancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer alertCancel()
		if err := t.notifier.SendAlert(alertCtx, "good", "InfluxDB Recovered",
			fmt.Sprintf("Replayed %d cached measurement batches.", len(measurements))); err != nil {
			logger.Error().Err(err).Msg("Failed to send recovery alert")
		}
	}
}

// Health checks the InfluxDB connection.
func (t *TimeDB) Health(ctx context.Context) error {
	healthCtx, healthCancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer healthCancel()

	health, err := t.client.Health(healthCtx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return fmt.Errorf("InfluxDB unhealthy: %s", message)
	}
	return nil
}

// Close stops the writer and health monitor and closes the client.
func (t *TimeDB) Close() {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return
	}
	t.closed = true
	t.closeMu.Unlock()

	logger.Info().Msg("Closing InfluxDB connection")
	t.cancel()
	t.tasks.Wait()
	t.client.Close()
}

// toPoints converts a measurement batch into InfluxDB points: one point per
// log entry, measurement = node name, tagged by device and bucket
// boundaries, keeping time as the primary index. Nil fields are dropped.
func toPoints(measurement bus.Measurement) []*write.Point {
	points := make([]*write.Point, 0, len(measurement.Data))
	for _, entry := range measurement.Data {
		fields := map[string]any{}
		for name, value := range entry.Fields {
			if value != nil {
				fields[name] = value
			}
		}
		if len(fields) == 0 {
			continue
		}
		point := influxdb2.NewPoint(
			entry.Name,
			map[string]string{
				"device":     measurement.DB,
				"start_time": entry.StartTime.UTC().Format(tagTimeFormat),
				"end_time":   entry.EndTime.UTC().Format(tagTimeFormat),
			},
			fields,
			entry.EndTime,
		)
		points = append(points, point)
	}
	return points
}

// sanitizeFluxString escapes special characters in strings used in Flux
// queries to prevent injection.
func sanitizeFluxString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// NodeLogs implements meter.LogQuerier: it reads the persisted log entries
// of one node over a span and aggregates global metrics.
func (t *TimeDB) NodeLogs(ctx context.Context, deviceName string, deviceID int, node *meter.Node, span meter.TimeSpan) (meter.NodeLogs, error) {
	device := fmt.Sprintf("%s_%d", deviceName, deviceID)

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s, stop: %s)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device == "%s")
	`,
		sanitizeFluxString(t.bucket),
		span.Start.UTC().Format(time.RFC3339),
		span.End.UTC().Format(time.RFC3339),
		sanitizeFluxString(node.Config.Name),
		sanitizeFluxString(device),
	)

	result, err := t.queryAPI.Query(ctx, query)
	if err != nil {
		return meter.NodeLogs{}, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	// Records arrive one field at a time; fold them back into one point per
	// bucket keyed by the bucket boundary tags.
	pointsByBucket := map[string]map[string]any{}
	var bucketOrder []string

	for result.Next() {
		record := result.Record()
		startTag, _ := record.ValueByKey("start_time").(string)
		endTag, _ := record.ValueByKey("end_time").(string)
		key := startTag + "/" + endTag

		point, ok := pointsByBucket[key]
		if !ok {
			point = map[string]any{"start_time": startTag, "end_time": endTag}
			pointsByBucket[key] = point
			bucketOrder = append(bucketOrder, key)
		}
		point[record.Field()] = record.Value()
	}
	if err := result.Err(); err != nil {
		return meter.NodeLogs{}, fmt.Errorf("query iteration failed: %w", err)
	}

	sort.Strings(bucketOrder)
	points := make([]map[string]any, 0, len(pointsByBucket))
	for _, key := range bucketOrder {
		points = append(points, pointsByBucket[key])
	}

	logs := meter.NodeLogs{
		Type:        node.Config.Type,
		Points:      points,
		StepMinutes: span.StepMinutes,
	}
	counter := node.Config.IsCounter
	logs.IsCounter = &counter
	logs.DecimalPlaces = node.Config.DecimalPlaces
	if node.Config.Unit != "" {
		unit := node.Config.Unit
		logs.Unit = &unit
	}
	logs.GlobalMetrics = globalMetrics(node, points)
	return logs, nil
}

// globalMetrics aggregates points across the span: counters sum their
// values, measurements aggregate mean/min/max with the bucket boundaries of
// the extremes.
func globalMetrics(node *meter.Node, points []map[string]any) map[string]any {
	if node.Config.IsCounter || !node.Config.Type.Numeric() {
		var total float64
		seen := false
		for _, point := range points {
			if value, ok := point["value"].(float64); ok {
				total += value
				seen = true
			}
		}
		if !seen {
			return map[string]any{"value": nil}
		}
		return map[string]any{"value": total}
	}

	output := map[string]any{
		"mean_value":           nil,
		"min_value":            nil,
		"max_value":            nil,
		"min_value_start_time": nil,
		"min_value_end_time":   nil,
		"max_value_start_time": nil,
		"max_value_end_time":   nil,
	}

	var meanSum float64
	var meanCount int
	for _, point := range points {
		if mean, ok := point["mean_value"].(float64); ok {
			meanSum += mean
			meanCount++
		}
		if minValue, ok := point["min_value"].(float64); ok {
			current, has := output["min_value"].(float64)
			if !has || minValue < current {
				output["min_value"] = minValue
				output["min_value_start_time"] = point["start_time"]
				output["min_value_end_time"] = point["end_time"]
			}
		}
		if maxValue, ok := point["max_value"].(float64); ok {
			current, has := output["max_value"].(float64)
			if !has || maxValue > current {
				output["max_value"] = maxValue
				output["max_value_start_time"] = point["start_time"]
				output["max_value_end_time"] = point["end_time"]
			}
		}
	}
	if meanCount > 0 {
		output["mean_value"] = meanSum / float64(meanCount)
	}
	return output
}
