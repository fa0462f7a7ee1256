// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides persistence for the energy meter gateway: the
// time-series measurements sink backed by InfluxDB with a circuit breaker
// and a local spill cache, and the SQLite-backed configuration store for
// devices, nodes and connection history.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
)

const cacheFileName = "measurements.cache"

// cachedMeasurement wraps a measurement with the time it was cached so
// expired entries can be dropped at replay.
type cachedMeasurement struct {
	CachedAt    time.Time       `json:"cached_at"`
	Measurement json.RawMessage `json:"measurement"`
}

// LocalCache persists measurements to a local JSON-lines file while the
// time-series store is unavailable. Entries are replayed in order once the
// store recovers.
type LocalCache struct {
	path    string
	maxSize int64
	maxAge  time.Duration
	mu      sync.Mutex
}

// NewLocalCache creates the cache directory if needed and returns the cache.
func NewLocalCache(directory string, maxSize int64, maxAge time.Duration) (*LocalCache, error) {
	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &LocalCache{
		path:    filepath.Join(directory, cacheFileName),
		maxSize: maxSize,
		maxAge:  maxAge,
	}, nil
}

// Store appends a measurement to the cache file. When the file exceeds the
// size limit the measurement is dropped; acquisition must not stall on disk.
func (c *LocalCache) Store(measurement bus.Measurement) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info, err := os.Stat(c.path); err == nil && c.maxSize > 0 && info.Size() >= c.maxSize {
		return fmt.Errorf("cache file size limit of %d bytes reached", c.maxSize)
	}

	raw, err := json.Marshal(measurement)
	if err != nil {
		return fmt.Errorf("failed to marshal measurement: %w", err)
	}
	entry, err := json.Marshal(cachedMeasurement{CachedAt: time.Now().UTC(), Measurement: raw})
	if err != nil {
		return err
	}

	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(entry, '\n')); err != nil {
		return fmt.Errorf("failed to append to cache file: %w", err)
	}
	return nil
}

// LoadAll reads every cached measurement that has not exceeded the age
// limit, in insertion order. Corrupt lines are skipped.
func (c *LocalCache) LoadAll() ([]bus.Measurement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	cutoff := time.Now().UTC().Add(-c.maxAge)
	var measurements []bus.Measurement

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry cachedMeasurement
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			logger.Warn().Err(err).Msg("Skipping corrupt cache entry")
			continue
		}
		if c.maxAge > 0 && entry.CachedAt.Before(cutoff) {
			continue
		}
		var measurement bus.Measurement
		if err := json.Unmarshal(entry.Measurement, &measurement); err != nil {
			logger.Warn().Err(err).Msg("Skipping corrupt cached measurement")
			continue
		}
		measurements = append(measurements, measurement)
	}
	if err := scanner.Err(); err != nil {
		return measurements, err
	}
	return measurements, nil
}

// Clear removes the cache file after a successful replay.
func (c *LocalCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Size returns the current cache file size in bytes.
func (c *LocalCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return 0
	}
	return info.Size()
}
