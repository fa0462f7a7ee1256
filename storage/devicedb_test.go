// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/energy-meter-gateway/meter"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

func openTestDB(t *testing.T) *DeviceDB {
	t.Helper()
	db, err := NewDeviceDB(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleRecord(name string) meter.MeterRecord {
	unit := "V"
	return meter.MeterRecord{
		Name:                 name,
		Protocol:             meter.ProtocolModbusRTU,
		Type:                 meter.SinglePhase,
		Options:              meter.MeterOptions{ReadEnergyFromMeter: true},
		CommunicationOptions: json.RawMessage(`{"slave_id": 3, "port": "/dev/ttyUSB0", "baudrate": 19200, "stopbits": 1, "parity": "N", "bytesize": 8, "read_period": 5, "timeout": 5, "retries": 3}`),
		Nodes: []meter.NodeRecord{
			{
				Name:     "voltage",
				Protocol: meter.ProtocolModbusRTU,
				Config: meter.RecordConfig{
					Enabled:       true,
					Publish:       true,
					Unit:          &unit,
					DecimalPlaces: func() *int { v := 2; return &v }(),
					Logging:       true,
					LoggingPeriod: 15,
				},
				Options:    json.RawMessage(`{"function": "READ_HOLDING_REGISTERS", "address": 100, "type": "FLOAT_32", "endian_mode": "BIG_ENDIAN", "bit": null}`),
				Attributes: map[string]any{"phase": "Singlephase"},
			},
		},
	}
}

// Persist, load and persist again must yield an equal record.
func TestSaveAndLoadMeterRoundTrip(t *testing.T) {
	db := openTestDB(t)

	id, err := db.SaveMeter(sampleRecord("plant_meter"))
	require.NoError(t, err)
	require.NotZero(t, id)

	loaded, err := db.GetMeter(id)
	require.NoError(t, err)

	assert.Equal(t, "plant_meter", loaded.Name)
	assert.Equal(t, meter.ProtocolModbusRTU, loaded.Protocol)
	assert.Equal(t, meter.SinglePhase, loaded.Type)
	assert.True(t, loaded.Options.ReadEnergyFromMeter)
	require.Len(t, loaded.Nodes, 1)

	node := loaded.Nodes[0]
	assert.Equal(t, "voltage", node.Name)
	assert.Equal(t, "V", *node.Config.Unit)
	assert.Equal(t, 15, node.Config.LoggingPeriod)
	assert.Equal(t, "Singlephase", node.Attributes["phase"])

	// Second persist of the loaded record must round-trip unchanged.
	savedID, err := db.SaveMeter(loaded)
	require.NoError(t, err)
	assert.Equal(t, id, savedID)

	again, err := db.GetMeter(id)
	require.NoError(t, err)
	assert.Equal(t, loaded.Name, again.Name)
	assert.Equal(t, loaded.Options, again.Options)
	require.Len(t, again.Nodes, 1)
	assert.Equal(t, loaded.Nodes[0].Config, again.Nodes[0].Config)
}

func TestGetAllMeters(t *testing.T) {
	db := openTestDB(t)

	_, err := db.SaveMeter(sampleRecord("meter_a"))
	require.NoError(t, err)
	_, err = db.SaveMeter(sampleRecord("meter_b"))
	require.NoError(t, err)

	records, err := db.GetAllMeters()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDeleteMeterCascades(t *testing.T) {
	db := openTestDB(t)

	id, err := db.SaveMeter(sampleRecord("doomed"))
	require.NoError(t, err)

	require.NoError(t, db.DeleteMeter(id))

	_, err = db.GetMeter(id)
	assert.ErrorIs(t, err, gerrors.ErrDeviceNotFound)

	var count int64
	require.NoError(t, db.db.Model(&nodeRow{}).Where("device_id = ?", id).Count(&count).Error)
	assert.Zero(t, count, "node rows must cascade")

	assert.ErrorIs(t, db.DeleteMeter(id), gerrors.ErrDeviceNotFound)
}

func TestUpdateConnectionHistory(t *testing.T) {
	db := openTestDB(t)

	id, err := db.SaveMeter(sampleRecord("meter"))
	require.NoError(t, err)

	db.UpdateConnectionHistory(id, true)
	on, off, err := db.ConnectionHistory(id)
	require.NoError(t, err)
	assert.NotNil(t, on)
	assert.Nil(t, off)

	db.UpdateConnectionHistory(id, false)
	on, off, err = db.ConnectionHistory(id)
	require.NoError(t, err)
	assert.NotNil(t, on)
	assert.NotNil(t, off)
}

func TestLoadRejectsCorruptOptionBag(t *testing.T) {
	db := openTestDB(t)

	id, err := db.SaveMeter(sampleRecord("meter"))
	require.NoError(t, err)

	// Corrupt the node config bag directly; the schema check must refuse it.
	require.NoError(t, db.db.Model(&nodeRow{}).Where("device_id = ?", id).
		Update("config", `{"enabled": "yes"}`).Error)

	_, err = db.GetMeter(id)
	require.Error(t, err)
}
