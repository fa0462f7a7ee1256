// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/soothill/energy-meter-gateway/meter"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
)

// deviceRow is the devices table: meter identity plus the opaque serialized
// option bags.
type deviceRow struct {
	ID                   int    `gorm:"primaryKey;autoIncrement"`
	Name                 string `gorm:"not null"`
	Protocol             string `gorm:"not null"`
	DeviceType           string `gorm:"not null"`
	MeterOptions         string `gorm:"not null"`
	CommunicationOptions string `gorm:"not null"`

	Nodes []nodeRow `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
}

func (deviceRow) TableName() string { return "devices" }

// nodeRow is the nodes table: per-node configuration, protocol options and
// attributes as opaque serialized bags.
type nodeRow struct {
	ID              int    `gorm:"primaryKey;autoIncrement"`
	DeviceID        int    `gorm:"not null;index"`
	Name            string `gorm:"not null"`
	Protocol        string `gorm:"not null"`
	Config          string `gorm:"not null"`
	ProtocolOptions string `gorm:"not null"`
	Attributes      string `gorm:"not null"`
}

func (nodeRow) TableName() string { return "nodes" }

// deviceStatusRow is the device_status table tracking connection history.
type deviceStatusRow struct {
	DeviceID              int `gorm:"primaryKey"`
	ConnectionOnDatetime  *time.Time
	ConnectionOffDatetime *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (deviceStatusRow) TableName() string { return "device_status" }

// DeviceDB persists meter and node configuration in SQLite. Option bags are
// validated against their JSON schemas at load time.
type DeviceDB struct {
	db *gorm.DB
}

// NewDeviceDB opens (or creates) the SQLite database and migrates the
// schema.
func NewDeviceDB(path string) (*DeviceDB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, gerrors.NewStorageError("open", 0, err)
	}

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, gerrors.NewStorageError("configure", 0, err)
	}
	if err := db.AutoMigrate(&deviceRow{}, &nodeRow{}, &deviceStatusRow{}); err != nil {
		return nil, gerrors.NewStorageError("migrate", 0, err)
	}

	logger.Info().Str("path", path).Msg("Device database ready")
	return &DeviceDB{db: db}, nil
}

// Close closes the underlying connection pool.
func (d *DeviceDB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetAllMeters loads every persisted meter record with its nodes.
func (d *DeviceDB) GetAllMeters() ([]meter.MeterRecord, error) {
	var rows []deviceRow
	if err := d.db.Preload("Nodes").Find(&rows).Error; err != nil {
		return nil, gerrors.NewStorageError("load devices", 0, err)
	}

	records := make([]meter.MeterRecord, 0, len(rows))
	for _, row := range rows {
		record, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// GetMeter loads one meter record by id.
func (d *DeviceDB) GetMeter(deviceID int) (meter.MeterRecord, error) {
	var row deviceRow
	err := d.db.Preload("Nodes").First(&row, deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return meter.MeterRecord{}, gerrors.ErrDeviceNotFound
	}
	if err != nil {
		return meter.MeterRecord{}, gerrors.NewStorageError("load device", deviceID, err)
	}
	return rowToRecord(row)
}

// SaveMeter inserts or updates a meter record and replaces its nodes.
func (d *DeviceDB) SaveMeter(record meter.MeterRecord) (int, error) {
	options, err := json.Marshal(record.Options.Map())
	if err != nil {
		return 0, err
	}

	row := deviceRow{
		ID:                   record.ID,
		Name:                 record.Name,
		Protocol:             string(record.Protocol),
		DeviceType:           string(record.Type),
		MeterOptions:         string(options),
		CommunicationOptions: string(record.CommunicationOptions),
	}

	err = d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", row.ID).Delete(&nodeRow{}).Error; err != nil {
			return err
		}
		for _, node := range record.Nodes {
			config, err := json.Marshal(node.Config)
			if err != nil {
				return err
			}
			attributes, err := json.Marshal(node.Attributes)
			if err != nil {
				return err
			}
			nodeEntry := nodeRow{
				DeviceID:        row.ID,
				Name:            node.Name,
				Protocol:        string(node.Protocol),
				Config:          string(config),
				ProtocolOptions: string(node.Options),
				Attributes:      string(attributes),
			}
			if err := tx.Create(&nodeEntry).Error; err != nil {
				return err
			}
		}
		status := deviceStatusRow{DeviceID: row.ID}
		return tx.FirstOrCreate(&status, deviceStatusRow{DeviceID: row.ID}).Error
	})
	if err != nil {
		return 0, gerrors.NewStorageError("save device", record.ID, err)
	}
	return row.ID, nil
}

// DeleteMeter removes a meter together with its nodes and status row. The
// child rows are deleted explicitly: SQLite only honors the FK cascade when
// foreign keys are enabled on the pooled connection that happens to serve
// the delete.
func (d *DeviceDB) DeleteMeter(deviceID int) error {
	var affected int64
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&nodeRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&deviceStatusRow{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&deviceRow{}, deviceID)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return gerrors.NewStorageError("delete device", deviceID, err)
	}
	if affected == 0 {
		return gerrors.ErrDeviceNotFound
	}
	return nil
}

// UpdateConnectionHistory records a connection transition: the matching
// timestamp column is set to now. This is the target of the meters'
// connection-change callback.
func (d *DeviceDB) UpdateConnectionHistory(deviceID int, state bool) {
	now := time.Now().UTC()
	column := "connection_off_datetime"
	if state {
		column = "connection_on_datetime"
	}

	err := d.db.Model(&deviceStatusRow{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{column: now, "updated_at": now}).Error
	if err != nil {
		logger.Error().Err(err).Int("device_id", deviceID).Bool("state", state).
			Msg("Failed to update device connection history")
	}
}

// ConnectionHistory returns the last connection transitions of a device.
func (d *DeviceDB) ConnectionHistory(deviceID int) (on, off *time.Time, err error) {
	var row deviceStatusRow
	result := d.db.First(&row, "device_id = ?", deviceID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil, gerrors.ErrDeviceNotFound
	}
	if result.Error != nil {
		return nil, nil, gerrors.NewStorageError("load status", deviceID, result.Error)
	}
	return row.ConnectionOnDatetime, row.ConnectionOffDatetime, nil
}

// rowToRecord converts a devices row plus its node rows into a meter record,
// validating the opaque bags against their schemas.
func rowToRecord(row deviceRow) (meter.MeterRecord, error) {
	if err := validateSchema(meterOptionsSchema, row.MeterOptions); err != nil {
		return meter.MeterRecord{}, fmt.Errorf("device %d: meter options: %w", row.ID, err)
	}

	var options meter.MeterOptions
	if err := json.Unmarshal([]byte(row.MeterOptions), &options); err != nil {
		return meter.MeterRecord{}, fmt.Errorf("device %d: meter options: %w", row.ID, err)
	}

	record := meter.MeterRecord{
		ID:                   row.ID,
		Name:                 row.Name,
		Protocol:             meter.Protocol(row.Protocol),
		Type:                 meter.MeterType(row.DeviceType),
		Options:              options,
		CommunicationOptions: json.RawMessage(row.CommunicationOptions),
	}

	for _, node := range row.Nodes {
		if err := validateSchema(nodeConfigSchema, node.Config); err != nil {
			return meter.MeterRecord{}, fmt.Errorf("node %q: config: %w", node.Name, err)
		}
		if err := validateSchema(attributesSchema, node.Attributes); err != nil {
			return meter.MeterRecord{}, fmt.Errorf("node %q: attributes: %w", node.Name, err)
		}

		var config meter.RecordConfig
		if err := json.Unmarshal([]byte(node.Config), &config); err != nil {
			return meter.MeterRecord{}, fmt.Errorf("node %q: config: %w", node.Name, err)
		}
		var attributes map[string]any
		if err := json.Unmarshal([]byte(node.Attributes), &attributes); err != nil {
			return meter.MeterRecord{}, fmt.Errorf("node %q: attributes: %w", node.Name, err)
		}

		record.Nodes = append(record.Nodes, meter.NodeRecord{
			DeviceID:   node.DeviceID,
			Name:       node.Name,
			Protocol:   meter.Protocol(node.Protocol),
			Config:     config,
			Options:    json.RawMessage(node.ProtocolOptions),
			Attributes: attributes,
		})
	}
	return record, nil
}
