// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/kurbisio-device/core/csql"
)

const uniqueViolation = "23505"

// properties is the JSON column of a device
type properties struct {
	PrimaryKey   string `json:"primary_key"`
	SecondaryKey string `json:"secondary_key,omitempty"`
	Status       Status `json:"status"`
}

// PostgresRegistry stores devices in the table "device" of the database schema
type PostgresRegistry struct {
	db *csql.DB
}

// NewPostgresRegistry creates the device table if it does not exist yet
func NewPostgresRegistry(ctx context.Context, db *csql.DB) (*PostgresRegistry, error) {
	_, err := db.ExecContext(ctx, `CREATE table IF NOT EXISTS `+db.Schema+`."device"
(device_id varchar NOT NULL,
properties json NOT NULL,
created_at timestamp NOT NULL,
PRIMARY KEY(device_id)
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create device table: %w", err)
	}
	return &PostgresRegistry{db: db}, nil
}

// Create implements Registry
func (r *PostgresRegistry) Create(ctx context.Context, device Device) (*Device, error) {
	device, err := prepare(device, time.Now())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(properties{
		PrimaryKey:   device.PrimaryKey,
		SecondaryKey: device.SecondaryKey,
		Status:       device.Status,
	})
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO `+r.db.Schema+`."device"(device_id,properties,created_at) VALUES($1,$2,$3);`,
		device.DeviceID, string(body), device.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("cannot create device '%s': %w", device.DeviceID, err)
	}
	return &device, nil
}

// Get implements Registry
func (r *PostgresRegistry) Get(ctx context.Context, deviceID string) (*Device, error) {
	var (
		rawValue json.RawMessage
		device   = Device{DeviceID: deviceID}
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT properties, created_at FROM `+r.db.Schema+`."device" WHERE device_id=$1;`,
		deviceID).Scan(&rawValue, &device.CreatedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read device '%s': %w", deviceID, err)
	}
	if err = device.decode(rawValue); err != nil {
		return nil, err
	}
	return &device, nil
}

// Delete implements Registry
func (r *PostgresRegistry) Delete(ctx context.Context, deviceID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM `+r.db.Schema+`."device" WHERE device_id=$1;`, deviceID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Registry. Devices are sorted by id.
func (r *PostgresRegistry) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, properties, created_at FROM `+r.db.Schema+`."device" ORDER BY device_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		var (
			rawValue json.RawMessage
			device   Device
		)
		if err := rows.Scan(&device.DeviceID, &rawValue, &device.CreatedAt); err != nil {
			return nil, err
		}
		if err := device.decode(rawValue); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (d *Device) decode(rawValue []byte) error {
	var p properties
	if err := json.Unmarshal(rawValue, &p); err != nil {
		return fmt.Errorf("cannot decode device '%s': %w", d.DeviceID, err)
	}
	d.PrimaryKey = p.PrimaryKey
	d.SecondaryKey = p.SecondaryKey
	d.Status = p.Status
	d.CreatedAt = d.CreatedAt.UTC()
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
