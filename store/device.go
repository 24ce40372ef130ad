package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Device is a discovered BACnet device row. Points reference devices
// and cascade away with them.
type Device struct {
	ID           int64
	Instance     uint32 // BACnet device instance, unique across the site
	Name         string
	Address      string // IP without port
	Port         int
	VendorID     *int
	VendorName   string
	Description  string
	Enabled      bool
	DiscoveredAt time.Time
	LastSeenAt   time.Time
}

// DiscoveredDevice is one device's scan results bound for persistence.
type DiscoveredDevice struct {
	Device Device
	Points []Point
}

const deleteDevicesQuery = `DELETE FROM devices`

const upsertDeviceQuery = `
INSERT INTO devices (instance, name, address, port, vendor_id, vendor_name, description, enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
ON CONFLICT (instance) DO UPDATE SET
	name         = EXCLUDED.name,
	address      = EXCLUDED.address,
	port         = EXCLUDED.port,
	vendor_id    = COALESCE(EXCLUDED.vendor_id, devices.vendor_id),
	vendor_name  = CASE WHEN EXCLUDED.vendor_name <> '' THEN EXCLUDED.vendor_name ELSE devices.vendor_name END,
	description  = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE devices.description END,
	last_seen_at = now()
RETURNING id`

const upsertPointQuery = `
INSERT INTO points (device_id, object_type, object_instance, bacnet_name, name, description, units,
	is_writable, priority_array, min_pres_value, max_pres_value,
	last_value, last_poll_time, poll_interval)
VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8, $9, $10, $11, now(), $12)
ON CONFLICT (device_id, object_type, object_instance) DO UPDATE SET
	bacnet_name    = CASE WHEN points.bacnet_name = '' THEN EXCLUDED.bacnet_name ELSE points.bacnet_name END,
	name           = EXCLUDED.name,
	description    = EXCLUDED.description,
	units          = EXCLUDED.units,
	is_writable    = EXCLUDED.is_writable,
	priority_array = EXCLUDED.priority_array,
	min_pres_value = EXCLUDED.min_pres_value,
	max_pres_value = EXCLUDED.max_pres_value,
	last_value     = EXCLUDED.last_value,
	last_poll_time = now(),
	updated_at     = now()`

// ReplaceDiscovered clears the whole inventory and saves the scan
// results fresh. Write history cascades away with the points.
func (s *Store) ReplaceDiscovered(ctx context.Context, found []DiscoveredDevice) (devices, points int, err error) {
	return s.saveDiscovered(ctx, found, true)
}

// MergeDiscovered saves the scan results over the existing inventory,
// refreshing BACnet metadata while keeping operator fields (tags,
// topics, publish flags, intervals) of surviving points.
func (s *Store) MergeDiscovered(ctx context.Context, found []DiscoveredDevice) (devices, points int, err error) {
	return s.saveDiscovered(ctx, found, false)
}

func (s *Store) saveDiscovered(ctx context.Context, found []DiscoveredDevice, replace bool) (devices, points int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, storeErr("save discovery results", err)
	}
	defer tx.Rollback(ctx)

	if replace {
		if _, err := tx.Exec(ctx, deleteDevicesQuery); err != nil {
			return 0, 0, storeErr("clear inventory", err)
		}
	}

	for _, d := range found {
		var deviceID int64

		err := tx.QueryRow(ctx, upsertDeviceQuery,
			d.Device.Instance, d.Device.Name, d.Device.Address, d.Device.Port,
			d.Device.VendorID, d.Device.VendorName, d.Device.Description,
		).Scan(&deviceID)
		if err != nil {
			return 0, 0, storeErr("save device", err)
		}

		devices++

		if len(d.Points) == 0 {
			continue
		}

		batch := &pgx.Batch{}
		for _, p := range d.Points {
			batch.Queue(upsertPointQuery,
				deviceID, p.ObjectType, p.ObjectInstance, p.Name, p.Description, p.Units,
				p.IsWritable, p.PriorityArray, p.MinPresValue, p.MaxPresValue,
				p.LastValue, p.PollInterval,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for range d.Points {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return 0, 0, storeErr("save points", err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, 0, storeErr("save points", err)
		}

		points += len(d.Points)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, storeErr("save discovery results", err)
	}

	return devices, points, nil
}
