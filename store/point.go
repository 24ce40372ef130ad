package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bacpipes/bacmq/haystack"
)

// Point is a BACnet object row with its Haystack tagging and MQTT
// publish configuration.
type Point struct {
	ID             int64
	DeviceID       int64 // devices.id, not the BACnet instance
	ObjectType     string
	ObjectInstance uint32
	BACnetName     string // objectName at first discovery, never updated
	Name           string
	Description    string
	Units          string

	Tags         haystack.Tags
	HaystackName string
	Dis          string

	Enabled      bool
	MQTTPublish  bool
	MQTTTopic    string
	PollInterval int // seconds
	QoS          byte

	IsReadable    bool
	IsWritable    bool
	PriorityArray bool
	PriorityLevel *int

	MinPresValue *float64
	MaxPresValue *float64

	LastValue    string
	LastPollTime *time.Time
	ErrorCount   int
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Regenerate recomputes the derived haystack name and MQTT topic from
// the tag fields.
func (p *Point) Regenerate() {
	p.HaystackName = p.Tags.Name()
	p.MQTTTopic = p.Tags.Topic(p.ObjectInstance)
}

// PollPoint is a point joined with its device addressing, the unit the
// scheduler and the write pipeline work in.
type PollPoint struct {
	Point
	DeviceInstance uint32
	DeviceAddr     string
	DevicePort     int
}

const pointColumns = `p.id, p.device_id, p.object_type, p.object_instance, p.bacnet_name, p.name,
	p.description, p.units,
	p.site_id, p.equipment_type, p.equipment_id, p.point_function,
	p.quantity, p.subject, p.location, p.qualifier,
	p.haystack_name, p.dis,
	p.enabled, p.mqtt_publish, p.mqtt_topic, p.poll_interval, p.qos,
	p.is_readable, p.is_writable, p.priority_array, p.priority_level,
	p.min_pres_value, p.max_pres_value,
	p.last_value, p.last_poll_time, p.error_count, p.last_error,
	p.created_at, p.updated_at,
	d.instance, d.address, d.port`

func scanPollPoint(row pgx.Row) (*PollPoint, error) {
	var p PollPoint

	err := row.Scan(
		&p.ID, &p.DeviceID, &p.ObjectType, &p.ObjectInstance, &p.BACnetName, &p.Name,
		&p.Description, &p.Units,
		&p.Tags.SiteID, &p.Tags.EquipmentType, &p.Tags.EquipmentID, &p.Tags.PointFunction,
		&p.Tags.Quantity, &p.Tags.Subject, &p.Tags.Location, &p.Tags.Qualifier,
		&p.HaystackName, &p.Dis,
		&p.Enabled, &p.MQTTPublish, &p.MQTTTopic, &p.PollInterval, &p.QoS,
		&p.IsReadable, &p.IsWritable, &p.PriorityArray, &p.PriorityLevel,
		&p.MinPresValue, &p.MaxPresValue,
		&p.LastValue, &p.LastPollTime, &p.ErrorCount, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt,
		&p.DeviceInstance, &p.DeviceAddr, &p.DevicePort,
	)
	if err != nil {
		return nil, err
	}

	return &p, nil
}

const pollableQuery = `
SELECT ` + pointColumns + `
FROM points p
JOIN devices d ON d.id = p.device_id
WHERE p.enabled AND p.mqtt_publish AND d.enabled
ORDER BY p.id`

// ListPollablePoints returns every point the scheduler should poll:
// enabled, marked for publishing, and on an enabled device.
func (s *Store) ListPollablePoints(ctx context.Context) ([]*PollPoint, error) {
	rows, err := s.pool.Query(ctx, pollableQuery)
	if err != nil {
		return nil, storeErr("list pollable points", err)
	}
	defer rows.Close()

	var points []*PollPoint
	for rows.Next() {
		p, err := scanPollPoint(rows)
		if err != nil {
			return nil, storeErr("list pollable points", err)
		}

		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list pollable points", err)
	}

	return points, nil
}

const lookupPointQuery = `
SELECT ` + pointColumns + `
FROM points p
JOIN devices d ON d.id = p.device_id
WHERE d.instance = $1 AND p.object_type = $2 AND p.object_instance = $3`

// LookupPoint resolves a write target by its BACnet coordinates.
func (s *Store) LookupPoint(ctx context.Context, deviceInstance uint32, objectType string, objectInstance uint32) (*PollPoint, error) {
	p, err := scanPollPoint(s.pool.QueryRow(ctx, lookupPointQuery, deviceInstance, objectType, objectInstance))
	if err != nil {
		return nil, storeErr("lookup point", err)
	}

	return p, nil
}

const lookupByTopicQuery = `
SELECT ` + pointColumns + `
FROM points p
JOIN devices d ON d.id = p.device_id
WHERE p.mqtt_topic = $1`

// LookupPointByTopic resolves an override target by its publish topic.
func (s *Store) LookupPointByTopic(ctx context.Context, topic string) (*PollPoint, error) {
	p, err := scanPollPoint(s.pool.QueryRow(ctx, lookupByTopicQuery, topic))
	if err != nil {
		return nil, storeErr("lookup point by topic", err)
	}

	return p, nil
}

const updateReadingQuery = `
UPDATE points SET last_value = $2, last_poll_time = $3, updated_at = $3
WHERE id = $1`

// UpdateReading stores the latest polled value of a point.
func (s *Store) UpdateReading(ctx context.Context, pointID int64, value string, ts time.Time) error {
	tag, err := s.pool.Exec(ctx, updateReadingQuery, pointID, value, ts)
	if err != nil {
		return storeErr("update reading", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update reading: %w", ErrNotFound)
	}

	return nil
}

const pointErrorQuery = `
UPDATE points SET error_count = error_count + 1, last_error = $2, updated_at = $3
WHERE id = $1`

// RecordPointError bumps the error counter of a point after a failed
// read or write.
func (s *Store) RecordPointError(ctx context.Context, pointID int64, message string, ts time.Time) error {
	tag, err := s.pool.Exec(ctx, pointErrorQuery, pointID, message, ts)
	if err != nil {
		return storeErr("record point error", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record point error: %w", ErrNotFound)
	}

	return nil
}
