package store

import (
	"context"
	"fmt"

	"github.com/bacpipes/bacmq/log"
)

// schema is applied one statement at a time; the extended protocol
// cannot run multi-statement strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id            BIGSERIAL PRIMARY KEY,
		instance      INTEGER NOT NULL UNIQUE,
		name          TEXT NOT NULL DEFAULT '',
		address       TEXT NOT NULL,
		port          INTEGER NOT NULL DEFAULT 47808,
		vendor_id     INTEGER,
		vendor_name   TEXT NOT NULL DEFAULT '',
		description   TEXT NOT NULL DEFAULT '',
		enabled       BOOLEAN NOT NULL DEFAULT TRUE,
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_enabled ON devices (enabled)`,

	`CREATE TABLE IF NOT EXISTS points (
		id              BIGSERIAL PRIMARY KEY,
		device_id       BIGINT NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		object_type     TEXT NOT NULL,
		object_instance INTEGER NOT NULL,
		bacnet_name     TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		units           TEXT NOT NULL DEFAULT '',
		site_id         TEXT NOT NULL DEFAULT '',
		equipment_type  TEXT NOT NULL DEFAULT '',
		equipment_id    TEXT NOT NULL DEFAULT '',
		point_function  TEXT NOT NULL DEFAULT '',
		quantity        TEXT NOT NULL DEFAULT '',
		subject         TEXT NOT NULL DEFAULT '',
		location        TEXT NOT NULL DEFAULT '',
		qualifier       TEXT NOT NULL DEFAULT '',
		haystack_name   TEXT NOT NULL DEFAULT '',
		dis             TEXT NOT NULL DEFAULT '',
		enabled         BOOLEAN NOT NULL DEFAULT TRUE,
		mqtt_publish    BOOLEAN NOT NULL DEFAULT FALSE,
		mqtt_topic      TEXT NOT NULL DEFAULT '',
		poll_interval   INTEGER NOT NULL DEFAULT 60,
		qos             INTEGER NOT NULL DEFAULT 1,
		is_readable     BOOLEAN NOT NULL DEFAULT TRUE,
		is_writable     BOOLEAN NOT NULL DEFAULT FALSE,
		priority_array  BOOLEAN NOT NULL DEFAULT FALSE,
		priority_level  INTEGER,
		min_pres_value  DOUBLE PRECISION,
		max_pres_value  DOUBLE PRECISION,
		last_value      TEXT NOT NULL DEFAULT '',
		last_poll_time  TIMESTAMPTZ,
		error_count     INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (device_id, object_type, object_instance)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_points_device ON points (device_id)`,
	`CREATE INDEX IF NOT EXISTS idx_points_publish ON points (mqtt_publish) WHERE mqtt_publish`,
	`CREATE INDEX IF NOT EXISTS idx_points_topic ON points (mqtt_topic) WHERE mqtt_topic <> ''`,

	`CREATE TABLE IF NOT EXISTS mqtt_config (
		id                      INTEGER PRIMARY KEY CHECK (id = 1),
		broker                  TEXT NOT NULL DEFAULT '',
		port                    INTEGER NOT NULL DEFAULT 1883,
		client_id               TEXT NOT NULL DEFAULT 'bacpipes_worker',
		username                TEXT NOT NULL DEFAULT '',
		password                TEXT NOT NULL DEFAULT '',
		keep_alive              INTEGER NOT NULL DEFAULT 30,
		tls_enabled             BOOLEAN NOT NULL DEFAULT FALSE,
		tls_insecure            BOOLEAN NOT NULL DEFAULT FALSE,
		ca_cert_path            TEXT NOT NULL DEFAULT '',
		client_cert_path        TEXT NOT NULL DEFAULT '',
		client_key_path         TEXT NOT NULL DEFAULT '',
		write_command_topic     TEXT NOT NULL DEFAULT 'bacnet/write/command',
		write_result_topic      TEXT NOT NULL DEFAULT 'bacnet/write/result',
		subscribe_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
		subscribe_topic_pattern TEXT NOT NULL DEFAULT 'override/#',
		subscribe_qos           INTEGER NOT NULL DEFAULT 1,
		enable_batch_publishing BOOLEAN NOT NULL DEFAULT FALSE,
		enabled                 BOOLEAN NOT NULL DEFAULT TRUE,
		connection_status       TEXT NOT NULL DEFAULT 'disconnected',
		last_connected          TIMESTAMPTZ,
		last_data_flow          TIMESTAMPTZ,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS system_settings (
		id                      INTEGER PRIMARY KEY CHECK (id = 1),
		admin_username          TEXT NOT NULL DEFAULT 'admin',
		admin_password_hash     TEXT NOT NULL DEFAULT '',
		master_pin_hash         TEXT NOT NULL DEFAULT '',
		bacnet_ip               TEXT NOT NULL DEFAULT '',
		bacnet_port             INTEGER NOT NULL DEFAULT 47808,
		bacnet_device_id        INTEGER NOT NULL DEFAULT 3001234,
		discovery_timeout       INTEGER NOT NULL DEFAULT 15,
		timezone                TEXT NOT NULL DEFAULT 'UTC',
		default_poll_interval   INTEGER NOT NULL DEFAULT 60,
		config_refresh_interval INTEGER NOT NULL DEFAULT 60,
		dashboard_refresh       INTEGER NOT NULL DEFAULT 10,
		log_retention_days      INTEGER NOT NULL DEFAULT 30,
		write_with_priority     BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS discovery_jobs (
		id            UUID PRIMARY KEY,
		address       TEXT NOT NULL,
		port          INTEGER NOT NULL DEFAULT 47808,
		timeout       INTEGER NOT NULL DEFAULT 15,
		device_id     INTEGER NOT NULL DEFAULT 3001234,
		status        TEXT NOT NULL,
		devices_found INTEGER NOT NULL DEFAULT 0,
		points_found  INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_discovery_jobs_running
		ON discovery_jobs ((1)) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_discovery_jobs_started ON discovery_jobs (started_at)`,

	`CREATE TABLE IF NOT EXISTS write_history (
		id            BIGSERIAL PRIMARY KEY,
		job_id        UUID NOT NULL UNIQUE,
		point_id      BIGINT NOT NULL REFERENCES points (id) ON DELETE CASCADE,
		value         TEXT,
		priority      INTEGER NOT NULL,
		release       BOOLEAN NOT NULL DEFAULT FALSE,
		success       BOOLEAN NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_write_history_point ON write_history (point_id)`,
	`CREATE INDEX IF NOT EXISTS idx_write_history_created ON write_history (created_at)`,

	`CREATE TABLE IF NOT EXISTS error_log (
		id          BIGSERIAL PRIMARY KEY,
		point_id    BIGINT REFERENCES points (id) ON DELETE SET NULL,
		source      TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL,
		stack_trace TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_error_log_point ON error_log (point_id)`,
	`CREATE INDEX IF NOT EXISTS idx_error_log_source ON error_log (source)`,
	`CREATE INDEX IF NOT EXISTS idx_error_log_created ON error_log (created_at)`,

	`INSERT INTO mqtt_config (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	`INSERT INTO system_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
}

// Init applies the embedded schema and seeds the singleton settings
// rows. Every statement is idempotent, so Init runs on every start.
func (s *Store) Init(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: init: %w: %w", ErrUnavailable, err)
	}
	defer conn.Release()

	for _, stmt := range schema {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: init: %w: %w", ErrUnavailable, err)
		}
	}

	log.Debug("Config store schema ready")

	return nil
}
