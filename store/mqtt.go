package store

import (
	"context"
	"time"

	"github.com/bacpipes/bacmq/config"
)

// Connection states written by [Store.SetMQTTStatus] and shown on the
// UI dashboard.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

const mqttQuery = `
SELECT broker, port, client_id, username, password, keep_alive,
	tls_enabled, tls_insecure, ca_cert_path, client_cert_path, client_key_path,
	write_command_topic, write_result_topic,
	subscribe_enabled, subscribe_topic_pattern, subscribe_qos,
	enable_batch_publishing, enabled
FROM mqtt_config
WHERE id = 1`

// LoadMQTT snapshots the broker settings row. Blank topics fall back to
// the package defaults so a half-edited row cannot silence the write
// pipeline.
func (s *Store) LoadMQTT(ctx context.Context) (*config.MQTT, error) {
	var (
		cfg       config.MQTT
		keepAlive int
	)

	err := s.pool.QueryRow(ctx, mqttQuery).Scan(
		&cfg.Broker, &cfg.Port, &cfg.ClientID, &cfg.Username, &cfg.Password, &keepAlive,
		&cfg.TLS.Enabled, &cfg.TLS.Insecure, &cfg.TLS.CAFile, &cfg.TLS.CertFile, &cfg.TLS.KeyFile,
		&cfg.WriteCommandTopic, &cfg.WriteResultTopic,
		&cfg.SubscribeEnabled, &cfg.SubscribePattern, &cfg.SubscribeQoS,
		&cfg.BatchPublishing, &cfg.Enabled,
	)
	if err != nil {
		return nil, storeErr("load mqtt settings", err)
	}

	cfg.KeepAlive = time.Duration(keepAlive) * time.Second

	if cfg.WriteCommandTopic == "" {
		cfg.WriteCommandTopic = config.DefaultWriteCommandTopic
	}
	if cfg.WriteResultTopic == "" {
		cfg.WriteResultTopic = config.DefaultWriteResultTopic
	}
	if cfg.SubscribePattern == "" {
		cfg.SubscribePattern = config.OverridePattern
	}

	return &cfg, nil
}

const setStatusQuery = `
UPDATE mqtt_config SET
	connection_status = $1,
	last_connected    = CASE WHEN $1 = 'connected' THEN now() ELSE last_connected END,
	last_data_flow    = CASE WHEN $2 THEN now() ELSE last_data_flow END,
	updated_at        = now()
WHERE id = 1`

// SetMQTTStatus records the session's connection state for the
// dashboard. dataFlow additionally bumps the last-data-flow stamp after
// successful publishes.
func (s *Store) SetMQTTStatus(ctx context.Context, status string, dataFlow bool) error {
	_, err := s.pool.Exec(ctx, setStatusQuery, status, dataFlow)

	return storeErr("set mqtt status", err)
}
