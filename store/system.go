package store

import (
	"context"
	"time"

	"github.com/bacpipes/bacmq/config"
)

const systemQuery = `
SELECT bacnet_ip, bacnet_port, bacnet_device_id, discovery_timeout,
	timezone, default_poll_interval, config_refresh_interval,
	log_retention_days, write_with_priority
FROM system_settings
WHERE id = 1`

// LoadSystem snapshots the gateway settings row. A zero BACnetIP means
// first-time setup has not happened yet; see [config.System.IsZero].
func (s *Store) LoadSystem(ctx context.Context) (*config.System, error) {
	var (
		sys     config.System
		timeout int
	)

	err := s.pool.QueryRow(ctx, systemQuery).Scan(
		&sys.BACnetIP, &sys.BACnetPort, &sys.DeviceID, &timeout,
		&sys.Timezone, &sys.DefaultPollInterval, &sys.ConfigRefreshInterval,
		&sys.LogRetentionDays, &sys.WriteWithPriority,
	)
	if err != nil {
		return nil, storeErr("load system settings", err)
	}

	sys.DiscoveryTimeout = time.Duration(timeout) * time.Second

	return &sys, nil
}
