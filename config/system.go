package config

import (
	"time"
)

// System is the gateway-wide settings row of the config store.
type System struct {
	// BACnetIP is the local interface address the engine binds. Startup
	// gates on it being set.
	BACnetIP string
	// BACnetPort is the local UDP port, 47808 by default.
	BACnetPort int
	// DeviceID is the gateway's own BACnet device instance.
	DeviceID uint32
	// DiscoveryTimeout is the I-Am collection window.
	DiscoveryTimeout time.Duration
	// Timezone is the IANA zone used for the tz field of publishes.
	Timezone string
	// DefaultPollInterval is applied to points created by discovery.
	DefaultPollInterval int
	// WriteWithPriority encodes the priority context tag on writes,
	// targeting the priority array instead of bare presentValue.
	WriteWithPriority bool
	// ConfigRefreshInterval and LogRetentionDays are carried for the UI;
	// the worker does not act on them.
	ConfigRefreshInterval int
	LogRetentionDays      int
}

// IsZero reports whether the gateway has not been through first-time
// setup yet.
func (s *System) IsZero() bool {
	return s == nil || s.BACnetIP == ""
}

// Location resolves the configured timezone. An empty setting defers to
// the host zone (TZ applies), an unparseable one falls back to UTC.
func (s *System) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

// TZOffsetHours returns the configured zone's offset from UTC in whole
// hours at time t, the value published as "tz".
func (s *System) TZOffsetHours(t time.Time) int {
	_, offset := t.In(s.Location()).Zone()
	return offset / 3600
}
