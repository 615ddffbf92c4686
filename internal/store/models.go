package store

import (
	"fmt"
	"strings"
	"time"
)

// Status is the observable reachability state of a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// ParseStatus normalizes s (case and surrounding space) and reports whether
// it names a known status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOnline, StatusOffline, StatusUnknown:
		return st, true
	default:
		return "", false
	}
}

// Category is the closed set of device kinds.
type Category string

const (
	CategorySwitch      Category = "switch"
	CategoryRouter      Category = "router"
	CategoryServer      Category = "server"
	CategoryAccessPoint Category = "access-point"
)

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategorySwitch, CategoryRouter, CategoryServer, CategoryAccessPoint:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Device represents a monitored network device.
type Device struct {
	ID            uint64     `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	Category      Category   `json:"category"`
	Location      string     `json:"location,omitempty"`
	Status        Status     `json:"status"`
	LatencyMS     int        `json:"latency"` // 0 = not measured
	LastSeen      *time.Time `json:"last_seen"`
	DowntimeStart *time.Time `json:"downtime_start"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Clone returns a deep copy so callers can hand out snapshots.
func (d *Device) Clone() *Device {
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	if d.DowntimeStart != nil {
		t := *d.DowntimeStart
		c.DowntimeStart = &t
	}
	return &c
}

// LogEntry is one immutable audit record of a device's status.
type LogEntry struct {
	ID        uint64    `json:"id"`
	DeviceID  uint64    `json:"device_id"`
	Status    Status    `json:"status"`
	LatencyMS int       `json:"latency"`
	Timestamp time.Time `json:"timestamp"`
}

// Before reports whether e sorts before o in chronological order
// (timestamp, then insertion id).
func (e *LogEntry) Before(o *LogEntry) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.ID < o.ID
}
