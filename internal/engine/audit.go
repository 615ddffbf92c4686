package engine

import (
	"fmt"
	"time"

	"netwatch/internal/store"
)

// DowntimeEntry is an offline log entry joined with its device's identity.
type DowntimeEntry struct {
	ID         uint64       `json:"id"`
	DeviceID   uint64       `json:"device_id"`
	DeviceName string       `json:"device_name"`
	Address    string       `json:"address"`
	Status     store.Status `json:"status"`
	LatencyMS  int          `json:"latency"`
	Timestamp  time.Time    `json:"timestamp"`
}

// AuditLog is the read and append surface over per-device history.
type AuditLog struct {
	store store.Store
}

func NewAuditLog(st store.Store) *AuditLog {
	return &AuditLog{store: st}
}

// Append records an entry for a device outside of Apply.
func (a *AuditLog) Append(deviceID uint64, status store.Status, latencyMS int, ts time.Time) (*store.LogEntry, error) {
	e := &store.LogEntry{
		DeviceID:  deviceID,
		Status:    status,
		LatencyMS: latencyMS,
		Timestamp: ts,
	}
	if err := a.store.AppendLog(e); err != nil {
		return nil, fmt.Errorf("append log: %w", err)
	}
	return e, nil
}

// Recent returns a device's history, most recent first.
func (a *AuditLog) Recent(deviceID uint64, limit int) ([]*store.LogEntry, error) {
	return a.store.DeviceLogs(deviceID, limit)
}

// RecentGlobal returns offline entries across the fleet, most recent first.
// Entries whose device vanished between the two reads are dropped.
func (a *AuditLog) RecentGlobal(limit int) ([]DowntimeEntry, error) {
	entries, err := a.store.RecentLogs(limit, func(e *store.LogEntry) bool {
		return e.Status == store.StatusOffline
	})
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	devices, err := a.store.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	byID := make(map[uint64]*store.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	out := make([]DowntimeEntry, 0, len(entries))
	for _, e := range entries {
		dev, ok := byID[e.DeviceID]
		if !ok {
			continue
		}
		out = append(out, DowntimeEntry{
			ID:         e.ID,
			DeviceID:   e.DeviceID,
			DeviceName: dev.Name,
			Address:    dev.Address,
			Status:     e.Status,
			LatencyMS:  e.LatencyMS,
			Timestamp:  e.Timestamp,
		})
	}
	return out, nil
}
