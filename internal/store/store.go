package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// UpdateFunc mutates dev in place. A non-nil returned entry is appended to
// the device's log in the same transaction; its ID and DeviceID are assigned
// by the store.
type UpdateFunc func(dev *Device) (*LogEntry, error)

// Store defines the persistence interface.
type Store interface {
	// Device operations
	CreateDevice(dev *Device) error
	GetDevice(id uint64) (*Device, error)
	DeleteDevice(id uint64) error
	ListDevices() ([]*Device, error)
	ListDevicesByAddress(addr string) ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(id uint64, fn UpdateFunc) error

	// Audit log
	AppendLog(entry *LogEntry) error
	DeviceLogs(id uint64, limit int) ([]*LogEntry, error)
	RecentLogs(limit int, match func(*LogEntry) bool) ([]*LogEntry, error)

	// Settings
	Simulation() (bool, error)
	SetSimulation(on bool) error

	// Close the store
	Close() error
}
