package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")
	bucketLogs     = []byte("logs")
	bucketSettings = []byte("settings")
	keySimulation  = []byte("simulation")
)

// DefaultLogRetention is the number of log entries kept per device.
const DefaultLogRetention = 500

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogRetention bounds the per-device log window. Values <= 0 keep the default.
func WithLogRetention(n int) BoltOption {
	return func(s *BoltStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db        *bolt.DB
	retention int
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketLogs, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, retention: DefaultLogRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *BoltStore) CreateDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		dev.ID = id
		if dev.Status == "" {
			dev.Status = StatusUnknown
		}
		if dev.CreatedAt.IsZero() {
			dev.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

func (s *BoltStore) GetDevice(id uint64) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// DeleteDevice removes a device and its log entries.
func (s *BoltStore) DeleteDevice(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		key := itob(id)
		if b.Get(key) == nil {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		logs := tx.Bucket(bucketLogs)
		if logs != nil && logs.Bucket(key) != nil {
			return logs.DeleteBucket(key)
		}
		return nil
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	return s.listDevices(nil)
}

// ListDevicesByAddress returns every device whose address equals addr.
// Addresses are not unique.
func (s *BoltStore) ListDevicesByAddress(addr string) ([]*Device, error) {
	return s.listDevices(func(d *Device) bool { return d.Address == addr })
}

func (s *BoltStore) listDevices(match func(*Device) bool) ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			if match == nil || match(&dev) {
				devices = append(devices, &dev)
			}
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(id uint64, fn UpdateFunc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		key := itob(id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		entry, err := fn(&dev)
		if err != nil {
			return err
		}
		dev.ID = id
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		entry.DeviceID = id
		return s.appendLog(tx, entry)
	})
}

func (s *BoltStore) AppendLog(entry *LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		devs := tx.Bucket(bucketDevices)
		if devs == nil || devs.Get(itob(entry.DeviceID)) == nil {
			return fmt.Errorf("device %d: %w", entry.DeviceID, ErrNotFound)
		}
		return s.appendLog(tx, entry)
	})
}

// appendLog writes entry under the device's nested bucket and prunes the
// oldest entries beyond the retention window.
func (s *BoltStore) appendLog(tx *bolt.Tx, entry *LogEntry) error {
	logs := tx.Bucket(bucketLogs)
	if logs == nil {
		return fmt.Errorf("bucket %q not found", bucketLogs)
	}
	id, err := logs.NextSequence()
	if err != nil {
		return err
	}
	entry.ID = id

	b, err := logs.CreateBucketIfNotExists(itob(entry.DeviceID))
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := b.Put(itob(id), data); err != nil {
		return err
	}

	// Stats() only sees committed pages, so count through a cursor.
	c := b.Cursor()
	n := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	excess := n - s.retention
	if excess <= 0 {
		return nil
	}
	var stale [][]byte
	for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// DeviceLogs returns up to limit entries for one device, most recent first.
func (s *BoltStore) DeviceLogs(id uint64, limit int) ([]*LogEntry, error) {
	var entries []*LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		devs := tx.Bucket(bucketDevices)
		if devs == nil || devs.Get(itob(id)) == nil {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		logs := tx.Bucket(bucketLogs)
		if logs == nil {
			return nil
		}
		b := logs.Bucket(itob(id))
		if b == nil {
			return nil
		}
		var err error
		entries, err = collectLogs(b, entries, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(entries, limit), nil
}

// RecentLogs returns up to limit entries across all devices that satisfy
// match (nil matches everything), most recent first.
func (s *BoltStore) RecentLogs(limit int, match func(*LogEntry) bool) ([]*LogEntry, error) {
	var entries []*LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		if logs == nil {
			return nil
		}
		return logs.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a nested bucket
			}
			var err error
			entries, err = collectLogs(logs.Bucket(k), entries, match)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(entries, limit), nil
}

func collectLogs(b *bolt.Bucket, dst []*LogEntry, match func(*LogEntry) bool) ([]*LogEntry, error) {
	err := b.ForEach(func(_, v []byte) error {
		var e LogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if match == nil || match(&e) {
			dst = append(dst, &e)
		}
		return nil
	})
	return dst, err
}

func newestFirst(entries []*LogEntry, limit int) []*LogEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[j].Before(entries[i]) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func (s *BoltStore) Simulation() (bool, error) {
	var on bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get(keySimulation)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &on)
	})
	return on, err
}

func (s *BoltStore) SetSimulation(on bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data, err := json.Marshal(on)
		if err != nil {
			return err
		}
		return b.Put(keySimulation, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
