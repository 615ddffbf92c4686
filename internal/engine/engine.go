// Package engine owns device state: it applies observations from the prober
// and from agent reports, keeps the audit log and publishes change events.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"netwatch/internal/metrics"
	"netwatch/internal/store"
)

// DefaultLatencyThresholdMS is the latency swing that makes an unchanged
// status log-worthy.
const DefaultLatencyThresholdMS = 50

// Config holds engine configuration.
type Config struct {
	LatencyThresholdMS int
}

// Engine serializes every mutation of device state through Apply.
type Engine struct {
	store  store.Store
	events *EventBus
	audit  *AuditLog
	logger *slog.Logger
	config Config

	// mu serializes Apply; events are emitted while it is held so
	// subscribers see changes in apply order.
	mu sync.Mutex
}

// New creates an engine over st publishing on events.
func New(st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.LatencyThresholdMS <= 0 {
		cfg.LatencyThresholdMS = DefaultLatencyThresholdMS
	}
	return &Engine{
		store:  st,
		events: events,
		audit:  NewAuditLog(st),
		logger: logger.With("component", "engine"),
		config: cfg,
	}
}

// Store returns the store.
func (e *Engine) Store() store.Store {
	return e.store
}

// Events returns the event bus.
func (e *Engine) Events() *EventBus {
	return e.events
}

// Audit returns the audit log.
func (e *Engine) Audit() *AuditLog {
	return e.audit
}

// Devices returns a snapshot of every device.
func (e *Engine) Devices() ([]*store.Device, error) {
	return e.store.ListDevices()
}

// Device returns one device or an error wrapping store.ErrNotFound.
func (e *Engine) Device(id uint64) (*store.Device, error) {
	return e.store.GetDevice(id)
}

// Apply merges one observation into the store. Status, latency and downtime
// are always refreshed. last_seen moves for every agent observation and never
// for prober verdicts, since the prober's freshness window keys on it. Concurrent observations
// are applied last-write-wins in the order they acquire the engine lock.
func (e *Engine) Apply(obs Observation) (*Outcome, error) {
	if _, ok := store.ParseStatus(string(obs.Status)); !ok {
		return nil, fmt.Errorf("apply device %d: invalid status %q", obs.DeviceID, obs.Status)
	}
	if obs.LatencyMS < 0 {
		obs.LatencyMS = 0
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := &Outcome{}
	err := e.store.UpdateDevice(obs.DeviceID, func(dev *store.Device) (*store.LogEntry, error) {
		out.PreviousStatus = dev.Status
		out.StatusChanged = dev.Status != obs.Status
		out.LatencySignificant = latencyDelta(dev.LatencyMS, obs.LatencyMS) > e.config.LatencyThresholdMS

		dev.DowntimeStart = resolveDowntime(dev.DowntimeStart, obs.Status, obs.ObservedAt)
		dev.Status = obs.Status
		dev.LatencyMS = obs.LatencyMS
		if obs.Source == SourceAgent {
			seen := obs.ObservedAt
			dev.LastSeen = &seen
		}
		out.Device = dev.Clone()

		if !out.logWorthy(obs.Source) {
			return nil, nil
		}
		out.Entry = &store.LogEntry{
			Status:    obs.Status,
			LatencyMS: obs.LatencyMS,
			Timestamp: obs.ObservedAt,
		}
		return out.Entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply device %d: %w", obs.DeviceID, err)
	}

	metrics.ObservationsApplied.WithLabelValues(string(obs.Source), string(obs.Status)).Inc()
	if out.Entry != nil {
		metrics.LogEntriesAppended.Inc()
	}
	if out.StatusChanged {
		e.logger.Info("device status changed",
			"device_id", obs.DeviceID,
			"from", out.PreviousStatus,
			"to", obs.Status,
			"source", obs.Source)
	}

	if out.notifies(obs.Source) {
		e.events.Emit(Event{Type: EventDeviceChanged, Data: DeviceChange{
			DeviceID:      out.Device.ID,
			Status:        out.Device.Status,
			Latency:       out.Device.LatencyMS,
			DowntimeStart: out.Device.DowntimeStart,
			ObservedAt:    obs.ObservedAt,
		}})
		out.Published = true
	}
	return out, nil
}
