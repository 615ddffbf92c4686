package engine

import (
	"time"

	"netwatch/internal/store"
)

// Source identifies who produced an observation.
type Source string

const (
	SourceProber Source = "prober"
	SourceAgent  Source = "agent"
)

// Observation is a single status and latency reading for one device.
type Observation struct {
	DeviceID   uint64
	Status     store.Status
	LatencyMS  int
	ObservedAt time.Time
	Source     Source
}

// Outcome describes what Apply did to a device.
type Outcome struct {
	Device             *store.Device // state after mutation
	PreviousStatus     store.Status
	StatusChanged      bool
	LatencySignificant bool
	Entry              *store.LogEntry // nil when nothing was logged
	Published          bool
}

// logWorthy reports whether the outcome warrants an audit entry. The prober
// only records transitions; agents also record latency swings because they
// are the only source that measures latency.
func (o *Outcome) logWorthy(src Source) bool {
	if o.StatusChanged {
		return true
	}
	return src == SourceAgent && o.LatencySignificant
}

// notifies reports whether subscribers hear about the outcome. Agent
// reports always publish a fresh snapshot; probes publish only transitions.
func (o *Outcome) notifies(src Source) bool {
	return src == SourceAgent || o.StatusChanged
}

// resolveDowntime returns the downtime start a device should carry after
// moving to status at observedAt.
func resolveDowntime(current *time.Time, status store.Status, observedAt time.Time) *time.Time {
	if status != store.StatusOffline {
		return nil
	}
	if current != nil {
		t := *current
		return &t
	}
	t := observedAt
	return &t
}

func latencyDelta(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
