package engine

import (
	"errors"
	"fmt"
	"strings"

	"netwatch/internal/store"
)

// ErrInvalidDevice is returned for registry input that fails validation.
var ErrInvalidDevice = errors.New("invalid device")

// DeviceSpec is the registry input for a new device.
type DeviceSpec struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Category string `json:"category"`
	Location string `json:"location"`
}

// Registry creates and removes devices. It sits beside the engine: new
// devices start unknown with no timestamps and are only mutated by Apply.
type Registry struct {
	store  store.Store
	events *EventBus
}

func NewRegistry(st store.Store, events *EventBus) *Registry {
	return &Registry{store: st, events: events}
}

// AddDevice validates spec and persists a new device.
func (r *Registry) AddDevice(spec DeviceSpec) (*store.Device, error) {
	name := strings.TrimSpace(spec.Name)
	addr := strings.TrimSpace(spec.Address)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidDevice)
	}
	cat, err := store.ParseCategory(spec.Category)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}

	dev := &store.Device{
		Name:     name,
		Address:  addr,
		Category: cat,
		Location: strings.TrimSpace(spec.Location),
		Status:   store.StatusUnknown,
	}
	if err := r.store.CreateDevice(dev); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	r.events.Emit(Event{Type: EventDeviceAdded, Data: dev.Clone()})
	return dev, nil
}

// RemoveDevice deletes a device and its history.
func (r *Registry) RemoveDevice(id uint64) error {
	if err := r.store.DeleteDevice(id); err != nil {
		return err
	}
	r.events.Emit(Event{Type: EventDeviceRemoved, Data: map[string]interface{}{"device_id": id}})
	return nil
}

// SetSimulation persists the simulation flag and announces it.
func (r *Registry) SetSimulation(on bool) error {
	if err := r.store.SetSimulation(on); err != nil {
		return fmt.Errorf("set simulation: %w", err)
	}
	r.events.Emit(Event{Type: EventSimulation, Data: map[string]interface{}{"enabled": on}})
	return nil
}
