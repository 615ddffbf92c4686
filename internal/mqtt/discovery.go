//go:build !no_mqtt

package mqtt

import (
	"strconv"
	"strings"

	"netwatch/internal/store"
)

const defaultDiscoveryPrefix = "homeassistant"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/netwatch_3/connectivity/config"
	Payload []byte // JSON, nil means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// haDiscovery is the subset of HA discovery fields netwatch publishes.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(id uint64) string {
	return "netwatch_" + strconv.FormatUint(id, 10)
}

// stateTopic is where a device's retained state lives.
func stateTopic(prefix string, id uint64) string {
	return prefix + "/devices/" + strconv.FormatUint(id, 10) + "/state"
}

func bridgeStateTopic(prefix string) string {
	return prefix + "/bridge/state"
}

func reportTopic(prefix string) string {
	return prefix + "/report"
}

// displayName falls back to the address for unnamed devices.
func displayName(dev *store.Device) string {
	if name := strings.TrimSpace(dev.Name); name != "" {
		return name
	}
	return dev.Address
}

// buildDiscovery returns a connectivity binary_sensor and a latency sensor
// for dev.
func buildDiscovery(dev *store.Device, prefix, discoveryPrefix string) []discoveryMsg {
	if discoveryPrefix == "" {
		discoveryPrefix = defaultDiscoveryPrefix
	}
	nodeID := deviceIdentifier(dev.ID)
	name := displayName(dev)
	haDev := haDevice{
		Identifiers:   []string{nodeID},
		Manufacturer:  "netwatch",
		Model:         string(dev.Category),
		Name:          name,
		SuggestedArea: dev.Location,
	}
	state := stateTopic(prefix, dev.ID)
	avail := bridgeStateTopic(prefix)

	connectivity := haDiscovery{
		Name:              name + " Connectivity",
		UniqueID:          nodeID + "_connectivity",
		StateTopic:        state,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.status }}",
		DeviceClass:       "connectivity",
		PayloadOn:         string(store.StatusOnline),
		PayloadOff:        string(store.StatusOffline),
		Device:            haDev,
	}
	latency := haDiscovery{
		Name:              name + " Latency",
		UniqueID:          nodeID + "_latency",
		StateTopic:        state,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.latency }}",
		UnitOfMeasurement: "ms",
		StateClass:        "measurement",
		Icon:              "mdi:timer-outline",
		Device:            haDev,
	}

	return []discoveryMsg{
		{Topic: discoveryPrefix + "/binary_sensor/" + nodeID + "/connectivity/config", Payload: mustJSON(connectivity)},
		{Topic: discoveryPrefix + "/sensor/" + nodeID + "/latency/config", Payload: mustJSON(latency)},
	}
}

// buildRemoveDiscovery clears the retained discovery configs for a device.
func buildRemoveDiscovery(id uint64, discoveryPrefix string) []discoveryMsg {
	if discoveryPrefix == "" {
		discoveryPrefix = defaultDiscoveryPrefix
	}
	nodeID := deviceIdentifier(id)
	return []discoveryMsg{
		{Topic: discoveryPrefix + "/binary_sensor/" + nodeID + "/connectivity/config"},
		{Topic: discoveryPrefix + "/sensor/" + nodeID + "/latency/config"},
	}
}
