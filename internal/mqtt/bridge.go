//go:build !no_mqtt

// Package mqtt mirrors device state to an MQTT broker, with optional Home
// Assistant discovery, and accepts agent report batches over MQTT.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"netwatch/internal/engine"
	"netwatch/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	Discovery       bool
	DiscoveryPrefix string
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// deviceState is the retained JSON document on <prefix>/devices/<id>/state.
type deviceState struct {
	ID            uint64       `json:"id"`
	Name          string       `json:"name"`
	Address       string       `json:"address"`
	Category      string       `json:"category"`
	Status        store.Status `json:"status"`
	Latency       int          `json:"latency"`
	LastSeen      *time.Time   `json:"last_seen"`
	DowntimeStart *time.Time   `json:"downtime_start"`
}

// Bridge publishes engine events to MQTT and feeds MQTT reports into the
// reconciler.
type Bridge struct {
	client     client
	core       *engine.Engine
	reconciler *engine.Reconciler
	cfg        Config
	logger     *slog.Logger
	unsub      func()
}

func newBridge(core *engine.Engine, rec *engine.Reconciler, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "netwatch"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "netwatch"
	}
	return &Bridge{
		core:       core,
		reconciler: rec,
		cfg:        cfg,
		logger:     logger.With("component", "mqtt"),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(core *engine.Engine, rec *engine.Reconciler, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(core, rec, cfg, logger)
	cfg = b.cfg

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeStateTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to engine events.
func (b *Bridge) Start() {
	b.unsub = b.core.Events().OnAll("mqtt", b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix, "discovery", b.cfg.Discovery)
}

// Stop publishes offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connect: announce, republish state and
// resubscribe, since the broker may have lost both.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishAll()

	topic := reportTopic(b.cfg.TopicPrefix)
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if msg.Retained() {
			b.logger.Debug("ignoring retained report", "topic", msg.Topic())
			return
		}
		b.handleReport(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			b.logger.Warn("MQTT subscribe failed", "topic", topic, "err", token.Error())
		}
	}()
}

func (b *Bridge) handleEvent(event engine.Event) {
	switch event.Type {
	case engine.EventDeviceChanged:
		if d, ok := event.Data.(engine.DeviceChange); ok {
			b.publishDeviceByID(d.DeviceID)
		}
	case engine.EventDeviceAdded:
		if dev, ok := event.Data.(*store.Device); ok {
			b.publishDiscovery(dev)
			b.publishState(dev)
		}
	case engine.EventDeviceRemoved:
		if data, ok := event.Data.(map[string]interface{}); ok {
			if id, ok := data["device_id"].(uint64); ok {
				b.removeDevice(id)
			}
		}
	case engine.EventSimulation:
		if data, ok := event.Data.(map[string]interface{}); ok {
			on, _ := data["enabled"].(bool)
			b.publish(b.cfg.TopicPrefix+"/bridge/simulation", []byte(strconv.FormatBool(on)), true)
		}
	}
}

// handleReport ingests a batch received on <prefix>/report.
func (b *Bridge) handleReport(payload []byte) {
	res, err := b.reconciler.IngestJSON(payload)
	switch {
	case errors.Is(err, engine.ErrInvalidBatch):
		b.logger.Warn("invalid MQTT report", "err", err)
	case err != nil:
		b.logger.Error("ingest MQTT report", "err", err, "received", res.Received)
	default:
		b.logger.Debug("MQTT report ingested",
			"received", res.Received, "applied", res.Applied,
			"skipped", res.Skipped, "unmatched", res.Unmatched)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(bridgeStateTopic(b.cfg.TopicPrefix), []byte(state), true)
}

func (b *Bridge) publishAll() {
	devices, err := b.core.Devices()
	if err != nil {
		b.logger.Error("list devices for publish", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDiscovery(dev)
		b.publishState(dev)
	}
}

func (b *Bridge) publishDeviceByID(id uint64) {
	dev, err := b.core.Device(id)
	if err != nil {
		// Removed between the event and now; device_removed clears it.
		b.logger.Debug("device state unavailable", "device_id", id, "err", err)
		return
	}
	b.publishState(dev)
}

func (b *Bridge) publishState(dev *store.Device) {
	b.publish(stateTopic(b.cfg.TopicPrefix, dev.ID), mustJSON(deviceState{
		ID:            dev.ID,
		Name:          dev.Name,
		Address:       dev.Address,
		Category:      string(dev.Category),
		Status:        dev.Status,
		Latency:       dev.LatencyMS,
		LastSeen:      dev.LastSeen,
		DowntimeStart: dev.DowntimeStart,
	}), true)
}

func (b *Bridge) publishDiscovery(dev *store.Device) {
	if !b.cfg.Discovery {
		return
	}
	for _, msg := range buildDiscovery(dev, b.cfg.TopicPrefix, b.cfg.DiscoveryPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Debug("published HA discovery", "device_id", dev.ID, "name", dev.Name)
}

func (b *Bridge) removeDevice(id uint64) {
	if b.cfg.Discovery {
		for _, msg := range buildRemoveDiscovery(id, b.cfg.DiscoveryPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	// An empty retained message deletes the retained state.
	b.publish(stateTopic(b.cfg.TopicPrefix, id), []byte(nil), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
