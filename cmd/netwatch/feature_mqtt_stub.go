//go:build no_mqtt

package main

import (
	"log/slog"

	"netwatch/internal/engine"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *engine.Engine, _ *engine.Reconciler, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
