//go:build no_mqtt

package main

import (
	"log/slog"

	"lockhub/internal/fleet"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *fleet.Orchestrator, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
