//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"lockhub/internal/fleet"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/lock/lockhub_aa_bb.../lock/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery. All entities of one
// lock share it, so HA groups them on a single device card.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload covering the lock and
// sensor entities the bridge publishes.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadLock       string   `json:"payload_lock,omitempty"`
	PayloadUnlock     string   `json:"payload_unlock,omitempty"`
	StateLocked       string   `json:"state_locked,omitempty"`
	StateUnlocked     string   `json:"state_unlocked,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(info fleet.DeviceInfo) string {
	if info.Name != "" {
		return info.Name
	}
	return info.Address
}

// deviceIdentifier returns the unique identifier for the HA device
// registry. Derived from the MAC only, so it survives renames.
func deviceIdentifier(info fleet.DeviceInfo) string {
	return "lockhub_" + sanitizeTopic(info.Address)
}

// deviceTopicName returns the per-device topic segment (friendly name
// or MAC). Renaming a device moves its state and command topics.
func deviceTopicName(info fleet.DeviceInfo) string {
	if info.Name != "" {
		return sanitizeTopic(info.Name)
	}
	return sanitizeTopic(info.Address)
}

// sanitizeTopic lowercases and keeps only chars that are safe in MQTT
// topics and HA object ids. MAC colons become underscores.
func sanitizeTopic(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// buildDiscovery generates HA discovery messages for a paired lock: the
// lock entity itself plus battery and signal sensors fed from the same
// state topic.
func buildDiscovery(info fleet.DeviceInfo, prefix string) []discoveryMsg {
	if !info.Paired {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(info)
	nodeID := deviceIdentifier(info)
	displayName := deviceDisplayName(info)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Name:        displayName,
	}

	msgs := []discoveryMsg{
		buildLock(nodeID, displayName, stateTopic, avail, haDev),
	}

	// Every status report carries a battery level, so all locks get the
	// battery sensor.
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"battery", "Battery", "battery", "%", "measurement",
		"{{ value_json.battery }}"))

	// Signal strength from the most recent advertisement.
	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"rssi", "Signal", "signal_strength", "dBm", "measurement",
		"{{ value_json.rssi }}"))

	return msgs
}

func buildLock(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/lock/%s/lock/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_lock",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/set",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadLock:       "LOCK",
		PayloadUnlock:     "UNLOCK",
		StateLocked:       "LOCKED",
		StateUnlocked:     "UNLOCKED",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove a
// device from HA. Only the address is needed, which is all that is left
// after a factory reset.
func buildRemoveDiscovery(info fleet.DeviceInfo) []discoveryMsg {
	nodeID := deviceIdentifier(info)

	components := []struct{ comp, obj string }{
		{"lock", "lock"},
		{"sensor", "battery"},
		{"sensor", "rssi"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
