//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"lockhub/internal/fleet"
	"lockhub/internal/transport"
)

// commandTimeout bounds a broker-initiated lock or unlock, including the
// wait for the radio and the connection handshake.
const commandTimeout = 30 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the lock fleet to MQTT with HA autodiscovery. State is
// published retained per device; LOCK/UNLOCK commands arrive on the
// per-device set topic and are forwarded to the orchestrator.
type Bridge struct {
	client pahomqtt.Client
	orch   *fleet.Orchestrator
	prefix string
	logger *slog.Logger
	unsub  func()

	// Last published topic segment per address, kept so renames and
	// resets can clean up the old retained topics.
	mu     sync.Mutex
	topics map[string]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(orch *fleet.Orchestrator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		orch:   orch,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		topics: make(map[string]string),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("lockhub").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to fleet events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.orch.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event fleet.Event) {
	data, _ := event.Data.(map[string]interface{})
	addr, _ := data["address"].(string)

	switch event.Type {
	case fleet.EventDeviceLocked, fleet.EventDeviceUnlocked, fleet.EventDeviceConnected:
		if addr != "" {
			b.publishDeviceState(addr)
		}
	case fleet.EventDeviceUpdated:
		if addr == "" {
			return
		}
		if _, renamed := data["name"]; renamed {
			b.handleRename(addr)
			return
		}
		b.publishDeviceState(addr)
	case fleet.EventDevicePaired:
		if addr != "" {
			b.handlePaired(addr)
		}
	case fleet.EventDeviceListChanged:
		reason, _ := data["reason"].(string)
		if reason == "reset" && addr != "" {
			b.handleRemoved(addr)
		}
	}
}

func (b *Bridge) handlePaired(addr string) {
	info, err := b.orch.Device(addr)
	if err != nil {
		return
	}
	b.publishDeviceDiscovery(info)
	b.subscribeDeviceCommands(info)
	b.publishState(info)
}

// handleRename republishes discovery and moves the command subscription:
// the topic segment follows the friendly name, so the old retained state
// must be cleared and the old set topic dropped.
func (b *Bridge) handleRename(addr string) {
	info, err := b.orch.Device(addr)
	if err != nil {
		return
	}

	b.mu.Lock()
	old := b.topics[addr]
	b.mu.Unlock()

	if next := deviceTopicName(info); old != "" && old != next {
		b.client.Unsubscribe(b.prefix + "/" + old + "/set")
		b.publish(b.prefix+"/"+old, nil, true)
	}

	b.publishDeviceDiscovery(info)
	b.subscribeDeviceCommands(info)
	b.publishState(info)
}

// handleRemoved tears the device out of HA after a factory reset. By the
// time the event fires the registry no longer knows the device, so the
// retained topics are resolved from the bridge's own bookkeeping.
func (b *Bridge) handleRemoved(addr string) {
	for _, msg := range buildRemoveDiscovery(fleet.DeviceInfo{Address: addr}) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.mu.Lock()
	name, ok := b.topics[addr]
	delete(b.topics, addr)
	b.mu.Unlock()

	if ok {
		b.client.Unsubscribe(b.prefix + "/" + name + "/set")
		b.publish(b.prefix+"/"+name, nil, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, info := range b.orch.Devices() {
		b.publishDeviceDiscovery(info)
	}
}

func (b *Bridge) publishAllStates() {
	for _, info := range b.orch.Devices() {
		b.publishState(info)
	}
}

func (b *Bridge) publishDeviceDiscovery(info fleet.DeviceInfo) {
	for _, msg := range buildDiscovery(info, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "address", info.Address, "name", deviceDisplayName(info))
}

func (b *Bridge) publishDeviceState(addr string) {
	info, err := b.orch.Device(addr)
	if err != nil {
		return
	}
	b.publishState(info)
}

func (b *Bridge) publishState(info fleet.DeviceInfo) {
	state := map[string]any{
		"state":        haLockState(info.Status),
		"connectivity": string(info.Connectivity),
	}
	if info.Battery > 0 {
		state["battery"] = info.Battery
	}
	if info.RSSI != 0 {
		state["rssi"] = info.RSSI
	}
	if !info.LastSeen.IsZero() {
		state["last_seen"] = info.LastSeen.Format(time.RFC3339)
	}

	b.publish(b.prefix+"/"+deviceTopicName(info), mustJSON(state), true)
}

func (b *Bridge) subscribeCommands() {
	for _, info := range b.orch.Devices() {
		b.subscribeDeviceCommands(info)
	}
}

func (b *Bridge) subscribeDeviceCommands(info fleet.DeviceInfo) {
	name := deviceTopicName(info)
	addr := info.Address

	b.mu.Lock()
	b.topics[addr] = name
	b.mu.Unlock()

	b.client.Subscribe(b.prefix+"/"+name+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(addr, msg.Payload())
	})
}

// handleCommand forwards a LOCK or UNLOCK payload to the orchestrator.
// The resulting state change comes back through the event bus, so no
// state is published here.
func (b *Bridge) handleCommand(addr string, payload []byte) {
	cmd := strings.ToUpper(strings.TrimSpace(string(payload)))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case "LOCK":
		err = b.orch.Lock(ctx, addr)
	case "UNLOCK":
		err = b.orch.Unlock(ctx, addr)
	default:
		b.logger.Warn("unknown lock command", "address", addr, "payload", string(payload))
		return
	}
	if err != nil {
		b.logger.Warn("lock command failed", "address", addr, "cmd", cmd, "err", err)
	}
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

// haLockState maps a reconciled lock status to the HA lock entity state.
func haLockState(st transport.Status) string {
	switch st {
	case transport.StatusLocked:
		return "LOCKED"
	case transport.StatusUnlocked:
		return "UNLOCKED"
	default:
		return "UNKNOWN"
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
