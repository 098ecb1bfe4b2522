package fleet

import (
	"sync"
	"time"

	"lockhub/internal/transport"
)

// ConnState is the connectivity state of a device.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// Device is the runtime state for one lock, paired or not. The transport
// handle is materialized once per address and owned here, never duplicated.
//
// opMu serializes operations against this address: connect/disconnect
// pairing would be corrupted by interleaved sessions, so callers arriving
// from HTTP, MQTT and automation queue up behind it.
type Device struct {
	addr   string
	handle transport.Lock

	opMu sync.Mutex

	mu         sync.Mutex
	name       string
	paired     bool
	features   transport.Features
	battery    int
	rssi       int
	lastStatus transport.Status
	connState  ConnState
	lastSeen   time.Time

	// reconciler state
	logMark    int
	logCache   []LogEntry
	reconciled bool

	unsub func() // push-event subscription teardown, set while paired
}

func newDevice(addr string, handle transport.Lock) *Device {
	return &Device{
		addr:       addr,
		handle:     handle,
		lastStatus: transport.StatusUnknown,
		connState:  ConnDisconnected,
	}
}

func (d *Device) Address() string { return d.addr }

func (d *Device) setConn(st ConnState) {
	d.mu.Lock()
	d.connState = st
	d.mu.Unlock()
}

func (d *Device) setStatus(st transport.Status) {
	d.mu.Lock()
	d.lastStatus = st
	d.mu.Unlock()
}

func (d *Device) status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastStatus
}

func (d *Device) setBattery(level int) {
	d.mu.Lock()
	d.battery = level
	d.mu.Unlock()
}

func (d *Device) setName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

func (d *Device) setPaired(v bool) {
	d.mu.Lock()
	d.paired = v
	d.mu.Unlock()
}

func (d *Device) isPaired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paired
}

func (d *Device) featureSet() transport.Features {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// touch records an advertisement sighting.
func (d *Device) touch(adv transport.Advertisement) {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.rssi = adv.RSSI
	if adv.Name != "" {
		d.name = adv.Name
	}
	d.mu.Unlock()
}

func (d *Device) isReconciled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconciled
}

// cachedLog returns a copy of the last enriched operation log, nil when no
// fetch has happened yet.
func (d *Device) cachedLog() []LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.logCache == nil {
		return nil
	}
	out := make([]LogEntry, len(d.logCache))
	copy(out, d.logCache)
	return out
}

// DeviceInfo is the JSON snapshot of a device for the API surface.
type DeviceInfo struct {
	Address      string             `json:"address"`
	Name         string             `json:"name,omitempty"`
	Paired       bool               `json:"paired"`
	Connectivity ConnState          `json:"connectivity"`
	Status       transport.Status   `json:"status"`
	Battery      int                `json:"battery,omitempty"`
	Features     transport.Features `json:"features"`
	RSSI         int                `json:"rssi,omitempty"`
	LastSeen     time.Time          `json:"last_seen"`
	QueuedProbe  bool               `json:"queued_probe,omitempty"`
}

// Info snapshots the device for callers. queued reports reconnect-queue
// membership, which lives in the registry.
func (d *Device) Info(queued bool) DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceInfo{
		Address:      d.addr,
		Name:         d.name,
		Paired:       d.paired,
		Connectivity: d.connState,
		Status:       d.lastStatus,
		Battery:      d.battery,
		Features:     d.features,
		RSSI:         d.rssi,
		LastSeen:     d.lastSeen,
		QueuedProbe:  queued,
	}
}
