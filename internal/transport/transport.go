// Package transport defines the interface to a BLE lock transport backend.
// Backends: bleproxy (serial BLE gateway) and bluez (Linux D-Bus).
package transport

import (
	"context"
	"time"
)

// Transport is the abstract interface for a BLE radio backend. The radio is a
// single shared resource: discovery, passive monitoring and connections must
// never overlap, and the caller is responsible for enforcing that.
type Transport interface {
	// Active discovery (full scan, all advertisements reported).
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error

	// Passive monitoring (low-duty scan, known devices only). Used between
	// active scans to pick up status/battery flags from advertisements.
	StartMonitor(ctx context.Context) error
	StopMonitor(ctx context.Context) error

	// Device materializes the handle for addr. key is the opaque pairing
	// blob returned by a previous Initialize, nil for an unpaired device.
	// The same address always yields the same underlying handle.
	Device(addr string, key []byte) (Lock, error)

	// Discovery callback, fired for advertisements seen during active
	// discovery and passive monitoring alike.
	OnDiscovered(handler func(Advertisement))

	Close() error
}

// Lock is the handle for one physical lock. All operations can fail or hang
// on a dead radio link; callers wrap every call in a deadline.
type Lock interface {
	Address() string
	Name() string
	Features() Features
	Battery() int
	Connected() bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Initialize pairs the lock and returns the opaque key material the
	// transport needs to reach it again after a restart.
	Initialize(ctx context.Context) ([]byte, error)

	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	OperationLog(ctx context.Context) ([]LogRecord, error)

	// after == 0 disables the auto-lock timer.
	SetAutoLock(ctx context.Context, after time.Duration) error
	SetAudio(ctx context.Context, enabled bool) error

	AddPasscode(ctx context.Context, code string, start, end time.Time) (string, error)
	UpdatePasscode(ctx context.Context, id, code string, start, end time.Time) error
	DeletePasscode(ctx context.Context, id string) error
	Passcodes(ctx context.Context) ([]Passcode, error)

	// AddCard puts the lock in card-scan mode and blocks until a card is
	// presented or ctx expires. Returns the new card identifier.
	AddCard(ctx context.Context, start, end time.Time) (string, error)
	UpdateCard(ctx context.Context, id string, start, end time.Time) error
	DeleteCard(ctx context.Context, id string) error
	Cards(ctx context.Context) ([]Card, error)

	// AddFingerprint works like AddCard but needs several reads of the same
	// finger; progress is reported through Subscribe.
	AddFingerprint(ctx context.Context, start, end time.Time) (string, error)
	UpdateFingerprint(ctx context.Context, id string, start, end time.Time) error
	DeleteFingerprint(ctx context.Context, id string) error
	Fingerprints(ctx context.Context) ([]Fingerprint, error)

	// Reset restores factory state and invalidates the pairing key.
	Reset(ctx context.Context) error

	// Subscribe registers a push-event handler and returns its remover.
	Subscribe(handler func(DeviceEvent)) (cancel func())
}

// Status is the lock bolt state as reported by the device.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusUnlocked Status = "unlocked"
	StatusUnknown  Status = "unknown"
)

// Features describes what a lock model supports, read from device metadata
// during pairing and fixed afterwards.
type Features struct {
	Passcode    bool `json:"passcode"`
	Card        bool `json:"card"`
	Fingerprint bool `json:"fingerprint"`
	Sound       bool `json:"sound"`
}

// Advertisement is one discovery/monitor sighting of a device.
type Advertisement struct {
	Address     string
	Name        string
	RSSI        int
	Initialized bool // false: factory-fresh, can be paired
	Features    Features
	Battery     int

	// Flags from the advertisement payload.
	NewActivity    bool // unread operation-log entries
	StatusChanged  bool // bolt state changed since last connection
	BatteryChanged bool
}

// LogRecord is one raw operation-log entry as stored on the device.
// Code is the record-type from the lock firmware; classification into
// lock/unlock/failed categories happens above the transport.
type LogRecord struct {
	Time       time.Time `json:"time"`
	Code       int       `json:"code"`
	Credential string    `json:"credential,omitempty"` // card/fingerprint/passcode id, when the record carries one
}

// Passcode is a keypad code valid inside [Start, End].
type Passcode struct {
	ID    string    `json:"id"`
	Code  string    `json:"code"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Card is an RFID credential. Alias is filled in above the transport from
// the alias store; the lock itself only knows the identifier.
type Card struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Alias string    `json:"alias,omitempty"`
}

// Fingerprint is a stored fingerprint template reference.
type Fingerprint struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Alias string    `json:"alias,omitempty"`
}

// DeviceEventType identifies a push event from a connected lock.
type DeviceEventType int

const (
	EventConnected DeviceEventType = iota
	EventDisconnected
	EventLocked
	EventUnlocked
	EventUpdated
	EventCardScanStarted
	EventFingerprintScanStarted
	EventFingerprintScanProgress
)

// DeviceEvent is a push notification from a lock while connected.
type DeviceEvent struct {
	Type    DeviceEventType
	Status  Status // for EventLocked/EventUnlocked
	Battery int    // for EventUpdated

	// Fingerprint enrollment progress (reads done / reads needed).
	Current int
	Total   int
}
