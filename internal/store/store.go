package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Paired device records
	SaveDevice(dev *Device) error
	GetDevice(addr string) (*Device, error)
	DeleteDevice(addr string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(addr string, fn func(dev *Device) error) error

	// Human aliases for card credentials, keyed by card identifier.
	SetCardAlias(id, alias string) error
	CardAlias(id string) (string, error)
	DeleteCardAlias(id string) error

	// Human aliases for fingerprint credentials, keyed by template identifier.
	SetFingerprintAlias(id, alias string) error
	FingerprintAlias(id string) (string, error)
	DeleteFingerprintAlias(id string) error

	// Close the store
	Close() error
}
