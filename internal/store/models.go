package store

import "time"

// Device represents a paired lock.
// Key holds the transport's opaque pairing material and is hidden from
// API/JSON serialization via json:"-"; it is round-tripped unmodified.
type Device struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	Key         []byte    `json:"-"`
	Passcode    bool      `json:"passcode"`
	Card        bool      `json:"card"`
	Fingerprint bool      `json:"fingerprint"`
	Sound       bool      `json:"sound"`
	Battery     int       `json:"battery,omitempty"`
	LastStatus  string    `json:"last_status,omitempty"`
	LogMark     int       `json:"log_mark,omitempty"`
	PairedAt    time.Time `json:"paired_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// deviceStorage is the internal struct used for DB serialization,
// preserving the pairing key on disk.
type deviceStorage struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	Key         []byte    `json:"key,omitempty"`
	Passcode    bool      `json:"passcode"`
	Card        bool      `json:"card"`
	Fingerprint bool      `json:"fingerprint"`
	Sound       bool      `json:"sound"`
	Battery     int       `json:"battery,omitempty"`
	LastStatus  string    `json:"last_status,omitempty"`
	LogMark     int       `json:"log_mark,omitempty"`
	PairedAt    time.Time `json:"paired_at"`
	LastSeen    time.Time `json:"last_seen"`
}

func toStorage(dev *Device) *deviceStorage {
	return &deviceStorage{
		Address:     dev.Address,
		Name:        dev.Name,
		Key:         dev.Key,
		Passcode:    dev.Passcode,
		Card:        dev.Card,
		Fingerprint: dev.Fingerprint,
		Sound:       dev.Sound,
		Battery:     dev.Battery,
		LastStatus:  dev.LastStatus,
		LogMark:     dev.LogMark,
		PairedAt:    dev.PairedAt,
		LastSeen:    dev.LastSeen,
	}
}

func fromStorage(st *deviceStorage) *Device {
	return &Device{
		Address:     st.Address,
		Name:        st.Name,
		Key:         st.Key,
		Passcode:    st.Passcode,
		Card:        st.Card,
		Fingerprint: st.Fingerprint,
		Sound:       st.Sound,
		Battery:     st.Battery,
		LastStatus:  st.LastStatus,
		LogMark:     st.LogMark,
		PairedAt:    st.PairedAt,
		LastSeen:    st.LastSeen,
	}
}
