package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices   = []byte("devices")
	bucketCardAlias = []byte("card_aliases")
	bucketFPAlias   = []byte("fingerprint_aliases")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketCardAlias, bucketFPAlias} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(toStorage(dev))
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.Address), data)
	})
}

func (s *BoltStore) GetDevice(addr string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(addr))
		if data == nil {
			return fmt.Errorf("device %s: %w", addr, ErrNotFound)
		}
		var st deviceStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		dev = fromStorage(&st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *BoltStore) DeleteDevice(addr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(addr))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st deviceStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			devices = append(devices, fromStorage(&st))
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(addr string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(addr))
		if data == nil {
			return fmt.Errorf("device %s: %w", addr, ErrNotFound)
		}
		var st deviceStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		dev := fromStorage(&st)
		if err := fn(dev); err != nil {
			return err
		}
		out, err := json.Marshal(toStorage(dev))
		if err != nil {
			return err
		}
		return b.Put([]byte(addr), out)
	})
}

func (s *BoltStore) SetCardAlias(id, alias string) error {
	return s.setAlias(bucketCardAlias, id, alias)
}

func (s *BoltStore) CardAlias(id string) (string, error) {
	return s.getAlias(bucketCardAlias, id)
}

func (s *BoltStore) DeleteCardAlias(id string) error {
	return s.deleteAlias(bucketCardAlias, id)
}

func (s *BoltStore) SetFingerprintAlias(id, alias string) error {
	return s.setAlias(bucketFPAlias, id, alias)
}

func (s *BoltStore) FingerprintAlias(id string) (string, error) {
	return s.getAlias(bucketFPAlias, id)
}

func (s *BoltStore) DeleteFingerprintAlias(id string) error {
	return s.deleteAlias(bucketFPAlias, id)
}

func (s *BoltStore) setAlias(bucket []byte, id, alias string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Put([]byte(id), []byte(alias))
	})
}

func (s *BoltStore) getAlias(bucket []byte, id string) (string, error) {
	var alias string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alias %s: %w", id, ErrNotFound)
		}
		alias = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return alias, nil
}

func (s *BoltStore) deleteAlias(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
