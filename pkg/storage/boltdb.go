package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/4ier/retire-cluster/pkg/types"
)

var (
	bucketDevices    = []byte("devices")
	bucketTaskEvents = []byte("task_events")
)

// BoltStore implements Store on a single embedded go.etcd.io/bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "coordinator.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDevices, bucketTaskEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveDeviceSnapshot overwrites bucketDevices entirely with the given
// roster, keyed by device_id.
func (s *BoltStore) SaveDeviceSnapshot(devices []types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Clear and rewrite rather than diffing: the snapshot is small
		// (one entry per device) and this keeps the write atomic within
		// a single transaction.
		if err := tx.DeleteBucket(bucketDevices); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketDevices)
		if err != nil {
			return err
		}
		for _, d := range devices {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encoding device %s: %w", d.DeviceID, err)
			}
			if err := b.Put([]byte(d.DeviceID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadDeviceSnapshot returns every persisted device.
func (s *BoltStore) LoadDeviceSnapshot() ([]types.Device, error) {
	var devices []types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(_, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, d)
			return nil
		})
	})
	return devices, err
}

// AppendTaskEvent appends evt to the event log under the next sequence
// number, via BoltDB's built-in auto-increment.
func (s *BoltStore) AppendTaskEvent(evt TaskEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		evt.Sequence = seq
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encoding task event for %s: %w", evt.TaskID, err)
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// TaskEvents returns every event with Sequence > since, in ascending
// order (BoltDB keys sort lexicographically, so fixed-width big-endian
// keys preserve numeric order).
func (s *BoltStore) TaskEvents(since uint64) ([]TaskEvent, error) {
	var events []TaskEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskEvents)
		c := b.Cursor()
		for k, v := c.Seek(sequenceKey(since + 1)); k != nil; k, v = c.Next() {
			var evt TaskEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			events = append(events, evt)
		}
		return nil
	})
	return events, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
