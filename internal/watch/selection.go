package watch

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	stateBucket  = []byte("watch")
	selectionKey = []byte("selected")
)

// BoltSelection keeps the selected device id in a small bbolt file so the
// selection survives restarts.
type BoltSelection struct {
	db *bolt.DB
}

func OpenSelection(path string) (*BoltSelection, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open selection store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init selection store: %w", err)
	}
	return &BoltSelection{db: db}, nil
}

func (s *BoltSelection) LoadSelection() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get(selectionKey); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

func (s *BoltSelection) SaveSelection(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(selectionKey, []byte(deviceID))
	})
}

func (s *BoltSelection) Close() error {
	return s.db.Close()
}
