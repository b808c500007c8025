// internal/storage/bolt.go
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"waternet-gateway/internal/data"
)

// StateStore persists the state that must survive a restart: playback
// cursor positions and the fault history. Everything else is rebuilt.
type StateStore interface {
	LoadCursors() (map[string]data.CursorState, error)
	SaveCursor(sensorID string, st data.CursorState) error
	LoadFaults() ([]data.FaultRecord, error)
	SaveFaults(recs []data.FaultRecord) error
	Close() error
}

var (
	cursorsBucket = []byte("cursors")
	faultsBucket  = []byte("faults")
	historyKey    = []byte("history")
)

// BoltState is a StateStore backed by a single bbolt file. The fault history
// is stored as one JSON document so the bound and the order are written
// atomically.
type BoltState struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltState, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{cursorsBucket, faultsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	return &BoltState{db: db}, nil
}

func (s *BoltState) LoadCursors() (map[string]data.CursorState, error) {
	out := make(map[string]data.CursorState)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).ForEach(func(k, v []byte) error {
			var st data.CursorState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode cursor %s: %w", k, err)
			}
			out[string(k)] = st
			return nil
		})
	})
	return out, err
}

func (s *BoltState) SaveCursor(sensorID string, st data.CursorState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put([]byte(sensorID), b)
	})
}

func (s *BoltState) LoadFaults() ([]data.FaultRecord, error) {
	var recs []data.FaultRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(faultsBucket).Get(historyKey)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &recs)
	})
	if err != nil {
		return nil, fmt.Errorf("load fault history: %w", err)
	}
	return recs, nil
}

func (s *BoltState) SaveFaults(recs []data.FaultRecord) error {
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(faultsBucket).Put(historyKey, b)
	})
}

func (s *BoltState) Close() error {
	return s.db.Close()
}
