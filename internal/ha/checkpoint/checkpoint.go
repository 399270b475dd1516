// Package checkpoint persists a diagnostic snapshot of role, epoch, confirm
// offset and effective ISR after every state transition. It is purely
// informational: on restart the authoritative state is rebuilt from the
// epoch file (C1) and a fresh role assignment from the supervisor, never
// from this store.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	snapshotsBucket = []byte("snapshots")
	latestKey       = []byte("latest")
)

// Snapshot is one point-in-time diagnostic record.
type Snapshot struct {
	SequenceNumber uint64   `json:"sequenceNumber"`
	Role           string   `json:"role"`
	LastEpoch      uint32   `json:"lastEpoch"`
	ConfirmOffset  int64    `json:"confirmOffset"`
	EffectiveISR   []string `json:"effectiveIsr"`
}

// Store is a bbolt-backed append log of Snapshots plus a fast-path pointer
// to the latest one.
type Store struct {
	db  *bbolt.DB
	seq uint64
}

// Open creates (or reuses) the bucket layout at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.loadLastSequence(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) loadLastSequence() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if len(k) != 8 { // skip the "latest" alias key
				continue
			}
			s.seq = binary.BigEndian.Uint64(k)
			return nil
		}
		return nil
	})
}

// Record appends a new snapshot, stamping it with the next sequence
// number, and updates the latest pointer.
func (s *Store) Record(snap Snapshot) error {
	s.seq++
	snap.SequenceNumber = s.seq

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal checkpoint snapshot: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, s.seq)
		if err := b.Put(key, data); err != nil {
			return err
		}
		return b.Put(latestKey, data)
	})
}

// Latest returns the most recently recorded snapshot, or ok=false if none
// has been recorded yet.
func (s *Store) Latest() (Snapshot, bool, error) {
	var snap Snapshot
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		data := b.Get(latestKey)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	return snap, found, err
}

// History returns every recorded snapshot in sequence order, oldest first.
func (s *Store) History() ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 { // skip the "latest" alias key
				return nil
			}
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}
