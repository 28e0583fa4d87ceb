// Package bbolt implements the ports.Storage interface using bbolt (embedded B+ tree).
// A single "files" bucket maps canonical file paths to JSON-serialized
// FileState records. Writes are transactional: a crash mid-write cannot
// corrupt previously committed data.
package bbolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/corey/logglance/internal/ports"
)

// Bucket keys
var (
	bucketFiles = []byte("files")
	bucketMeta  = []byte("meta")
	keyVersion  = []byte("version")
)

// schemaVersion is written on open; a store written by a newer schema is
// refused rather than misread.
const schemaVersion = "1"

// Store implements ports.Storage backed by bbolt.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var _ ports.Storage = (*Store)(nil)

// NewStore opens (or creates) a bbolt database at the given path.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keyVersion); v != nil && string(v) != schemaVersion {
			return fmt.Errorf("unsupported state schema %q", v)
		}
		return meta.Put(keyVersion, []byte(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bbolt init %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// SaveFileState persists the state of one file. UpdatedAt is stamped with
// the current time.
func (s *Store) SaveFileState(state *ports.FileState) error {
	if state == nil {
		return errors.New("nil file state")
	}
	if state.Path == "" {
		return errors.New("file state without path")
	}
	rec := *state
	rec.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal file state: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(rec.Path), data)
	})
	if err != nil {
		return fmt.Errorf("save file state %s: %w", rec.Path, err)
	}
	state.UpdatedAt = rec.UpdatedAt
	return nil
}

// LoadFileState retrieves the state of one file.
// Returns nil, nil if the file was never recorded.
func (s *Store) LoadFileState(path string) (*ports.FileState, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		// Copy bytes out of the transaction (bbolt slices are only valid within tx)
		if v := tx.Bucket(bucketFiles).Get([]byte(path)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var st ports.FileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal file state %s: %w", path, err)
	}
	return &st, nil
}

// ListFileStates returns every recorded file, ordered by path.
func (s *Store) ListFileStates() ([]*ports.FileState, error) {
	var out []*ports.FileState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var st ports.FileState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("unmarshal file state %s: %w", k, err)
			}
			out = append(out, &st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteFileState forgets a file.
// Idempotent: deleting an unknown path is not an error.
func (s *Store) DeleteFileState(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(path))
	})
}
