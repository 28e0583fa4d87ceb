// Package ports defines the interfaces (contracts) that adapters must implement.
// These are the boundaries of the hexagonal architecture. Domain logic depends
// only on these interfaces, never on concrete implementations.
package ports

import "time"

// Storage persists per-file ingestion state across sessions.
// The backing store (bbolt) keys records by canonical file path. Concurrent
// reads are safe; writes are serialized by the adapter.
//
// Crash safety: SaveFileState must be transactional. A crash mid-write must
// not corrupt previously committed records.
type Storage interface {
	// SaveFileState persists the state of one file, overwriting any prior
	// record for the same path.
	SaveFileState(state *FileState) error

	// LoadFileState retrieves the state of one file.
	// Returns nil, nil if the file was never recorded.
	LoadFileState(path string) (*FileState, error)

	// ListFileStates returns every recorded file, ordered by path.
	ListFileStates() ([]*FileState, error)

	// DeleteFileState forgets a file.
	// Idempotent: deleting an unknown path is not an error.
	DeleteFileState(path string) error

	// Close releases the store.
	Close() error
}

// FileState is the durable part of a tracked file.
type FileState struct {
	Path             string       `json:"path"`
	ForcedEncoding   string       `json:"forced_encoding,omitempty"` // chosen by the user; overrides detection
	DetectedEncoding string       `json:"detected_encoding,omitempty"`
	Offset           int64        `json:"offset"` // last committed line boundary
	Lines            int          `json:"lines"`
	Identity         FileIdentity `json:"identity"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// FileIdentity distinguishes one file object from another at the same path.
// Dev and Ino are zero on platforms that do not expose them.
type FileIdentity struct {
	Dev     uint64    `json:"dev"`
	Ino     uint64    `json:"ino"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// SameFile reports whether a and b name the same underlying file object.
func (a FileIdentity) SameFile(b FileIdentity) bool {
	if a.Ino == 0 && b.Ino == 0 {
		return true
	}
	return a.Dev == b.Dev && a.Ino == b.Ino
}
