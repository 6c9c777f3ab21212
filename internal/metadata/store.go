package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrCorruptMetadata is returned when the metadata file exists but cannot be decoded.
var ErrCorruptMetadata = errors.New("corrupt metadata")

// Credentials as persisted. The password is never written.
type Credentials struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Descriptor is the last known description of one job.
type Descriptor struct {
	BackupName  string      `json:"backup_name"`
	Status      string      `json:"status"`
	Credentials Credentials `json:"credentials"`
	BackupDir   string      `json:"backup_dir"`
}

// Snapshot maps job name to descriptor.
type Snapshot map[string]Descriptor

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Names returns the job names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Decode parses a snapshot document. Descriptors without backup_name inherit their key.
// Unknown fields, including any password, are dropped by the typed decode.
func Decode(data []byte) (Snapshot, error) {
	var raw map[string]Descriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("snapshot must be a JSON object")
	}
	snap := make(Snapshot, len(raw))
	for name, d := range raw {
		if d.BackupName == "" {
			d.BackupName = name
		}
		snap[name] = d
	}
	return snap, nil
}

// Store is the only writer of the metadata file. It keeps an in-memory copy that
// Get serves without touching disk.
type Store struct {
	path string

	mu      sync.RWMutex
	current Snapshot

	writeMu sync.Mutex
}

// NewStore returns a store bound to path. Nothing is read until Load.
func NewStore(path string) *Store {
	return &Store{path: path, current: Snapshot{}}
}

// Path returns the metadata file location.
func (s *Store) Path() string { return s.path }

// Load reads the file and makes it the in-memory view. A missing file is an empty
// snapshot; an unreadable or malformed one fails with ErrCorruptMetadata and leaves
// the in-memory view untouched.
func (s *Store) Load() (Snapshot, error) {
	snap, err := ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = snap.Clone()
	s.mu.Unlock()
	return snap, nil
}

// ReadFile loads a snapshot from path without a Store, for offline inspection.
func ReadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptMetadata, path, err)
	}
	return snap, nil
}

// Get returns a copy of the in-memory snapshot.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Replace sets the in-memory view and persists it.
func (s *Store) Replace(snap Snapshot) error {
	if err := s.Save(snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = snap.Clone()
	s.mu.Unlock()
	return nil
}

// Save writes snap atomically: temp file in the same directory, fsync, rename.
// Concurrent saves are serialized.
func (s *Store) Save(snap Snapshot) error {
	if snap == nil {
		snap = Snapshot{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	// best-effort: persist the rename itself
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
