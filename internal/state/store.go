package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketEndpoints = []byte("endpoints")

// Store defines the interface for record storage.
type Store interface {
	Load() (Records, error)
	Save(records Records) error
	Close() error
}

// Backend names accepted by NewStore.
const (
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// NewStore opens the store for backend at path.
func NewStore(backend, path string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(path), nil
	case BackendBolt:
		return NewBoltStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.NewConfigError("store.backend", fmt.Sprintf("unknown store backend %q", backend), nil)
	}
}

// FileStore keeps all records in one JSON document.
type FileStore struct {
	path string
}

// NewFileStore creates a new file-based record store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the document path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the document. A missing file is an empty store; a malformed one is an error.
func (s *FileStore) Load() (Records, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(Records), nil
		}
		return nil, errors.NewStoreError(s.path, "load", err)
	}

	records, err := DecodeRecords(data)
	if err != nil {
		return nil, errors.NewStoreError(s.path, "load", fmt.Errorf("endpoint file is not valid JSON: %w", err))
	}
	return records, nil
}

// Save rewrites the document through a temporary file and rename.
func (s *FileStore) Save(records Records) error {
	data, err := records.Encode()
	if err != nil {
		return errors.NewStoreError(s.path, "save", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewStoreError(s.path, "save", fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.NewStoreError(s.path, "save", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewStoreError(s.path, "save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewStoreError(s.path, "save", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return errors.NewStoreError(s.path, "save", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.NewStoreError(s.path, "save", err)
	}
	return nil
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error {
	return nil
}

// BoltStore keeps one record per key in a BoltDB bucket.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) a BoltDB-backed record store.
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewStoreError(path, "open", fmt.Errorf("failed to create directory: %w", err))
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.NewStoreError(path, "open", fmt.Errorf("failed to open database: %w", err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEndpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.NewStoreError(path, "open", fmt.Errorf("failed to create bucket: %w", err))
	}

	return &BoltStore{db: db, path: path}, nil
}

// Load reads every record in the bucket.
func (s *BoltStore) Load() (Records, error) {
	records := make(Records)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			records[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, errors.NewStoreError(s.path, "load", err)
	}
	return records, nil
}

// Save replaces the bucket contents with records in one transaction.
func (s *BoltStore) Save(records Records) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if _, ok := records[string(k)]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		for _, name := range records.Names() {
			data, err := records[name].MarshalJSON()
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", name, err)
			}
			if err := b.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewStoreError(s.path, "save", err)
	}
	return nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a fresh copy of the stored records.
func (s *MemoryStore) Load() (Records, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return make(Records), nil
	}
	return DecodeRecords(s.data)
}

// Save stores a serialized snapshot of records.
func (s *MemoryStore) Save(records Records) error {
	data, err := records.Encode()
	if err != nil {
		return errors.NewStoreError("memory", "save", err)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Bytes returns the last saved document.
func (s *MemoryStore) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func decodeRecord(data []byte) (*EndpointAnalysis, error) {
	var rec EndpointAnalysis
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
