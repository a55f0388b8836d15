// Package storage persists the identifier of the paired remote device so it
// survives process restarts.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// DefaultNamespace prefixes every key written by this package.
const DefaultNamespace = "ambianic-pnp"

// ErrNotFound is returned when no remote peer id has been remembered.
var ErrNotFound = errors.New("storage: remote peer id not found")

// Store is a durable single-entry key-value adapter backed by LevelDB.
type Store struct {
	mu  sync.Mutex
	db  *leveldb.DB
	key []byte
}

// Open opens (or creates) the database under datadir.
func Open(datadir, namespace string) (*Store, error) {
	db, err := leveldb.OpenFile(filepath.Join(datadir, "ldb"), &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return newStore(db, namespace), nil
}

// OpenMemory returns a Store that lives only as long as the process.
func OpenMemory(namespace string) (*Store, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory storage: %w", err)
	}
	return newStore(db, namespace), nil
}

func newStore(db *leveldb.DB, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{db: db, key: []byte(RemotePeerIDKey(namespace))}
}

// RemotePeerIDKey is the fixed key the remote id is stored under.
func RemotePeerIDKey(namespace string) string {
	return namespace + ".remotePeerId"
}

// RemotePeerID returns the remembered id or ErrNotFound.
func (s *Store) RemotePeerID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", leveldb.ErrClosed
	}
	blob, err := s.db.Get(s.key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read remote peer id: %w", err)
	}
	if len(blob) == 0 {
		return "", ErrNotFound
	}
	return string(blob), nil
}

// SetRemotePeerID remembers id, replacing any previous value.
func (s *Store) SetRemotePeerID(id string) error {
	if id == "" {
		return errors.New("storage: empty remote peer id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return leveldb.ErrClosed
	}
	if err := s.db.Put(s.key, []byte(id), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write remote peer id: %w", err)
	}
	return nil
}

// RemoveRemotePeerID forgets the remembered id. Removing an absent id is
// not an error.
func (s *Store) RemoveRemotePeerID() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return leveldb.ErrClosed
	}
	if err := s.db.Delete(s.key, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("delete remote peer id: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
