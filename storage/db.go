package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	gethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// Ledger state lives in a trie on top of it, so every backend also exposes a
// trie database sharing the same disk handle.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	TrieDB() *triedb.Database
	Close()
}

type backend struct {
	disk   ethdb.Database
	trieDB *triedb.Database
	once   *sync.Once
}

func newBackend(disk ethdb.Database) backend {
	return backend{disk: disk, trieDB: triedb.NewDatabase(disk, nil), once: new(sync.Once)}
}

func (b *backend) Put(key []byte, value []byte) error {
	return b.disk.Put(key, value)
}

func (b *backend) Get(key []byte) ([]byte, error) {
	ok, err := b.disk.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return b.disk.Get(key)
}

func (b *backend) Has(key []byte) (bool, error) {
	return b.disk.Has(key)
}

func (b *backend) TrieDB() *triedb.Database {
	return b.trieDB
}

func (b *backend) Close() {
	b.once.Do(func() {
		_ = b.trieDB.Close()
		_ = b.disk.Close()
	})
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	backend
}

func NewMemDB() *MemDB {
	return &MemDB{backend: newBackend(rawdb.NewMemoryDatabase())}
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	backend
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	kv, err := gethleveldb.NewCustom(path, "lendhelper/db/", func(options *opt.Options) {
		options.ErrorIfMissing = false
		options.OpenFilesCacheCapacity = 64
		options.BlockCacheCapacity = 16 * opt.MiB
		options.WriteBuffer = 8 * opt.MiB
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{backend: newBackend(rawdb.NewDatabase(kv))}, nil
}
