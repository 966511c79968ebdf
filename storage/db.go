package storage

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// This allows the engine to use any database backend (in-memory or persistent).
type Database interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	// NewBatch returns a write batch that is applied atomically by Write.
	NewBatch() Batch
	Close() error
}

// Batch accumulates writes that are flushed to the backing database in a
// single atomic operation.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Len() int
	Write() error
	Reset()
}

// --- In-Memory DB (for testing) ---

// MemDB is an in-memory database built on goleveldb's skiplist. It is safe for
// concurrent use.
type MemDB struct {
	db *memdb.DB
}

func NewMemDB() *MemDB {
	return &MemDB{db: memdb.New(comparer.DefaultComparer, 0)}
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	value, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, memdb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return append([]byte(nil), value...), nil
}

func (m *MemDB) Has(key []byte) (bool, error) {
	return m.db.Contains(key), nil
}

func (m *MemDB) Put(key []byte, value []byte) error {
	return m.db.Put(key, value)
}

func (m *MemDB) Delete(key []byte) error {
	if err := m.db.Delete(key); err != nil && !errors.Is(err, memdb.ErrNotFound) {
		return err
	}
	return nil
}

func (m *MemDB) NewBatch() Batch {
	return &levelBatch{batch: new(leveldb.Batch), write: func(b *leveldb.Batch) error {
		return b.Replay(memReplay{db: m})
	}}
}

// Len reports the number of live keys held in memory.
func (m *MemDB) Len() int {
	return m.db.Len()
}

// Close satisfies the Database interface for MemDB.
func (m *MemDB) Close() error {
	m.db.Reset()
	return nil
}

type memReplay struct {
	db *MemDB
}

func (r memReplay) Put(key, value []byte) {
	_ = r.db.Put(key, value)
}

func (r memReplay) Delete(key []byte) {
	_ = r.db.Delete(key)
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Get retrieves a value for a given key.
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (l *LevelDB) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

// Put inserts or updates a key-value pair.
func (l *LevelDB) Put(key []byte, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{batch: new(leveldb.Batch), write: func(b *leveldb.Batch) error {
		return l.db.Write(b, &opt.WriteOptions{Sync: true})
	}}
}

// Close closes the database connection.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	batch *leveldb.Batch
	write func(*leveldb.Batch) error
}

func (b *levelBatch) Put(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *levelBatch) Len() int              { return b.batch.Len() }
func (b *levelBatch) Reset()                { b.batch.Reset() }

func (b *levelBatch) Write() error {
	if b.batch.Len() == 0 {
		return nil
	}
	return b.write(b.batch)
}
