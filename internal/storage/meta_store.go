package storage

import (
	"errors"
	"fmt"

	"github.com/thanhnp/pow-ledger/pkg/semver"
)

// ErrIncompatibleVersion is returned when the database was written with another encoding major version
var ErrIncompatibleVersion = errors.New("incompatible encoding version")

var versionKey = []byte("version")

// MetaStore handles database metadata
type MetaStore struct {
	db *PebbleDB
}

// NewMetaStore creates a new MetaStore
func NewMetaStore(db *PebbleDB) *MetaStore {
	return &MetaStore{db: db}
}

// CheckVersion records current as the encoding version of a new database,
// or checks that an existing database shares its major version.
func (s *MetaStore) CheckVersion(current string) error {
	want, err := semver.Parse(current)
	if err != nil {
		return err
	}

	data, err := s.db.Get(CFMeta, versionKey)
	if err != nil {
		return err
	}
	if data == nil {
		return s.db.Put(CFMeta, versionKey, []byte(want.String()))
	}

	stored, err := semver.Parse(string(data))
	if err != nil {
		return fmt.Errorf("failed to parse stored version: %w", err)
	}
	if !stored.Compatible(want) {
		return fmt.Errorf("%w: database has %s, binary uses %s", ErrIncompatibleVersion, stored, want)
	}
	return nil
}

// Stores bundles the stores sharing one database
type Stores struct {
	DB         *PebbleDB
	BlockStore *BlockStore
	MetaStore  *MetaStore
}

// Open opens the database at path and checks its encoding version
func Open(path string, cacheSize int64, blockCacheSize int, encodingVersion string) (*Stores, error) {
	db, err := NewPebbleDB(path, cacheSize)
	if err != nil {
		return nil, err
	}

	blocks, err := NewBlockStore(db, blockCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	meta := NewMetaStore(db)
	if err := meta.CheckVersion(encodingVersion); err != nil {
		db.Close()
		return nil, err
	}

	return &Stores{DB: db, BlockStore: blocks, MetaStore: meta}, nil
}

// Close closes the database
func (s *Stores) Close() error {
	return s.DB.Close()
}
