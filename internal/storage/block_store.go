package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"

	"github.com/thanhnp/pow-ledger/internal/models"
)

// ErrOutOfOrder is returned when a saved block does not extend the stored tip
var ErrOutOfOrder = errors.New("block does not extend stored tip")

// DefaultCacheSize is the number of decoded blocks kept in memory by a BlockStore
const DefaultCacheSize = 1024

var tipKey = []byte("tip")

// BlockStore handles block storage operations
type BlockStore struct {
	db    *PebbleDB
	cache *lru.Cache // hash -> *models.Block
}

// NewBlockStore creates a new BlockStore caching up to cacheSize blocks
func NewBlockStore(db *PebbleDB, cacheSize int) (*BlockStore, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}
	return &BlockStore{db: db, cache: cache}, nil
}

func blockHeightKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%020d", height))
}

// Save stores a block and advances the stored tip in one batch
func (s *BlockStore) Save(block *models.Block) error {
	latest, err := s.latestHeight()
	if err != nil {
		return err
	}
	switch {
	case latest < 0 && block.Height != 0:
		return fmt.Errorf("%w: first stored block has height %d", ErrOutOfOrder, block.Height)
	case latest >= 0 && block.Height != uint64(latest)+1:
		return fmt.Errorf("%w: height %d after %d", ErrOutOfOrder, block.Height, latest)
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Destroy()

	if err := s.db.PutBatch(batch, CFBlocks, []byte(block.Hash), data); err != nil {
		return err
	}
	if err := s.db.PutBatch(batch, CFBlocksByHeight, blockHeightKey(block.Height), []byte(block.Hash)); err != nil {
		return err
	}
	if err := s.db.PutBatch(batch, CFMeta, tipKey, []byte(strconv.FormatUint(block.Height, 10))); err != nil {
		return err
	}
	if err := s.db.WriteBatch(batch); err != nil {
		return err
	}

	s.cache.Add(block.Hash, block.Clone())
	return nil
}

// GetByHash retrieves a block by its hash, or nil if unknown
func (s *BlockStore) GetByHash(hash string) (*models.Block, error) {
	if v, ok := s.cache.Get(hash); ok {
		return v.(*models.Block).Clone(), nil
	}

	data, err := s.db.Get(CFBlocks, []byte(hash))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var block models.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	s.cache.Add(hash, block.Clone())
	return &block, nil
}

// GetByHeight retrieves a block by its height, or nil if unknown
func (s *BlockStore) GetByHeight(height uint64) (*models.Block, error) {
	hashData, err := s.db.Get(CFBlocksByHeight, blockHeightKey(height))
	if err != nil {
		return nil, err
	}
	if hashData == nil {
		return nil, nil
	}
	return s.GetByHash(string(hashData))
}

// GetLatest retrieves the stored tip, or nil for an empty store
func (s *BlockStore) GetLatest() (*models.Block, error) {
	height, err := s.latestHeight()
	if err != nil {
		return nil, err
	}
	if height < 0 {
		return nil, nil
	}
	return s.GetByHeight(uint64(height))
}

// LoadAll returns every stored block ordered by height
func (s *BlockStore) LoadAll() ([]*models.Block, error) {
	iter, err := s.db.NewIterator(CFBlocksByHeight)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var blocks []*models.Block
	for ; iter.Valid(); iter.Next() {
		hash := string(iter.Value())
		block, err := s.GetByHash(hash)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return nil, fmt.Errorf("height index references missing block %s", hash)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// latestHeight returns the stored tip height, or -1 if nothing is stored
func (s *BlockStore) latestHeight() (int64, error) {
	data, err := s.db.Get(CFMeta, tipKey)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return -1, nil
	}
	height, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse tip height: %w", err)
	}
	return height, nil
}
