package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/models"
)

// ErrInvalidChain is returned when a sequence of blocks breaks the chain invariants
var ErrInvalidChain = errors.New("invalid chain")

// Constructor mines a block on top of a predecessor digest
type Constructor interface {
	Construct(ctx context.Context, payload []byte, prevHash string, height uint64) (*models.Block, error)
}

// Verifier checks a block's proof of work independently of the miner
type Verifier func(b *models.Block) error

// Chain is an append-only sequence of blocks rooted at a genesis block
type Chain struct {
	constructor Constructor

	// appendMu gives a single writer exclusive access to the tail while it mines.
	appendMu sync.Mutex

	mu     sync.RWMutex
	blocks []*models.Block
	byHash map[string]int
}

// New creates a chain holding a freshly mined genesis block
func New(ctx context.Context, c Constructor) (*Chain, error) {
	genesis, err := c.Construct(ctx, []byte(models.GenesisPayload), "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mine genesis block: %w", err)
	}
	log.Printf("[chain] Genesis block mined: %s", genesis.Hash)

	return &Chain{
		constructor: c,
		blocks:      []*models.Block{genesis},
		byHash:      map[string]int{genesis.Hash: 0},
	}, nil
}

// NewWithRetry is New, but mines genesis again with a fresh timestamp when
// the nonce space is exhausted, up to retries more times.
func NewWithRetry(ctx context.Context, c Constructor, retries int) (*Chain, error) {
	for attempt := 0; ; attempt++ {
		ch, err := New(ctx, c)
		if err == nil || !errors.Is(err, miner.ErrNonceExhausted) || attempt >= retries {
			return ch, err
		}
		log.Printf("[chain] Genesis nonce space exhausted, retrying with a fresh timestamp (attempt %d/%d)", attempt+1, retries)
	}
}

// Restore rebuilds a chain from previously mined blocks, ordered by height.
// Every block is checked with verify and against the linkage invariant.
func Restore(c Constructor, blocks []*models.Block, verify Verifier) (*Chain, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks to restore", ErrInvalidChain)
	}
	if err := validate(blocks, verify); err != nil {
		return nil, err
	}

	ch := &Chain{
		constructor: c,
		blocks:      make([]*models.Block, 0, len(blocks)),
		byHash:      make(map[string]int, len(blocks)),
	}
	for i, b := range blocks {
		ch.blocks = append(ch.blocks, b.Clone())
		ch.byHash[b.Hash] = i
	}
	return ch, nil
}

// Append mines a block for payload on top of the current tip and pushes it.
// On error the chain is left unchanged.
func (c *Chain) Append(ctx context.Context, payload []byte) (*models.Block, error) {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	tip := c.Tip()
	block, err := c.constructor.Construct(ctx, payload, tip.Hash, tip.Height+1)
	if err != nil {
		return nil, err
	}
	if block.PreviousHash != tip.Hash {
		return nil, fmt.Errorf("%w: block %s does not link to tip %s", ErrInvalidChain, block.Hash, tip.Hash)
	}

	c.mu.Lock()
	c.blocks = append(c.blocks, block)
	c.byHash[block.Hash] = len(c.blocks) - 1
	c.mu.Unlock()

	log.Printf("[chain] Appended block %d: %s (nonce %d)", block.Height, block.Hash, block.Nonce)
	return block.Clone(), nil
}

// Len returns the number of blocks including genesis
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Tip returns the most recently appended block
func (c *Chain) Tip() *models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Clone()
}

// Genesis returns the first block
func (c *Chain) Genesis() *models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[0].Clone()
}

// BlockAt returns the block at index i, or nil when out of range
func (c *Chain) BlockAt(i int) *models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.blocks) {
		return nil
	}
	return c.blocks[i].Clone()
}

// BlockByHash returns the block with the given digest, or nil if unknown
func (c *Chain) BlockByHash(hash string) *models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byHash[hash]
	if !ok {
		return nil
	}
	return c.blocks[i].Clone()
}

// Blocks returns a copy of the whole chain
func (c *Chain) Blocks() []*models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Block, len(c.blocks))
	for i, b := range c.blocks {
		out[i] = b.Clone()
	}
	return out
}

// Verify re-checks every block of the chain
func (c *Chain) Verify(verify Verifier) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return validate(c.blocks, verify)
}

func validate(blocks []*models.Block, verify Verifier) error {
	genesis := blocks[0]
	if !genesis.IsGenesis() || string(genesis.Payload) != models.GenesisPayload {
		return fmt.Errorf("%w: first block is not a genesis block", ErrInvalidChain)
	}

	for i, b := range blocks {
		if verify != nil {
			if err := verify(b); err != nil {
				return fmt.Errorf("%w: block %d: %w", ErrInvalidChain, i, err)
			}
		}
		if i == 0 {
			continue
		}
		prev := blocks[i-1]
		if b.PreviousHash != prev.Hash {
			return fmt.Errorf("%w: block %d links to %s, want %s", ErrInvalidChain, i, b.PreviousHash, prev.Hash)
		}
		if b.Height != prev.Height+1 {
			return fmt.Errorf("%w: block %d has height %d, want %d", ErrInvalidChain, i, b.Height, prev.Height+1)
		}
	}
	return nil
}
