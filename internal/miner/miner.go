package miner

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"runtime"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/thanhnp/pow-ledger/internal/models"
)

// DefaultDifficulty is the number of leading zero bytes required when none is configured
const DefaultDifficulty = 4

// MaxDifficulty is the largest satisfiable difficulty for a 256-bit digest
const MaxDifficulty = DigestSize

// chunkSize is the number of nonces a worker scans per round of a parallel search
const chunkSize = 1 << 16

// ctxCheckInterval controls how often a scan polls its context (must be a power of two)
const ctxCheckInterval = 1 << 12

var (
	// ErrSerialization is returned when the canonical encoding of a block cannot be produced
	ErrSerialization = errors.New("block serialization failed")
	// ErrNonceExhausted is returned when no nonce in the configured range satisfies the difficulty
	ErrNonceExhausted = errors.New("nonce space exhausted")
	// ErrClock is returned when the construction timestamp cannot be read
	ErrClock = errors.New("clock unavailable")
	// ErrInvalidProof is returned when a block fails independent verification
	ErrInvalidProof = errors.New("invalid proof of work")
	// ErrInvalidConfig is returned by New for unusable settings
	ErrInvalidConfig = errors.New("invalid miner config")
)

// Config holds the proof-of-work parameters
type Config struct {
	Difficulty     uint32 // leading zero bytes required in a digest
	Workers        int    // goroutines sharing one nonce search
	MaxNonce       uint64 // last nonce tried before ErrNonceExhausted
	MaxPayloadSize int    // largest accepted payload in bytes
}

// DefaultConfig returns the default mining parameters
func DefaultConfig() Config {
	return Config{
		Difficulty:     DefaultDifficulty,
		Workers:        runtime.NumCPU(),
		MaxNonce:       math.MaxUint32,
		MaxPayloadSize: 1 << 20,
	}
}

// Miner builds blocks whose digest satisfies the configured difficulty
type Miner struct {
	cfg   Config
	clock Clock
	chunk uint64
}

// Option customizes a Miner
type Option func(*Miner)

// WithClock replaces the wall clock used for block timestamps
func WithClock(c Clock) Option {
	return func(m *Miner) {
		m.clock = c
	}
}

// New creates a Miner
func New(cfg Config, opts ...Option) (*Miner, error) {
	if cfg.Difficulty > MaxDifficulty {
		return nil, fmt.Errorf("%w: difficulty %d exceeds %d", ErrInvalidConfig, cfg.Difficulty, MaxDifficulty)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, cfg.Workers)
	}
	if cfg.MaxPayloadSize <= 0 {
		return nil, fmt.Errorf("%w: max payload size must be positive, got %d", ErrInvalidConfig, cfg.MaxPayloadSize)
	}

	m := &Miner{cfg: cfg, clock: SystemClock{}, chunk: chunkSize}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Difficulty returns the configured difficulty
func (m *Miner) Difficulty() uint32 {
	return m.cfg.Difficulty
}

// Construct mines a new block for payload on top of prevHash.
// It blocks until a satisfying nonce is found, the nonce range is exhausted
// or ctx is done.
func (m *Miner) Construct(ctx context.Context, payload []byte, prevHash string, height uint64) (*models.Block, error) {
	if len(payload) > m.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrSerialization, len(payload), m.cfg.MaxPayloadSize)
	}

	now, err := m.clock.Now()
	if err != nil {
		if errors.Is(err, ErrClock) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrClock, err)
	}

	block := &models.Block{
		Height:       height,
		PreviousHash: prevHash,
		Timestamp:    now.UnixMilli(),
		Payload:      append([]byte(nil), payload...),
		Difficulty:   m.cfg.Difficulty,
	}

	base, err := Encode(block.PreviousHash, block.Payload, block.Timestamp, block.Difficulty, 0)
	if err != nil {
		return nil, err
	}

	log.Printf("[miner] Mining block at height %d (difficulty %d, workers %d)", height, m.cfg.Difficulty, m.cfg.Workers)

	var res scanResult
	if m.cfg.Workers == 1 {
		res, err = m.scan(ctx, base, 0, m.cfg.MaxNonce)
	} else {
		res, err = m.searchParallel(ctx, base)
	}
	if err != nil {
		return nil, fmt.Errorf("mining aborted at height %d: %w", height, err)
	}
	if !res.found {
		return nil, fmt.Errorf("%w: no nonce in [0, %d] at height %d", ErrNonceExhausted, m.cfg.MaxNonce, height)
	}

	block.Nonce = res.nonce
	block.Hash = hex.EncodeToString(res.digest[:])
	return block, nil
}

type scanResult struct {
	nonce  uint64
	digest chainhash.Hash
	found  bool
}

// scan tries nonces from..to inclusive in ascending order over a copy of base
func (m *Miner) scan(ctx context.Context, base []byte, from, to uint64) (scanResult, error) {
	buf := make([]byte, len(base))
	copy(buf, base)
	off := len(buf) - 8

	for n := from; ; n++ {
		if (n-from)&(ctxCheckInterval-1) == 0 {
			if err := ctx.Err(); err != nil {
				return scanResult{}, err
			}
		}

		binary.LittleEndian.PutUint64(buf[off:], n)
		digest := chainhash.HashH(buf)
		if MeetsDifficulty(digest[:], m.cfg.Difficulty) {
			return scanResult{nonce: n, digest: digest, found: true}, nil
		}

		if n == to {
			return scanResult{}, nil
		}
	}
}

// searchParallel splits the nonce range into rounds of consecutive chunks,
// one chunk per worker. The lowest satisfying nonce of the first successful
// round is returned, which is the same nonce a sequential scan finds.
func (m *Miner) searchParallel(ctx context.Context, base []byte) (scanResult, error) {
	limit := m.cfg.MaxNonce
	for start := uint64(0); ; {
		results := make([]scanResult, m.cfg.Workers)
		g, gctx := errgroup.WithContext(ctx)

		last := false
		next := start
		for w := 0; w < m.cfg.Workers; w++ {
			from := next
			to := limit
			if limit-from >= m.chunk {
				to = from + m.chunk - 1
			}

			w := w
			g.Go(func() error {
				res, err := m.scan(gctx, base, from, to)
				if err != nil {
					return err
				}
				results[w] = res
				return nil
			})

			if to == limit {
				last = true
				break
			}
			next = to + 1
		}

		if err := g.Wait(); err != nil {
			return scanResult{}, err
		}
		for _, res := range results {
			if res.found {
				return res, nil
			}
		}
		if last {
			return scanResult{}, nil
		}
		start = next
	}
}
