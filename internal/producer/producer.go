package producer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/models"
)

var (
	// ErrQueueFull is returned by Submit when the pending queue is at capacity
	ErrQueueFull = errors.New("producer queue is full")
	// ErrStopped is returned by Submit when the producer is not running
	ErrStopped = errors.New("producer is not running")
)

// Appender mines and appends a block to a chain
type Appender interface {
	Append(ctx context.Context, payload []byte) (*models.Block, error)
	BlockAt(i int) *models.Block
}

// BlockSaver persists appended blocks in height order
type BlockSaver interface {
	Save(block *models.Block) error
	GetLatest() (*models.Block, error)
}

// BlockHandler is called after a block has been appended and saved
type BlockHandler func(block *models.Block)

// Config holds producer settings
type Config struct {
	QueueSize      int // pending payloads accepted by Submit
	RetryExhausted int // extra attempts after ErrNonceExhausted, each with a fresh timestamp
}

// Producer appends payloads to a chain, either directly or from a background queue
type Producer struct {
	chain   Appender
	store   BlockSaver
	retries int
	queue   chan []byte

	// commitMu keeps append and save in the same order across callers.
	commitMu sync.Mutex

	mu       sync.RWMutex
	running  bool
	handlers []BlockHandler
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Producer. store may be nil when blocks are not persisted.
func New(chain Appender, store BlockSaver, cfg Config) *Producer {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Producer{
		chain:   chain,
		store:   store,
		retries: cfg.RetryExhausted,
		queue:   make(chan []byte, cfg.QueueSize),
	}
}

// OnBlock registers a handler for produced blocks
func (p *Producer) OnBlock(handler BlockHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// Start begins draining the queue in the background
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
	log.Printf("[producer] Started (queue capacity %d)", cap(p.queue))
	return nil
}

// Stop cancels any in-flight mining, waits for the background loop to exit
// and discards payloads still queued.
func (p *Producer) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	<-done
	// Submit refuses new payloads once running is false.
	dropped := 0
	for len(p.queue) > 0 {
		<-p.queue
		dropped++
	}
	log.Printf("[producer] Stopped, %d queued payloads dropped", dropped)
	return nil
}

// Submit queues payload for background mining
func (p *Producer) Submit(payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrStopped
	}

	select {
	case p.queue <- append([]byte(nil), payload...):
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued payloads
func (p *Producer) Pending() int {
	return len(p.queue)
}

// Produce mines, appends and saves a block for payload synchronously
func (p *Producer) Produce(ctx context.Context, payload []byte) (*models.Block, error) {
	p.commitMu.Lock()
	block, err := p.appendWithRetry(ctx, payload)
	if err == nil && p.store != nil {
		err = p.persist(block.Height)
	}
	p.commitMu.Unlock()
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()
	for _, h := range handlers {
		h(block)
	}
	return block, nil
}

// persist saves every chain block the store is missing, up to height.
// A block left unsaved by an earlier failure is written before later ones.
func (p *Producer) persist(height uint64) error {
	latest, err := p.store.GetLatest()
	if err != nil {
		return fmt.Errorf("block %d appended but not saved: %w", height, err)
	}
	next := uint64(0)
	if latest != nil {
		next = latest.Height + 1
	}
	for h := next; h <= height; h++ {
		b := p.chain.BlockAt(int(h))
		if b == nil {
			return fmt.Errorf("block %d appended but not saved: height %d missing from chain", height, h)
		}
		if err := p.store.Save(b); err != nil {
			return fmt.Errorf("block %d appended but not saved: %w", height, err)
		}
		if h < height {
			log.Printf("[producer] Saved block %d left behind by an earlier failure", h)
		}
	}
	return nil
}

func (p *Producer) appendWithRetry(ctx context.Context, payload []byte) (*models.Block, error) {
	for attempt := 0; ; attempt++ {
		block, err := p.chain.Append(ctx, payload)
		if err == nil {
			return block, nil
		}
		if !errors.Is(err, miner.ErrNonceExhausted) || attempt >= p.retries {
			return nil, err
		}
		log.Printf("[producer] Nonce space exhausted, retrying with a fresh timestamp (attempt %d/%d)", attempt+1, p.retries)
	}
}

func (p *Producer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.queue:
			if _, err := p.Produce(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[producer] Failed to produce block: %v", err)
			}
		}
	}
}
