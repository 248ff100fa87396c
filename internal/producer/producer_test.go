package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/pow-ledger/internal/chain"
	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/models"
	"github.com/thanhnp/pow-ledger/internal/storage"
)

type memStore struct {
	mu     sync.Mutex
	blocks []*models.Block
	err    error
}

func (s *memStore) Save(b *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *memStore) GetLatest() (*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 {
		return nil, nil
	}
	return s.blocks[len(s.blocks)-1], nil
}

func (s *memStore) heights() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.Height
	}
	return out
}

// flakyAppender fails with ErrNonceExhausted a fixed number of times
type flakyAppender struct {
	failures int
	calls    int
}

func (f *flakyAppender) Append(_ context.Context, payload []byte) (*models.Block, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("mining: %w", miner.ErrNonceExhausted)
	}
	return &models.Block{Height: uint64(f.calls), Payload: payload}, nil
}

func (f *flakyAppender) BlockAt(int) *models.Block { return nil }

// blockingAppender mines nothing and holds each Append until ctx is cancelled
type blockingAppender struct {
	started chan struct{}
}

func (b *blockingAppender) Append(ctx context.Context, _ []byte) (*models.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingAppender) BlockAt(int) *models.Block { return nil }

// failOnceSaver fails the first save of block height, then delegates
type failOnceSaver struct {
	*storage.BlockStore
	height uint64
	failed bool
}

func (f *failOnceSaver) Save(b *models.Block) error {
	if b.Height == f.height && !f.failed {
		f.failed = true
		return errors.New("write stalled")
	}
	return f.BlockStore.Save(b)
}

func newChain(t *testing.T) *chain.Chain {
	t.Helper()
	cfg := miner.DefaultConfig()
	cfg.Difficulty = 1
	cfg.Workers = 1
	m, err := miner.New(cfg)
	require.NoError(t, err)
	c, err := chain.New(context.Background(), m)
	require.NoError(t, err)
	return c
}

func TestProduceSavesAndNotifies(t *testing.T) {
	c := newChain(t)
	store := &memStore{}
	p := New(c, store, Config{QueueSize: 4})

	var seen []string
	p.OnBlock(func(b *models.Block) { seen = append(seen, string(b.Payload)) })

	b, err := p.Produce(context.Background(), []byte("direct"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Height)
	assert.Equal(t, []uint64{0, 1}, store.heights(), "an empty store receives genesis first")
	assert.Equal(t, []string{"direct"}, seen)
	assert.Equal(t, 2, c.Len())
}

func TestProduceRetriesExhaustedNonce(t *testing.T) {
	f := &flakyAppender{failures: 2}
	p := New(f, nil, Config{RetryExhausted: 2})
	_, err := p.Produce(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)

	f = &flakyAppender{failures: 3}
	p = New(f, nil, Config{RetryExhausted: 2})
	_, err = p.Produce(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, miner.ErrNonceExhausted)
	assert.Equal(t, 3, f.calls)
}

func TestProduceReportsSaveFailure(t *testing.T) {
	c := newChain(t)
	store := &memStore{err: errors.New("disk full")}
	p := New(c, store, Config{})

	_, err := p.Produce(context.Background(), []byte("x"))
	assert.ErrorContains(t, err, "disk full")
}

func TestProduceCatchesUpAfterSaveFailure(t *testing.T) {
	c := newChain(t)
	stores, err := storage.Open(t.TempDir(), 8<<20, 16, miner.EncodingVersion)
	require.NoError(t, err)
	defer stores.Close()
	require.NoError(t, stores.BlockStore.Save(c.Genesis()))

	p := New(c, &failOnceSaver{BlockStore: stores.BlockStore, height: 1}, Config{})

	_, err = p.Produce(context.Background(), []byte("block 1"))
	require.ErrorContains(t, err, "write stalled")
	assert.Equal(t, 2, c.Len(), "the chain keeps the mined block")

	for _, data := range []string{"block 2", "block 3", "block 4"} {
		_, err := p.Produce(context.Background(), []byte(data))
		require.NoError(t, err)
	}

	latest, err := stores.BlockStore.GetLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, c.Tip().Hash, latest.Hash)

	saved, err := stores.BlockStore.LoadAll()
	require.NoError(t, err)
	require.Len(t, saved, c.Len())
	for i, b := range saved {
		assert.Equal(t, c.BlockAt(i).Hash, b.Hash)
	}
	_, err = chain.Restore(nil, saved, miner.Verify)
	assert.NoError(t, err)
}

func TestSubmitDrainsQueueInOrder(t *testing.T) {
	c := newChain(t)
	store := &memStore{}
	p := New(c, store, Config{QueueSize: 8})

	produced := make(chan *models.Block, 8)
	p.OnBlock(func(b *models.Block) { produced <- b })

	assert.ErrorIs(t, p.Submit([]byte("early")), ErrStopped)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for _, data := range []string{"a", "b", "c"} {
		require.NoError(t, p.Submit([]byte(data)))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-produced:
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for block %d", i+1)
		}
	}

	assert.Equal(t, []uint64{0, 1, 2, 3}, store.heights())
	assert.Equal(t, "c", string(c.Tip().Payload))
	assert.NoError(t, c.Verify(miner.Verify))
}

func TestSubmitQueueFull(t *testing.T) {
	p := New(&flakyAppender{}, nil, Config{QueueSize: 1})
	// Mark running without starting the drain loop so the queue fills up.
	p.running = true

	require.NoError(t, p.Submit([]byte("one")))
	assert.ErrorIs(t, p.Submit([]byte("two")), ErrQueueFull)
	assert.Equal(t, 1, p.Pending())
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(&flakyAppender{}, nil, Config{})
	assert.NoError(t, p.Stop())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Submit([]byte("late")), ErrStopped)
}

func TestStopDiscardsQueuedPayloads(t *testing.T) {
	a := &blockingAppender{started: make(chan struct{}, 1)}
	p := New(a, nil, Config{QueueSize: 4})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit([]byte("in flight")))
	select {
	case <-a.started:
	case <-time.After(10 * time.Second):
		t.Fatal("background loop never picked up a payload")
	}
	for _, data := range []string{"a", "b", "c"} {
		require.NoError(t, p.Submit([]byte(data)))
	}
	assert.Equal(t, 3, p.Pending())

	require.NoError(t, p.Stop())
	assert.Equal(t, 0, p.Pending())

	// A restarted producer has nothing left over to mine.
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	select {
	case <-a.started:
		t.Fatal("payload queued before Stop was mined after restart")
	case <-time.After(100 * time.Millisecond):
	}
}
