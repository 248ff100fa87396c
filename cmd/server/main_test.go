package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/pow-ledger/internal/api"
	"github.com/thanhnp/pow-ledger/internal/chain"
	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/models"
	"github.com/thanhnp/pow-ledger/internal/producer"
	"github.com/thanhnp/pow-ledger/internal/storage"
)

func newMiner(t *testing.T, difficulty uint32) *miner.Miner {
	t.Helper()
	cfg := miner.DefaultConfig()
	cfg.Difficulty = difficulty
	cfg.Workers = 1
	m, err := miner.New(cfg)
	require.NoError(t, err)
	return m
}

// stagedConstructor mines genesis with easy and every later block with hard
type stagedConstructor struct {
	easy, hard chain.Constructor
}

func (s stagedConstructor) Construct(ctx context.Context, payload []byte, prevHash string, height uint64) (*models.Block, error) {
	if height == 0 {
		return s.easy.Construct(ctx, payload, prevHash, height)
	}
	return s.hard.Construct(ctx, payload, prevHash, height)
}

// exhaustedConstructor reports an exhausted nonce space for the first failures calls
type exhaustedConstructor struct {
	inner    chain.Constructor
	failures int
	calls    int
}

func (e *exhaustedConstructor) Construct(ctx context.Context, payload []byte, prevHash string, height uint64) (*models.Block, error) {
	e.calls++
	if e.calls <= e.failures {
		return nil, fmt.Errorf("no nonce found: %w", miner.ErrNonceExhausted)
	}
	return e.inner.Construct(ctx, payload, prevHash, height)
}

func TestShutdownAbortsSynchronousAppend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := chain.New(ctx, stagedConstructor{easy: newMiner(t, 1), hard: newMiner(t, miner.MaxDifficulty)})
	require.NoError(t, err)
	router := api.NewRouter(ledger, producer.New(ledger, nil, producer.Config{}), 1024)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := newHTTPServer(ctx, ln.Addr().String(), router.Engine())
	go server.Serve(ln)
	defer server.Close()

	codes := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/api/v1/blocks", "application/json", strings.NewReader(`{"data":"never mined"}`))
		if err != nil {
			codes <- 0
			return
		}
		resp.Body.Close()
		codes <- resp.StatusCode
	}()

	// Let the request reach the miner before shutting down.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case code := <-codes:
		assert.Equal(t, http.StatusInternalServerError, code)
	case <-time.After(10 * time.Second):
		t.Fatal("append kept mining after the server context was cancelled")
	}
	assert.Equal(t, 1, ledger.Len())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	assert.NoError(t, server.Shutdown(shutdownCtx))
}

func TestLoadChainRetriesAndPersistsGenesis(t *testing.T) {
	dir := t.TempDir()
	stores, err := storage.Open(dir, 8<<20, 16, miner.EncodingVersion)
	require.NoError(t, err)

	e := &exhaustedConstructor{inner: newMiner(t, 1), failures: 2}
	ledger, err := loadChain(context.Background(), e, stores, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, e.calls)

	saved, err := stores.BlockStore.GetLatest()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, ledger.Genesis().Hash, saved.Hash)
	require.NoError(t, stores.Close())

	stores, err = storage.Open(dir, 8<<20, 16, miner.EncodingVersion)
	require.NoError(t, err)
	defer stores.Close()

	e = &exhaustedConstructor{inner: newMiner(t, 1)}
	restored, err := loadChain(context.Background(), e, stores, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, e.calls, "persisted genesis is restored, not mined")
	assert.Equal(t, ledger.Genesis().Hash, restored.Genesis().Hash)
}

func TestLoadChainGivesUpAfterRetries(t *testing.T) {
	e := &exhaustedConstructor{inner: newMiner(t, 1), failures: 10}
	_, err := loadChain(context.Background(), e, nil, 2)
	assert.ErrorIs(t, err, miner.ErrNonceExhausted)
	assert.Equal(t, 3, e.calls)
}
