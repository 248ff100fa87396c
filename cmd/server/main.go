package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thanhnp/pow-ledger/internal/api"
	"github.com/thanhnp/pow-ledger/internal/chain"
	"github.com/thanhnp/pow-ledger/internal/config"
	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/producer"
	"github.com/thanhnp/pow-ledger/internal/storage"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Println("Starting ledger server...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := miner.New(cfg.MinerConfig())
	if err != nil {
		log.Fatalf("Failed to create miner: %v", err)
	}

	var stores *storage.Stores
	if cfg.Pebble.Enabled {
		log.Printf("Opening Pebble database at %s", cfg.Pebble.Path)
		stores, err = storage.Open(cfg.Pebble.Path, cfg.Pebble.CacheSize, cfg.Pebble.BlockCacheSize, miner.EncodingVersion)
		if err != nil {
			log.Fatalf("Failed to open Pebble database: %v", err)
		}
	}

	ledger, err := loadChain(ctx, m, stores, cfg.Producer.RetryExhausted)
	if err != nil {
		log.Fatalf("Failed to load chain: %v", err)
	}
	log.Printf("Chain ready: %d blocks, tip %s", ledger.Len(), ledger.Tip().Hash)

	var saver producer.BlockSaver
	if stores != nil {
		saver = stores.BlockStore
	}
	prod := producer.New(ledger, saver, cfg.ProducerConfig())
	if err := prod.Start(ctx); err != nil {
		log.Fatalf("Failed to start producer: %v", err)
	}

	// Leave room for JSON framing around the largest payload
	router := api.NewRouter(ledger, prod, int64(cfg.Mining.MaxPayloadSize)*2+1024)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := newHTTPServer(ctx, addr, router.Engine())

	// Start HTTP server in goroutine
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	// Cancel context to abort in-flight mining, including synchronous appends
	cancel()

	if err := prod.Stop(); err != nil {
		log.Printf("Error stopping producer: %v", err)
	}

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Handlers have drained, nothing else writes to the store
	if stores != nil {
		if err := stores.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}

	log.Println("Server stopped")
}

// newHTTPServer builds the API server. Request contexts derive from ctx so
// cancelling it aborts mining in synchronous appends.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: synchronous appends block until a block is mined.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}

// loadChain restores the persisted chain, or mines and saves a new genesis block
func loadChain(ctx context.Context, c chain.Constructor, stores *storage.Stores, retries int) (*chain.Chain, error) {
	if stores == nil {
		return chain.NewWithRetry(ctx, c, retries)
	}

	blocks, err := stores.BlockStore.LoadAll()
	if err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		log.Printf("Restoring %d persisted blocks", len(blocks))
		return chain.Restore(c, blocks, miner.Verify)
	}

	ledger, err := chain.NewWithRetry(ctx, c, retries)
	if err != nil {
		return nil, err
	}
	if err := stores.BlockStore.Save(ledger.Genesis()); err != nil {
		return nil, fmt.Errorf("failed to save genesis block: %w", err)
	}
	return ledger, nil
}
