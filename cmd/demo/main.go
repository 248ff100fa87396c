package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/thanhnp/pow-ledger/internal/chain"
	"github.com/thanhnp/pow-ledger/internal/miner"
)

// genesisRetries bounds fresh-timestamp attempts when genesis exhausts the nonce space
const genesisRetries = 3

func main() {
	difficulty := flag.Uint("difficulty", 2, "Leading zero bytes required in each digest")
	workers := flag.Int("workers", runtime.NumCPU(), "Goroutines sharing each nonce search")
	verbose := flag.Bool("v", false, "Show miner log output")
	flag.Parse()

	if !*verbose {
		log.SetOutput(io.Discard)
	}

	payloads := flag.Args()
	if len(payloads) == 0 {
		payloads = []string{"Block 1 data", "Block 2 data"}
	}

	if err := run(uint32(*difficulty), *workers, payloads); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(difficulty uint32, workers int, payloads []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := miner.DefaultConfig()
	cfg.Difficulty = difficulty
	cfg.Workers = workers
	m, err := miner.New(cfg)
	if err != nil {
		return err
	}

	pterm.DefaultHeader.WithFullWidth().Printf("Proof-of-work ledger (difficulty %d, %d workers)", difficulty, workers)
	pterm.Println()

	spinner, _ := pterm.DefaultSpinner.Start("Mining genesis block")
	start := time.Now()
	c, err := chain.NewWithRetry(ctx, m, genesisRetries)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("Genesis block mined in %s", time.Since(start).Round(time.Millisecond)))

	for _, p := range payloads {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Mining %q", p))
		start = time.Now()
		b, err := c.Append(ctx, []byte(p))
		if err != nil {
			spinner.Fail(err.Error())
			return err
		}
		spinner.Success(fmt.Sprintf("Block %d mined in %s (nonce %d)", b.Height, time.Since(start).Round(time.Millisecond), b.Nonce))
	}

	data := pterm.TableData{{"Height", "Payload", "Nonce", "Previous", "Hash"}}
	for _, b := range c.Blocks() {
		data = append(data, []string{
			strconv.FormatUint(b.Height, 10),
			string(b.Payload),
			strconv.FormatUint(b.Nonce, 10),
			short(b.PreviousHash),
			short(b.Hash),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	if err := c.Verify(miner.Verify); err != nil {
		return err
	}
	pterm.Success.Printfln("Chain of %d blocks verified", c.Len())
	return nil
}

func short(hash string) string {
	if hash == "" {
		return "-"
	}
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16] + "…"
}
