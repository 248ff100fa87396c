package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/pow-ledger/internal/api/handlers"
	"github.com/thanhnp/pow-ledger/internal/chain"
	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/producer"
)

type fixture struct {
	chain    *chain.Chain
	producer *producer.Producer
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := miner.DefaultConfig()
	cfg.Difficulty = 1
	cfg.Workers = 1
	m, err := miner.New(cfg)
	require.NoError(t, err)
	c, err := chain.New(context.Background(), m)
	require.NoError(t, err)
	p := producer.New(c, nil, producer.Config{QueueSize: 4})
	return &fixture{chain: c, producer: p, router: NewRouter(c, p, 1024)}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.Engine().ServeHTTP(w, req)
	return w
}

func decodeBlock(t *testing.T, w *httptest.ResponseRecorder) handlers.BlockResponse {
	t.Helper()
	var b handlers.BlockResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return b
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateAndRead(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/blocks", `{"data":"Block 1 data"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBlock(t, w)
	assert.Equal(t, uint64(1), created.Height)
	assert.Equal(t, "Block 1 data", created.Data)
	assert.Equal(t, f.chain.Genesis().Hash, created.PreviousHash)

	w = f.do(t, http.MethodGet, "/api/v1/blocks/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created, decodeBlock(t, w))

	w = f.do(t, http.MethodGet, "/api/v1/blocks/"+created.Hash, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created, decodeBlock(t, w))

	w = f.do(t, http.MethodGet, "/api/v1/blocks/height/0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Genesis Block", decodeBlock(t, w).Data)

	w = f.do(t, http.MethodGet, "/api/v1/blocks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Length int                      `json:"length"`
		Blocks []handlers.BlockResponse `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Length)
	assert.Len(t, list.Blocks, 2)
}

func TestNotFoundAndBadInput(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/blocks/deadbeef", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/blocks/height/9", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/blocks/height/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/blocks", `{"data":`).Code)

	big := `{"data":"` + strings.Repeat("x", 2048) + `"}`
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(t, http.MethodPost, "/api/v1/blocks", big).Code)
	assert.Equal(t, 1, f.chain.Len())
}

func TestSubmitAsync(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/blocks/async", `{"data":"queued"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "producer not started")

	require.NoError(t, f.producer.Start(context.Background()))
	defer f.producer.Stop()

	w = f.do(t, http.MethodPost, "/api/v1/blocks/async", `{"data":"queued"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool { return f.chain.Len() == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, "queued", string(f.chain.Tip().Payload))
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/blocks", `{"data":"x"}`)

	w := f.do(t, http.MethodGet, "/api/v1/chain/verify", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true,"length":2}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodOptions, "/api/v1/blocks", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
