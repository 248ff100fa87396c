package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/pow-ledger/internal/chain"
	"github.com/thanhnp/pow-ledger/internal/miner"
	"github.com/thanhnp/pow-ledger/internal/models"
	"github.com/thanhnp/pow-ledger/internal/producer"
)

// AppendRequest is the body of block creation requests
type AppendRequest struct {
	Data string `json:"data"`
}

// BlockResponse is the JSON form of a block, with the payload as text
type BlockResponse struct {
	Hash         string `json:"hash"`
	Height       uint64 `json:"height"`
	PreviousHash string `json:"previous_hash"`
	Timestamp    int64  `json:"timestamp"`
	Data         string `json:"data"`
	Difficulty   uint32 `json:"difficulty"`
	Nonce        uint64 `json:"nonce"`
}

func toResponse(b *models.Block) BlockResponse {
	return BlockResponse{
		Hash:         b.Hash,
		Height:       b.Height,
		PreviousHash: b.PreviousHash,
		Timestamp:    b.Timestamp,
		Data:         string(b.Payload),
		Difficulty:   b.Difficulty,
		Nonce:        b.Nonce,
	}
}

// BlockHandler handles block-related API requests
type BlockHandler struct {
	chain    *chain.Chain
	producer *producer.Producer
}

// NewBlockHandler creates a new BlockHandler
func NewBlockHandler(c *chain.Chain, p *producer.Producer) *BlockHandler {
	return &BlockHandler{
		chain:    c,
		producer: p,
	}
}

// List returns every block in chain order
// GET /api/v1/blocks
func (h *BlockHandler) List(c *gin.Context) {
	blocks := h.chain.Blocks()
	out := make([]BlockResponse, len(blocks))
	for i, b := range blocks {
		out[i] = toResponse(b)
	}
	c.JSON(http.StatusOK, gin.H{"length": len(out), "blocks": out})
}

// GetByHash returns a block by its hash
// GET /api/v1/blocks/:hash
func (h *BlockHandler) GetByHash(c *gin.Context) {
	block := h.chain.BlockByHash(c.Param("hash"))
	if block == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Block not found"})
		return
	}
	c.JSON(http.StatusOK, toResponse(block))
}

// GetByHeight returns a block by its height
// GET /api/v1/blocks/height/:height
func (h *BlockHandler) GetByHeight(c *gin.Context) {
	height, err := strconv.Atoi(c.Param("height"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid height"})
		return
	}

	block := h.chain.BlockAt(height)
	if block == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Block not found"})
		return
	}
	c.JSON(http.StatusOK, toResponse(block))
}

// GetLatest returns the chain tip
// GET /api/v1/blocks/latest
func (h *BlockHandler) GetLatest(c *gin.Context) {
	c.JSON(http.StatusOK, toResponse(h.chain.Tip()))
}

// Create mines and appends a block, responding once it is committed
// POST /api/v1/blocks
func (h *BlockHandler) Create(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	block, err := h.producer.Produce(c.Request.Context(), []byte(req.Data))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toResponse(block))
}

// Submit queues a payload for background mining
// POST /api/v1/blocks/async
func (h *BlockHandler) Submit(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.producer.Submit([]byte(req.Data)); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "pending": h.producer.Pending()})
}

// Verify re-checks the proof of work and linkage of the whole chain
// GET /api/v1/chain/verify
func (h *BlockHandler) Verify(c *gin.Context) {
	resp := gin.H{"valid": true, "length": h.chain.Len()}
	if err := h.chain.Verify(miner.Verify); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, miner.ErrSerialization):
		return http.StatusBadRequest
	case errors.Is(err, producer.ErrQueueFull), errors.Is(err, producer.ErrStopped), errors.Is(err, miner.ErrNonceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
