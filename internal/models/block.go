package models

// GenesisPayload is the fixed payload of the first block in every chain
const GenesisPayload = "Genesis Block"

// Block represents a mined ledger block
type Block struct {
	Hash         string `json:"hash"`
	Height       uint64 `json:"height"`
	PreviousHash string `json:"previous_hash"`
	Timestamp    int64  `json:"timestamp"` // milliseconds since the Unix epoch
	Payload      []byte `json:"payload"`
	Difficulty   uint32 `json:"difficulty"`
	Nonce        uint64 `json:"nonce"`
}

// Digest returns the block's hex-encoded proof-of-work digest
func (b *Block) Digest() string {
	return b.Hash
}

// IsGenesis reports whether the block has the shape of a genesis block
func (b *Block) IsGenesis() bool {
	return b.Height == 0 && b.PreviousHash == ""
}

// Clone returns a deep copy of the block
func (b *Block) Clone() *Block {
	c := *b
	if b.Payload != nil {
		c.Payload = make([]byte, len(b.Payload))
		copy(c.Payload, b.Payload)
	}
	return &c
}
