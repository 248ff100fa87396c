package miner

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/pow-ledger/internal/models"
)

// EncodingVersion is the version of the canonical hashing layout produced by Encode.
// Persisted chains are only verifiable while the major version is unchanged.
const EncodingVersion = "1.0.0"

// DigestSize is the size in bytes of a block digest
const DigestSize = chainhash.HashSize

// Encode serializes the hashing tuple of a block into its canonical byte form.
//
// Layout (all integers little-endian):
//
//	u64 len(prevHash) | prevHash | u64 len(payload) | payload |
//	u64 timestamp | u64 difficulty | u64 nonce
func Encode(prevHash string, payload []byte, timestamp int64, difficulty uint32, nonce uint64) ([]byte, error) {
	if err := checkPrevHash(prevHash); err != nil {
		return nil, err
	}
	if timestamp < 0 {
		return nil, fmt.Errorf("%w: negative timestamp %d", ErrSerialization, timestamp)
	}

	buf := make([]byte, 0, 8+len(prevHash)+8+len(payload)+24)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(prevHash)))
	buf = append(buf, prevHash...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(difficulty))
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	return buf, nil
}

// checkPrevHash accepts the empty genesis reference or a lowercase hex digest
func checkPrevHash(prevHash string) error {
	if prevHash == "" {
		return nil
	}
	if len(prevHash) != DigestSize*2 {
		return fmt.Errorf("%w: previous hash has length %d", ErrSerialization, len(prevHash))
	}
	for i := 0; i < len(prevHash); i++ {
		c := prevHash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: previous hash is not lowercase hex", ErrSerialization)
		}
	}
	return nil
}

// HashBlock recomputes the digest of a block from its hashing tuple
func HashBlock(b *models.Block) ([]byte, error) {
	data, err := Encode(b.PreviousHash, b.Payload, b.Timestamp, b.Difficulty, b.Nonce)
	if err != nil {
		return nil, err
	}
	return chainhash.HashB(data), nil
}

// MeetsDifficulty reports whether the first difficulty bytes of digest are zero
func MeetsDifficulty(digest []byte, difficulty uint32) bool {
	if int(difficulty) > len(digest) {
		return false
	}
	for _, b := range digest[:difficulty] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Verify independently re-hashes a block and checks its stored digest and proof of work
func Verify(b *models.Block) error {
	digest, err := HashBlock(b)
	if err != nil {
		return err
	}
	if hex.EncodeToString(digest) != b.Hash {
		return fmt.Errorf("%w: digest mismatch at height %d", ErrInvalidProof, b.Height)
	}
	if !MeetsDifficulty(digest, b.Difficulty) {
		return fmt.Errorf("%w: digest does not meet difficulty %d at height %d", ErrInvalidProof, b.Difficulty, b.Height)
	}
	return nil
}
