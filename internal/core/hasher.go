package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PoolLedger:genesis:v1"

// GenesisHash is the PrevHash of the first envelope of a pool.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash computes state_hash[N] = SHA-256(prev_hash || sequence LE || state_digest).
func ChainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	h.Write(seqBuf[:])
	h.Write(stateDigest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// StateHasher keeps the tip of the state hash chain.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ComputeHash extends the chain by one event and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.prevHash = ChainHash(h.prevHash, sequence, stateDigest)
	return h.prevHash
}

func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.prevHash = tip
}
