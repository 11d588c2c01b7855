package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "SynthLedger:genesis:v1"

// StateHasher computes the deterministic state hash chain for one
// contract instance.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher seeds the chain with the genesis hash for this
// instance, so two instances never share a chain.
func NewStateHasher(instanceID string) *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(genesisHashSeed + ":" + instanceID)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence uint64, stateDigest []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// ChainHash is the pure link function of the hash chain, usable
// without a StateHasher when verifying a stored log.
func ChainHash(prev [32]byte, sequence uint64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// Restore sets the chain tip, for recovery from a persisted log.
func (h *StateHasher) Restore(tip [32]byte) {
	h.prevHash = tip
}
