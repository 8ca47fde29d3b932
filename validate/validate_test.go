package validate

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// easyBits is a difficulty target of 2^250, so about one nonce in 64
// satisfies it, keeping the test fast.
var easyBits = blockchain.BigToCompact(new(big.Int).Lsh(big.NewInt(1), 250))

func mineHeader(t *testing.T, bits uint32) *wire.BlockHeader {
	t.Helper()
	h := &wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1600000000, 0),
		Bits:      bits,
	}
	for nonce := uint32(0); nonce < 1<<20; nonce++ {
		h.Nonce = nonce
		hash := h.BlockHash()
		hashNum := blockchain.HashToBig(&hash)
		if hashNum.Cmp(blockchain.CompactToBig(bits)) <= 0 {
			return h
		}
	}
	t.Fatal("failed to mine a header satisfying the easy target")
	return nil
}

func TestProofOfWorkAccepts(t *testing.T) {
	h := mineHeader(t, easyBits)
	if err := ProofOfWork(h); err != nil {
		t.Fatalf("ProofOfWork: %v", err)
	}
}

func TestProofOfWorkRejectsInsufficientWork(t *testing.T) {
	h := mineHeader(t, easyBits)
	// A much harder target than what was actually mined for should fail.
	h.Bits = blockchain.BigToCompact(big.NewInt(1))
	if err := ProofOfWork(h); err == nil {
		t.Fatal("expected error for a hash that does not satisfy the target")
	}
}

func TestProofOfWorkRejectsNonPositiveTarget(t *testing.T) {
	h := mineHeader(t, easyBits)
	h.Bits = 0
	if err := ProofOfWork(h); err == nil {
		t.Fatal("expected error for a non-positive target")
	}
}

func TestMerkleRootAcceptsMatch(t *testing.T) {
	var root chainhash.Hash
	root[0] = 0x42
	h := &wire.BlockHeader{MerkleRoot: root}
	if err := MerkleRoot(h, root); err != nil {
		t.Fatalf("MerkleRoot: %v", err)
	}
}

func TestMerkleRootRejectsMismatch(t *testing.T) {
	var root, other chainhash.Hash
	root[0] = 0x42
	other[0] = 0x43
	h := &wire.BlockHeader{MerkleRoot: root}
	if err := MerkleRoot(h, other); err == nil {
		t.Fatal("expected error for mismatched merkle root")
	}
}
