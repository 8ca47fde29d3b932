/*
Package validate provides context-free consensus validation for header and
merkle-block data, independent of any particular header store or session
state.
*/
package validate

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcspv/spvnode/errors"
)

// MerkleRoot compares a merkle block's reconstructed transaction merkle root
// against the root recorded in its header. Bitcoin headers carry a single
// combined root, unlike chains that split regular and stake trees, so this is
// the only merkle check the core ever needs.
func MerkleRoot(header *wire.BlockHeader, computedRoot chainhash.Hash) error {
	if header.MerkleRoot != computedRoot {
		blockHash := header.BlockHash()
		op := errors.Opf("validate.MerkleRoot(%v)", &blockHash)
		return errors.E(op, errors.Consensus, "invalid merkle root")
	}
	return nil
}

// ProofOfWork checks that a header's hash satisfies the difficulty implied
// by its own bits field. It does not check that bits is the value the chain
// rules require at this height; that comparison belongs to the header store,
// which knows the retarget schedule.
func ProofOfWork(header *wire.BlockHeader) error {
	hash := header.BlockHash()

	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		op := errors.Opf("validate.ProofOfWork(%v)", &hash)
		return errors.E(op, errors.Consensus, "header target is non-positive")
	}

	hashNum := blockchain.HashToBig(&hash)
	if hashNum.Cmp(target) > 0 {
		op := errors.Opf("validate.ProofOfWork(%v)", &hash)
		return errors.E(op, errors.Consensus, "block hash does not satisfy header target")
	}
	return nil
}
