// Package merkle reconstructs the partial merkle tree carried by a
// MsgMerkleBlock, recovering both the matched transaction hashes and the
// merkle root they prove inclusion in. This sits upstream of the session
// core: the core treats a DecodedMerkleBlock as opaque input and never
// touches the flag/hash arrays itself.
package merkle

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcspv/spvnode/errors"
)

// DecodedMerkleBlock is the result of reconstructing a partial merkle tree:
// the block's header, the recomputed merkle root, and the transaction
// hashes the sending peer's bloom filter matched, in ascending tree order.
type DecodedMerkleBlock struct {
	Header          wire.BlockHeader
	Root            chainhash.Hash
	MatchedTxHashes []chainhash.Hash
}

// partialTree holds the mutable cursor state threaded through the recursive
// descent of DecodeBlock's tree walk.
type partialTree struct {
	numTx   uint32
	hashes  []*chainhash.Hash
	flags   []byte
	bitPos  int
	hashPos int
}

func (t *partialTree) height() int {
	h := 0
	for t.treeWidth(h) > 1 {
		h++
	}
	return h
}

// treeWidth returns the number of nodes at the given height, where height 0
// is the leaf (transaction) level.
func (t *partialTree) treeWidth(height int) int {
	return (int(t.numTx) + (1 << height) - 1) >> height
}

func (t *partialTree) nextBit() (bool, error) {
	byteIdx := t.bitPos / 8
	if byteIdx >= len(t.flags) {
		return false, errors.E(errors.Encoding, "merkle flag bits exhausted")
	}
	bit := (t.flags[byteIdx] >> uint(t.bitPos%8)) & 1
	t.bitPos++
	return bit == 1, nil
}

func (t *partialTree) nextHash() (chainhash.Hash, error) {
	if t.hashPos >= len(t.hashes) {
		var zero chainhash.Hash
		return zero, errors.E(errors.Encoding, "merkle hash list exhausted")
	}
	h := *t.hashes[t.hashPos]
	t.hashPos++
	return h, nil
}

// traverseAndExtract mirrors Bitcoin's PartialMerkleTree::TraverseAndExtract:
// a depth-first walk of the implied binary tree, consuming one flag bit per
// node and a hash for every pruned subtree or matched leaf.
func (t *partialTree) traverseAndExtract(height, pos int) (chainhash.Hash, []chainhash.Hash, error) {
	var zero chainhash.Hash

	parentOfMatch, err := t.nextBit()
	if err != nil {
		return zero, nil, err
	}

	if height == 0 || !parentOfMatch {
		h, err := t.nextHash()
		if err != nil {
			return zero, nil, err
		}
		if height == 0 && parentOfMatch {
			return h, []chainhash.Hash{h}, nil
		}
		return h, nil, nil
	}

	left, lm, err := t.traverseAndExtract(height-1, pos*2)
	if err != nil {
		return zero, nil, err
	}

	right := left
	var rm []chainhash.Hash
	if pos*2+1 < t.treeWidth(height-1) {
		right, rm, err = t.traverseAndExtract(height-1, pos*2+1)
		if err != nil {
			return zero, nil, err
		}
	}

	matches := append(lm, rm...)
	combined := append(append([]byte{}, left[:]...), right[:]...)
	node := chainhash.DoubleHashH(combined)
	return node, matches, nil
}

// DecodeBlock reconstructs the partial merkle tree in msg, returning the
// recomputed root and the matched transaction hashes in ascending order.
// Callers are responsible for comparing Root against msg.Header.MerkleRoot
// (see package validate); DecodeBlock only performs the tree reconstruction.
func DecodeBlock(msg *wire.MsgMerkleBlock) (*DecodedMerkleBlock, error) {
	const op errors.Op = "merkle.DecodeBlock"

	if msg.Transactions == 0 {
		return nil, errors.E(op, errors.Protocol, "merkle block declares zero transactions")
	}
	if len(msg.Hashes) == 0 {
		return nil, errors.E(op, errors.Protocol, "merkle block carries no hashes")
	}

	t := &partialTree{
		numTx:  msg.Transactions,
		hashes: msg.Hashes,
		flags:  msg.Flags,
	}

	root, matches, err := t.traverseAndExtract(t.height(), 0)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if t.hashPos != len(t.hashes) {
		return nil, errors.E(op, errors.Protocol, "merkle block carries unused hashes")
	}

	return &DecodedMerkleBlock{
		Header:          msg.Header,
		Root:            root,
		MatchedTxHashes: matches,
	}, nil
}
