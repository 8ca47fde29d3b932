package merkle

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestDecodeBlockSingleMatchedLeaf(t *testing.T) {
	leaf := hashFromByte(0xAA)
	msg := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: leaf},
		Transactions: 1,
		Hashes:       []*chainhash.Hash{&leaf},
		Flags:        []byte{0x01},
	}

	dmb, err := DecodeBlock(msg)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if dmb.Root != leaf {
		t.Errorf("Root = %v, want %v", dmb.Root, leaf)
	}
	if len(dmb.MatchedTxHashes) != 1 || dmb.MatchedTxHashes[0] != leaf {
		t.Errorf("MatchedTxHashes = %v, want [%v]", dmb.MatchedTxHashes, leaf)
	}
}

func TestDecodeBlockPrunedSubtreeNoMatch(t *testing.T) {
	root := hashFromByte(0xBB)
	msg := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: root},
		Transactions: 2,
		Hashes:       []*chainhash.Hash{&root},
		Flags:        []byte{0x00},
	}

	dmb, err := DecodeBlock(msg)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if dmb.Root != root {
		t.Errorf("Root = %v, want %v", dmb.Root, root)
	}
	if len(dmb.MatchedTxHashes) != 0 {
		t.Errorf("MatchedTxHashes = %v, want none", dmb.MatchedTxHashes)
	}
}

func TestDecodeBlockRejectsZeroTransactions(t *testing.T) {
	msg := &wire.MsgMerkleBlock{
		Transactions: 0,
		Hashes:       []*chainhash.Hash{},
		Flags:        []byte{0x00},
	}
	if _, err := DecodeBlock(msg); err == nil {
		t.Fatal("expected error for zero transactions")
	}
}

func TestDecodeBlockRejectsEmptyHashes(t *testing.T) {
	msg := &wire.MsgMerkleBlock{
		Transactions: 1,
		Hashes:       nil,
		Flags:        []byte{0x01},
	}
	if _, err := DecodeBlock(msg); err == nil {
		t.Fatal("expected error for empty hash list")
	}
}

func TestDecodeBlockRejectsUnusedHashes(t *testing.T) {
	leaf := hashFromByte(0xCC)
	extra := hashFromByte(0xDD)
	msg := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: leaf},
		Transactions: 1,
		Hashes:       []*chainhash.Hash{&leaf, &extra},
		Flags:        []byte{0x01},
	}
	if _, err := DecodeBlock(msg); err == nil {
		t.Fatal("expected error for unused trailing hash")
	}
}

func TestDecodeBlockRejectsExhaustedFlags(t *testing.T) {
	leaf := hashFromByte(0xEE)
	msg := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: leaf},
		Transactions: 2,
		Hashes:       []*chainhash.Hash{&leaf, &leaf},
		Flags:        []byte{},
	}
	if _, err := DecodeBlock(msg); err == nil {
		t.Fatal("expected error for exhausted flag bits")
	}
}
