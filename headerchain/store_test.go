package headerchain

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcspv/spvnode/spv"
)

var easyBits = blockchain.BigToCompact(new(big.Int).Lsh(big.NewInt(1), 250))

func mineChild(t *testing.T, prev *spv.HeaderNode, ts time.Time) *wire.BlockHeader {
	t.Helper()
	h := &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev.Hash,
		Timestamp:  ts,
		Bits:       easyBits,
		MerkleRoot: prev.Hash,
	}
	for nonce := uint32(0); nonce < 1<<20; nonce++ {
		h.Nonce = nonce
		hash := h.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(blockchain.CompactToBig(easyBits)) <= 0 {
			return h
		}
	}
	t.Fatal("failed to mine a child header")
	return nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	genesis := &wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1231006505, 0),
		Bits:      easyBits,
	}
	dbPath := filepath.Join(t.TempDir(), "headers.db")
	s, err := Open(dbPath, genesis)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsGenesis(t *testing.T) {
	s := openTestStore(t)
	g := s.Genesis()
	if g == nil || g.Height != 0 {
		t.Fatalf("Genesis() = %+v, want height 0", g)
	}
	if s.BestHeader().Hash != g.Hash {
		t.Fatalf("BestHeader() = %v, want genesis %v", s.BestHeader().Hash, g.Hash)
	}
}

func TestConnectHeaderExtendsChain(t *testing.T) {
	s := openTestStore(t)
	genesis := s.Genesis()

	child := mineChild(t, genesis, genesis.Timestamp.Add(10*time.Minute))
	outcome, node, err := s.ConnectHeader(child, time.Now())
	if err != nil {
		t.Fatalf("ConnectHeader: %v", err)
	}
	if outcome != spv.HeaderAccept {
		t.Fatalf("outcome = %v, want HeaderAccept", outcome)
	}
	if node.Height != 1 {
		t.Fatalf("node.Height = %d, want 1", node.Height)
	}
	if s.BestHeaderHeight() != 1 {
		t.Fatalf("BestHeaderHeight() = %d, want 1", s.BestHeaderHeight())
	}
}

func TestConnectHeaderRejectsUnknownParent(t *testing.T) {
	s := openTestStore(t)
	genesis := s.Genesis()
	orphan := mineChild(t, genesis, genesis.Timestamp.Add(time.Minute))
	orphan.PrevBlock = chainhash.Hash{}

	_, _, err := s.ConnectHeader(orphan, time.Now())
	if err == nil {
		t.Fatal("expected error for header with unknown parent")
	}
}

func TestConnectHeaderDuplicateReturnsExists(t *testing.T) {
	s := openTestStore(t)
	genesis := s.Genesis()
	child := mineChild(t, genesis, genesis.Timestamp.Add(time.Minute))

	if _, _, err := s.ConnectHeader(child, time.Now()); err != nil {
		t.Fatalf("ConnectHeader: %v", err)
	}
	outcome, _, err := s.ConnectHeader(child, time.Now())
	if err != nil {
		t.Fatalf("ConnectHeader (duplicate): %v", err)
	}
	if outcome != spv.HeaderExists {
		t.Fatalf("outcome = %v, want HeaderExists", outcome)
	}
}

func TestConnectBlockClassifiesBestBlock(t *testing.T) {
	s := openTestStore(t)
	genesis := s.Genesis()
	child := mineChild(t, genesis, genesis.Timestamp.Add(time.Minute))
	if _, _, err := s.ConnectHeader(child, time.Now()); err != nil {
		t.Fatalf("ConnectHeader: %v", err)
	}

	result, err := s.ConnectBlock(genesis.Hash, child.BlockHash())
	if err != nil {
		t.Fatalf("ConnectBlock: %v", err)
	}
	if result.Kind != spv.BestBlock {
		t.Fatalf("Kind = %v, want BestBlock", result.Kind)
	}
}

func TestConnectBlockClassifiesReorg(t *testing.T) {
	s := openTestStore(t)
	genesis := s.Genesis()

	a1 := mineChild(t, genesis, genesis.Timestamp.Add(time.Minute))
	if _, _, err := s.ConnectHeader(a1, time.Now()); err != nil {
		t.Fatalf("ConnectHeader a1: %v", err)
	}
	a1Node, _ := s.HeaderByHash(a1.BlockHash())

	b1 := mineChild(t, genesis, genesis.Timestamp.Add(2*time.Minute))
	if _, _, err := s.ConnectHeader(b1, time.Now()); err != nil {
		t.Fatalf("ConnectHeader b1: %v", err)
	}
	b1Node, _ := s.HeaderByHash(b1.BlockHash())
	b2 := mineChild(t, b1Node, b1Node.Timestamp.Add(time.Minute))
	if _, _, err := s.ConnectHeader(b2, time.Now()); err != nil {
		t.Fatalf("ConnectHeader b2: %v", err)
	}

	result, err := s.ConnectBlock(a1Node.Hash, b2.BlockHash())
	if err != nil {
		t.Fatalf("ConnectBlock: %v", err)
	}
	if result.Kind != spv.BlockReorg {
		t.Fatalf("Kind = %v, want BlockReorg", result.Kind)
	}
	if result.Common.Hash != genesis.Hash {
		t.Fatalf("Common = %v, want genesis", result.Common.Hash)
	}
	if len(result.Orphaned) != 1 || len(result.New) != 2 {
		t.Fatalf("Orphaned=%d New=%d, want 1 and 2", len(result.Orphaned), len(result.New))
	}
}
