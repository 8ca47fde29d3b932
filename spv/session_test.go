package spv

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func newTestSession(store *fakeStore, wallet *fakeWallet, mgr *fakePeerManager) *Session {
	return NewSession(store, wallet, mgr, time.Time{}, store.genesis.Hash)
}

func TestHandlePeerHandshakeSendsFilterAndGetHeaders(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()
	mgr.addPeer(1, 0, true)

	s := newTestSession(store, wallet, mgr)
	s.bloom = []byte{0x01, 0x02}

	s.dispatch(peerHandshake{peer: 1})

	var sawFilterLoad, sawGetHeaders bool
	for _, msg := range mgr.sent[1] {
		switch msg.(type) {
		case *wire.MsgFilterLoad:
			sawFilterLoad = true
		case *wire.MsgGetHeaders:
			sawGetHeaders = true
		}
	}
	if !sawFilterLoad {
		t.Error("expected a FilterLoad message on handshake with a bloom filter installed")
	}
	if !sawGetHeaders {
		t.Error("expected a GetHeaders message on handshake")
	}
}

func TestHandlePeerHandshakeFlushesPendingTxBroadcast(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()

	s := newTestSession(store, wallet, mgr)

	tx := wire.NewMsgTx(wire.TxVersion)
	s.dispatch(PublishTx{Tx: tx})
	if len(s.pendingTxBroadcast) != 1 {
		t.Fatalf("pendingTxBroadcast = %d, want 1 (no peers connected yet)", len(s.pendingTxBroadcast))
	}

	mgr.addPeer(1, 0, true)
	s.dispatch(peerHandshake{peer: 1})

	found := false
	for _, msg := range mgr.sent[1] {
		if sent, ok := msg.(*wire.MsgTx); ok && sent == tx {
			found = true
		}
	}
	if !found {
		t.Error("expected the queued tx to be sent once a peer handshakes")
	}
	if len(s.pendingTxBroadcast) != 0 {
		t.Errorf("pendingTxBroadcast = %d, want 0 after flush", len(s.pendingTxBroadcast))
	}
}

func TestHandlePeerHeadersAdvancesBestAndSchedulesDownload(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()
	mgr.addPeer(1, 1, true)

	s := newTestSession(store, wallet, mgr)
	s.bloom = []byte{0x01}

	h1 := &wire.BlockHeader{PrevBlock: store.genesis.Hash, Timestamp: time.Unix(2000, 0)}
	s.dispatch(peerHeaders{peer: 1, headers: []*wire.BlockHeader{h1}})

	if store.BestHeaderHeight() != 1 {
		t.Fatalf("BestHeaderHeight() = %d, want 1", store.BestHeaderHeight())
	}

	var sawGetData bool
	for _, msg := range mgr.sent[1] {
		if _, ok := msg.(*wire.MsgGetData); ok {
			sawGetData = true
		}
	}
	if !sawGetData {
		t.Error("expected downloadBlocks to issue a GetData after accepting a downloadable header")
	}
}

func TestHandlePeerHeadersSkipsDownloadBeforeFastCatchup(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()
	mgr.addPeer(1, 5, true)

	s := newTestSession(store, wallet, mgr)
	s.fastCatchup = time.Unix(5000, 0)
	s.bloom = []byte{0x01}

	h1 := &wire.BlockHeader{PrevBlock: store.genesis.Hash, Timestamp: time.Unix(2000, 0)}
	s.dispatch(peerHeaders{peer: 1, headers: []*wire.BlockHeader{h1}})

	if s.blocksToDwn.len() != 0 {
		t.Errorf("blocksToDwn.len() = %d, want 0 for a header before fast_catchup", s.blocksToDwn.len())
	}
	if s.bestBlockHash != h1.BlockHash() {
		t.Error("bestBlockHash should still advance for a header-only block that gains work")
	}
}

func TestPeerMerkleBlockImportsMatchedTx(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()
	mgr.addPeer(1, 1, true)

	s := newTestSession(store, wallet, mgr)
	s.bloom = []byte{0x01}

	child := &wire.BlockHeader{PrevBlock: store.genesis.Hash, Timestamp: time.Unix(2000, 0)}
	childHash := child.BlockHash()
	store.addHeader(childHash, store.genesis.Hash, 1, child.Timestamp)

	tx := wire.NewMsgTx(wire.TxVersion)
	txHash := tx.TxHash()
	s.soloTxs[txHash] = tx

	ps := s.peer(1)
	ps.inflightMerkles = append(ps.inflightMerkles, inflightMerkle{heightHash: heightHash{height: 1, hash: childHash}})

	dmb := &decodedMerkleBlock{
		Header:          *child,
		Root:            child.MerkleRoot,
		MatchedTxHashes: []chainhash.Hash{txHash},
	}
	s.dispatch(peerMerkleBlock{peer: 1, dmb: dmb})

	if len(wallet.importedTxs) != 1 || wallet.importedTxs[0] != tx {
		t.Fatalf("importedTxs = %v, want [tx]", wallet.importedTxs)
	}
	if s.bestBlockHash != childHash {
		t.Errorf("bestBlockHash = %v, want %v", s.bestBlockHash, childHash)
	}
	if len(ps.inflightMerkles) != 0 {
		t.Errorf("inflightMerkles = %d, want 0 after import", len(ps.inflightMerkles))
	}
}

func TestPeerMerkleBlockRejectsBadRoot(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()

	s := newTestSession(store, wallet, mgr)

	child := &wire.BlockHeader{PrevBlock: store.genesis.Hash, Timestamp: time.Unix(2000, 0)}
	childHash := child.BlockHash()
	store.addHeader(childHash, store.genesis.Hash, 1, child.Timestamp)

	ps := s.peer(1)
	ps.inflightMerkles = append(ps.inflightMerkles, inflightMerkle{heightHash: heightHash{height: 1, hash: childHash}})

	var badRoot chainhash.Hash
	badRoot[0] = 0xEE
	dmb := &decodedMerkleBlock{Header: *child, Root: badRoot}
	s.dispatch(peerMerkleBlock{peer: 1, dmb: dmb})

	if s.blocksToDwn.len() != 1 {
		t.Errorf("blocksToDwn.len() = %d, want 1 (re-queued after bad root)", s.blocksToDwn.len())
	}
	if len(ps.inflightMerkles) != 0 {
		t.Errorf("inflightMerkles = %d, want 0 (removed before re-queue)", len(ps.inflightMerkles))
	}
}

func TestHandlePeerDisconnectReclaimsInflight(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()

	s := newTestSession(store, wallet, mgr)
	ps := s.peer(1)
	var h chainhash.Hash
	h[0] = 0x11
	ps.inflightMerkles = append(ps.inflightMerkles, inflightMerkle{heightHash: heightHash{height: 3, hash: h}})

	s.dispatch(peerDisconnect{peer: 1})

	if s.blocksToDwn.len() != 1 {
		t.Errorf("blocksToDwn.len() = %d, want 1 after reclaiming a disconnected peer's inflight merkle", s.blocksToDwn.len())
	}
	if _, ok := s.peerStates[1]; ok {
		t.Error("expected peerStates entry to be removed on disconnect")
	}
}

func TestHandleNodeRescanDefersUntilDrained(t *testing.T) {
	store := newFakeStore(time.Unix(1000, 0))
	wallet := newFakeWallet()
	mgr := newFakePeerManager()

	s := newTestSession(store, wallet, mgr)
	ps := s.peer(1)

	child := &wire.BlockHeader{PrevBlock: store.genesis.Hash, Timestamp: time.Unix(2000, 0)}
	childHash := child.BlockHash()
	store.addHeader(childHash, store.genesis.Hash, 1, child.Timestamp)
	ps.inflightMerkles = append(ps.inflightMerkles, inflightMerkle{heightHash: heightHash{height: 1, hash: childHash}})

	s.dispatch(NodeRescan{Timestamp: time.Unix(500, 0)})
	if !s.hasPendingRescan {
		t.Fatal("expected hasPendingRescan to be set")
	}
	if wallet.cleanups != 0 {
		t.Fatal("rescan should not complete while a merkle download is still inflight")
	}

	dmb := &decodedMerkleBlock{Header: *child, Root: child.MerkleRoot}
	s.dispatch(peerMerkleBlock{peer: 1, dmb: dmb})

	if s.hasPendingRescan {
		t.Error("rescan should complete once the last inflight merkle drains")
	}
	if wallet.cleanups != 1 {
		t.Errorf("cleanups = %d, want 1", wallet.cleanups)
	}
}
