package spv

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// fakeStore is a minimal, linear-chain HeaderStore double. It does not model
// forks; tests that need reorg behavior exercise package headerchain
// directly instead.
type fakeStore struct {
	genesis *HeaderNode
	best    chainhash.Hash
	nodes   map[chainhash.Hash]*HeaderNode
	byChild map[chainhash.Hash]chainhash.Hash // child -> parent, used for BlocksToDownload
}

func newFakeStore(genesisTime time.Time) *fakeStore {
	g := &HeaderNode{
		Hash:      chainhash.Hash{0xff},
		Height:    0,
		Timestamp: genesisTime,
		Work:      big.NewInt(1),
	}
	return &fakeStore{
		genesis: g,
		best:    g.Hash,
		nodes:   map[chainhash.Hash]*HeaderNode{g.Hash: g},
		byChild: make(map[chainhash.Hash]chainhash.Hash),
	}
}

// addHeader directly inserts a node without going through ConnectHeader, for
// tests that want to seed a chain ahead of the session under test.
func (f *fakeStore) addHeader(hash, parent chainhash.Hash, height int32, ts time.Time) *HeaderNode {
	n := &HeaderNode{
		Hash:      hash,
		Height:    height,
		Timestamp: ts,
		Header:    wire.BlockHeader{PrevBlock: parent, Timestamp: ts},
		Work:      big.NewInt(int64(height) + 1),
	}
	f.nodes[hash] = n
	f.byChild[hash] = parent
	if n.Work.Cmp(f.nodes[f.best].Work) > 0 {
		f.best = hash
	}
	return n
}

func (f *fakeStore) ConnectHeader(header *wire.BlockHeader, adjustedTime time.Time) (HeaderInsertOutcome, *HeaderNode, error) {
	hash := header.BlockHash()
	if n, ok := f.nodes[hash]; ok {
		return HeaderExists, n, nil
	}
	parent, ok := f.nodes[header.PrevBlock]
	if !ok {
		return HeaderReject, nil, errTest("unknown parent")
	}
	n := &HeaderNode{
		Hash:      hash,
		Height:    parent.Height + 1,
		Timestamp: header.Timestamp,
		Header:    *header,
		Work:      new(big.Int).Add(parent.Work, big.NewInt(1)),
	}
	f.nodes[hash] = n
	f.byChild[hash] = header.PrevBlock
	if n.Work.Cmp(f.nodes[f.best].Work) > 0 {
		f.best = hash
	}
	return HeaderAccept, n, nil
}

func (f *fakeStore) ConnectBlock(prevBest, blockID chainhash.Hash) (ConnectResult, error) {
	node, ok := f.nodes[blockID]
	if !ok {
		return ConnectResult{}, errTest("unconnected block")
	}
	if node.Header.PrevBlock == prevBest || prevBest == (chainhash.Hash{}) {
		return ConnectResult{Kind: BestBlock, Node: node}, nil
	}
	return ConnectResult{Kind: SideBlock, Node: node}, nil
}

func (f *fakeStore) BestHeader() *HeaderNode       { return f.nodes[f.best] }
func (f *fakeStore) BestHeaderHeight() int32       { return f.nodes[f.best].Height }
func (f *fakeStore) Genesis() *HeaderNode          { return f.genesis }
func (f *fakeStore) HeaderByHash(h chainhash.Hash) (*HeaderNode, bool) {
	n, ok := f.nodes[h]
	return n, ok
}
func (f *fakeStore) HeaderHeight(h chainhash.Hash) (int32, bool) {
	n, ok := f.nodes[h]
	if !ok {
		return 0, false
	}
	return n.Height, true
}
func (f *fakeStore) BlockBeforeTimestamp(ts time.Time) *HeaderNode {
	return f.genesis
}
func (f *fakeStore) BlocksToDownload(from chainhash.Hash) []HeightHash {
	var out []HeightHash
	for h := f.best; h != from; {
		n := f.nodes[h]
		out = append([]HeightHash{{Height: n.Height, Hash: n.Hash}}, out...)
		parent, ok := f.byChild[h]
		if !ok {
			break
		}
		h = parent
	}
	return out
}
func (f *fakeStore) BlockLocator(from chainhash.Hash) []*chainhash.Hash {
	hash := f.best
	return []*chainhash.Hash{&hash}
}

type errTest string

func (e errTest) Error() string { return string(e) }

// fakeWallet is a minimal WalletSink double that records everything the
// core hands it.
type fakeWallet struct {
	wanted      map[chainhash.Hash]bool
	known       map[chainhash.Hash]bool
	importedTxs []*wire.MsgTx
	imports     []ConnectResult
	cleanups    int
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{wanted: map[chainhash.Hash]bool{}, known: map[chainhash.Hash]bool{}}
}

func (w *fakeWallet) WantTxHash(hash chainhash.Hash) bool   { return w.wanted[hash] }
func (w *fakeWallet) HaveMerkleHash(hash chainhash.Hash) bool { return w.known[hash] }
func (w *fakeWallet) ImportTxs(txs []*wire.MsgTx)            { w.importedTxs = append(w.importedTxs, txs...) }
func (w *fakeWallet) ImportMerkleBlock(action ConnectResult, txHashes []chainhash.Hash) {
	w.known[action.Node.Hash] = true
	w.imports = append(w.imports, action)
}
func (w *fakeWallet) RescanCleanup() { w.cleanups++ }

// fakePeerManager is a minimal PeerManager double: it records every message
// sent to each peer rather than actually transporting anything.
type fakePeerManager struct {
	peers   []PeerID
	data    map[PeerID]PeerData
	sent    map[PeerID][]wire.Message
	heights map[PeerID]int32
}

func newFakePeerManager() *fakePeerManager {
	return &fakePeerManager{
		data: make(map[PeerID]PeerData),
		sent: make(map[PeerID][]wire.Message),
	}
}

func (m *fakePeerManager) addPeer(id PeerID, height int32, handshaken bool) {
	m.peers = append(m.peers, id)
	m.data[id] = PeerData{Height: height, Handshaken: handshaken}
}

func (m *fakePeerManager) SendMessage(peer PeerID, msg wire.Message) error {
	m.sent[peer] = append(m.sent[peer], msg)
	return nil
}
func (m *fakePeerManager) Peers() []PeerID { return m.peers }
func (m *fakePeerManager) PeerData(peer PeerID) (PeerData, bool) {
	d, ok := m.data[peer]
	return d, ok
}
func (m *fakePeerManager) IncreasePeerHeight(peer PeerID, height int32) {
	d := m.data[peer]
	if height > d.Height {
		d.Height = height
		m.data[peer] = d
	}
}
func (m *fakePeerManager) BestPeerHeight() int32 {
	var best int32
	for _, d := range m.data {
		if d.Height > best {
			best = d.Height
		}
	}
	return best
}
