// Package spv implements the coordination core of a bloom-filter SPV node:
// header-sync peer selection, download scheduling across concurrent peers,
// inflight tracking with stall recovery, parent-ordered merkle block
// reassembly, solo-tx buffering, and rescan serialization. All mutation of
// session state happens inside the dispatch loop started by Session.Run.
// The Session's exported Post* and Peer* methods only enqueue requests for
// that loop and may be called from other goroutines; SetPeerManager may not.
package spv

import (
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcspv/spvnode/merkle"
)

// PeerID identifies a handshaken remote peer. The peer manager assigns
// these; the core treats them as opaque comparable keys.
type PeerID uint64

// heightHash pairs a block hash with its header-chain height.
type heightHash struct {
	height int32
	hash   chainhash.Hash
}

type inflightMerkle struct {
	heightHash
	issuedAt time.Time
}

type inflightTx struct {
	hash     chainhash.Hash
	issuedAt time.Time
}

// peerState collects the per-peer bookkeeping the data model splits into
// three maps. Keeping one record per peer, as suggested for this layout,
// makes disconnect cleanup a single map delete instead of three.
type peerState struct {
	inflightMerkles []inflightMerkle
	inflightTxs     []inflightTx
	broadcastBlocks []chainhash.Hash
}

func (p *peerState) removeInflightMerkle(hash chainhash.Hash) (inflightMerkle, bool) {
	for i, im := range p.inflightMerkles {
		if im.hash == hash {
			p.inflightMerkles = append(p.inflightMerkles[:i], p.inflightMerkles[i+1:]...)
			return im, true
		}
	}
	return inflightMerkle{}, false
}

func (p *peerState) removeInflightTx(hash chainhash.Hash) bool {
	for i, it := range p.inflightTxs {
		if it.hash == hash {
			p.inflightTxs = append(p.inflightTxs[:i], p.inflightTxs[i+1:]...)
			return true
		}
	}
	return false
}

func (p *peerState) removeBroadcastBlock(hash chainhash.Hash) bool {
	for i, h := range p.broadcastBlocks {
		if h == hash {
			p.broadcastBlocks = append(p.broadcastBlocks[:i], p.broadcastBlocks[i+1:]...)
			return true
		}
	}
	return false
}

// blockQueue is blocks_to_dwn: a height-ordered, ascending-insertion-order
// queue of (height, hash) pairs awaiting download.
type blockQueue struct {
	heights  []int32
	byHeight map[int32][]chainhash.Hash
}

func newBlockQueue() *blockQueue {
	return &blockQueue{byHeight: make(map[int32][]chainhash.Hash)}
}

func (q *blockQueue) len() int {
	n := 0
	for _, h := range q.heights {
		n += len(q.byHeight[h])
	}
	return n
}

func (q *blockQueue) add(height int32, hash chainhash.Hash) {
	hashes, ok := q.byHeight[height]
	if !ok {
		i := sort.Search(len(q.heights), func(i int) bool { return q.heights[i] >= height })
		q.heights = append(q.heights, 0)
		copy(q.heights[i+1:], q.heights[i:])
		q.heights[i] = height
	}
	q.byHeight[height] = append(hashes, hash)
}

func (q *blockQueue) addMany(items []heightHash) {
	for _, it := range items {
		q.add(it.height, it.hash)
	}
}

// take removes up to max entries from the front of the queue whose height is
// at most maxHeight. Because heights are visited in ascending order, the
// first entry exceeding maxHeight stops the walk: everything after it is at
// least as high, so nothing further in this call can qualify either.
func (q *blockQueue) take(max int, maxHeight int32) []heightHash {
	var taken []heightHash
	for len(taken) < max && len(q.heights) > 0 {
		h := q.heights[0]
		if h > maxHeight {
			break
		}
		hashes := q.byHeight[h]
		for len(hashes) > 0 && len(taken) < max {
			taken = append(taken, heightHash{height: h, hash: hashes[0]})
			hashes = hashes[1:]
		}
		if len(hashes) == 0 {
			delete(q.byHeight, h)
			q.heights = q.heights[1:]
		} else {
			q.byHeight[h] = hashes
		}
	}
	return taken
}

// HeaderInsertOutcome is the result of inserting one header into the store.
type HeaderInsertOutcome int

const (
	HeaderAccept HeaderInsertOutcome = iota
	HeaderExists
	HeaderReject
)

// ConnectKind tags the outcome of linking a decoded merkle block to the
// header chain's best-chain logic.
type ConnectKind int

const (
	BestBlock ConnectKind = iota
	BlockReorg
	SideBlock
)

// HeaderNode is a header-chain entry as returned by the HeaderStore.
type HeaderNode struct {
	Hash      chainhash.Hash
	Height    int32
	Timestamp time.Time
	Header    wire.BlockHeader
	Work      *big.Int // cumulative chain work up to and including this header
}

// ConnectResult is the tagged outcome of HeaderStore.ConnectBlock.
type ConnectResult struct {
	Kind     ConnectKind
	Node     *HeaderNode
	Common   *HeaderNode   // BlockReorg only: the fork point
	Orphaned []*HeaderNode // BlockReorg only: blocks no longer on the best chain
	New      []*HeaderNode // BlockReorg only: blocks newly on the best chain, ascending
}

// HeightHash is the public (height, hash) pair vended by HeaderStore query
// methods that return download candidates.
type HeightHash struct {
	Height int32
	Hash   chainhash.Hash
}

// HeaderStore is the narrow persistent-header-chain interface the core
// depends on. A concrete implementation lives in package headerchain.
type HeaderStore interface {
	ConnectHeader(header *wire.BlockHeader, adjustedTime time.Time) (HeaderInsertOutcome, *HeaderNode, error)
	ConnectBlock(prevBest, blockID chainhash.Hash) (ConnectResult, error)
	BestHeader() *HeaderNode
	BestHeaderHeight() int32
	HeaderByHash(hash chainhash.Hash) (*HeaderNode, bool)
	HeaderHeight(hash chainhash.Hash) (int32, bool)
	BlockBeforeTimestamp(ts time.Time) *HeaderNode
	BlocksToDownload(from chainhash.Hash) []HeightHash
	BlockLocator(from chainhash.Hash) []*chainhash.Hash
	Genesis() *HeaderNode
}

// WalletSink is the narrow wallet-facing interface the core calls into. A
// reference implementation lives in package walletsink.
type WalletSink interface {
	WantTxHash(hash chainhash.Hash) bool
	HaveMerkleHash(hash chainhash.Hash) bool
	ImportTxs(txs []*wire.MsgTx)
	ImportMerkleBlock(action ConnectResult, txHashes []chainhash.Hash)
	RescanCleanup()
}

// PeerData is the subset of peer-manager state the core reads when deciding
// what to do with a peer.
type PeerData struct {
	Height     int32
	Handshaken bool
}

// PeerManager is the narrow peer-manager interface the core calls into.
// A concrete implementation lives in package peer.
type PeerManager interface {
	SendMessage(peer PeerID, msg wire.Message) error
	Peers() []PeerID
	PeerData(peer PeerID) (PeerData, bool)
	IncreasePeerHeight(peer PeerID, height int32)
	BestPeerHeight() int32
}

// decodedMerkleBlock is an alias for readability within this package.
type decodedMerkleBlock = merkle.DecodedMerkleBlock
