package spv

import (
	"time"

	"github.com/btcsuite/btcd/wire"
)

// request is the tagged variant family accepted by the dispatcher's bounded
// channel: wallet requests, peer lifecycle events, and inbound peer
// messages are all encoded as the same family so a single consumption loop
// serializes every mutation of session state.
type request interface {
	isRequest()
}

// BloomFilterUpdate installs a new bloom filter and broadcasts FilterLoad.
type BloomFilterUpdate struct{ Filter []byte }

// PublishTx broadcasts a wallet-originated transaction to every handshaken
// peer, or queues it if none exists yet.
type PublishTx struct{ Tx *wire.MsgTx }

// NodeRescan requests a rescan from the given timestamp, deferred until any
// inflight merkle downloads drain.
type NodeRescan struct{ Timestamp time.Time }

// Heartbeat triggers stall detection; posted by a timer every 120s, or
// directly by a caller (e.g. tests) wanting to force a check.
type Heartbeat struct{}

// peerHandshake signals that a peer completed version/verack negotiation.
type peerHandshake struct{ peer PeerID }

// peerDisconnect signals that a peer's connection was torn down.
type peerDisconnect struct{ peer PeerID }

// peerHeaders carries a Headers message from a peer.
type peerHeaders struct {
	peer    PeerID
	headers []*wire.BlockHeader
}

// peerInv carries an Inv message from a peer.
type peerInv struct {
	peer PeerID
	invs []*wire.InvVect
}

// peerTx carries a Tx message from a peer.
type peerTx struct {
	peer PeerID
	tx   *wire.MsgTx
}

// peerMerkleBlock carries an already-decoded merkle block from a peer.
type peerMerkleBlock struct {
	peer PeerID
	dmb  *decodedMerkleBlock
}

func (BloomFilterUpdate) isRequest() {}
func (PublishTx) isRequest()         {}
func (NodeRescan) isRequest()        {}
func (Heartbeat) isRequest()         {}
func (peerHandshake) isRequest()     {}
func (peerDisconnect) isRequest()    {}
func (peerHeaders) isRequest()       {}
func (peerInv) isRequest()           {}
func (peerTx) isRequest()            {}
func (peerMerkleBlock) isRequest()   {}

func (s *Session) dispatch(req request) {
	switch r := req.(type) {
	case BloomFilterUpdate:
		s.handleBloomFilterUpdate(r.Filter)
	case PublishTx:
		s.handlePublishTx(r.Tx)
	case NodeRescan:
		s.handleNodeRescan(r.Timestamp)
	case Heartbeat:
		s.handleHeartbeat()
	case peerHandshake:
		s.handlePeerHandshake(r.peer)
	case peerDisconnect:
		s.handlePeerDisconnect(r.peer)
	case peerHeaders:
		s.handlePeerHeaders(r.peer, r.headers)
	case peerInv:
		s.handlePeerInv(r.peer, r.invs)
	case peerTx:
		s.handlePeerTx(r.peer, r.tx)
	case peerMerkleBlock:
		s.handlePeerMerkleBlock(r.peer, r.dmb)
	default:
		log.Warnf("spv: dropping request of unknown type %T", req)
	}
}
