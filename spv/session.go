package spv

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// stallTimeout is the heartbeat interval and the age at which an inflight
// request is considered stalled (§4.7).
const stallTimeout = 120 * time.Second

// maxBlocksPerBatch is the download scheduler's per-assignment cap (§4.3).
const maxBlocksPerBatch = 500

// eventQueueDepth bounds the dispatcher's inbound channel. The core never
// blocks on peer I/O, but a slow consumer of this channel would block every
// producer, so the bound is generous.
const eventQueueDepth = 4096

// Session is the SPV coordination core: the singleton record of in-memory
// state described by the data model, plus the dispatch loop that is its
// only mutator.
type Session struct {
	store  HeaderStore
	wallet WalletSink
	mgr    PeerManager

	events chan request

	syncPeer    PeerID
	hasSyncPeer bool

	bloom []byte

	blocksToDwn    *blockQueue
	receivedMerkle map[int32][]*decodedMerkleBlock

	bestBlockHash chainhash.Hash

	soloTxs map[chainhash.Hash]*wire.MsgTx

	pendingTxBroadcast []*wire.MsgTx

	pendingRescan    time.Time
	hasPendingRescan bool

	fastCatchup time.Time

	peerStates map[PeerID]*peerState
}

// NewSession constructs a session. fastCatchup and bestBlockHash seed the
// lifecycle as described in §3; blocksToDwn is populated from the header
// store during Run's startup sequence, matching the header-sync driver's
// documented startup behavior (§4.2).
func NewSession(store HeaderStore, wallet WalletSink, mgr PeerManager, fastCatchup time.Time, bestBlockHash chainhash.Hash) *Session {
	return &Session{
		store:          store,
		wallet:         wallet,
		mgr:            mgr,
		events:         make(chan request, eventQueueDepth),
		blocksToDwn:    newBlockQueue(),
		receivedMerkle: make(map[int32][]*decodedMerkleBlock),
		soloTxs:        make(map[chainhash.Hash]*wire.MsgTx),
		fastCatchup:    fastCatchup,
		bestBlockHash:  bestBlockHash,
		peerStates:     make(map[PeerID]*peerState),
	}
}

// SetPeerManager assigns the peer manager collaborator. It exists to break
// the construction cycle between a Session and a peer manager that must be
// built from an existing *Session (see package peer's LocalPeer); it must
// be called before Run and not concurrently with it.
func (s *Session) SetPeerManager(mgr PeerManager) {
	s.mgr = mgr
}

// Run starts the dispatch loop and the heartbeat timer, and performs the
// header-sync driver's startup sequence (§4.2) before serving events. It
// blocks until ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	s.startup()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runHeartbeatTicker(ctx)
	})
	g.Go(func() error {
		return s.runDispatchLoop(ctx)
	})
	return g.Wait()
}

func (s *Session) runDispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.events:
			s.dispatch(req)
		}
	}
}

func (s *Session) runHeartbeatTicker(ctx context.Context) error {
	ticker := time.NewTicker(stallTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.post(ctx, Heartbeat{})
		}
	}
}

// post enqueues a request for the dispatch loop, blocking only until ctx is
// done or the bounded channel accepts it.
func (s *Session) post(ctx context.Context, req request) error {
	select {
	case s.events <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostBloomFilterUpdate is the wallet-facing entry point for installing a
// new bloom filter (§6).
func (s *Session) PostBloomFilterUpdate(ctx context.Context, filter []byte) error {
	return s.post(ctx, BloomFilterUpdate{Filter: filter})
}

// PostPublishTx is the wallet-facing entry point for broadcasting a
// transaction (§6).
func (s *Session) PostPublishTx(ctx context.Context, tx *wire.MsgTx) error {
	return s.post(ctx, PublishTx{Tx: tx})
}

// PostNodeRescan is the wallet-facing entry point for triggering a rescan
// (§6, §4.6).
func (s *Session) PostNodeRescan(ctx context.Context, ts time.Time) error {
	return s.post(ctx, NodeRescan{Timestamp: ts})
}

// PostHeartbeat forces an out-of-band stall check; primarily useful in
// tests that don't want to wait out the real timer.
func (s *Session) PostHeartbeat(ctx context.Context) error {
	return s.post(ctx, Heartbeat{})
}

// PeerHandshake is the peer-manager callback for a completed handshake
// (§6: peerHandshake).
func (s *Session) PeerHandshake(ctx context.Context, peer PeerID) error {
	return s.post(ctx, peerHandshake{peer: peer})
}

// PeerDisconnect is the peer-manager callback for a torn-down connection
// (§6: peerDisconnect).
func (s *Session) PeerDisconnect(ctx context.Context, peer PeerID) error {
	return s.post(ctx, peerDisconnect{peer: peer})
}

// PeerHeaders is the peer-manager callback for an inbound Headers message
// (§6: peerMessage).
func (s *Session) PeerHeaders(ctx context.Context, peer PeerID, headers []*wire.BlockHeader) error {
	return s.post(ctx, peerHeaders{peer: peer, headers: headers})
}

// PeerInv is the peer-manager callback for an inbound Inv message
// (§6: peerMessage).
func (s *Session) PeerInv(ctx context.Context, peer PeerID, invs []*wire.InvVect) error {
	return s.post(ctx, peerInv{peer: peer, invs: invs})
}

// PeerTx is the peer-manager callback for an inbound Tx message
// (§6: peerMessage).
func (s *Session) PeerTx(ctx context.Context, peer PeerID, tx *wire.MsgTx) error {
	return s.post(ctx, peerTx{peer: peer, tx: tx})
}

// PeerMerkleBlock is the peer-manager callback for an inbound, already
// decoded merkle block (§6: peerMerkleBlock).
func (s *Session) PeerMerkleBlock(ctx context.Context, peer PeerID, dmb *decodedMerkleBlock) error {
	return s.post(ctx, peerMerkleBlock{peer: peer, dmb: dmb})
}

// peer returns (creating if absent) the bookkeeping record for peer.
func (s *Session) peer(peer PeerID) *peerState {
	ps, ok := s.peerStates[peer]
	if !ok {
		ps = &peerState{}
		s.peerStates[peer] = ps
	}
	return ps
}

// bloomSet reports whether a non-empty bloom filter has been installed.
func (s *Session) bloomSet() bool {
	return len(s.bloom) > 0
}

// headersSynced is the §4.2 headers-synced predicate: best header height is
// at or above the best advertised peer height.
func (s *Session) headersSynced() bool {
	return s.store.BestHeaderHeight() >= s.mgr.BestPeerHeight()
}

// merkleSynced reports whether merkle-block delivery has caught up to the
// best known peer height (§4.4's "merkle-blocks-synced" predicate).
func (s *Session) merkleSynced() bool {
	height, ok := s.store.HeaderHeight(s.bestBlockHash)
	if !ok {
		return false
	}
	return height >= s.mgr.BestPeerHeight()
}
