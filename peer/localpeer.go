// Package peer implements the peer-manager collaborator the SPV session
// core depends on (see spv.PeerManager): dialing outbound connections,
// running the version handshake, and running per-connection read/write
// loops that translate raw wire messages into calls on a *spv.Session.
//
// The session core is the only mutator of coordination state; this package
// owns socket lifetime and never blocks the core on I/O, matching the
// concurrency model the core assumes (bounded per-peer send channels, no
// suspension outside of those sends).
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcspv/spvnode/errors"
	"github.com/btcspv/spvnode/spv"
)

// outboundBufferSize bounds each peer's outbound message channel. The core
// never blocks on socket I/O; when this channel is full, a send to that one
// peer fails and the message is dropped, and the dispatcher is not blocked.
const outboundBufferSize = 64

// LocalPeer owns the registry of connected remote peers and implements
// spv.PeerManager on their behalf.
type LocalPeer struct {
	chainParams *chaincfg.Params
	amgr        *addrmgr.AddrManager
	userAgent   string
	services    wire.ServiceFlag

	session *spv.Session

	mu       sync.Mutex
	nextID   spv.PeerID
	remotes  map[spv.PeerID]*RemotePeer
}

// NewLocalPeer constructs a LocalPeer that will dispatch peer events to
// session. When amgr is non-nil, each successful outbound connection is
// marked good in it; the addresses to dial are supplied by the caller of
// ConnectOutbound, not selected from amgr.
func NewLocalPeer(chainParams *chaincfg.Params, amgr *addrmgr.AddrManager, userAgent string, session *spv.Session) *LocalPeer {
	return &LocalPeer{
		chainParams: chainParams,
		amgr:        amgr,
		userAgent:   userAgent,
		services:    wire.SFNodeNetwork | wire.SFNodeBloom,
		session:     session,
		remotes:     make(map[spv.PeerID]*RemotePeer),
	}
}

// ConnectOutbound dials addr, performs the version/verack handshake, and
// starts the connection's read/write loops. It returns once the handshake
// completes; the connection continues running in background goroutines
// until ctx is canceled or the connection errors out.
func (lp *LocalPeer) ConnectOutbound(ctx context.Context, addr string) (*RemotePeer, error) {
	const op errors.Op = "peer.ConnectOutbound"

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	lp.mu.Lock()
	id := lp.nextID
	lp.nextID++
	lp.mu.Unlock()

	rp := newRemotePeer(id, lp, conn)

	if err := rp.handshake(ctx); err != nil {
		conn.Close()
		return nil, errors.E(op, err)
	}

	lp.mu.Lock()
	lp.remotes[id] = rp
	lp.mu.Unlock()

	if lp.amgr != nil {
		if na, err := lp.amgr.HostToNetAddress(rp.raddrHost, rp.raddrPort, lp.services); err == nil {
			lp.amgr.Good(na)
		}
	}

	go rp.serveUntilError(ctx)

	if err := lp.session.PeerHandshake(ctx, id); err != nil {
		return rp, err
	}

	return rp, nil
}

// removePeer drops a peer from the registry and notifies the core.
func (lp *LocalPeer) removePeer(ctx context.Context, id spv.PeerID) {
	lp.mu.Lock()
	delete(lp.remotes, id)
	lp.mu.Unlock()

	_ = lp.session.PeerDisconnect(ctx, id)
}

func (lp *LocalPeer) peerByID(id spv.PeerID) (*RemotePeer, bool) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	rp, ok := lp.remotes[id]
	return rp, ok
}

// SendMessage implements spv.PeerManager.
func (lp *LocalPeer) SendMessage(id spv.PeerID, msg wire.Message) error {
	rp, ok := lp.peerByID(id)
	if !ok {
		return errors.E(errors.NoPeers, fmt.Sprintf("peer %d not connected", id))
	}
	return rp.queueMessage(msg)
}

// Peers implements spv.PeerManager.
func (lp *LocalPeer) Peers() []spv.PeerID {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	ids := make([]spv.PeerID, 0, len(lp.remotes))
	for id := range lp.remotes {
		ids = append(ids, id)
	}
	return ids
}

// PeerData implements spv.PeerManager.
func (lp *LocalPeer) PeerData(id spv.PeerID) (spv.PeerData, bool) {
	rp, ok := lp.peerByID(id)
	if !ok {
		return spv.PeerData{}, false
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return spv.PeerData{Height: rp.height, Handshaken: rp.handshaken}, true
}

// IncreasePeerHeight implements spv.PeerManager.
func (lp *LocalPeer) IncreasePeerHeight(id spv.PeerID, height int32) {
	rp, ok := lp.peerByID(id)
	if !ok {
		return
	}
	rp.mu.Lock()
	if height > rp.height {
		rp.height = height
	}
	rp.mu.Unlock()
}

// BestPeerHeight implements spv.PeerManager.
func (lp *LocalPeer) BestPeerHeight() int32 {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	var best int32
	for _, rp := range lp.remotes {
		rp.mu.Lock()
		if rp.height > best {
			best = rp.height
		}
		rp.mu.Unlock()
	}
	return best
}
