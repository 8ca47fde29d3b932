package peer

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/btcspv/spvnode/errors"
	"github.com/btcspv/spvnode/lru"
	"github.com/btcspv/spvnode/merkle"
	"github.com/btcspv/spvnode/spv"
)

// invCacheLimit bounds how many recently-seen inventory hashes are
// remembered per peer, enough to absorb re-announcements within a single
// batch without growing unbounded over a long-lived connection.
const invCacheLimit = 5000

// protocolVersion is the wire protocol version advertised in our version
// message. Bloom filtering was introduced well before this version.
const protocolVersion = wire.ProtocolVersion

// handshakeTimeout bounds how long the version/verack exchange is allowed
// to take before the connection is abandoned.
const handshakeTimeout = 15 * time.Second

// banScoreThreshold is the cumulative ban score past which a peer is
// disconnected; banScoreMalformedMerkleBlock is the weight added for a
// merkle block that fails partial-tree reconstruction.
const (
	banScoreThreshold            = 100
	banScoreMalformedMerkleBlock = 20
)

// RemotePeer is one connected peer: its socket, outbound send queue, and
// the subset of peer state the core queries through spv.PeerManager.
type RemotePeer struct {
	id spv.PeerID
	lp *LocalPeer

	conn net.Conn

	raddrHost string
	raddrPort uint16

	mu          sync.Mutex
	height      int32
	handshaken  bool
	services    wire.ServiceFlag
	userAgent   string
	banScore    connmgr.DynamicBanScore

	pingNonce uint64
	pingSent  time.Time

	invSeen lru.Cache
	txSeen  lru.Map[chainhash.Hash, time.Time]

	out chan wire.Message
}

func newRemotePeer(id spv.PeerID, lp *LocalPeer, conn net.Conn) *RemotePeer {
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return &RemotePeer{
		id:        id,
		lp:        lp,
		conn:      conn,
		raddrHost: host,
		raddrPort: uint16(port),
		invSeen:   lru.NewCache(invCacheLimit),
		txSeen:    lru.NewMap[chainhash.Hash, time.Time](invCacheLimit),
		out:       make(chan wire.Message, outboundBufferSize),
	}
}

// queueMessage enqueues msg for the write loop without blocking the caller
// beyond the channel's buffer.
func (rp *RemotePeer) queueMessage(msg wire.Message) error {
	select {
	case rp.out <- msg:
		return nil
	default:
		return errors.E(errors.IO, "peer outbound queue full")
	}
}

// handshake performs the version/verack exchange described by the Bitcoin
// wire protocol. It must complete before the peer is registered with the
// LocalPeer or handed to the core.
func (rp *RemotePeer) handshake(ctx context.Context) error {
	const op errors.Op = "peer.handshake"

	deadline := time.Now().Add(handshakeTimeout)
	rp.conn.SetDeadline(deadline)
	defer rp.conn.SetDeadline(time.Time{})

	ourNonce, err := wire.RandomUint64()
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	me := wire.NewNetAddress(&net.TCPAddr{IP: net.IPv4zero, Port: 0}, 0)
	you := wire.NewNetAddress(&net.TCPAddr{IP: net.IPv4zero, Port: 0}, 0)
	version := wire.NewMsgVersion(me, you, ourNonce, 0)
	version.UserAgent = rp.lp.userAgent
	version.Services = rp.lp.services
	version.ProtocolVersion = int32(protocolVersion)
	if err := wire.WriteMessage(rp.conn, version, protocolVersion, rp.lp.chainParams.Net); err != nil {
		return errors.E(op, errors.IO, err)
	}

	gotVersion, gotVerAck := false, false
	for !gotVersion || !gotVerAck {
		msg, _, err := wire.ReadMessage(rp.conn, protocolVersion, rp.lp.chainParams.Net)
		if err != nil {
			return errors.E(op, errors.IO, err)
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			rp.mu.Lock()
			rp.services = m.Services
			rp.userAgent = m.UserAgent
			rp.height = m.LastBlock
			rp.mu.Unlock()
			gotVersion = true
			if err := wire.WriteMessage(rp.conn, wire.NewMsgVerAck(), protocolVersion, rp.lp.chainParams.Net); err != nil {
				return errors.E(op, errors.IO, err)
			}
		case *wire.MsgVerAck:
			gotVerAck = true
		}
	}

	rp.mu.Lock()
	rp.handshaken = true
	rp.mu.Unlock()
	return nil
}

// serveUntilError runs the read and write loops until either errors out or
// ctx is canceled, then tears down the connection and notifies the core.
func (rp *RemotePeer) serveUntilError(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rp.readLoop(gctx) })
	g.Go(func() error { return rp.writeLoop(gctx) })
	g.Go(func() error { return rp.pingLoop(gctx) })

	err := g.Wait()
	rp.conn.Close()
	if err != nil {
		log.Debugf("spv peer: %v disconnected: %v", rp.id, err)
	}
	rp.lp.removePeer(ctx, rp.id)
}

func (rp *RemotePeer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-rp.out:
			if err := wire.WriteMessage(rp.conn, msg, protocolVersion, rp.lp.chainParams.Net); err != nil {
				return err
			}
		}
	}
}

func (rp *RemotePeer) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			nonce, err := wire.RandomUint64()
			if err != nil {
				continue
			}
			rp.mu.Lock()
			rp.pingNonce = nonce
			rp.pingSent = time.Now()
			rp.mu.Unlock()
			if err := rp.queueMessage(wire.NewMsgPing(nonce)); err != nil {
				return err
			}
		}
	}
}

func (rp *RemotePeer) readLoop(ctx context.Context) error {
	for {
		msg, _, err := wire.ReadMessage(rp.conn, protocolVersion, rp.lp.chainParams.Net)
		if err != nil {
			return err
		}
		if err := rp.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

func (rp *RemotePeer) handleMessage(ctx context.Context, msg wire.Message) error {
	s := rp.lp.session
	switch m := msg.(type) {
	case *wire.MsgHeaders:
		headers := make([]*wire.BlockHeader, len(m.Headers))
		copy(headers, m.Headers)
		return s.PeerHeaders(ctx, rp.id, headers)
	case *wire.MsgInv:
		fresh := make([]*wire.InvVect, 0, len(m.InvList))
		for _, inv := range m.InvList {
			if rp.invSeen.Contains(inv.Hash) {
				continue
			}
			rp.invSeen.Add(inv.Hash)
			fresh = append(fresh, inv)
		}
		if len(fresh) == 0 {
			return nil
		}
		return s.PeerInv(ctx, rp.id, fresh)
	case *wire.MsgTx:
		hash := m.TxHash()
		if _, ok := rp.txSeen.Get(hash); ok {
			return nil
		}
		rp.txSeen.Add(hash, time.Now())
		return s.PeerTx(ctx, rp.id, m)
	case *wire.MsgMerkleBlock:
		dmb, err := merkle.DecodeBlock(m)
		if err != nil {
			log.Debugf("spv peer: %v sent malformed merkle block: %v", rp.id, err)
			rp.mu.Lock()
			score := rp.banScore.Increase(banScoreMalformedMerkleBlock, 0)
			rp.mu.Unlock()
			if score > banScoreThreshold {
				return errors.E(errors.Protocol, "peer exceeded ban score threshold")
			}
			return nil
		}
		return s.PeerMerkleBlock(ctx, rp.id, dmb)
	case *wire.MsgPing:
		return rp.queueMessage(wire.NewMsgPong(m.Nonce))
	case *wire.MsgPong:
		rp.mu.Lock()
		if m.Nonce == rp.pingNonce {
			rp.pingNonce = 0
		}
		rp.mu.Unlock()
		return nil
	case *wire.MsgNotFound:
		// Items the peer no longer has stay inflight until the heartbeat's
		// stall recovery: merkle blocks go back into the download queue,
		// and transactions are requested again from this same peer.
		return nil
	case *wire.MsgReject:
		log.Debugf("spv peer: %v rejected message: %s: %s", rp.id, m.Cmd, m.Reason)
		return nil
	default:
		return nil
	}
}
