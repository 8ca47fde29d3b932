package spv

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// canDownload implements §4.3's download-gating predicate.
func (s *Session) canDownload(peer PeerID) bool {
	if s.hasSyncPeer && peer == s.syncPeer {
		return false
	}
	if !s.bloomSet() {
		return false
	}
	data, ok := s.mgr.PeerData(peer)
	if !ok || !data.Handshaken {
		return false
	}
	if ps, ok := s.peerStates[peer]; ok && len(ps.inflightMerkles) > 0 {
		return false
	}
	if s.hasPendingRescan {
		return false
	}
	return true
}

// downloadBlocks is the sole assigner of queued block hashes to a peer
// (§4.3). It is a no-op if canDownload rejects the peer or the queue has
// nothing at or below the peer's advertised height.
func (s *Session) downloadBlocks(peer PeerID) {
	if !s.canDownload(peer) {
		return
	}
	data, ok := s.mgr.PeerData(peer)
	if !ok {
		return
	}

	taken := s.blocksToDwn.take(maxBlocksPerBatch, data.Height)
	if len(taken) == 0 {
		return
	}

	now := time.Now()
	ps := s.peer(peer)
	getData := wire.NewMsgGetData()
	for _, hh := range taken {
		ps.inflightMerkles = append(ps.inflightMerkles, inflightMerkle{heightHash: hh, issuedAt: now})
		hash := hh.hash
		_ = getData.AddInvVect(wire.NewInvVect(wire.InvTypeFilteredBlock, &hash))
	}

	if err := s.mgr.SendMessage(peer, getData); err != nil {
		log.Debugf("spv: sending getdata to %v: %v", peer, err)
	}

	// A Ping sentinel marks the end of this batch: its Pong is guaranteed to
	// arrive after every merkle block in the batch, giving a cheap signal
	// that the batch finished without needing per-item acknowledgement.
	s.sendPingSentinel(peer)
}

func (s *Session) sendPingSentinel(peer PeerID) {
	nonce, err := wire.RandomUint64()
	if err != nil {
		nonce = uint64(time.Now().UnixNano())
	}
	if err := s.mgr.SendMessage(peer, wire.NewMsgPing(nonce)); err != nil {
		log.Debugf("spv: sending ping to %v: %v", peer, err)
	}
}

// downloadTxs issues a GetData request for the given transaction hashes,
// recording them as inflight on peer.
func (s *Session) downloadTxs(peer PeerID, hashes []chainhash.Hash) {
	if len(hashes) == 0 {
		return
	}
	now := time.Now()
	ps := s.peer(peer)
	getData := wire.NewMsgGetData()
	for _, h := range hashes {
		ps.inflightTxs = append(ps.inflightTxs, inflightTx{hash: h, issuedAt: now})
		hash := h
		_ = getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash))
	}
	if err := s.mgr.SendMessage(peer, getData); err != nil {
		log.Debugf("spv: sending getdata(tx) to %v: %v", peer, err)
	}
}
