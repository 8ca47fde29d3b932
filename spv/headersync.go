package spv

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// startup runs the header-sync driver's §4.2 startup sequence: if the seeded
// best block predates fast_catchup, it is replaced by the catchup anchor,
// and blocks_to_dwn is populated from the header store.
func (s *Session) startup() {
	best, ok := s.store.HeaderByHash(s.bestBlockHash)
	if !ok || best.Timestamp.Before(s.fastCatchup) {
		anchor := s.store.BlockBeforeTimestamp(s.fastCatchup)
		if anchor != nil {
			s.bestBlockHash = anchor.Hash
		}
	}
	for _, hh := range s.store.BlocksToDownload(s.bestBlockHash) {
		s.blocksToDwn.add(hh.Height, hh.Hash)
	}
}

// handlePeerHandshake implements §4.2's on-handshake sequence.
func (s *Session) handlePeerHandshake(peer PeerID) {
	if s.bloomSet() {
		s.sendFilterLoad(peer)
	}

	for _, tx := range s.pendingTxBroadcast {
		s.sendTx(peer, tx)
	}
	s.pendingTxBroadcast = nil

	s.sendGetHeaders(peer, s.fullLocator(), nil)

	s.downloadBlocks(peer)
}

func (s *Session) fullLocator() []*chainhash.Hash {
	return s.store.BlockLocator(s.bestBlockHash)
}

func (s *Session) sendFilterLoad(peer PeerID) {
	msg := &wire.MsgFilterLoad{Filter: s.bloom}
	if err := s.mgr.SendMessage(peer, msg); err != nil {
		log.Debugf("spv: sending filterload to %v: %v", peer, err)
	}
}

func (s *Session) sendTx(peer PeerID, tx *wire.MsgTx) {
	if err := s.mgr.SendMessage(peer, tx); err != nil {
		log.Debugf("spv: sending tx to %v: %v", peer, err)
	}
}

func (s *Session) sendGetHeaders(peer PeerID, locator []*chainhash.Hash, hashStop *chainhash.Hash) {
	msg := wire.NewMsgGetHeaders()
	for _, h := range locator {
		_ = msg.AddBlockLocatorHash(h)
	}
	if hashStop != nil {
		msg.HashStop = *hashStop
	}
	if err := s.mgr.SendMessage(peer, msg); err != nil {
		log.Debugf("spv: sending getheaders to %v: %v", peer, err)
	}
}

// handlePeerHeaders implements §4.2's on-Headers sequence.
func (s *Session) handlePeerHeaders(peer PeerID, headers []*wire.BlockHeader) {
	prevBest := s.store.BestHeader()

	var accepted []*HeaderNode
	for _, h := range headers {
		outcome, node, err := s.store.ConnectHeader(h, time.Now())
		switch outcome {
		case HeaderAccept:
			accepted = append(accepted, node)
		case HeaderExists:
			// Duplicate; nothing to do.
		case HeaderReject:
			log.Debugf("spv: header %v rejected: %v", h.BlockHash(), err)
		}
	}

	var headerOnly, downloadable []*HeaderNode
	for _, n := range accepted {
		if n.Timestamp.Before(s.fastCatchup) {
			headerOnly = append(headerOnly, n)
		} else {
			downloadable = append(downloadable, n)
		}
	}

	if len(headerOnly) > 0 {
		last := headerOnly[len(headerOnly)-1]
		currentBest, ok := s.store.HeaderByHash(s.bestBlockHash)
		if !ok || last.Work.Cmp(currentBest.Work) > 0 {
			s.bestBlockHash = last.Hash
		}
	}

	for _, n := range downloadable {
		s.blocksToDwn.add(n.Height, n.Hash)
	}

	for _, n := range accepted {
		for id, ps := range s.peerStates {
			if ps.removeBroadcastBlock(n.Hash) {
				s.mgr.IncreasePeerHeight(id, n.Height)
			}
		}
	}

	newBest := s.store.BestHeader()
	workIncreased := prevBest == nil || newBest.Work.Cmp(prevBest.Work) > 0
	if workIncreased {
		s.mgr.IncreasePeerHeight(peer, newBest.Height)
		if s.headersSynced() {
			s.hasSyncPeer = false
		} else {
			s.syncPeer = peer
			s.hasSyncPeer = true
		}
		s.sendGetHeaders(peer, []*chainhash.Hash{&newBest.Hash}, nil)
	}

	for _, id := range s.mgr.Peers() {
		s.downloadBlocks(id)
	}
}
