package spv

// handlePeerDisconnect implements §4.8: reclaim the peer's inflight
// merkles, clear its bookkeeping, and re-arm header sync and the download
// scheduler across the remaining peers.
func (s *Session) handlePeerDisconnect(peer PeerID) {
	if ps, ok := s.peerStates[peer]; ok {
		for _, im := range ps.inflightMerkles {
			s.blocksToDwn.add(im.height, im.hash)
		}
		delete(s.peerStates, peer)
	}

	if s.hasSyncPeer && s.syncPeer == peer {
		s.hasSyncPeer = false
		locator := s.fullLocator()
		for _, id := range s.mgr.Peers() {
			s.sendGetHeaders(id, locator, nil)
		}
	}

	for _, id := range s.mgr.Peers() {
		s.downloadBlocks(id)
	}

	if s.hasPendingRescan {
		s.completeRescanIfDrained()
	}
}
