package spv

import "time"

// handleNodeRescan implements the §4.6 rescan coordinator's entry point.
func (s *Session) handleNodeRescan(ts time.Time) {
	if s.anyInflightMerkles() {
		s.pendingRescan = ts
		s.hasPendingRescan = true
		return
	}
	s.runRescan(ts)
}

// completeRescanIfDrained attempts to finish a deferred rescan once the
// last inflight merkle on some peer has drained; it is a no-op if other
// peers still have merkles inflight.
func (s *Session) completeRescanIfDrained() {
	if !s.hasPendingRescan || s.anyInflightMerkles() {
		return
	}
	s.runRescan(s.pendingRescan)
}

// runRescan performs the actual rescan: wallet-side cleanup, recomputing the
// anchor and download queue from the new fast-catchup timestamp, and
// re-arming the download scheduler for every peer.
func (s *Session) runRescan(ts time.Time) {
	s.wallet.RescanCleanup()

	anchor := s.store.BlockBeforeTimestamp(ts)

	s.blocksToDwn = newBlockQueue()
	s.receivedMerkle = make(map[int32][]*decodedMerkleBlock)
	s.hasPendingRescan = false
	s.pendingRescan = time.Time{}
	s.fastCatchup = ts

	if anchor != nil {
		s.bestBlockHash = anchor.Hash
	}

	for _, hh := range s.store.BlocksToDownload(s.bestBlockHash) {
		s.blocksToDwn.add(hh.Height, hh.Hash)
	}

	for _, id := range s.mgr.Peers() {
		s.downloadBlocks(id)
	}
}
