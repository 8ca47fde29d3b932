package spv

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// isStalled implements §4.7's stall predicate: issued_at + 120s < now.
func isStalled(issuedAt, now time.Time) bool {
	return now.After(issuedAt.Add(stallTimeout))
}

// handleHeartbeat implements §4.7. Peers with any stalled merkle this round
// are demoted to the end of the scheduling order; everyone else is
// re-assigned first so a consistently slow peer doesn't starve the rest.
// Every connected peer is considered, not just those with a peerStates
// entry: a peer that has never been assigned a download still needs a
// downloadBlocks call so it can pick up work freed by a stalled peer.
func (s *Session) handleHeartbeat() {
	now := time.Now()

	var normal, demoted []PeerID

	for _, id := range s.mgr.Peers() {
		ps, ok := s.peerStates[id]
		if !ok {
			normal = append(normal, id)
			continue
		}

		var live []inflightMerkle
		stalledAny := false
		for _, im := range ps.inflightMerkles {
			if isStalled(im.issuedAt, now) {
				s.blocksToDwn.add(im.height, im.hash)
				stalledAny = true
			} else {
				live = append(live, im)
			}
		}
		ps.inflightMerkles = live

		var liveTxs []inflightTx
		var stalledTxHashes []chainhash.Hash
		for _, it := range ps.inflightTxs {
			if isStalled(it.issuedAt, now) {
				stalledTxHashes = append(stalledTxHashes, it.hash)
			} else {
				liveTxs = append(liveTxs, it)
			}
		}
		ps.inflightTxs = liveTxs
		if len(stalledTxHashes) > 0 {
			s.downloadTxs(id, stalledTxHashes)
		}

		if stalledAny {
			demoted = append(demoted, id)
		} else {
			normal = append(normal, id)
		}
	}

	for _, id := range normal {
		s.downloadBlocks(id)
	}
	for _, id := range demoted {
		s.downloadBlocks(id)
	}

	if s.hasPendingRescan {
		s.completeRescanIfDrained()
	}
}
