package spv

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcspv/spvnode/validate"
)

// handlePeerMerkleBlock implements §4.4's on-MerkleBlock sequence.
func (s *Session) handlePeerMerkleBlock(peer PeerID, dmb *decodedMerkleBlock) {
	blockHash := dmb.Header.BlockHash()
	height, ok := s.store.HeaderHeight(blockHash)
	if !ok {
		log.Debugf("spv: unsolicited merkle block %v from %v", blockHash, peer)
		return
	}

	ps, ok := s.peerStates[peer]
	if !ok {
		return
	}
	if _, removed := ps.removeInflightMerkle(blockHash); !removed {
		log.Debugf("spv: merkle block %v from %v was not inflight", blockHash, peer)
	}

	if err := validate.MerkleRoot(&dmb.Header, dmb.Root); err != nil {
		log.Warnf("spv: %v", err)
		// Re-queue rather than drop: a hash must always be in exactly one of
		// blocks_to_dwn, inflight, or received_merkle (invariant 1), and it
		// was just removed from inflight above.
		s.blocksToDwn.add(height, blockHash)
		if s.hasPendingRescan && len(ps.inflightMerkles) == 0 {
			s.completeRescanIfDrained()
		}
		return
	}

	if s.hasPendingRescan {
		if len(ps.inflightMerkles) == 0 {
			s.completeRescanIfDrained()
		}
		return
	}

	s.receivedMerkle[height] = append(s.receivedMerkle[height], dmb)
	s.importMerkleBlocks()
	s.downloadBlocks(peer)
}

// handlePeerTx implements §4.4's on-Tx sequence.
func (s *Session) handlePeerTx(peer PeerID, tx *wire.MsgTx) {
	hash := tx.TxHash()

	if s.merkleSynced() {
		s.wallet.ImportTxs([]*wire.MsgTx{tx})
	} else {
		s.soloTxs[hash] = tx
	}

	for _, ps := range s.peerStates {
		ps.removeInflightTx(hash)
	}

	s.importMerkleBlocks()
}

// handlePeerInv implements §4.4's on-Inv sequence.
func (s *Session) handlePeerInv(peer PeerID, invs []*wire.InvVect) {
	var wantedTxs []chainhash.Hash
	var unknownBlocks []chainhash.Hash
	var maxKnownHeight int32 = -1
	haveKnownBlock := false

	for _, inv := range invs {
		switch inv.Type {
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			if s.wallet.WantTxHash(inv.Hash) {
				wantedTxs = append(wantedTxs, inv.Hash)
			}
		case wire.InvTypeBlock, wire.InvTypeFilteredBlock, wire.InvTypeWitnessBlock:
			if height, ok := s.store.HeaderHeight(inv.Hash); ok {
				haveKnownBlock = true
				if height > maxKnownHeight {
					maxKnownHeight = height
				}
			} else {
				unknownBlocks = append(unknownBlocks, inv.Hash)
			}
		}
	}

	if len(wantedTxs) > 0 {
		s.downloadTxs(peer, wantedTxs)
	}

	if haveKnownBlock {
		s.mgr.IncreasePeerHeight(peer, maxKnownHeight)
	}
	if len(unknownBlocks) > 0 {
		ps := s.peer(peer)
		locator := s.fullLocator()
		for _, hash := range unknownBlocks {
			ps.broadcastBlocks = append(ps.broadcastBlocks, hash)
			stop := hash
			s.sendGetHeaders(peer, locator, &stop)
		}
	}
}
