package spv

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// importMerkleBlocks is the §4.5 merkle reassembler. It is a no-op unless
// its preconditions hold: no transaction is inflight on any peer, and no
// rescan is pending. Those preconditions are what close the tx/merkle
// interlock race described in §4.5.
func (s *Session) importMerkleBlocks() {
	if s.anyInflightTxs() || s.hasPendingRescan {
		return
	}

	importedAny := false
	for s.importOnePass() {
		importedAny = true
	}

	if importedAny && s.merkleSynced() {
		s.drainSoloTxs()
	}
}

func (s *Session) anyInflightTxs() bool {
	for _, ps := range s.peerStates {
		if len(ps.inflightTxs) > 0 {
			return true
		}
	}
	return false
}

func (s *Session) anyInflightMerkles() bool {
	for _, ps := range s.peerStates {
		if len(ps.inflightMerkles) > 0 {
			return true
		}
	}
	return false
}

type merkleCandidate struct {
	height int32
	dmb    *decodedMerkleBlock
}

// importOnePass attempts to import every currently-buffered merkle block
// once, in ascending height order, and reports whether any import
// succeeded. Callers loop this to a fixpoint.
func (s *Session) importOnePass() bool {
	var candidates []merkleCandidate
	for height, list := range s.receivedMerkle {
		for _, dmb := range list {
			candidates = append(candidates, merkleCandidate{height: height, dmb: dmb})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].height < candidates[j].height })

	imported := false
	for _, c := range candidates {
		if s.tryImportOne(c.height, c.dmb) {
			imported = true
		}
	}
	return imported
}

// tryImportOne attempts to import a single decoded merkle block, enforcing
// the parent-known precondition that guarantees in-order delivery.
func (s *Session) tryImportOne(height int32, dmb *decodedMerkleBlock) bool {
	prevHash := dmb.Header.PrevBlock
	genesis := s.store.Genesis()

	importable := genesis != nil && prevHash == genesis.Hash
	if !importable {
		importable = s.wallet.HaveMerkleHash(prevHash)
	}
	if !importable {
		if prev, ok := s.store.HeaderByHash(prevHash); ok && prev.Timestamp.Before(s.fastCatchup) {
			importable = true
		}
	}
	if !importable {
		return false
	}

	blockID := dmb.Header.BlockHash()
	result, err := s.store.ConnectBlock(s.bestBlockHash, blockID)
	if err != nil {
		log.Debugf("spv: connectBlock(%v): %v", blockID, err)
		s.removeReceivedMerkle(height, blockID)
		return false
	}

	s.removeReceivedMerkle(height, blockID)

	var matched []*wire.MsgTx
	for _, txHash := range dmb.MatchedTxHashes {
		if tx, ok := s.soloTxs[txHash]; ok {
			matched = append(matched, tx)
			delete(s.soloTxs, txHash)
		}
	}

	switch result.Kind {
	case BestBlock, BlockReorg:
		s.bestBlockHash = blockID
	case SideBlock:
		// best_block_hash does not advance for side blocks.
	}

	if len(matched) > 0 {
		s.wallet.ImportTxs(matched)
	}
	s.wallet.ImportMerkleBlock(result, dmb.MatchedTxHashes)

	return true
}

func (s *Session) removeReceivedMerkle(height int32, hash chainhash.Hash) {
	list := s.receivedMerkle[height]
	for i, d := range list {
		if d.Header.BlockHash() == hash {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.receivedMerkle, height)
	} else {
		s.receivedMerkle[height] = list
	}
}

// drainSoloTxs flushes every remaining solo transaction to the wallet once
// merkle-block delivery has caught up to the best known peer height.
func (s *Session) drainSoloTxs() {
	if len(s.soloTxs) == 0 {
		return
	}
	txs := make([]*wire.MsgTx, 0, len(s.soloTxs))
	for _, tx := range s.soloTxs {
		txs = append(txs, tx)
	}
	s.soloTxs = make(map[chainhash.Hash]*wire.MsgTx)
	s.wallet.ImportTxs(txs)
}
