package spv

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
)

// handleBloomFilterUpdate implements the §6 BloomFilterUpdate request:
// install the filter if it is non-empty and different from the one
// installed, broadcast FilterLoad to every handshaken peer, and re-arm the
// download scheduler.
func (s *Session) handleBloomFilterUpdate(filter []byte) {
	if len(filter) == 0 || bytes.Equal(filter, s.bloom) {
		return
	}
	s.bloom = filter

	for _, id := range s.mgr.Peers() {
		data, ok := s.mgr.PeerData(id)
		if !ok || !data.Handshaken {
			continue
		}
		s.sendFilterLoad(id)
	}
	for _, id := range s.mgr.Peers() {
		s.downloadBlocks(id)
	}
}

// handlePublishTx implements the §6 PublishTx request: direct Tx to every
// handshaken peer, or queue it for the next handshake if none exists.
func (s *Session) handlePublishTx(tx *wire.MsgTx) {
	sent := false
	for _, id := range s.mgr.Peers() {
		data, ok := s.mgr.PeerData(id)
		if !ok || !data.Handshaken {
			continue
		}
		s.sendTx(id, tx)
		sent = true
	}
	if !sent {
		s.pendingTxBroadcast = append([]*wire.MsgTx{tx}, s.pendingTxBroadcast...)
	}
}
