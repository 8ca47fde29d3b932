// Package walletsink provides a reference implementation of spv.WalletSink:
// an in-memory record of wanted transaction hashes, known merkle hashes,
// and every import call the session core makes. It is the wallet sink
// cmd/spvnode wires into the session and doubles as a starting point for a real wallet
// integration, which is expected to replace the in-memory bookkeeping with
// calls into its own transaction and address managers.
package walletsink

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcspv/spvnode/spv"
)

// ImportedMerkleBlock records one spv.WalletSink.ImportMerkleBlock call.
type ImportedMerkleBlock struct {
	Action   spv.ConnectResult
	TxHashes []chainhash.Hash
}

// MemSink is an in-memory spv.WalletSink.
type MemSink struct {
	mu sync.Mutex

	wanted      map[chainhash.Hash]struct{}
	knownMerkle map[chainhash.Hash]struct{}

	importedTxs    []*wire.MsgTx
	importedBlocks []ImportedMerkleBlock
	rescanCleanups int
}

// New returns an empty MemSink.
func New() *MemSink {
	return &MemSink{
		wanted:      make(map[chainhash.Hash]struct{}),
		knownMerkle: make(map[chainhash.Hash]struct{}),
	}
}

// Want marks hash as one the session should deliver if it arrives as a
// solo transaction or inside a merkle block.
func (m *MemSink) Want(hash chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wanted[hash] = struct{}{}
}

// MarkKnownMerkle records hash as a block already imported, letting later
// merkle blocks that extend it satisfy the reassembler's parent-known
// precondition (§4.5) without walking the header store.
func (m *MemSink) MarkKnownMerkle(hash chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knownMerkle[hash] = struct{}{}
}

// WantTxHash implements spv.WalletSink.
func (m *MemSink) WantTxHash(hash chainhash.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.wanted[hash]
	return ok
}

// HaveMerkleHash implements spv.WalletSink.
func (m *MemSink) HaveMerkleHash(hash chainhash.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.knownMerkle[hash]
	return ok
}

// ImportTxs implements spv.WalletSink.
func (m *MemSink) ImportTxs(txs []*wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importedTxs = append(m.importedTxs, txs...)
}

// ImportMerkleBlock implements spv.WalletSink.
func (m *MemSink) ImportMerkleBlock(action spv.ConnectResult, txHashes []chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if action.Node != nil {
		m.knownMerkle[action.Node.Hash] = struct{}{}
	}
	m.importedBlocks = append(m.importedBlocks, ImportedMerkleBlock{Action: action, TxHashes: txHashes})
}

// RescanCleanup implements spv.WalletSink.
func (m *MemSink) RescanCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescanCleanups++
}

// ImportedTxs returns every transaction delivered via ImportTxs, in
// delivery order.
func (m *MemSink) ImportedTxs() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*wire.MsgTx, len(m.importedTxs))
	copy(out, m.importedTxs)
	return out
}

// ImportedBlocks returns every recorded ImportMerkleBlock call, in
// delivery order.
func (m *MemSink) ImportedBlocks() []ImportedMerkleBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ImportedMerkleBlock, len(m.importedBlocks))
	copy(out, m.importedBlocks)
	return out
}

// RescanCleanups returns the number of times RescanCleanup was called.
func (m *MemSink) RescanCleanups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rescanCleanups
}
