// Package headerchain implements the persistent header-chain store the
// session core depends on (see spv.HeaderStore): header insertion with
// cumulative-work tracking, best-chain/side-chain classification for
// confirmed merkle blocks, and the locator/catchup queries the header-sync
// driver needs. Headers are cached in memory and mirrored to a bbolt
// database so a restart doesn't require re-downloading the chain.
package headerchain

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"

	"github.com/btcspv/spvnode/errors"
	"github.com/btcspv/spvnode/spv"
	"github.com/btcspv/spvnode/validate"
)

var (
	headersBucketName = []byte("headers")
	metaBucketName    = []byte("meta")
	bestKey           = []byte("best")
	genesisKey        = []byte("genesis")
)

// convertErr wraps a bbolt driver error with an error code, matching the
// pattern the wallet's own bbolt adapter uses for walletdb.
func convertErr(op errors.Op, err error) error {
	if err == nil {
		return nil
	}
	var kind errors.Kind
	switch err {
	case bolt.ErrDatabaseNotOpen, bolt.ErrTxNotWritable, bolt.ErrTxClosed:
		kind = errors.Invalid
	case bolt.ErrBucketNotFound:
		kind = errors.Invalid
	default:
		kind = errors.IO
	}
	return errors.E(op, kind, err)
}

// Store is a bbolt-backed implementation of spv.HeaderStore. All headers
// ever seen, on any branch, are retained; BestHeader tracks the tip of
// whichever branch carries the most cumulative work.
type Store struct {
	db *bolt.DB

	mu          sync.RWMutex
	nodes       map[chainhash.Hash]*spv.HeaderNode
	bestHash    chainhash.Hash
	genesisHash chainhash.Hash
}

// Open opens (creating if necessary) the header database at dbPath and
// seeds it with genesisHeader if empty.
func Open(dbPath string, genesisHeader *wire.BlockHeader) (*Store, error) {
	const op errors.Op = "headerchain.Open"

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, convertErr(op, err)
	}

	s := &Store{
		db:    db,
		nodes: make(map[chainhash.Hash]*spv.HeaderNode),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		headers, err := tx.CreateBucketIfNotExists(headersBucketName)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}

		err = headers.ForEach(func(k, v []byte) error {
			node, err := decodeNode(v)
			if err != nil {
				return err
			}
			s.nodes[node.Hash] = node
			return nil
		})
		if err != nil {
			return err
		}

		if len(s.nodes) == 0 {
			genesisWork := blockchain.CalcWork(genesisHeader.Bits)
			genesis := &spv.HeaderNode{
				Hash:      genesisHeader.BlockHash(),
				Height:    0,
				Timestamp: genesisHeader.Timestamp,
				Header:    *genesisHeader,
				Work:      genesisWork,
			}
			s.nodes[genesis.Hash] = genesis
			s.genesisHash = genesis.Hash
			s.bestHash = genesis.Hash
			if err := headers.Put(genesis.Hash[:], encodeNode(genesis)); err != nil {
				return err
			}
			if err := meta.Put(genesisKey, genesis.Hash[:]); err != nil {
				return err
			}
			return meta.Put(bestKey, genesis.Hash[:])
		}

		if gh := meta.Get(genesisKey); gh != nil {
			copy(s.genesisHash[:], gh)
		} else {
			s.genesisHash = genesisHeader.BlockHash()
		}
		if bh := meta.Get(bestKey); bh != nil {
			copy(s.bestHash[:], bh)
		} else {
			s.bestHash = s.genesisHash
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, convertErr(op, err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeNode(n *spv.HeaderNode) []byte {
	var buf bytes.Buffer
	var heightBuf [4]byte
	binary.BigEndian.PutUint32(heightBuf[:], uint32(n.Height))
	buf.Write(heightBuf[:])

	workBytes := n.Work.Bytes()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(workBytes)))
	buf.Write(lenBuf[:])
	buf.Write(workBytes)

	_ = n.Header.Serialize(&buf)
	return buf.Bytes()
}

func decodeNode(v []byte) (*spv.HeaderNode, error) {
	const op errors.Op = "headerchain.decodeNode"
	if len(v) < 6 {
		return nil, errors.E(op, errors.Encoding, "truncated header record")
	}
	height := int32(binary.BigEndian.Uint32(v[:4]))
	workLen := int(binary.BigEndian.Uint16(v[4:6]))
	rest := v[6:]
	if len(rest) < workLen {
		return nil, errors.E(op, errors.Encoding, "truncated header record")
	}
	work := new(big.Int).SetBytes(rest[:workLen])
	rest = rest[workLen:]

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(rest)); err != nil {
		return nil, errors.E(op, errors.Encoding, err)
	}

	return &spv.HeaderNode{
		Hash:      header.BlockHash(),
		Height:    height,
		Timestamp: header.Timestamp,
		Header:    header,
		Work:      work,
	}, nil
}

func (s *Store) persist(n *spv.HeaderNode) error {
	const op errors.Op = "headerchain.persist"
	err := s.db.Update(func(tx *bolt.Tx) error {
		headers := tx.Bucket(headersBucketName)
		return headers.Put(n.Hash[:], encodeNode(n))
	})
	return convertErr(op, err)
}

func (s *Store) persistBest(hash chainhash.Hash) error {
	const op errors.Op = "headerchain.persistBest"
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucketName)
		return meta.Put(bestKey, hash[:])
	})
	return convertErr(op, err)
}

// ConnectHeader implements spv.HeaderStore.
func (s *Store) ConnectHeader(header *wire.BlockHeader, adjustedTime time.Time) (spv.HeaderInsertOutcome, *spv.HeaderNode, error) {
	const op errors.Op = "headerchain.ConnectHeader"

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := header.BlockHash()
	if n, ok := s.nodes[hash]; ok {
		return spv.HeaderExists, n, nil
	}

	if err := validate.ProofOfWork(header); err != nil {
		return spv.HeaderReject, nil, errors.E(op, err)
	}

	parent, ok := s.nodes[header.PrevBlock]
	if !ok {
		return spv.HeaderReject, nil, errors.E(op, errors.Protocol, "header extends unknown parent")
	}

	work := new(big.Int).Add(parent.Work, blockchain.CalcWork(header.Bits))
	node := &spv.HeaderNode{
		Hash:      hash,
		Height:    parent.Height + 1,
		Timestamp: header.Timestamp,
		Header:    *header,
		Work:      work,
	}
	s.nodes[hash] = node

	if err := s.persist(node); err != nil {
		delete(s.nodes, hash)
		return spv.HeaderReject, nil, err
	}

	if best := s.nodes[s.bestHash]; work.Cmp(best.Work) > 0 {
		s.bestHash = hash
		if err := s.persistBest(hash); err != nil {
			return spv.HeaderAccept, node, err
		}
	}

	return spv.HeaderAccept, node, nil
}

// BestHeader implements spv.HeaderStore.
func (s *Store) BestHeader() *spv.HeaderNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[s.bestHash]
}

// BestHeaderHeight implements spv.HeaderStore.
func (s *Store) BestHeaderHeight() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.nodes[s.bestHash]; ok {
		return n.Height
	}
	return 0
}

// HeaderByHash implements spv.HeaderStore.
func (s *Store) HeaderByHash(hash chainhash.Hash) (*spv.HeaderNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[hash]
	return n, ok
}

// HeaderHeight implements spv.HeaderStore.
func (s *Store) HeaderHeight(hash chainhash.Hash) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[hash]
	if !ok {
		return 0, false
	}
	return n.Height, true
}

// Genesis implements spv.HeaderStore.
func (s *Store) Genesis() *spv.HeaderNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[s.genesisHash]
}

// BlockBeforeTimestamp implements spv.HeaderStore: walking the best chain
// back from its tip, it returns the first header whose timestamp predates
// ts, which is fast_catchup's anchor per the header-sync driver's startup
// sequence.
func (s *Store) BlockBeforeTimestamp(ts time.Time) *spv.HeaderNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[s.bestHash]
	for ok {
		if n.Timestamp.Before(ts) {
			return n
		}
		if n.Hash == s.genesisHash {
			return n
		}
		n, ok = s.nodes[n.Header.PrevBlock]
	}
	return nil
}

// BlocksToDownload implements spv.HeaderStore: every header on the best
// chain strictly above from, ascending by height.
func (s *Store) BlocksToDownload(from chainhash.Hash) []spv.HeightHash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []*spv.HeaderNode
	n, ok := s.nodes[s.bestHash]
	for ok && n.Hash != from {
		chain = append(chain, n)
		if n.Hash == s.genesisHash {
			break
		}
		n, ok = s.nodes[n.Header.PrevBlock]
	}

	out := make([]spv.HeightHash, len(chain))
	for i, c := range chain {
		out[len(chain)-1-i] = spv.HeightHash{Height: c.Height, Hash: c.Hash}
	}
	return out
}

// BlockLocator implements spv.HeaderStore, mirroring the wire protocol's
// standard locator construction: exponentially-spaced hashes walking back
// from from to genesis.
func (s *Store) BlockLocator(from chainhash.Hash) []*chainhash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, ok := s.nodes[from]
	if !ok {
		start, ok = s.nodes[s.bestHash]
		if !ok {
			return nil
		}
	}

	var locator []*chainhash.Hash
	step := int32(1)
	height := start.Height
	n := start
	for {
		hash := n.Hash
		locator = append(locator, &hash)
		if n.Hash == s.genesisHash || len(locator) >= wire.MaxBlockLocatorsPerMsg {
			break
		}

		height -= step
		for height < 0 {
			height = 0
		}
		for n.Height > height && n.Hash != s.genesisHash {
			n = s.nodes[n.Header.PrevBlock]
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if n.Hash == s.genesisHash {
			hash := n.Hash
			locator = append(locator, &hash)
			break
		}
	}
	return locator
}

// commonAncestor walks both chains back to their first shared node.
func (s *Store) commonAncestor(a, b *spv.HeaderNode) *spv.HeaderNode {
	seen := make(map[chainhash.Hash]struct{})
	for n := a; ; {
		seen[n.Hash] = struct{}{}
		if n.Hash == s.genesisHash {
			break
		}
		n = s.nodes[n.Header.PrevBlock]
	}
	for n := b; ; {
		if _, ok := seen[n.Hash]; ok {
			return n
		}
		if n.Hash == s.genesisHash {
			return n
		}
		n = s.nodes[n.Header.PrevBlock]
	}
}

// chainBetween collects nodes strictly above common up to and including
// tip, ascending by height.
func (s *Store) chainBetween(tip, common *spv.HeaderNode) []*spv.HeaderNode {
	var rev []*spv.HeaderNode
	for n := tip; n.Hash != common.Hash; {
		rev = append(rev, n)
		n = s.nodes[n.Header.PrevBlock]
	}
	out := make([]*spv.HeaderNode, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out
}

// ConnectBlock implements spv.HeaderStore: classify blockID's relationship
// to the confirmed chain tip prevBest using the already-connected header
// tree's ancestry and cumulative work.
func (s *Store) ConnectBlock(prevBest, blockID chainhash.Hash) (spv.ConnectResult, error) {
	const op errors.Op = "headerchain.ConnectBlock"

	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[blockID]
	if !ok {
		return spv.ConnectResult{}, errors.E(op, errors.Protocol, "block header not connected")
	}
	prevNode, ok := s.nodes[prevBest]
	if !ok {
		return spv.ConnectResult{}, errors.E(op, errors.Invalid, "prevBest not connected")
	}

	if node.Header.PrevBlock == prevNode.Hash {
		return spv.ConnectResult{Kind: spv.BestBlock, Node: node}, nil
	}

	if node.Work.Cmp(prevNode.Work) <= 0 {
		return spv.ConnectResult{Kind: spv.SideBlock, Node: node}, nil
	}

	common := s.commonAncestor(prevNode, node)
	orphaned := s.chainBetween(prevNode, common)
	newChain := s.chainBetween(node, common)

	log.Debugf("headerchain: reorg at height %v: %v orphaned, %v new", common.Height, len(orphaned), len(newChain))

	return spv.ConnectResult{
		Kind:     spv.BlockReorg,
		Node:     node,
		Common:   common,
		Orphaned: orphaned,
		New:      newChain,
	}, nil
}
